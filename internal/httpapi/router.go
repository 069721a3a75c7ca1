package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/erauner12/syncengine/internal/auth"
	"github.com/erauner12/syncengine/internal/service/syncservice"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Sync            *syncservice.Service
	RateLimitConfig RateLimitInfo

	// PageSize and MaxPageSize bound ?limit on list and pull endpoints
	PageSize    int
	MaxPageSize int

	// Ready reports storage health for /healthz (nil = always ready)
	Ready func(ctx context.Context) error
}

// pushReq is the request body for the push endpoint
type pushReq struct {
	Items []map[string]any `json:"items"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// pageBounds returns the default and maximum page size
func (s *Server) pageBounds() (int, int) {
	def, max := s.PageSize, s.MaxPageSize
	if def <= 0 {
		def = 500
	}
	if max < def {
		max = def
	}
	return def, max
}

func (s *Server) limit(r *http.Request) int {
	def, max := s.pageBounds()
	return parseLimit(r.URL.Query().Get("limit"), def, max)
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", s.Health)

	// Capability discovery (unauthenticated)
	r.Get("/v1/sync/info", s.Info)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))
		r.Use(SessionMiddleware)

		// Session management
		r.Post("/v1/sync/sessions", s.BeginSession)
		r.Get("/v1/sync/sessions/{id}", s.GetSession)
		r.Delete("/v1/sync/sessions/{id}", s.EndSession)
		r.Get("/v1/sync/state", s.GetSyncState)

		// Conflicts
		r.Get("/v1/sync/conflicts", s.ListConflicts)
		r.Get("/v1/sync/conflicts/{id}", s.GetConflict)
		r.Post("/v1/sync/conflicts/{id}/resolve", s.ResolveConflict)
		r.Post("/v1/sync/conflicts/{id}/ignore", s.IgnoreConflict)

		// Deleted records
		r.Post("/v1/sync/records/{type}/{id}/restore", s.RestoreRecord)

		// Devices
		r.Get("/v1/sync/devices", s.ListDevices)
		r.Delete("/v1/sync/devices/{deviceId}", s.UnregisterDevice)
		r.Get("/v1/sync/history", s.ListHistory)

		// Data exchange requires a running session
		r.Group(func(r chi.Router) {
			r.Use(s.SessionRequired)
			r.Post("/v1/sync/push", s.Push)
			r.Get("/v1/sync/pull", s.Pull)
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// Health handles GET /healthz
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			log.Ctx(r.Context()).Error().Err(err).Msg("health check failed")
			writeError(w, r, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
