package httpapi

import (
	"errors"
	"net/http"

	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/rs/zerolog/log"
)

// SessionRequired middleware enforces that the calling device has a running
// sync session matching X-Sync-Session, and resolves its handle.
// Applied to push/pull but NOT to /info or session management endpoints.
func (s *Server) SessionRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := GetSessionID(r.Context())
		if sessionID == "" {
			log.Ctx(r.Context()).Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Msg("Request to sync endpoint without X-Sync-Session header")

			writeError(w, r, http.StatusPreconditionRequired,
				"X-Sync-Session header required. Please call POST /v1/sync/sessions to begin a session.")
			return
		}

		id, _ := identity.FromContext(r.Context())
		h, err := s.Sync.ResumeSession(r.Context(), id, sessionID)
		switch {
		case errors.Is(err, syncerr.ErrSessionConflict), errors.Is(err, syncerr.ErrNotFound):
			log.Ctx(r.Context()).Warn().Err(err).
				Str("path", r.URL.Path).
				Msg("Invalid or expired sync session")

			writeError(w, r, http.StatusPreconditionRequired,
				"Invalid or expired sync session. Please call POST /v1/sync/sessions to begin a new session.")
			return
		case err != nil:
			writeServiceError(w, r, err, nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(withHandle(r.Context(), h)))
	})
}
