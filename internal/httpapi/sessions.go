package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type beginSessionReq struct {
	Direction     session.Direction  `json:"direction"`
	Scope         session.Scope      `json:"scope"`
	Connection    session.Connection `json:"connection"`
	Trigger       session.Trigger    `json:"trigger"`
	ClientVersion string             `json:"clientVersion"`
}

// sessionResp is a started session plus the time after which another start
// from the same device may take it over
type sessionResp struct {
	session.Handle
	StaleAfter time.Time `json:"staleAfter"`
}

type endSessionReq struct {
	Status session.Status `json:"status"`
	Notes  string         `json:"notes"`
}

// decodeOptional decodes a JSON body when one is present
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// BeginSession handles POST /v1/sync/sessions
func (s *Server) BeginSession(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	var req beginSessionReq
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	h, err := s.Sync.BeginSession(r.Context(), id, session.BeginInput{
		Direction:     req.Direction,
		Scope:         req.Scope,
		Connection:    req.Connection,
		Trigger:       req.Trigger,
		ClientVersion: req.ClientVersion,
	})
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}

	log.Ctx(r.Context()).Info().
		Str("sessionId", h.ID).
		Bool("recovered", h.Recovered != nil).
		Msg("sync session created")

	w.Header().Set("X-Sync-Session", h.ID)
	writeJSON(w, http.StatusCreated, sessionResp{
		Handle:     h,
		StaleAfter: h.StartedAt.Add(s.Sync.Tracker().StaleTimeout()),
	})
}

// EndSession handles DELETE /v1/sync/sessions/{id}.
// The optional body selects the final status (default completed).
func (s *Server) EndSession(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	var req endSessionReq
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != "" && !req.Status.Terminal() {
		writeError(w, r, http.StatusBadRequest, "status must be completed, partial-failure or failed")
		return
	}

	h, err := s.Sync.ResumeSession(r.Context(), id, sessionID)
	if err != nil {
		if errors.Is(err, syncerr.ErrSessionConflict) {
			writeError(w, r, http.StatusNotFound, "session not found or already ended")
			return
		}
		writeServiceError(w, r, err, nil)
		return
	}

	entry, err := s.Sync.EndSession(r.Context(), id, h, req.Status, req.Notes)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetSession handles GET /v1/sync/sessions/{id}.
// Only the most recent session of the calling device is retained.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	entry, err := s.Sync.SessionStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	if entry.SessionID != sessionID {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
