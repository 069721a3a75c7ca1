package httpapi

import (
	"net/http"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/go-chi/chi/v5"
)

type conflictsResp struct {
	Conflicts []conflict.Conflict `json:"conflicts"`
}

type resolveReq struct {
	Strategy string `json:"strategy"`
}

type resolveResp struct {
	Verdict    conflict.Verdict  `json:"verdict"`
	Conflict   conflict.Conflict `json:"conflict"`
	Record     *record.Record    `json:"record,omitempty"`
	Token      record.Token      `json:"token,omitempty"`
	Redetected bool              `json:"redetected"`
}

type devicesResp struct {
	Devices []session.Entry `json:"devices"`
}

// ListConflicts handles GET /v1/sync/conflicts?entityType=&limit=
// Returns the caller's conflicts awaiting a decision.
func (s *Server) ListConflicts(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	list, err := s.Sync.PendingConflicts(r.Context(), id, r.URL.Query().Get("entityType"), s.limit(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, conflictsResp{Conflicts: list})
}

// GetConflict handles GET /v1/sync/conflicts/{id}
func (s *Server) GetConflict(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	c, err := s.Sync.GetConflict(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ResolveConflict handles POST /v1/sync/conflicts/{id}/resolve
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	var req resolveReq
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	strategy, err := conflict.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unknown strategy "+req.Strategy)
		return
	}

	out, err := s.Sync.ResolveConflict(r.Context(), id, chi.URLParam(r, "id"), strategy)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, resolveResp{
		Verdict:    out.Verdict,
		Conflict:   out.Conflict,
		Record:     out.Record,
		Token:      out.Token,
		Redetected: out.Redetected,
	})
}

// IgnoreConflict handles POST /v1/sync/conflicts/{id}/ignore
func (s *Server) IgnoreConflict(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	c, err := s.Sync.IgnoreConflict(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// RestoreRecord handles POST /v1/sync/records/{type}/{id}/restore
func (s *Server) RestoreRecord(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	key := record.Key{EntityType: chi.URLParam(r, "type"), EntityID: chi.URLParam(r, "id")}

	rec, err := s.Sync.RestoreRecord(r.Context(), id, key)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListDevices handles GET /v1/sync/devices
func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	entries, err := s.Sync.Devices(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	if entries == nil {
		entries = []session.Entry{}
	}
	writeJSON(w, http.StatusOK, devicesResp{Devices: entries})
}

// UnregisterDevice handles DELETE /v1/sync/devices/{deviceId}
func (s *Server) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	err := s.Sync.UnregisterDevice(r.Context(), id, chi.URLParam(r, "deviceId"))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type historyResp struct {
	Runs []session.Run `json:"runs"`
}

// ListHistory handles GET /v1/sync/history
//
// Query params:
// - deviceId: restrict to one device (default: all of the user's devices)
// - limit: max runs to return (newest first)
func (s *Server) ListHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	runs, err := s.Sync.History(r.Context(), id, r.URL.Query().Get("deviceId"), s.limit(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	if runs == nil {
		runs = []session.Run{}
	}
	writeJSON(w, http.StatusOK, historyResp{Runs: runs})
}
