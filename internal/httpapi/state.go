package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/syncerr"
)

type syncStateResponse struct {
	DeviceID         string         `json:"deviceId"`
	Status           session.Status `json:"status"`
	SessionID        string         `json:"sessionId,omitempty"`
	Watermark        record.Token   `json:"watermark"`
	LastSyncAt       *time.Time     `json:"lastSyncAt,omitempty"`
	PendingConflicts int            `json:"pendingConflicts"`
}

// GetSyncState returns the calling device's sync state.
//
// Returns:
// - status: tracker state of the device (idle before its first session)
// - watermark: highest token confirmed delivered to the device
// - pendingConflicts: the user's conflicts awaiting a decision
//
// Used by clients to check whether a sync is needed without starting one.
func (s *Server) GetSyncState(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	resp := syncStateResponse{DeviceID: id.DeviceID, Status: session.StatusIdle}
	entry, err := s.Sync.SessionStatus(r.Context(), id)
	switch {
	case errors.Is(err, syncerr.ErrNotFound):
	case err != nil:
		writeServiceError(w, r, err, nil)
		return
	default:
		resp.Status = entry.Status
		resp.SessionID = entry.SessionID
		resp.Watermark = entry.Watermark
		resp.LastSyncAt = entry.LastSyncAt
	}

	_, max := s.pageBounds()
	pending, err := s.Sync.PendingConflicts(r.Context(), id, "", max)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	resp.PendingConflicts = len(pending)

	writeJSON(w, http.StatusOK, resp)
}
