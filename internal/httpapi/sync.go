package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erauner12/syncengine/internal/identity"
	"github.com/erauner12/syncengine/internal/service/syncservice"
)

// Push handles POST /v1/sync/push.
// Malformed items are reported in their ack; the request only fails when the
// batch as a whole could not be processed.
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	h, _ := sessionHandle(r.Context())

	var req pushReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.Sync.Sync(r.Context(), id, h, syncservice.DecodeBatch(req.Items))
	if err != nil {
		if len(res.States) > 0 {
			writeServiceError(w, r, err, res)
		} else {
			writeServiceError(w, r, err, nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Pull handles GET /v1/sync/pull?cursor=&limit=
func (s *Server) Pull(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	h, _ := sessionHandle(r.Context())

	d, err := s.Sync.Pull(r.Context(), id, h, r.URL.Query().Get("cursor"), s.limit(r))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
