package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erauner12/syncengine/internal/auth"
	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/notify"
	"github.com/erauner12/syncengine/internal/service/syncservice"
	"github.com/erauner12/syncengine/internal/store/memstore"
)

const testUser = "test-user"

// newTestServer builds a server over an in-memory store
func newTestServer(t *testing.T, policies conflict.Policies, limit RateLimitInfo) (*Server, http.Handler) {
	t.Helper()
	svc := syncservice.New(memstore.New(), policies, &notify.Recorder{}, syncservice.Options{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})
	srv := &Server{
		Sync:            svc,
		RateLimitConfig: limit,
		PageSize:        100,
		MaxPageSize:     200,
	}
	return srv, srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})
}

func manualPolicies() conflict.Policies {
	return conflict.Policies{Default: conflict.Policy{Severity: 3}}
}

// newRequest builds a dev-mode request for user and device
func newRequest(t *testing.T, method, path string, body any, user, device string) *http.Request {
	t.Helper()

	var bodyReader *bytes.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Debug-Sub", user)
	}
	if device != "" {
		req.Header.Set(auth.DeviceHeader, device)
	}
	return req
}

// createTestSession creates a sync session for device and returns the session ID
func createTestSession(t *testing.T, router http.Handler, device string) string {
	t.Helper()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newRequest(t, "POST", "/v1/sync/sessions", nil, testUser, device))

	if w.Code != http.StatusCreated {
		t.Fatalf("Failed to create session: got status %d, body: %s", w.Code, w.Body.String())
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&session); err != nil {
		t.Fatalf("Failed to decode session response: %v", err)
	}
	if got := w.Header().Get("X-Sync-Session"); got != session.ID {
		t.Errorf("X-Sync-Session header = %q, body id = %q", got, session.ID)
	}

	return session.ID
}

// makeRequestWithSession makes an HTTP request with X-Sync-Session header
func makeRequestWithSession(t *testing.T, router http.Handler, method, path string, body any, device, sessionID string) *httptest.ResponseRecorder {
	t.Helper()

	req := newRequest(t, method, path, body, testUser, device)
	req.Header.Set("X-Sync-Session", sessionID)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v (body %q)", v, err, w.Body.String())
	}
	return v
}
