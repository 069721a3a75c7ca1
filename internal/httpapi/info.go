package httpapi

import (
	"net/http"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
)

// ServerInfo represents the server's capabilities and configuration
type ServerInfo struct {
	APIVersion       string                     `json:"apiVersion"`
	ServerTime       string                     `json:"serverTime"`
	DefaultPolicy    conflict.Policy            `json:"defaultPolicy"`
	Entities         map[string]conflict.Policy `json:"entities"`
	Locking          LockingCapability          `json:"locking"`
	MinClientVersion string                     `json:"minClientVersion"`
	RateLimit        *RateLimitInfo             `json:"rateLimit,omitempty"`
	Hints            *SyncHints                 `json:"hints,omitempty"`
}

// RateLimitInfo describes the server's rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
	Burst         int `json:"burst"`         // token bucket size
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	RecommendedBatch int `json:"recommendedBatch"` // safe batch size
	MaxPageSize      int `json:"maxPageSize"`
	BackoffMsOn429   int `json:"backoffMsOn429"` // default backoff if Retry-After missing
}

// LockingCapability describes sync session support
type LockingCapability struct {
	Supported bool   `json:"supported"`
	Mode      string `json:"mode"` // "session": one running session per device

	// StaleAfterSeconds is when a running session may be taken over
	StaleAfterSeconds int `json:"staleAfterSeconds"`
}

// Info handles GET /v1/sync/info
// Returns server capabilities, API version and the conflict policy of every
// configured entity type. Callable without authentication.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	policies := s.Sync.Policies()
	entities := make(map[string]conflict.Policy)
	for et := range policies.EntityCategories {
		entities[et] = policies.For(et)
	}
	for et := range policies.EntityTypes {
		entities[et] = policies.For(et)
	}

	limit := s.RateLimitConfig
	def, max := s.pageBounds()
	info := ServerInfo{
		APIVersion:    "2.0",
		ServerTime:    time.Now().UTC().Format(time.RFC3339Nano),
		DefaultPolicy: policies.Default,
		Entities:      entities,
		Locking: LockingCapability{
			Supported:         true,
			Mode:              "session",
			StaleAfterSeconds: int(s.Sync.Tracker().StaleTimeout().Seconds()),
		},
		MinClientVersion: "0.1.0",
		RateLimit:        &limit,
		Hints: &SyncHints{
			RecommendedBatch: def,
			MaxPageSize:      max,
			BackoffMsOn429:   1500,
		},
	}

	writeJSON(w, http.StatusOK, info)
}
