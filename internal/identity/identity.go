// Package identity carries the acting user and device through the engine.
//
// The engine never reads a "current user" from shared state: every
// orchestrator and resolver call receives an Identity value. The context
// helpers exist only for the HTTP edge, where middleware establishes it.
package identity

import (
	"context"
	"fmt"

	"github.com/erauner12/syncengine/internal/record"
	"github.com/erauner12/syncengine/internal/syncerr"
)

// Identity is the authenticated (user, device) pair
type Identity struct {
	UserID   string
	DeviceID string
}

// Actor converts the identity to an audit stamp
func (id Identity) Actor() record.Actor {
	return record.Actor{UserID: id.UserID, DeviceID: id.DeviceID}
}

// Validate fails with ErrIdentityUnavailable when either part is missing
func (id Identity) Validate() error {
	if id.UserID == "" {
		return fmt.Errorf("%w: missing user", syncerr.ErrIdentityUnavailable)
	}
	if id.DeviceID == "" {
		return fmt.Errorf("%w: missing device", syncerr.ErrIdentityUnavailable)
	}
	return nil
}

type ctxKey struct{}

// WithIdentity returns a context carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the identity stored by WithIdentity
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
