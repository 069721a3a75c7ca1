package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/session"
	"github.com/erauner12/syncengine/internal/syncerr"
	"github.com/rs/zerolog/log"
)

// errorResponse is the JSON error body of every endpoint
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Result carries the partial outcome of an aborted push
	Result any `json:"result,omitempty"`
}

// writeError writes a JSON error carrying the request's correlation ID
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, CorrelationID: GetCorrelationID(r.Context())})
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrIdentityUnavailable):
		return http.StatusUnauthorized
	case errors.Is(err, syncerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncerr.ErrSessionConflict),
		errors.Is(err, syncerr.ErrStaleVersion),
		errors.Is(err, syncerr.ErrResurrectionBlocked),
		errors.Is(err, syncerr.ErrAlreadyRestored),
		errors.Is(err, conflict.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, syncerr.ErrInvalidBatch),
		errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, conflict.ErrUnknownStrategy),
		errors.Is(err, conflict.ErrStrategyNotApplicable):
		return http.StatusBadRequest
	case errors.Is(err, syncerr.ErrStorageUnavailable),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeServiceError logs err and writes it with its mapped status.
// Internal failures are reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, result any) {
	code := statusFor(err)
	logger := log.Ctx(r.Context())
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
		if code == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
	} else {
		logger.Warn().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request rejected")
	}
	writeJSON(w, code, errorResponse{
		Error:         msg,
		CorrelationID: GetCorrelationID(r.Context()),
		Result:        result,
	})
}
