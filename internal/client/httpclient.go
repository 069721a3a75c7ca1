// Package client is a Go client for the sync HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxRetries bounds retries of 429 and 503 responses
	DefaultMaxRetries = 3

	// DefaultBackoff is the initial backoff when the server sends no Retry-After
	DefaultBackoff = 500 * time.Millisecond
)

// Errors matched by APIError.Unwrap
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrSessionRequired = errors.New("sync session required")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("server unavailable")
)

// APIError is a non-2xx response
type APIError struct {
	Status        int
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("sync api: %d %s (correlation %s)", e.Status, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("sync api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionRequired:
		return ErrSessionRequired
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	}
	return nil
}

// TokenSource returns the bearer token for the next request
type TokenSource func(ctx context.Context) (string, error)

// Config configures a Client.
//
// Dev Mode: when Token is nil the client sends DebugSub as X-Debug-Sub
// instead of a bearer token. The server must run with dev mode enabled.
type Config struct {
	BaseURL  string
	DeviceID string
	Token    TokenSource
	DebugSub string

	HTTPClient *http.Client
	MaxRetries int
	Backoff    time.Duration
}

// Client talks to one sync server on behalf of one device.
// Injects on every request:
// - Authorization: Bearer <token> (or X-Debug-Sub in dev mode)
// - X-Device-ID
// - X-Correlation-ID: <uuid>, kept across retries
// - X-Sync-Session when the call belongs to a session
//
// Retries 429 and 503 responses with exponential backoff, waiting at least
// as long as the server's Retry-After.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client
func New(cfg Config) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// retryAfterBackOff stretches the next interval to the server's Retry-After
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

// do sends one API call. in is JSON-encoded when non-nil; out is decoded
// from a 2xx body when non-nil.
func (c *Client) do(ctx context.Context, method, path, sessionID string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	correlationID := uuid.New().String()
	logger := log.With().
		Str("method", method).
		Str("path", path).
		Str("correlationId", correlationID).
		Logger()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.Backoff
	eb.MaxElapsedTime = 0
	var bo backoff.BackOff = eb
	if c.cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(eb, uint64(c.cfg.MaxRetries))
	} else {
		bo = &backoff.StopBackOff{}
	}
	ra := &retryAfterBackOff{BackOff: bo}

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		resp, err := c.send(ctx, method, path, sessionID, correlationID, body, &logger)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || resp.StatusCode == http.StatusNoContent {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		}

		apiErr := readError(resp)
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			ra.hint = parseRetryAfter(resp.Header.Get("Retry-After"))
			logger.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Dur("retryAfter", ra.hint).
				Str("rateLimitRemaining", resp.Header.Get("X-RateLimit-Remaining")).
				Msg("server busy, backing off")
			return apiErr
		default:
			return backoff.Permanent(apiErr)
		}
	}, backoff.WithContext(ra, ctx))
}

func (c *Client) send(ctx context.Context, method, path, sessionID, correlationID string, body []byte, logger *zerolog.Logger) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Correlation-ID", correlationID)
	req.Header.Set("X-Device-ID", c.cfg.DeviceID)
	if sessionID != "" {
		req.Header.Set("X-Sync-Session", sessionID)
	}

	if c.cfg.Token == nil {
		req.Header.Set("X-Debug-Sub", c.cfg.DebugSub)
	} else {
		token, err := c.cfg.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("HTTP request failed")
		return nil, err
	}
	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("HTTP request completed")
	return resp, nil
}

// readError decodes the server's JSON error body
func readError(resp *http.Response) *APIError {
	var body struct {
		Error         string `json:"error"`
		CorrelationID string `json:"correlation_id"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error, CorrelationID: body.CorrelationID}
}

// parseRetryAfter parses the Retry-After header
// Supports both integer seconds and HTTP-date format
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
