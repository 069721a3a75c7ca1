package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/erauner12/syncengine/internal/identity"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// DeviceHeader names the device of the calling client when the token has no
// device_id claim
const DeviceHeader = "X-Device-ID"

var (
	ErrMissingSubject = errors.New("missing or invalid sub claim")
	ErrMissingDevice  = errors.New("missing device id")
)

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	Issuer      string // expected iss; empty skips the check
	Audience    string // expected aud; empty skips the check
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// ValidateToken verifies an HS256 token and returns its subject and the
// device_id claim (empty when absent)
func ValidateToken(tokenString string, cfg JWTCfg) (string, string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.HS256Secret), nil
	}, opts...)
	if err != nil {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}
	if !t.Valid {
		return "", "", errors.New("invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", ErrMissingSubject
	}
	device, _ := claims["device_id"].(string)
	return sub, device, nil
}

// Middleware creates HTTP middleware that establishes the caller identity.
// Supports two modes:
// 1. Production: Bearer token with JWT validation
// 2. Development: X-Debug-Sub header (ONLY when DevMode=true)
//
// The device comes from the device_id claim, else from X-Device-ID.
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tok = strings.TrimPrefix(h, "Bearer ")
			}

			var sub, device string
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				var err error
				sub, device, err = ValidateToken(tok, cfg)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					unauthorized(w, "unauthorized")
					return
				}
			}

			if sub == "" {
				log.Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				unauthorized(w, "unauthorized")
				return
			}
			if device == "" {
				device = r.Header.Get(DeviceHeader)
			}
			if device == "" {
				log.Warn().Str("sub", sub).Msg("missing device (no device_id claim or X-Device-ID header)")
				unauthorized(w, ErrMissingDevice.Error())
				return
			}

			id := identity.Identity{UserID: sub, DeviceID: device}
			ctx := identity.WithIdentity(r.Context(), id)
			logger := log.Ctx(ctx).With().Str("userId", sub).Str("deviceId", device).Logger()
			next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

// UserID extracts the authenticated user ID from request context.
// Returns empty string if not authenticated.
func UserID(r *http.Request) string {
	id, _ := identity.FromContext(r.Context())
	return id.UserID
}
