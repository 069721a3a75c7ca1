package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/erauner12/syncengine/internal/record"
)

// Cursor represents a position in the delta stream
// Format: base64("w|<token>")
// Tokens come from one server-wide sequence, so a single token orders
// records and tombstones alike.
type Cursor struct {
	Token record.Token
}

// EncodeCursor creates a base64-encoded cursor string
// Returns empty string for zero-value cursor
func EncodeCursor(c Cursor) string {
	if c.Token == record.NoToken {
		return ""
	}
	raw := fmt.Sprintf("w|%d", c.Token)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor string
// Returns zero-value cursor and false if invalid or empty
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	parts := strings.Split(string(b), "|")
	if len(parts) != 2 || parts[0] != "w" {
		return Cursor{}, false
	}

	n, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || n < 0 {
		return Cursor{}, false
	}

	return Cursor{Token: record.Token(n)}, true
}

// NowMs returns current Unix milliseconds timestamp (UTC)
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
