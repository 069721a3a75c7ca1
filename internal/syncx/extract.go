package syncx

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
	"github.com/erauner12/syncengine/internal/record"
)

// GetString safely extracts a string value from a map
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// GetMap safely extracts a nested map from a map
func GetMap(m map[string]any, k string) (map[string]any, bool) {
	if v, ok := m[k]; ok {
		if mm, ok2 := v.(map[string]any); ok2 {
			return mm, true
		}
	}
	return nil, false
}

// firstString returns the first non-empty string among keys
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := GetString(m, k); ok && s != "" {
			return s
		}
	}
	return ""
}

// ParseTime converts various time formats to a UTC time
// Accepts: RFC3339, numeric milliseconds (as string), empty (returns false)
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}

	return time.Time{}, false
}

// ExtractChange parses one client change from JSON.
// Tolerant of naming conventions (entityId/uid, modifiedAt/updatedTs/updatedAt)
// and of the legacy nested "sync" block carrying token and deletion flag.
func ExtractChange(item map[string]any) (conflict.Change, error) {
	var out conflict.Change

	// 1. Key (required)
	out.Key.EntityType = firstString(item, "entityType", "type")
	out.Key.EntityID = firstString(item, "entityId", "id", "uid")
	if out.Key.EntityType == "" {
		return out, errors.New("missing entityType")
	}
	if out.Key.EntityID == "" {
		return out, errors.New("missing entityId")
	}

	// 2. Client commit sequence
	if v, ok := item["seq"]; ok {
		n, ok := v.(float64)
		if !ok || n < 0 || n != float64(int64(n)) {
			return out, fmt.Errorf("invalid seq %v", v)
		}
		out.Seq = int64(n)
	}

	// 3. Base token and deletion flag, top-level first
	syncBlock, _ := GetMap(item, "sync")
	tokenVal, hasToken := item["baseToken"]
	if !hasToken && syncBlock != nil {
		tokenVal, hasToken = syncBlock["token"]
	}
	if hasToken {
		tok, err := record.ParseToken(tokenVal)
		if err != nil {
			return out, fmt.Errorf("baseToken: %w", err)
		}
		out.BaseToken = tok
	}

	if del, ok := item["isDelete"].(bool); ok {
		out.Delete = del
	} else if syncBlock != nil {
		if del, ok := syncBlock["isDeleted"].(bool); ok {
			out.Delete = del
		}
	}

	// 4. Client modification time
	if s := firstString(item, "modifiedAt", "updatedTs", "updatedAt", "updateTime"); s != "" {
		t, ok := ParseTime(s)
		if !ok {
			return out, fmt.Errorf("invalid modifiedAt %q", s)
		}
		out.ModifiedAt = t
	}
	if out.ModifiedAt.IsZero() && out.Delete && syncBlock != nil {
		if t, ok := ParseTime(firstString(syncBlock, "deletedAt")); ok {
			out.ModifiedAt = t
		}
	}
	if out.ModifiedAt.IsZero() {
		// Fallback to server time (but client should always provide timestamp)
		out.ModifiedAt = time.UnixMilli(NowMs()).UTC()
	}

	// 5. Payload (required for updates)
	if p, ok := item["payload"]; ok && p != nil {
		if _, isMap := p.(map[string]any); !isMap {
			return out, errors.New("payload must be an object")
		}
		b, err := json.Marshal(p)
		if err != nil {
			return out, fmt.Errorf("payload: %w", err)
		}
		out.Payload = b
	}
	if !out.Delete && out.Payload == nil {
		return out, errors.New("missing payload")
	}

	return out, nil
}
