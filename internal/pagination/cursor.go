// Package pagination provides keyset cursors over the engine's dense
// numeric ids. Lists are served newest first, so a cursor names the last id
// returned and the next page starts strictly below it.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const prefix = "id:"

// Encode returns an opaque cursor for id.
func Encode(id uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + strconv.FormatUint(id, 10)))
}

// Decode parses a cursor. An empty string decodes to 0, meaning "from the
// newest".
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	rest, ok := strings.CutPrefix(string(raw), prefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

// Page trims items (fetched with limit+1) to limit and returns the cursor
// for the next page, or "" when there is none.
func Page[T any](items []T, limit int, key func(T) uint64) ([]T, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, Encode(key(items[len(items)-1]))
}
