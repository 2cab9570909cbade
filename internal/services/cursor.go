package services

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"chat-core/internal/store"
)

// Cursor is a decoded pagination position. Clients only ever see the
// opaque string form.
type Cursor struct {
	Forward bool
	Key     *store.Key
}

func EncodeCursor(c Cursor) string {
	var b strings.Builder
	if c.Forward {
		b.WriteString("f")
	} else {
		b.WriteString("b")
	}
	if c.Key != nil {
		b.WriteString(".")
		b.WriteString(strconv.FormatInt(c.Key.At.UnixNano(), 10))
		b.WriteString(".")
		b.WriteString(strconv.FormatInt(c.Key.ID, 10))
	}
	return base64.RawURLEncoding.EncodeToString([]byte(b.String()))
}

// DecodeCursor parses a token produced by EncodeCursor. The empty string is
// the newest page, read backward.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, invalid("cursor", "malformed")
	}
	parts := strings.Split(string(raw), ".")

	var c Cursor
	switch parts[0] {
	case "f":
		c.Forward = true
	case "b":
	default:
		return Cursor{}, invalid("cursor", "malformed")
	}

	switch len(parts) {
	case 1:
		return c, nil
	case 3:
		nanos, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return Cursor{}, invalid("cursor", "malformed")
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || id <= 0 {
			return Cursor{}, invalid("cursor", "malformed")
		}
		c.Key = &store.Key{At: time.Unix(0, nanos).UTC(), ID: id}
		return c, nil
	default:
		return Cursor{}, invalid("cursor", "malformed")
	}
}

// OldestCursor starts at the beginning of a room's log, reading forward.
func OldestCursor() string {
	return EncodeCursor(Cursor{Forward: true})
}

// NewestCursor starts at the end of a room's log, reading backward.
func NewestCursor() string {
	return EncodeCursor(Cursor{})
}
