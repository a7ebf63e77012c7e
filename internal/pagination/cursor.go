// Package pagination implements keyset pagination over (created_at, id)
// ordered listings such as trades and balance history.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the last (created_at, id) seen by the client. Listings are
// newest first, so the next page holds rows strictly older than Cursor.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether a row keyed (createdAt, id) falls after the cursor
// in newest-first order. A nil cursor admits everything.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns an opaque cursor string.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. Empty input yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Params is a parsed page request.
type Params struct {
	Limit  int
	Cursor *Cursor
}

// FromQuery reads ?limit= and ?cursor= from the request. Limits are clamped
// to [1, MaxLimit]; a bad cursor is an error.
func FromQuery(c *gin.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			p.Limit = min(n, MaxLimit)
		}
	}
	cur, err := Decode(c.Query("cursor"))
	if err != nil {
		return Params{}, err
	}
	p.Cursor = cur
	return p, nil
}

// ComputePage trims items fetched with limit+1 and returns the next cursor
// and whether more rows exist.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
