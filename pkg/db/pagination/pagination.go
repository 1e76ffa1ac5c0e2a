// Package pagination implements opaque keyset cursors for list endpoints.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidCursor = errors.New("invalid_cursor")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Size clamps the requested page size to [1, MaxPageSize].
func (p Pagination) Size() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

// Cursor points at the last row of the previous page. Rows are ordered by
// (created_at DESC, id DESC).
type Cursor struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

func EncodeCursor(cursor Cursor) (string, error) {
	b, err := json.Marshal(Cursor{ID: cursor.ID, CreatedAt: cursor.CreatedAt.UTC()})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(token string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	if strings.TrimSpace(cursor.ID) == "" || cursor.CreatedAt.IsZero() {
		return Cursor{}, ErrInvalidCursor
	}
	return cursor, nil
}

// Page trims a result fetched with limit+1 rows and builds the page info
// from the last kept row.
func Page[T any](items []T, limit int, cursorOf func(T) Cursor) ([]T, PageInfo, error) {
	if len(items) <= limit {
		return items, PageInfo{}, nil
	}
	items = items[:limit]
	token, err := EncodeCursor(cursorOf(items[len(items)-1]))
	if err != nil {
		return nil, PageInfo{}, err
	}
	return items, PageInfo{NextPageToken: token, HasMore: true}, nil
}
