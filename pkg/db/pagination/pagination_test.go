package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 4, 1, 10, 30, 0, 123, time.FixedZone("WIB", 7*3600))
	token, err := EncodeCursor(Cursor{ID: "1789", CreatedAt: at})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "1789", cursor.ID)
	assert.True(t, cursor.CreatedAt.Equal(at))
	assert.Equal(t, time.UTC, cursor.CreatedAt.Location())
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!", "e30", ""} {
		_, err := DecodeCursor(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, token)
	}
}

func TestPage(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	items := []int{5, 4, 3}
	cursorOf := func(v int) Cursor {
		return Cursor{ID: string(rune('0' + v)), CreatedAt: base.Add(time.Duration(v) * time.Minute)}
	}

	kept, info, err := Page(items, 2, cursorOf)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, kept)
	require.True(t, info.HasMore)
	next, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "4", next.ID)

	kept, info, err = Page(items, 3, cursorOf)
	require.NoError(t, err)
	assert.Len(t, kept, 3)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Size())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Size())
}
