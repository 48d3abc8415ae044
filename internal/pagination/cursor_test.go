package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)
	c, err := Decode(Encode(at, "rec_abc"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, at, c.At)
	assert.Equal(t, "rec_abc", c.ID)
}

func TestDecodeEmpty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecodeInvalid(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl", "fn5-"} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, Limit(""))
	assert.Equal(t, DefaultLimit, Limit("-3"))
	assert.Equal(t, 10, Limit("10"))
	assert.Equal(t, MaxLimit, Limit("100000"))
}

func TestComputePage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return at, s }

	items, next, more := ComputePage([]string{"a", "b"}, 5, key)
	assert.Len(t, items, 2)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
