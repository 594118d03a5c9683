package pagination

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	for _, id := range []uint64{1, 42, 1<<64 - 1} {
		got, err := Decode(Encode(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestDecode_Empty(t *testing.T) {
	id, err := Decode("")
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestDecode_Invalid(t *testing.T) {
	cases := map[string]string{
		"not base64":   "not-base64!!!",
		"no prefix":    base64.RawURLEncoding.EncodeToString([]byte("42")),
		"not a number": base64.RawURLEncoding.EncodeToString([]byte("id:abc")),
		"zero":         base64.RawURLEncoding.EncodeToString([]byte("id:0")),
		"negative":     base64.RawURLEncoding.EncodeToString([]byte("id:-3")),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestPage(t *testing.T) {
	key := func(v uint64) uint64 { return v }

	items, next := Page([]uint64{9, 8, 7}, 3, key)
	assert.Equal(t, []uint64{9, 8, 7}, items)
	assert.Empty(t, next, "no extra item means last page")

	items, next = Page([]uint64{9, 8, 7, 6}, 3, key)
	assert.Equal(t, []uint64{9, 8, 7}, items)
	before, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), before)
}
