package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripsZeroIV(t *testing.T) {
	tok, err := Encode("caller-1", "thing-1", Cursor{Offset: 40, PageSize: 20}, FormatZeroIV)
	require.NoError(t, err)

	cur, err := Decode(tok, "caller-1", "thing-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(40), cur.Offset)
	assert.Equal(t, uint32(20), cur.PageSize)
}

func TestEncodeDecodeRoundTripsRandomIV(t *testing.T) {
	tok, err := Encode("caller-1", "thing-1", Cursor{Offset: 5, PageSize: 10}, FormatRandomIV)
	require.NoError(t, err)

	cur, err := Decode(tok, "caller-1", "thing-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), cur.Offset)
	assert.Equal(t, uint32(10), cur.PageSize)
}

func TestDecodeRejectsWrongCaller(t *testing.T) {
	tok, err := Encode("caller-1", "thing-1", Cursor{Offset: 1, PageSize: 1}, FormatZeroIV)
	require.NoError(t, err)

	_, err = Decode(tok, "caller-2", "thing-1")
	assert.Error(t, err)
}

func TestDecodeRejectsWrongThing(t *testing.T) {
	tok, err := Encode("caller-1", "thing-1", Cursor{Offset: 1, PageSize: 1}, FormatZeroIV)
	require.NoError(t, err)

	_, err = Decode(tok, "caller-1", "thing-2")
	assert.Error(t, err)
}

func TestDecodeRejectsMalformedToken(t *testing.T) {
	_, err := Decode("not-base64-!!!", "caller-1", "thing-1")
	assert.Error(t, err)
}

func TestReplayGuardLocalRejectsSecondConsume(t *testing.T) {
	g := NewReplayGuard(nil, 0)
	g.ttl = 1000000000
	assert.True(t, g.Consume("tok-a"))
	assert.False(t, g.Consume("tok-a"))
	assert.True(t, g.Consume("tok-b"))
}
