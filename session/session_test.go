package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGetInvalidate(t *testing.T) {
	s := New()

	tok, err := s.Create([]string{"fs.*", "http__get"})
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	sess, ok := s.Get(tok)
	require.True(t, ok)
	assert.Equal(t, []string{"fs.*", "http__get"}, sess.AllowedTools)
	assert.Equal(t, tok, sess.Token)

	s.Invalidate(tok)
	_, ok = s.Get(tok)
	assert.False(t, ok)
}

func TestInvalidateUnknownTokenIsNoop(t *testing.T) {
	s := New()
	assert.NotPanics(t, func() { s.Invalidate(Token("does-not-exist")) })
}

func TestTokensAreUnique(t *testing.T) {
	s := New()
	seen := make(map[Token]bool)
	for i := 0; i < 1000; i++ {
		tok, err := s.Create(nil)
		require.NoError(t, err)
		assert.False(t, seen[tok], "duplicate token generated")
		seen[tok] = true
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New(WithTTL(20 * time.Millisecond))
	tok, err := s.Create(nil)
	require.NoError(t, err)

	_, ok := s.Get(tok)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = s.Get(tok)
	assert.False(t, ok, "session should have expired")
}

func TestCapacityEviction(t *testing.T) {
	s := New(WithCapacity(2))

	tok1, err := s.Create(nil)
	require.NoError(t, err)
	_, err = s.Create(nil)
	require.NoError(t, err)
	_, err = s.Create(nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, s.Len(), 2)
	// The oldest entry (tok1) should have been evicted to make room.
	_, ok := s.Get(tok1)
	assert.False(t, ok)
}
