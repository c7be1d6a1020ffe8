package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArtistKey(t *testing.T) {
	assert.Equal(t, "42", ArtistKey("42", "alice"))
	assert.Equal(t, "name:alice", ArtistKey("", "alice"))
}

func TestEntityMapping_ArtistFallback(t *testing.T) {
	m := NewEntityMapping()
	m.SetArtist("", "bob", 3)

	// A name-keyed artist resolves through the name fallback even when the
	// caller asks with a plain key.
	id, ok := m.ResolveArtist("name:bob")
	assert.True(t, ok)
	assert.Equal(t, uint(3), id)

	id, ok = m.ResolveArtist("bob")
	assert.True(t, ok)
	assert.Equal(t, uint(3), id)

	_, ok = m.ResolveArtist("unknown")
	assert.False(t, ok)
}

func TestEntityMapping_UserIDWins(t *testing.T) {
	m := NewEntityMapping()
	m.SetArtist("42", "alice", 9)

	id, ok := m.ResolveArtist("42")
	assert.True(t, ok)
	assert.Equal(t, uint(9), id)

	id, ok = m.ResolveArtist("name:alice")
	assert.True(t, ok)
	assert.Equal(t, uint(9), id)
}

func TestEntityMapping_ArtworksAndTags(t *testing.T) {
	m := NewEntityMapping()
	m.SetArtwork("123", 5)
	m.SetTag("landscape", 7)

	id, ok := m.ResolveArtwork("123")
	assert.True(t, ok)
	assert.Equal(t, uint(5), id)

	id, ok = m.ResolveTag("landscape")
	assert.True(t, ok)
	assert.Equal(t, uint(7), id)

	// Tag names are case-sensitive.
	_, ok = m.ResolveTag("Landscape")
	assert.False(t, ok)

	assert.Equal(t, 1, m.ArtworkCount())
}
