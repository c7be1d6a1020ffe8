package scanner

import (
	"sync"
)

// artistNameKeyPrefix marks artist keys that fall back to the artist's name
// because the metadata carried no user id.
const artistNameKeyPrefix = "name:"

// ArtistKey builds the mapping key for an artist: external user id first,
// name as fallback.
func ArtistKey(userID, name string) string {
	if userID != "" {
		return userID
	}
	return artistNameKeyPrefix + name
}

// EntityMapping is the per-run cache from natural keys to generated primary
// keys, used to resolve foreign keys before dependent rows are flushed. It is
// rebuilt from scratch on each scan and never persisted.
type EntityMapping struct {
	mu              sync.RWMutex
	artistsByUserID map[string]uint
	artistsByName   map[string]uint
	artworks        map[string]uint
	tags            map[string]uint
}

// NewEntityMapping creates an empty mapping.
func NewEntityMapping() *EntityMapping {
	return &EntityMapping{
		artistsByUserID: make(map[string]uint),
		artistsByName:   make(map[string]uint),
		artworks:        make(map[string]uint),
		tags:            make(map[string]uint),
	}
}

// SetArtist records an artist's generated id under both its keys.
func (m *EntityMapping) SetArtist(userID, name string, id uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID != "" {
		m.artistsByUserID[userID] = id
	}
	if name != "" {
		m.artistsByName[name] = id
	}
}

// ResolveArtist resolves an ArtistKey to a generated id.
func (m *EntityMapping) ResolveArtist(key string) (uint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name, ok := cutPrefix(key, artistNameKeyPrefix); ok {
		id, found := m.artistsByName[name]
		return id, found
	}
	if id, found := m.artistsByUserID[key]; found {
		return id, true
	}
	// A userID key can still resolve by name when the row was created from
	// path hints without a user id.
	id, found := m.artistsByName[key]
	return id, found
}

// SetArtwork records an artwork's generated id under its external id.
func (m *EntityMapping) SetArtwork(externalID string, id uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artworks[externalID] = id
}

// ResolveArtwork resolves an external artwork id to a generated id.
func (m *EntityMapping) ResolveArtwork(externalID string) (uint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, found := m.artworks[externalID]
	return id, found
}

// SetTag records a tag's generated id under its case-sensitive name.
func (m *EntityMapping) SetTag(name string, id uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[name] = id
}

// ResolveTag resolves a tag name to a generated id.
func (m *EntityMapping) ResolveTag(name string) (uint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, found := m.tags[name]
	return id, found
}

// ArtworkCount returns how many artworks have resolved ids.
func (m *EntityMapping) ArtworkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.artworks)
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return s, false
}
