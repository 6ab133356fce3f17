// Package tokens keeps the map of device identity to the authentication
// token last issued by that device's touchscreen firmware.
//
// The persisted form is a flat JSON object:
//
//	{
//	    "My3DP@Snapmaker 2 Model A350": "token1",
//	    "MyCNC@Snapmaker 2 Model A250": "token2"
//	}
package tokens

import (
	"sync"

	"github.com/john/snapmaker_send/store"
)

const namespace = "tokens"

// Store holds the token map in memory and persists it through a
// store.Store. Tokens are loaded once at construction and written back
// by Flush whenever any entry changed since the last save.
type Store struct {
	mu    sync.Mutex
	db    *store.Store
	items map[string]string
	dirty bool
}

// Load reads the persisted token map. A missing or empty file yields an
// empty store.
func Load(db *store.Store) (*Store, error) {
	s := &Store{
		db:    db,
		items: make(map[string]string),
	}
	if err := db.Load(namespace, &s.items); err != nil {
		return nil, err
	}
	if s.items == nil {
		s.items = make(map[string]string)
	}
	return s, nil
}

// Get returns the stored token for a device identity key ("name@model"),
// or the empty string if none is known.
func (s *Store) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key]
}

// Set records a token for a device identity key. Empty tokens are
// ignored: a denied device clears its in-memory token but the last known
// good token stays on disk so a re-approved device can be retried.
func (s *Store) Set(key, token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[key] == token {
		return
	}
	s.items[key] = token
	s.dirty = true
}

// Len returns the number of stored tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Flush writes the map to disk if any entry changed since the last save.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]string, len(s.items))
	for k, v := range s.items {
		snapshot[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	return s.db.Save(namespace, snapshot)
}
