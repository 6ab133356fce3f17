// Package store provides a JSON-file backed persistence layer for the
// agent's small bits of state (tokens, upload history). Each namespace is
// stored as one JSON file under the data directory.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists namespaces as JSON files under a data directory.
type Store struct {
	mu      sync.Mutex
	dataDir string
}

// New creates a store rooted at dataDir, creating the directory if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// Load unmarshals the namespace file into v. A missing file is not an
// error: v is left untouched.
func (s *Store) Load(namespace string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", namespace, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", namespace, err)
	}
	return nil
}

// Save marshals v and writes it to the namespace file.
func (s *Store) Save(namespace string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", namespace, err)
	}

	if err := os.WriteFile(s.path(namespace), data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", namespace, err)
	}
	return nil
}

func (s *Store) path(namespace string) string {
	return filepath.Join(s.dataDir, namespace+".json")
}
