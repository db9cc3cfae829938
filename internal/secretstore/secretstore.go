// Package secretstore persists per-extension secrets to a JSON file
// under the user's home directory, per spec §6 (collaborator of the
// editor/document mirror, L10).
package secretstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultDir is the directory secrets.json lives under, relative to
// the user's home.
const DefaultDir = ".exthost"

const fileName = "secrets.json"

// Store persists extension-keyed secrets as a JSON object of objects:
// {"publisher.ext": {"key": "value", ...}, ...}. A single mutex
// serializes every operation, matching the teacher's TokenStore shape
// generalized from one bearer token to a per-extension key/value map.
type Store struct {
	mu   sync.Mutex
	path string
}

// New builds a Store rooted at dir (pass "" to use the user's home
// directory plus DefaultDir).
func New(dir string) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("secretstore: resolve home dir: %w", err)
		}
		dir = filepath.Join(home, DefaultDir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("secretstore: create dir %s: %w", dir, err)
	}
	return &Store{path: filepath.Join(dir, fileName)}, nil
}

type allSecrets map[string]map[string]string

func (s *Store) load() (allSecrets, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return allSecrets{}, nil
		}
		return nil, fmt.Errorf("secretstore: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return allSecrets{}, nil
	}
	var all allSecrets
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("secretstore: parse %s: %w", s.path, err)
	}
	if all == nil {
		all = allSecrets{}
	}
	return all, nil
}

func (s *Store) save(all allSecrets) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("secretstore: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("secretstore: write %s: %w", s.path, err)
	}
	return nil
}

// Get returns a secret's value, and whether it was present.
func (s *Store) Get(extensionID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return "", false, err
	}
	ext, ok := all[extensionID]
	if !ok {
		return "", false, nil
	}
	v, ok := ext[key]
	return v, ok, nil
}

// Set stores a secret's value, creating the extension's entry if
// needed.
func (s *Store) Set(extensionID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	ext, ok := all[extensionID]
	if !ok {
		ext = make(map[string]string)
		all[extensionID] = ext
	}
	ext[key] = value
	return s.save(all)
}

// Delete removes a key. If the extension's map becomes empty, the
// extension entry itself is removed too (spec §6).
func (s *Store) Delete(extensionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	ext, ok := all[extensionID]
	if !ok {
		return nil
	}
	delete(ext, key)
	if len(ext) == 0 {
		delete(all, extensionID)
	} else {
		all[extensionID] = ext
	}
	return s.save(all)
}
