// Package store provides the durable key-to-record state store.
// Records are JSON documents on disk, one file per key, written atomically
// via a temp file plus rename so a crash never leaves a torn document.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// ErrNotFound is returned when a key has no stored document.
var ErrNotFound = errors.New("document not found")

// Store persists JSON documents under a base directory.
// Keys map to `<dir>/<key>.json`; keys must not contain path separators.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory this store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// Put serializes value as indented JSON and writes it atomically.
func (s *Store) Put(key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return oerr.E(oerr.Internal, "store", "Put", "marshaling document").
			WithEntities(key).Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// renameio writes to a temp file in the same directory and renames it
	// over the target, which is atomic on POSIX filesystems.
	if err := renameio.WriteFile(s.path(key), data, 0640); err != nil {
		return oerr.E(oerr.Internal, "store", "Put", "writing document").
			WithEntities(key).Wrap(err)
	}
	return nil
}

// Get reads the document for key into out. Returns ErrNotFound (wrapped in a
// NotFound-kinded error) when no document exists.
func (s *Store) Get(key string, out any) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.RLock()
	data, err := os.ReadFile(s.path(key))
	s.mu.RUnlock()

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return oerr.E(oerr.NotFound, "store", "Get", "document not found").
				WithEntities(key).Wrap(ErrNotFound)
		}
		return oerr.E(oerr.Internal, "store", "Get", "reading document").
			WithEntities(key).Wrap(err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return oerr.E(oerr.Internal, "store", "Get", "decoding document").
			WithEntities(key).Wrap(err)
	}
	return nil
}

// Delete removes the document for key. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return oerr.E(oerr.Internal, "store", "Delete", "removing document").
			WithEntities(key).Wrap(err)
	}
	return nil
}

// Keys returns all stored keys in directory order.
func (s *Store) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, oerr.E(oerr.Internal, "store", "Keys", "listing documents").Wrap(err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}

// Exists reports whether a document is stored for key.
func (s *Store) Exists(key string) bool {
	if validateKey(key) != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.path(key))
	return err == nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		log.Debug(log.CatStore, "Rejected store key", "key", key)
		return oerr.E(oerr.Validation, "store", "key", "invalid document key").WithEntities(key)
	}
	return nil
}
