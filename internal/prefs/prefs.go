// Package prefs implements the durable key-value store used for scalar
// settings and the installer crash-recovery markers.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// KV is the key-value surface consumed by the rest of the updater.
type KV interface {
	GetString(key, def string) string
	GetInt(key string, def int) int
	GetInt64(key string, def int64) int64
	GetBool(key string, def bool) bool
	Contains(key string) bool
	Edit() *Editor
}

// Store keeps all values as strings in memory and, when backed by a file,
// rewrites the file on every committed edit.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	path   string
}

// NewMemory returns a store that is never persisted.
func NewMemory() *Store {
	return &Store{values: make(map[string]string)}
}

// Open loads the YAML file at path, creating an empty store if it does not exist.
func Open(path string) (*Store, error) {
	s := &Store{values: make(map[string]string), path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse preferences %s: %w", path, err)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	return s, nil
}

func (s *Store) get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the value for key or def.
func (s *Store) GetString(key, def string) string {
	if v, ok := s.get(key); ok {
		return v
	}
	return def
}

// GetInt returns the value for key or def when missing or malformed.
func (s *Store) GetInt(key string, def int) int {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetInt64 returns the value for key or def when missing or malformed.
func (s *Store) GetInt64(key string, def int64) int64 {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetBool returns the value for key or def when missing or malformed.
func (s *Store) GetBool(key string, def bool) bool {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Contains reports whether key has a value.
func (s *Store) Contains(key string) bool {
	_, ok := s.get(key)
	return ok
}

// Edit starts a batch of changes that is applied atomically by Commit.
func (s *Store) Edit() *Editor {
	return &Editor{store: s}
}

func (s *Store) apply(ops []op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range ops {
		if o.remove {
			delete(s.values, o.key)
		} else {
			s.values[o.key] = o.value
		}
	}

	if s.path == "" {
		return nil
	}
	return s.writeLocked()
}

func (s *Store) writeLocked() error {
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create preferences directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".prefs-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp preferences file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close preferences: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace preferences: %w", err)
	}
	return nil
}

type op struct {
	key    string
	value  string
	remove bool
}

// Editor collects changes for a single atomic commit.
type Editor struct {
	store *Store
	ops   []op
}

func (e *Editor) PutString(key, value string) *Editor {
	e.ops = append(e.ops, op{key: key, value: value})
	return e
}

func (e *Editor) PutInt(key string, value int) *Editor {
	return e.PutString(key, strconv.Itoa(value))
}

func (e *Editor) PutInt64(key string, value int64) *Editor {
	return e.PutString(key, strconv.FormatInt(value, 10))
}

func (e *Editor) PutBool(key string, value bool) *Editor {
	return e.PutString(key, strconv.FormatBool(value))
}

// Remove deletes key. A later Put in the same edit wins.
func (e *Editor) Remove(key string) *Editor {
	e.ops = append(e.ops, op{key: key, remove: true})
	return e
}

// Commit applies all changes and persists them.
func (e *Editor) Commit() error {
	return e.store.apply(e.ops)
}
