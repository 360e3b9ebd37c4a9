// Package store provides the shared measurement store that all acquisition
// workers publish into and the scheduler reads from. Each key is written by
// exactly one worker; any worker may read any key.
package store

import (
	"sync"
	"time"
)

// Entry holds the most recent value for a single measurement key.
// Valid is false until the key has been read successfully at least once.
type Entry struct {
	Value     float64
	Valid     bool
	Updated   time.Time // last successful write
	Published time.Time // last time the value was written to the log
}

// Store is a concurrent map of measurement keys to their latest values.
// Keys are never removed once registered; only values and timestamps change.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Register adds a key with no value yet. Registering an existing key is a
// no-op, so workers can re-register their keys on a descriptor reload without
// losing data.
func (s *Store) Register(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		s.entries[key] = Entry{}
	}
}

// Set overwrites the value for key and stamps it with the current time.
func (s *Store) Set(key string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.Value = value
	e.Valid = true
	e.Updated = time.Now()
	s.entries[key] = e
}

// Get returns the value for key. ok is false if the key is unknown or has
// never been successfully read.
func (s *Store) Get(key string) (value float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, present := s.entries[key]
	if !present || !e.Valid {
		return 0, false
	}
	return e.Value, true
}

// GetEntry returns the full entry for key, including timestamps.
func (s *Store) GetEntry(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, present := s.entries[key]
	return e, present
}

// MarkPublished records that the current value of key has been written to the
// log, for change-since-last-write detection.
func (s *Store) MarkPublished(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, present := s.entries[key]
	if !present {
		return
	}
	e.Published = time.Now()
	s.entries[key] = e
}

// ChangedSincePublished reports whether key has been updated since it was
// last marked published.
func (s *Store) ChangedSincePublished(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, present := s.entries[key]
	return present && e.Valid && e.Updated.After(e.Published)
}

// Snapshot returns a copy of all entries at one instant. The copy is
// consistent per key; it is not a transaction across keys.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = e
	}
	return out
}

// Keys returns all registered keys in no particular order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
