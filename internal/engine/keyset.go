package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/feedbridge/feedbridge/internal/feed"
)

// KeySet is a mutable set of parent primary keys. The historical set is
// built once per run by paging through the sink table and extended
// immediately after each parent batch commits, so children fetched later in
// the run can be matched against parents written earlier in it.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewKeySet creates a set holding the given keys.
func NewKeySet(keys ...string) *KeySet {
	s := &KeySet{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

// KeyLoader pages through a table's key column. Implemented by the sink.
type KeyLoader interface {
	LoadKeys(ctx context.Context, table, keyColumn string, pageSize int) ([]string, error)
}

// Load fills the set from the sink table, paging below the per-query row cap.
func (s *KeySet) Load(ctx context.Context, loader KeyLoader, table, keyColumn string, pageSize int) error {
	keys, err := loader.LoadKeys(ctx, table, keyColumn, pageSize)
	if err != nil {
		return err
	}
	s.Add(keys)
	logrus.WithFields(logrus.Fields{
		"component": "keyset",
		"table":     table,
		"count":     len(keys),
	}).Info("Parent key cache loaded")
	return nil
}

// Contains reports membership.
func (s *KeySet) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Add inserts keys into the set.
func (s *KeySet) Add(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
}

// Len returns the number of keys in the set.
func (s *KeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// FilterChildren splits records by whether their foreign key field is in the
// set. Records referencing an absent parent are skipped, not errored.
func (s *KeySet) FilterChildren(records []feed.Record, fkField string) (kept []feed.Record, skipped int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range records {
		fk := stringField(rec, fkField)
		if _, ok := s.keys[fk]; ok {
			kept = append(kept, rec)
		} else {
			skipped++
		}
	}
	return kept, skipped
}
