// Package cursor tracks per-resource resume positions for incremental
// replication from the upstream feed.
package cursor

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeLayout is how timestamps are rendered into feed filters.
const TimeLayout = time.RFC3339

// Cursor marks how far a (resource, scope) pair has been replicated.
// LastKey breaks ties between records sharing one timestamp so a page
// boundary inside such a run cannot skip or repeat records.
type Cursor struct {
	Resource      string    `json:"resource"`
	Scope         string    `json:"scope"`
	LastTimestamp time.Time `json:"last_timestamp"`
	LastKey       string    `json:"last_key"`
}

func key(resource, scope string) string {
	return resource + "|" + scope
}

// Manager holds the cursors of one sync run. Cursors only move forward:
// Advance rejects any regression, which keeps resume points monotonic even
// if a caller misbehaves.
type Manager struct {
	mu      sync.Mutex
	cursors map[string]Cursor
	epoch   time.Time
}

// NewManager creates a Manager whose unseeded cursors start at epoch.
func NewManager(epoch time.Time) *Manager {
	return &Manager{
		cursors: make(map[string]Cursor),
		epoch:   epoch,
	}
}

// Seed installs previously persisted cursors, typically from the newest sync
// log entry. Existing entries are overwritten.
func (m *Manager) Seed(cursors map[string]Cursor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cursors {
		m.cursors[key(c.Resource, c.Scope)] = c
	}
}

// Get returns the current cursor for a (resource, scope) pair, falling back
// to the epoch start.
func (m *Manager) Get(resource, scope string) Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[key(resource, scope)]; ok {
		return c
	}
	return Cursor{Resource: resource, Scope: scope, LastTimestamp: m.epoch}
}

// NextFilter builds the feed filter selecting records strictly after the
// cursor, ordered so that pagination by (timestamp, key) is total:
//
//	ts gt 'T' or (ts eq 'T' and key gt 'K')
//
// tsField and keyField are the resource's designated timestamp and primary
// key fields.
func (m *Manager) NextFilter(resource, scope, tsField, keyField string) string {
	c := m.Get(resource, scope)
	ts := c.LastTimestamp.UTC().Format(TimeLayout)
	if c.LastKey == "" {
		return fmt.Sprintf("%s gt '%s'", tsField, ts)
	}
	return fmt.Sprintf("%s gt '%s' or (%s eq '%s' and %s gt '%s')",
		tsField, ts, tsField, ts, keyField, c.LastKey)
}

// OrderBy returns the $orderby clause matching NextFilter's pagination order.
func OrderBy(tsField, keyField string) string {
	return tsField + " asc, " + keyField + " asc"
}

// Advance moves the cursor to the timestamp and key of a page's last record.
// The new position must not regress; equal timestamps are allowed since a
// long run of identical timestamps can span pages.
func (m *Manager) Advance(resource, scope string, lastTimestamp time.Time, lastKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(resource, scope)
	cur, ok := m.cursors[k]
	if !ok {
		cur = Cursor{Resource: resource, Scope: scope, LastTimestamp: m.epoch}
	}
	if lastTimestamp.Before(cur.LastTimestamp) {
		return fmt.Errorf("cursor for %s/%s would regress from %s to %s",
			resource, scope, cur.LastTimestamp.Format(TimeLayout), lastTimestamp.Format(TimeLayout))
	}
	cur.LastTimestamp = lastTimestamp
	cur.LastKey = lastKey
	m.cursors[k] = cur

	logrus.WithFields(logrus.Fields{
		"component": "cursor",
		"resource":  resource,
		"scope":     scope,
		"position":  lastTimestamp.Format(TimeLayout),
		"last_key":  lastKey,
	}).Debug("Cursor advanced")
	return nil
}

// Snapshot returns a copy of all cursors, keyed by "resource|scope", for
// persisting into the sync log.
func (m *Manager) Snapshot() map[string]Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Cursor, len(m.cursors))
	for k, c := range m.cursors {
		out[k] = c
	}
	return out
}
