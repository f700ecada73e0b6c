// Package statelog persists sync progress into the append-only sync_log
// table. The newest entry is authoritative for resume.
package statelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/feedbridge/feedbridge/internal/cursor"
	"github.com/feedbridge/feedbridge/internal/db"
)

// Entry statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Entry is one sync_log row: a snapshot of all cursors plus run counters.
type Entry struct {
	Ts              time.Time
	Cursors         map[string]cursor.Cursor
	TotalProcessed  int64
	TotalSuccessful int64
	TotalFailed     int64
	Status          string
}

// Append writes an entry. Called at least once per completed batch so an
// interrupted run loses at most one in-flight batch of progress.
func Append(ctx context.Context, pool db.PgxIface, entry Entry) error {
	cursors, err := json.Marshal(entry.Cursors)
	if err != nil {
		return fmt.Errorf("failed to marshal cursors: %w", err)
	}
	if entry.Status == "" {
		entry.Status = StatusOK
	}

	query := `INSERT INTO sync_log (cursors, total_processed, total_successful, total_failed, status)
			  VALUES ($1, $2, $3, $4, $5)`
	if _, err := pool.Exec(ctx, query, cursors, entry.TotalProcessed, entry.TotalSuccessful, entry.TotalFailed, entry.Status); err != nil {
		return fmt.Errorf("failed to append sync log entry: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"component":  "statelog",
		"processed":  entry.TotalProcessed,
		"successful": entry.TotalSuccessful,
		"failed":     entry.TotalFailed,
		"status":     entry.Status,
	}).Debug("Appended sync log entry")
	return nil
}

// LoadLatest returns the newest entry, or nil when the log is empty, meaning
// the sync starts from the configured epoch.
func LoadLatest(ctx context.Context, pool db.PgxIface) (*Entry, error) {
	query := `SELECT ts, cursors, total_processed, total_successful, total_failed, status
		FROM sync_log
		ORDER BY ts DESC, id DESC
		LIMIT 1`

	var entry Entry
	var cursors []byte
	err := pool.QueryRow(ctx, query).Scan(&entry.Ts, &cursors, &entry.TotalProcessed, &entry.TotalSuccessful, &entry.TotalFailed, &entry.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest sync log entry: %w", err)
	}

	if err := json.Unmarshal(cursors, &entry.Cursors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cursors: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"component": "statelog",
		"ts":        entry.Ts,
		"cursors":   len(entry.Cursors),
	}).Info("Loaded latest sync log entry")
	return &entry, nil
}
