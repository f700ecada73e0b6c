// Package sink writes replicated records into PostgreSQL with idempotent
// chunked upserts, guarded by a circuit breaker.
package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/feedbridge/feedbridge/internal/breaker"
	"github.com/feedbridge/feedbridge/internal/db"
)

// Row is one sink-ready record: the natural key value plus column values
// aligned with the table's column list.
type Row struct {
	Key    string
	Values []any
}

// ChunkError records one failed chunk without aborting its siblings.
type ChunkError struct {
	Chunk   int
	Records int
	Err     error
}

func (e ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (%d records): %v", e.Chunk, e.Records, e.Err)
}

// UpsertResult reports the outcome of one Upsert call. CommittedKeys holds
// the natural keys of every record whose chunk was written, in input order.
type UpsertResult struct {
	Successful    int
	Failed        int
	CommittedKeys []string
	Errors        []ChunkError
}

// DefaultChunkSize bounds the payload of a single batch statement.
const DefaultChunkSize = 200

// Sink performs idempotent writes into PostgreSQL. One Sink instance is
// shared by all pipelines of a sync run; the breaker stops a degraded
// database from being hammered by successive batches.
type Sink struct {
	pool    db.PgxIface
	breaker *breaker.CircuitBreaker
}

// New creates a Sink over an existing pool.
func New(pool db.PgxIface, cfg breaker.Config) *Sink {
	return &Sink{
		pool:    pool,
		breaker: breaker.New("sink", cfg),
	}
}

// Breaker exposes the sink's circuit breaker.
func (s *Sink) Breaker() *breaker.CircuitBreaker { return s.breaker }

// Upsert writes rows into table in fixed-size chunks using INSERT ... ON
// CONFLICT DO UPDATE keyed by conflictKey. A failing chunk is recorded and
// the remaining chunks still attempt, so one poisoned chunk cannot sink a
// whole batch. Re-upserting an unchanged record is a no-op in effect.
func (s *Sink) Upsert(ctx context.Context, table string, columns []string, conflictKey string, rows []Row, chunkSize int) UpsertResult {
	var result UpsertResult
	if len(rows) == 0 {
		return result
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	query := buildUpsertQuery(table, columns, conflictKey)

	chunkIdx := 0
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		err := s.breaker.Do(func() error {
			return s.writeChunk(ctx, query, chunk)
		})
		if err != nil {
			result.Failed += len(chunk)
			result.Errors = append(result.Errors, ChunkError{Chunk: chunkIdx, Records: len(chunk), Err: err})
			logrus.WithError(err).WithFields(logrus.Fields{
				"component": "sink",
				"table":     table,
				"chunk":     chunkIdx,
				"records":   len(chunk),
			}).Error("Chunk upsert failed, continuing with remaining chunks")
		} else {
			result.Successful += len(chunk)
			for _, r := range chunk {
				result.CommittedKeys = append(result.CommittedKeys, r.Key)
			}
		}
		chunkIdx++
	}

	logrus.WithFields(logrus.Fields{
		"component":  "sink",
		"table":      table,
		"successful": result.Successful,
		"failed":     result.Failed,
	}).Debug("Upsert batch finished")
	return result
}

// writeChunk queues the chunk as one pgx batch and executes it.
func (s *Sink) writeChunk(ctx context.Context, query string, chunk []Row) error {
	batch := &pgx.Batch{}
	for _, r := range chunk {
		batch.Queue(query, r.Values...)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to execute batch upsert: %w", err)
	}
	return nil
}

// buildUpsertQuery renders the idempotent insert for a table. All non-key
// columns are overwritten from EXCLUDED on conflict.
func buildUpsertQuery(table string, columns []string, conflictKey string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	var updates []string
	for _, col := range columns {
		if col == conflictKey {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	if len(updates) == 0 {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			table, strings.Join(columns, ", "), strings.Join(placeholders, ", "), conflictKey)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "), conflictKey, strings.Join(updates, ", "))
}

// Count returns the exact number of rows in a table.
func (s *Sink) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return n, nil
}

// LoadKeys pages through a table's key column with ranged reads, each below
// the per-query row cap, until a short page signals the end. Used to build
// the parent key cache at sync start.
func (s *Sink) LoadKeys(ctx context.Context, table, keyColumn string, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = 5000
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > $1 ORDER BY %s LIMIT $2",
		keyColumn, table, keyColumn, keyColumn)

	var keys []string
	last := ""
	for {
		page, err := s.loadKeyPage(ctx, query, last, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to load keys from %s: %w", table, err)
		}
		keys = append(keys, page...)
		if len(page) < pageSize {
			break
		}
		last = page[len(page)-1]
	}

	logrus.WithFields(logrus.Fields{
		"component": "sink",
		"table":     table,
		"count":     len(keys),
	}).Info("Loaded existing keys from sink")
	return keys, nil
}

func (s *Sink) loadKeyPage(ctx context.Context, query, after string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
