package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbridge/feedbridge/internal/config"
	"github.com/feedbridge/feedbridge/internal/cursor"
	"github.com/feedbridge/feedbridge/internal/feed"
	"github.com/feedbridge/feedbridge/internal/retry"
	"github.com/feedbridge/feedbridge/internal/sink"
)

var epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeFeed serves scripted pages per resource, in order. Concurrency-safe
// because child fetches run on their own goroutines.
type fakeFeed struct {
	mu      sync.Mutex
	pages   map[string][][]feed.Record
	errs    map[string]error
	queries map[string][]feed.Query
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		pages:   map[string][][]feed.Record{},
		errs:    map[string]error{},
		queries: map[string][]feed.Query{},
	}
}

func (f *fakeFeed) enqueue(resource string, page []feed.Record) {
	f.pages[resource] = append(f.pages[resource], page)
}

func (f *fakeFeed) FetchPage(ctx context.Context, resource string, q feed.Query) ([]feed.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[resource] = append(f.queries[resource], q)
	if err := f.errs[resource]; err != nil {
		return nil, err
	}
	queue := f.pages[resource]
	if len(queue) == 0 {
		return nil, nil
	}
	f.pages[resource] = queue[1:]
	return queue[0], nil
}

func (f *fakeFeed) Count(ctx context.Context, resource, filter string, scope feed.Scope) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[resource] = append(f.queries[resource], feed.Query{Filter: filter, Scope: scope})
	if err := f.errs[resource]; err != nil {
		return 0, err
	}
	n := 0
	for _, page := range f.pages[resource] {
		n += len(page)
	}
	return n, nil
}

func (f *fakeFeed) calls(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries[resource])
}

type upsertCall struct {
	table string
	rows  []sink.Row
}

// fakeSink commits every row unless its key is in failKeys or the whole
// table is marked failing.
type fakeSink struct {
	mu         sync.Mutex
	calls      []upsertCall
	keys       map[string][]string
	failKeys   map[string]bool
	failTables map[string]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		keys:       map[string][]string{},
		failKeys:   map[string]bool{},
		failTables: map[string]bool{},
	}
}

func (f *fakeSink) Upsert(ctx context.Context, table string, columns []string, conflictKey string, rows []sink.Row, chunkSize int) sink.UpsertResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, upsertCall{table: table, rows: rows})

	var result sink.UpsertResult
	if f.failTables[table] {
		result.Failed = len(rows)
		result.Errors = append(result.Errors, sink.ChunkError{Chunk: 0, Records: len(rows), Err: errors.New("database down")})
		return result
	}
	for _, row := range rows {
		if f.failKeys[row.Key] {
			result.Failed++
			result.Errors = append(result.Errors, sink.ChunkError{Chunk: 0, Records: 1, Err: errors.New("constraint violation")})
			continue
		}
		result.Successful++
		result.CommittedKeys = append(result.CommittedKeys, row.Key)
	}
	return result
}

func (f *fakeSink) LoadKeys(ctx context.Context, table, keyColumn string, pageSize int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[table], nil
}

func (f *fakeSink) callsFor(table string) []upsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []upsertCall
	for _, c := range f.calls {
		if c.table == table {
			out = append(out, c)
		}
	}
	return out
}

func testResource(pageSize int, children ...config.Child) config.Resource {
	return config.Resource{
		Name:           "accounts",
		Scope:          "open",
		Table:          "accounts",
		KeyField:       "accountid",
		TimestampField: "modifiedon",
		ConflictKey:    "accountid",
		Columns:        []string{"accountid", "name", "modifiedon"},
		PageSize:       pageSize,
		ChunkSize:      200,
		KeyPageSize:    1000,
		Children:       children,
	}
}

func contactsChild() config.Child {
	return config.Child{
		Name:           "contacts",
		Table:          "contacts",
		KeyField:       "contactid",
		TimestampField: "modifiedon",
		ConflictKey:    "contactid",
		ForeignKey:     "accountid",
		Columns:        []string{"contactid", "accountid", "modifiedon"},
	}
}

func fastRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterPercent: 0}
}

func accountPage(start, n int, base time.Time) []feed.Record {
	page := make([]feed.Record, 0, n)
	for i := 0; i < n; i++ {
		page = append(page, feed.Record{
			"accountid":  fmt.Sprintf("a%05d", start+i),
			"name":       fmt.Sprintf("Account %d", start+i),
			"modifiedon": base.Add(time.Duration(start+i) * time.Second).Format(time.RFC3339),
		})
	}
	return page
}

func TestPipelineStopsAfterShortPage(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ff := newFakeFeed()
	ff.enqueue("accounts", accountPage(0, 1000, base))
	ff.enqueue("accounts", accountPage(1000, 1000, base))
	ff.enqueue("accounts", accountPage(2000, 400, base))

	fs := newFakeSink()
	cursors := cursor.NewManager(epoch)

	var batches []BatchStats
	after := func(ctx context.Context, stats BatchStats) error {
		batches = append(batches, stats)
		return nil
	}

	p := NewPipeline(testResource(1000), ff, fs, cursors, NewKeySet(), nil, nil, fastRetry(), after)
	require.NoError(t, p.Run(context.Background()))

	// The 400-record page is final; no fourth fetch happens.
	assert.Equal(t, 3, ff.calls("accounts"))
	assert.Len(t, batches, 3)
	assert.Equal(t, int64(1000), batches[0].Processed)
	assert.Equal(t, int64(400), batches[2].Processed)

	cur := cursors.Get("accounts", "open")
	assert.Equal(t, base.Add(2399*time.Second), cur.LastTimestamp)
	assert.Equal(t, "a02399", cur.LastKey)
}

func TestPipelineCursorMonotonicAcrossBatches(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ff := newFakeFeed()
	ff.enqueue("accounts", accountPage(0, 2, base))
	ff.enqueue("accounts", accountPage(2, 2, base))
	ff.enqueue("accounts", accountPage(4, 1, base))

	fs := newFakeSink()
	cursors := cursor.NewManager(epoch)

	var seen []time.Time
	after := func(ctx context.Context, stats BatchStats) error {
		seen = append(seen, cursors.Get("accounts", "open").LastTimestamp)
		return nil
	}

	p := NewPipeline(testResource(2), ff, fs, cursors, NewKeySet(), nil, nil, fastRetry(), after)
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, seen, 3)
	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i].After(seen[i-1]), "cursor must advance between batches")
	}

	// Each follow-up page is requested strictly after the previous cursor.
	qs := ff.queries["accounts"]
	require.Len(t, qs, 3)
	assert.Contains(t, qs[1].Filter, base.Add(1*time.Second).Format(time.RFC3339))
	assert.Contains(t, qs[2].Filter, base.Add(3*time.Second).Format(time.RFC3339))
}

func TestPipelineGatesChildrenOnCommittedParents(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ff := newFakeFeed()

	parents := accountPage(0, 5, base)
	ff.enqueue("accounts", parents)

	// 50 children; 10 reference a parent key absent from this batch.
	var children []feed.Record
	for i := 0; i < 40; i++ {
		children = append(children, feed.Record{
			"contactid":  fmt.Sprintf("c%03d", i),
			"accountid":  fmt.Sprintf("a%05d", i%5),
			"modifiedon": base.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
		})
	}
	for i := 40; i < 50; i++ {
		children = append(children, feed.Record{
			"contactid":  fmt.Sprintf("c%03d", i),
			"accountid":  "a99999",
			"modifiedon": base.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
		})
	}
	ff.enqueue("contacts", children)

	fs := newFakeSink()
	cursors := cursor.NewManager(epoch)

	// The orphaned key sits in the historical cache, proving the gate checks
	// the batch's committed subset and not the cache.
	historical := NewKeySet("a99999")

	var stats BatchStats
	after := func(ctx context.Context, s BatchStats) error {
		stats = s
		return nil
	}

	p := NewPipeline(testResource(1000, contactsChild()), ff, fs, cursors, historical, nil, nil, fastRetry(), after)
	require.NoError(t, p.Run(context.Background()))

	calls := fs.callsFor("contacts")
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].rows, 40)

	// 5 parents + 40 children written; 10 skipped children are neither
	// successes nor failures.
	assert.Equal(t, int64(45), stats.Successful)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPipelinePartialParentFailureGatesItsChildren(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ff := newFakeFeed()
	ff.enqueue("accounts", accountPage(0, 3, base))
	ff.enqueue("contacts", []feed.Record{
		{"contactid": "c1", "accountid": "a00000", "modifiedon": base.Format(time.RFC3339)},
		{"contactid": "c2", "accountid": "a00001", "modifiedon": base.Format(time.RFC3339)},
	})

	fs := newFakeSink()
	fs.failKeys["a00001"] = true
	cursors := cursor.NewManager(epoch)

	var stats BatchStats
	after := func(ctx context.Context, s BatchStats) error {
		stats = s
		return nil
	}

	p := NewPipeline(testResource(1000, contactsChild()), ff, fs, cursors, NewKeySet(), nil, nil, fastRetry(), after)
	require.NoError(t, p.Run(context.Background()))

	// Only the child of the committed parent goes through.
	calls := fs.callsFor("contacts")
	require.Len(t, calls, 1)
	require.Len(t, calls[0].rows, 1)
	assert.Equal(t, "c1", calls[0].rows[0].Key)

	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)

	// Partial failure still advances the cursor; the records are counted,
	// not replayed.
	assert.Equal(t, base.Add(2*time.Second), cursors.Get("accounts", "open").LastTimestamp)
}

func TestPipelineTotalParentFailurePreservesCursor(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ff := newFakeFeed()
	ff.enqueue("accounts", accountPage(0, 3, base))

	fs := newFakeSink()
	fs.failTables["accounts"] = true
	cursors := cursor.NewManager(epoch)

	p := NewPipeline(testResource(1000), ff, fs, cursors, NewKeySet(), nil, nil, fastRetry(), nil)
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent upsert failed after retries")

	cur := cursors.Get("accounts", "open")
	assert.Equal(t, epoch, cur.LastTimestamp)
	assert.Empty(t, cur.LastKey)
}

func TestPipelineChildFetchFailureDoesNotAbortBatch(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ff := newFakeFeed()
	ff.enqueue("accounts", accountPage(0, 2, base))
	ff.errs["contacts"] = errors.New("upstream timeout")

	fs := newFakeSink()
	cursors := cursor.NewManager(epoch)

	p := NewPipeline(testResource(1000, contactsChild()), ff, fs, cursors, NewKeySet(), nil, nil, fastRetry(), nil)
	require.NoError(t, p.Run(context.Background()))

	assert.Empty(t, fs.callsFor("contacts"))
	assert.Equal(t, base.Add(time.Second), cursors.Get("accounts", "open").LastTimestamp)
}

func TestPipelineBudgetStopsMidPagination(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ff := newFakeFeed()
	ff.enqueue("accounts", accountPage(0, 1000, base))
	ff.enqueue("accounts", accountPage(1000, 1000, base))
	ff.enqueue("accounts", accountPage(2000, 1000, base))

	fs := newFakeSink()
	cursors := cursor.NewManager(epoch)

	var total int64
	after := func(ctx context.Context, stats BatchStats) error {
		total += stats.Processed
		return nil
	}

	p := NewPipeline(testResource(1000), ff, fs, cursors, NewKeySet(), nil, NewBudget(1500), fastRetry(), after)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, int64(1500), total)
	assert.Equal(t, 2, ff.calls("accounts"))

	// Cursor points at the last granted record, not the page tail.
	assert.Equal(t, "a01499", cursors.Get("accounts", "open").LastKey)
}

func TestPipelineValidationFailuresAreCountedNotFatal(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ff := newFakeFeed()
	ff.enqueue("accounts", []feed.Record{
		{"accountid": "a1", "modifiedon": base.Format(time.RFC3339)},
		{"accountid": "", "modifiedon": base.Format(time.RFC3339)},
		{"accountid": "a3", "modifiedon": base.Add(time.Second).Format(time.RFC3339)},
	})

	fs := newFakeSink()
	cursors := cursor.NewManager(epoch)

	var stats BatchStats
	after := func(ctx context.Context, s BatchStats) error {
		stats = s
		return nil
	}

	p := NewPipeline(testResource(1000), ff, fs, cursors, NewKeySet(), nil, nil, fastRetry(), after)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(2), stats.Successful)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPipelineMalformedTailRecordDoesNotAbortBatch(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ff := newFakeFeed()
	ff.enqueue("accounts", []feed.Record{
		{"accountid": "a1", "name": "Alice", "modifiedon": base.Format(time.RFC3339)},
		{"accountid": "a2", "name": "Bob", "modifiedon": "not-a-timestamp"},
	})

	fs := newFakeSink()
	cursors := cursor.NewManager(epoch)

	var stats BatchStats
	after := func(ctx context.Context, s BatchStats) error {
		stats = s
		return nil
	}

	p := NewPipeline(testResource(1000), ff, fs, cursors, NewKeySet(), nil, nil, fastRetry(), after)
	require.NoError(t, p.Run(context.Background()))

	// The valid record is written and the broken one is counted, not fatal.
	calls := fs.callsFor("accounts")
	require.Len(t, calls, 1)
	require.Len(t, calls[0].rows, 1)
	assert.Equal(t, "a1", calls[0].rows[0].Key)

	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Successful)
	assert.Equal(t, int64(1), stats.Failed)

	// The cursor resumes from the last record whose timestamp parses, so
	// the next run does not refetch the same page forever.
	cur := cursors.Get("accounts", "open")
	assert.Equal(t, base, cur.LastTimestamp)
	assert.Equal(t, "a1", cur.LastKey)
}

func TestPipelinePageWithoutUsableTimestampFails(t *testing.T) {
	ff := newFakeFeed()
	ff.enqueue("accounts", []feed.Record{
		{"accountid": "a1", "modifiedon": "garbage"},
		{"accountid": "a2", "modifiedon": nil},
	})

	fs := newFakeSink()
	cursors := cursor.NewManager(epoch)
	p := NewPipeline(testResource(1000), ff, fs, cursors, NewKeySet(), nil, nil, fastRetry(), nil)

	err := p.Run(context.Background())
	require.ErrorContains(t, err, "no record in page has a usable timestamp")
	assert.Empty(t, fs.callsFor("accounts"))
	assert.Equal(t, epoch, cursors.Get("accounts", "open").LastTimestamp)
}

func TestPipelineCancelledBeforeFirstBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ff := newFakeFeed()
	fs := newFakeSink()
	p := NewPipeline(testResource(1000), ff, fs, cursor.NewManager(epoch), NewKeySet(), nil, nil, fastRetry(), nil)

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ff.calls("accounts"))
}

func TestBudgetTake(t *testing.T) {
	b := NewBudget(10)
	assert.Equal(t, 7, b.Take(7))
	assert.Equal(t, 3, b.Take(7))
	assert.Equal(t, 0, b.Take(7))

	unlimited := NewBudget(0)
	assert.Equal(t, 1000, unlimited.Take(1000))
	assert.Equal(t, 1000, unlimited.Take(1000))
}
