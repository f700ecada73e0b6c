package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/feedbridge/feedbridge/internal/config"
	"github.com/feedbridge/feedbridge/internal/cursor"
	"github.com/feedbridge/feedbridge/internal/feed"
	"github.com/feedbridge/feedbridge/internal/retry"
	"github.com/feedbridge/feedbridge/internal/sink"
)

// FeedClient is the slice of the feed API the engine consumes.
type FeedClient interface {
	FetchPage(ctx context.Context, resource string, q feed.Query) ([]feed.Record, error)
}

// Upserter is the slice of the sink API the engine consumes.
type Upserter interface {
	Upsert(ctx context.Context, table string, columns []string, conflictKey string, rows []sink.Row, chunkSize int) sink.UpsertResult
	LoadKeys(ctx context.Context, table, keyColumn string, pageSize int) ([]string, error)
}

// Budget is an optional global ceiling on processed parent records, shared
// by all pipelines. Used to bound test runs; zero means unlimited.
type Budget struct {
	mu        sync.Mutex
	remaining int64
	limited   bool
}

// NewBudget creates a budget. max <= 0 disables the ceiling.
func NewBudget(max int64) *Budget {
	return &Budget{remaining: max, limited: max > 0}
}

// Take claims up to n records and returns how many were granted.
func (b *Budget) Take(n int) int {
	if !b.limited {
		return n
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if int64(n) > b.remaining {
		n = int(b.remaining)
	}
	b.remaining -= int64(n)
	return n
}

// BatchStats reports one completed batch for sync log accounting.
type BatchStats struct {
	Seq        int
	Processed  int64
	Successful int64
	Failed     int64
}

// childFetch carries one child resource's fan-out result. A failed fetch is
// recorded and treated as an empty result; it does not abort the batch.
type childFetch struct {
	cfg     config.Child
	records []feed.Record
	err     error
}

// Pipeline replicates one (resource, scope) pair. It is a sequential loop;
// the only same-batch parallelism is the child resource fan-out.
type Pipeline struct {
	res        config.Resource
	feed       FeedClient
	sink       Upserter
	cursors    *cursor.Manager
	parentKeys *KeySet
	mappers    map[string]Mapper
	budget     *Budget
	retryCfg   *retry.Config
	afterBatch func(ctx context.Context, stats BatchStats) error
	log        *logrus.Entry
}

// NewPipeline wires one resource pipeline. mappers is keyed by resource
// name (parent and children); missing entries fall back to the allow-list
// column mapper. afterBatch is invoked once per completed batch, after the
// cursor has advanced.
func NewPipeline(res config.Resource, fc FeedClient, up Upserter, cursors *cursor.Manager,
	parentKeys *KeySet, mappers map[string]Mapper, budget *Budget, retryCfg *retry.Config,
	afterBatch func(ctx context.Context, stats BatchStats) error) *Pipeline {

	if mappers == nil {
		mappers = map[string]Mapper{}
	}
	if _, ok := mappers[res.Name]; !ok {
		mappers[res.Name] = NewColumnMapper(res.Columns, res.KeyField, res.TimestampField)
	}
	for _, ch := range res.Children {
		if _, ok := mappers[ch.Name]; !ok {
			mappers[ch.Name] = NewColumnMapper(ch.Columns, ch.KeyField, ch.TimestampField)
		}
	}
	if retryCfg == nil {
		retryCfg = retry.SinkDefaults()
	}
	if budget == nil {
		budget = NewBudget(0)
	}
	if afterBatch == nil {
		afterBatch = func(context.Context, BatchStats) error { return nil }
	}
	return &Pipeline{
		res:        res,
		feed:       fc,
		sink:       up,
		cursors:    cursors,
		parentKeys: parentKeys,
		mappers:    mappers,
		budget:     budget,
		retryCfg:   retryCfg,
		afterBatch: afterBatch,
		log: logrus.WithFields(logrus.Fields{
			"component": "pipeline",
			"resource":  res.Name,
			"scope":     res.Scope,
		}),
	}
}

// Run loops fetch, upsert and advance until the feed has no more data, the
// record budget is spent, or the context is cancelled. Cancellation is
// honored between batches only: an in-flight batch always finishes its
// writes so the cursor never advances past unattempted children.
func (p *Pipeline) Run(ctx context.Context) error {
	seq := 0
	for {
		if err := ctx.Err(); err != nil {
			p.log.Info("Pipeline stopping on cancellation")
			return err
		}

		parents, err := p.fetchParents(ctx)
		if err != nil {
			return fmt.Errorf("fetching %s parents: %w", p.res.Name, err)
		}
		if len(parents) == 0 {
			p.log.WithField("batches", seq).Info("Pipeline finished, no more records")
			return nil
		}

		pageWasFull := len(parents) == p.res.PageSize
		granted := p.budget.Take(len(parents))
		if granted == 0 {
			p.log.Info("Record budget exhausted before batch, stopping")
			return nil
		}
		parents = parents[:granted]

		seq++
		stats, err := p.runBatch(ctx, seq, parents)
		if err != nil {
			// Cursor untouched: next run resumes from the last good batch.
			return fmt.Errorf("batch %d of %s: %w", seq, p.res.Name, err)
		}
		if err := p.afterBatch(ctx, stats); err != nil {
			return fmt.Errorf("recording batch %d of %s: %w", seq, p.res.Name, err)
		}

		if !pageWasFull {
			p.log.WithField("batches", seq).Info("Pipeline finished, short page reached")
			return nil
		}
		if granted < p.res.PageSize {
			p.log.Info("Record budget exhausted, stopping mid-pagination")
			return nil
		}

		if err := sleepCtx(ctx, p.res.Throttle.Std()); err != nil {
			return err
		}
	}
}

// fetchParents pulls the next cursor-ordered page of the parent resource.
func (p *Pipeline) fetchParents(ctx context.Context) ([]feed.Record, error) {
	q := feed.Query{
		Filter:  p.cursors.NextFilter(p.res.Name, p.res.Scope, p.res.TimestampField, p.res.KeyField),
		OrderBy: cursor.OrderBy(p.res.TimestampField, p.res.KeyField),
		Top:     p.res.PageSize,
		Scope:   feed.Scope(p.res.Scope),
	}
	return p.feed.FetchPage(ctx, p.res.Name, q)
}

// runBatch executes one full fetch→upsert→advance cycle.
func (p *Pipeline) runBatch(ctx context.Context, seq int, parents []feed.Record) (BatchStats, error) {
	stats := BatchStats{Seq: seq}
	blog := p.log.WithField("batch", seq)

	lastTs, lastKey, ok := lastResumePoint(parents, p.res.TimestampField, p.res.KeyField)
	if !ok {
		// Not one record in the page can anchor a filter. Advancing is
		// impossible, so refetching would loop on the same page forever.
		return stats, fmt.Errorf("no record in page has a usable timestamp")
	}
	window := p.cursors.Get(p.res.Name, p.res.Scope).LastTimestamp

	// Fire all child fetches while the parent batch is being written.
	childCh := p.fetchChildren(ctx, window, lastTs)

	parentRows, invalid := p.mapRecords(parents, p.mappers[p.res.Name], blog)
	stats.Processed += int64(len(parents))
	stats.Failed += invalid

	// Writes run on a detached context so cancellation cannot split a batch
	// between parents and children.
	wctx := context.WithoutCancel(ctx)

	result, err := p.upsertParents(wctx, parentRows)
	if err != nil {
		return stats, err
	}
	stats.Successful += int64(result.Successful)
	stats.Failed += int64(result.Failed)

	committed := NewKeySet(result.CommittedKeys...)
	p.parentKeys.Add(result.CommittedKeys)

	blog.WithFields(logrus.Fields{
		"parents":   len(parents),
		"committed": len(result.CommittedKeys),
		"failed":    stats.Failed,
	}).Info("Parent batch committed")

	for fetch := range childCh {
		p.upsertChildBatch(wctx, fetch, committed, &stats, blog)
	}

	if err := p.cursors.Advance(p.res.Name, p.res.Scope, lastTs, lastKey); err != nil {
		return stats, err
	}
	return stats, nil
}

// upsertParents writes the parent rows, retrying only total failures. A
// partially committed batch is accepted: its failed records are counted and
// the committed subset gates the children.
func (p *Pipeline) upsertParents(ctx context.Context, rows []sink.Row) (sink.UpsertResult, error) {
	var result sink.UpsertResult
	if len(rows) == 0 {
		return result, nil
	}
	err := retry.WithOperation(ctx, p.retryCfg, func() error {
		result = p.sink.Upsert(ctx, p.res.Table, p.res.Columns, p.res.ConflictKey, rows, p.res.ChunkSize)
		if result.Successful == 0 {
			return fmt.Errorf("all %d parent records failed: %v", result.Failed, firstError(result))
		}
		return nil
	}, "upsert "+p.res.Name)
	if err != nil {
		return result, fmt.Errorf("parent upsert failed after retries: %w", err)
	}
	return result, nil
}

// upsertChildBatch gates one child resource's records against the batch's
// committed parent subset and writes the survivors. Failures are tolerated
// per child resource.
func (p *Pipeline) upsertChildBatch(ctx context.Context, fetch childFetch, committed *KeySet, stats *BatchStats, blog *logrus.Entry) {
	clog := blog.WithField("child", fetch.cfg.Name)
	if fetch.err != nil {
		clog.WithError(fetch.err).Error("Child fetch failed, treating as empty result")
		return
	}
	if len(fetch.records) == 0 {
		return
	}

	// Only parents committed in this batch let their children through. A
	// parent that failed mapping or upsert mid-batch must not, even when its
	// key is in the broader historical cache.
	kept, skipped := committed.FilterChildren(fetch.records, fetch.cfg.ForeignKey)
	if skipped > 0 {
		known := 0
		for _, rec := range fetch.records {
			fk := stringField(rec, fetch.cfg.ForeignKey)
			if !committed.Contains(fk) && p.parentKeys.Contains(fk) {
				known++
			}
		}
		clog.WithFields(logrus.Fields{
			"skipped":      skipped,
			"known_parent": known,
		}).Debug("Skipped children referencing parents outside this batch's committed subset")
	}

	rows, invalid := p.mapRecords(kept, p.mappers[fetch.cfg.Name], clog)
	stats.Failed += invalid

	result := p.sink.Upsert(ctx, fetch.cfg.Table, fetch.cfg.Columns, fetch.cfg.ConflictKey, rows, p.res.ChunkSize)
	stats.Successful += int64(result.Successful)
	stats.Failed += int64(result.Failed)

	clog.WithFields(logrus.Fields{
		"fetched":    len(fetch.records),
		"skipped":    skipped,
		"successful": result.Successful,
		"failed":     result.Failed,
	}).Info("Child batch written")
}

// fetchChildren fans out one goroutine per child resource type, each paging
// through the batch's timestamp window. All fetches are fired at once; the
// returned channel yields every result and is closed when all are in.
func (p *Pipeline) fetchChildren(ctx context.Context, from, to time.Time) <-chan childFetch {
	out := make(chan childFetch, len(p.res.Children))
	var wg sync.WaitGroup
	for _, ch := range p.res.Children {
		wg.Add(1)
		go func(cfg config.Child) {
			defer wg.Done()
			records, err := p.fetchChildWindow(ctx, cfg, from, to)
			out <- childFetch{cfg: cfg, records: records, err: err}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// fetchChildWindow pages through one child resource restricted to the parent
// batch's timestamp window.
func (p *Pipeline) fetchChildWindow(ctx context.Context, cfg config.Child, from, to time.Time) ([]feed.Record, error) {
	upper := to.UTC().Format(cursor.TimeLayout)
	lowTs := from.UTC().Format(cursor.TimeLayout)
	lowKey := ""

	var all []feed.Record
	for {
		// (ts, key) tuple continuation, same shape as the parent cursor, with
		// the window's upper bound pinned to the batch's last parent timestamp.
		low := fmt.Sprintf("%s gt '%s'", cfg.TimestampField, lowTs)
		if lowKey != "" {
			low = fmt.Sprintf("(%s gt '%s' or (%s eq '%s' and %s gt '%s'))",
				cfg.TimestampField, lowTs, cfg.TimestampField, lowTs, cfg.KeyField, lowKey)
		}
		q := feed.Query{
			Filter:  fmt.Sprintf("%s and %s le '%s'", low, cfg.TimestampField, upper),
			OrderBy: cursor.OrderBy(cfg.TimestampField, cfg.KeyField),
			Top:     p.res.PageSize,
			Scope:   feed.Scope(p.res.Scope),
		}
		page, err := p.feed.FetchPage(ctx, cfg.Name, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < p.res.PageSize {
			return all, nil
		}
		tail := page[len(page)-1]
		tailTs, err := timeField(tail, cfg.TimestampField)
		if err != nil {
			return nil, fmt.Errorf("child page tail has no usable timestamp: %w", err)
		}
		lowTs = tailTs.UTC().Format(cursor.TimeLayout)
		lowKey = stringField(tail, cfg.KeyField)
	}
}

// mapRecords runs the resource's mapper over a record slice. Validation
// failures drop the record and count as failed.
func (p *Pipeline) mapRecords(records []feed.Record, m Mapper, log *logrus.Entry) ([]sink.Row, int64) {
	rows := make([]sink.Row, 0, len(records))
	var failed int64
	for _, rec := range records {
		row, err := m.Map(rec)
		if err != nil {
			failed++
			log.WithError(err).Debug("Record failed validation, excluded from batch")
			continue
		}
		rows = append(rows, row)
	}
	return rows, failed
}

// lastResumePoint walks back from the page tail to the newest record whose
// timestamp parses. A malformed tail is a per-record failure, not a batch
// failure: the mapper drops and counts it, and the cursor resumes from the
// last position that can still anchor a filter.
func lastResumePoint(records []feed.Record, tsField, keyField string) (time.Time, string, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		ts, err := timeField(records[i], tsField)
		if err != nil {
			continue
		}
		return ts, stringField(records[i], keyField), true
	}
	return time.Time{}, "", false
}

func firstError(r sink.UpsertResult) error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
