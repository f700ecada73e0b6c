package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/feedbridge/feedbridge/internal/config"
	"github.com/feedbridge/feedbridge/internal/cursor"
	"github.com/feedbridge/feedbridge/internal/db"
	"github.com/feedbridge/feedbridge/internal/feed"
	"github.com/feedbridge/feedbridge/internal/retry"
	"github.com/feedbridge/feedbridge/internal/statelog"
)

// Counter is the optional counting slice of the feed API, used by Plan.
type Counter interface {
	Count(ctx context.Context, resource, filter string, scope feed.Scope) (int, error)
}

// Options wires an Engine.
type Options struct {
	Config     *config.Config
	Feed       FeedClient
	Sink       Upserter
	Pool       db.PgxIface
	Resources  []string          // names to run; empty means all configured
	Force      bool              // ignore persisted cursors, start from epoch
	MaxRecords int64             // global parent record ceiling; 0 = unlimited
	Mappers    map[string]Mapper // custom mappers by resource name
	Retry      *retry.Config
}

// Engine owns one sync run: it seeds cursors from the newest sync log entry,
// builds the parent key caches, runs each resource pipeline as an
// independent sequential loop and appends progress to the sync log.
type Engine struct {
	opts    Options
	cursors *cursor.Manager

	mu              sync.Mutex
	totalProcessed  int64
	totalSuccessful int64
	totalFailed     int64
}

// New creates an Engine.
func New(opts Options) *Engine {
	return &Engine{
		opts:    opts,
		cursors: cursor.NewManager(opts.Config.EpochStart),
	}
}

// Run executes the sync. A pipeline failure aborts that resource for the run
// but the remaining resources still sync; the aggregate error is returned so
// the process exits non-zero. A final sync log entry is always attempted.
func (e *Engine) Run(ctx context.Context) error {
	log := logrus.WithField("component", "engine")

	if e.opts.Force {
		log.Warn("Force flag set, ignoring persisted cursors and starting from epoch")
	} else {
		entry, err := statelog.LoadLatest(ctx, e.opts.Pool)
		if err != nil {
			return fmt.Errorf("loading sync state: %w", err)
		}
		if entry == nil {
			log.WithField("epoch", e.opts.Config.EpochStart).Info("No previous sync state, starting from epoch")
		} else {
			e.cursors.Seed(entry.Cursors)
		}
	}

	budget := NewBudget(e.opts.MaxRecords)
	var pipelineErrs []error

	for _, res := range e.selectedResources() {
		if ctx.Err() != nil {
			pipelineErrs = append(pipelineErrs, ctx.Err())
			break
		}

		if err := e.runResource(ctx, res, budget); err != nil {
			if errors.Is(err, context.Canceled) {
				log.WithField("resource", res.Name).Info("Pipeline stopped by cancellation")
				pipelineErrs = append(pipelineErrs, err)
				break
			}
			log.WithError(err).WithField("resource", res.Name).Error("Pipeline failed, cursor preserved for resume")
			pipelineErrs = append(pipelineErrs, err)
		}
	}

	status := statelog.StatusOK
	if len(pipelineErrs) > 0 {
		status = statelog.StatusFailed
	}
	if err := e.appendEntry(context.WithoutCancel(ctx), status); err != nil {
		log.WithError(err).Error("Failed to append final sync log entry")
		pipelineErrs = append(pipelineErrs, err)
	}

	processed, successful, failed := e.Totals()
	log.WithFields(logrus.Fields{
		"processed":  processed,
		"successful": successful,
		"failed":     failed,
		"status":     status,
	}).Info("Sync run finished")

	return errors.Join(pipelineErrs...)
}

// runResource builds the parent key cache for one resource and runs its
// pipeline to completion.
func (e *Engine) runResource(ctx context.Context, res config.Resource, budget *Budget) error {
	parentKeys := NewKeySet()
	if err := parentKeys.Load(ctx, e.opts.Sink, res.Table, res.ConflictKey, res.KeyPageSize); err != nil {
		return fmt.Errorf("loading parent keys for %s: %w", res.Name, err)
	}

	p := NewPipeline(res, e.opts.Feed, e.opts.Sink, e.cursors, parentKeys,
		e.opts.Mappers, budget, e.opts.Retry, e.recordBatch)
	return p.Run(ctx)
}

// recordBatch folds one batch into the run totals and appends a sync log
// entry, so an interrupted run loses at most the in-flight batch.
func (e *Engine) recordBatch(ctx context.Context, stats BatchStats) error {
	e.mu.Lock()
	e.totalProcessed += stats.Processed
	e.totalSuccessful += stats.Successful
	e.totalFailed += stats.Failed
	e.mu.Unlock()

	return e.appendEntry(ctx, statelog.StatusOK)
}

func (e *Engine) appendEntry(ctx context.Context, status string) error {
	processed, successful, failed := e.Totals()
	return statelog.Append(ctx, e.opts.Pool, statelog.Entry{
		Cursors:         e.cursors.Snapshot(),
		TotalProcessed:  processed,
		TotalSuccessful: successful,
		TotalFailed:     failed,
		Status:          status,
	})
}

// Plan reports how many records each selected resource has past its cursor
// without writing anything. Backs the --dry-run flag.
func (e *Engine) Plan(ctx context.Context) (map[string]int, error) {
	counter, ok := e.opts.Feed.(Counter)
	if !ok {
		return nil, errors.New("feed client does not support counting")
	}

	if !e.opts.Force {
		entry, err := statelog.LoadLatest(ctx, e.opts.Pool)
		if err != nil {
			return nil, fmt.Errorf("loading sync state: %w", err)
		}
		if entry != nil {
			e.cursors.Seed(entry.Cursors)
		}
	}

	pending := make(map[string]int)
	for _, res := range e.selectedResources() {
		filter := e.cursors.NextFilter(res.Name, res.Scope, res.TimestampField, res.KeyField)
		n, err := counter.Count(ctx, res.Name, filter, feed.Scope(res.Scope))
		if err != nil {
			return nil, fmt.Errorf("counting pending %s records: %w", res.Name, err)
		}
		pending[res.Name] = n
	}
	return pending, nil
}

// Totals returns the cumulative processed/successful/failed counters.
func (e *Engine) Totals() (processed, successful, failed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalProcessed, e.totalSuccessful, e.totalFailed
}

// Cursors exposes the cursor manager, mainly for tests.
func (e *Engine) Cursors() *cursor.Manager { return e.cursors }

// selectedResources filters the configured resources by the requested names.
func (e *Engine) selectedResources() []config.Resource {
	if len(e.opts.Resources) == 0 {
		return e.opts.Config.Resources
	}
	want := make(map[string]bool, len(e.opts.Resources))
	for _, name := range e.opts.Resources {
		want[name] = true
	}
	var out []config.Resource
	for _, res := range e.opts.Config.Resources {
		if want[res.Name] {
			out = append(out, res)
		}
	}
	return out
}
