package feed

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WindowConfig caps how many requests may begin within the rolling minute and
// hour windows. Zero disables the corresponding cap.
type WindowConfig struct {
	PerMinute int
	PerHour   int
}

// SlidingWindow admits calls only while both rolling windows stay under their
// configured limits. Shared by every pipeline using one feed client, so all
// state is mutex-protected. The clock is injectable for tests.
type SlidingWindow struct {
	mu     sync.Mutex
	cfg    WindowConfig
	now    func() time.Time
	starts []time.Time // call start times within the last hour, ascending
}

// NewSlidingWindow creates a window limiter.
func NewSlidingWindow(cfg WindowConfig) *SlidingWindow {
	return &SlidingWindow{cfg: cfg, now: time.Now}
}

// WithClock replaces the limiter's clock. Test helper.
func (w *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
	return w
}

// prune drops entries older than one hour. Must hold the mutex.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(w.starts) && !w.starts[i].After(cutoff) {
		i++
	}
	w.starts = w.starts[i:]
}

// Delay returns how long a new call must wait for both windows to admit it.
// Zero means the call may begin now.
func (w *SlidingWindow) Delay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	var wait time.Duration
	if w.cfg.PerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		n := 0
		oldest := time.Time{}
		for i := len(w.starts) - 1; i >= 0; i-- {
			if w.starts[i].After(cutoff) {
				n++
				oldest = w.starts[i]
			} else {
				break
			}
		}
		if n >= w.cfg.PerMinute {
			if d := oldest.Add(time.Minute).Sub(now); d > wait {
				wait = d
			}
		}
	}
	if w.cfg.PerHour > 0 && len(w.starts) >= w.cfg.PerHour {
		oldest := w.starts[len(w.starts)-w.cfg.PerHour]
		if d := oldest.Add(time.Hour).Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

// Record marks that a call began now.
func (w *SlidingWindow) Record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	w.starts = append(w.starts, now)
}

// Wait suspends the calling pipeline until both windows admit a call, then
// records it. Only the caller's control flow is blocked.
func (w *SlidingWindow) Wait(ctx context.Context) error {
	for {
		d := w.Delay()
		if d <= 0 {
			w.Record()
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"component": "ratelimit",
			"wait":      d,
		}).Debug("Rate limit window full, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// PacerConfig tunes the adaptive inter-request delay layered on top of the
// hard window limits.
type PacerConfig struct {
	Initial       time.Duration
	Min           time.Duration
	Max           time.Duration
	GrowFactor    float64       // applied on failures and slow responses
	ShrinkFactor  float64       // applied after SuccessStreak fast successes
	SuccessStreak int           // consecutive successes before shrinking
	SlowThreshold time.Duration // responses above this count as slow
}

// DefaultPacerConfig returns the pacing defaults used for the feed.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		Initial:       200 * time.Millisecond,
		Min:           50 * time.Millisecond,
		Max:           30 * time.Second,
		GrowFactor:    2.0,
		ShrinkFactor:  0.5,
		SuccessStreak: 5,
		SlowThreshold: 2 * time.Second,
	}
}

// AdaptivePacer implements an AIMD-style delay controller: the delay grows
// multiplicatively on failures or slow responses and shrinks multiplicatively
// after a streak of fast successes, bounded by [Min, Max]. A Retry-After
// header raises the delay floor through Floor.
type AdaptivePacer struct {
	mu     sync.Mutex
	cfg    PacerConfig
	delay  time.Duration
	streak int
}

// NewAdaptivePacer creates a pacer starting at the configured initial delay.
func NewAdaptivePacer(cfg PacerConfig) *AdaptivePacer {
	def := DefaultPacerConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.GrowFactor <= 1 {
		cfg.GrowFactor = def.GrowFactor
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1 {
		cfg.ShrinkFactor = def.ShrinkFactor
	}
	if cfg.SuccessStreak <= 0 {
		cfg.SuccessStreak = def.SuccessStreak
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	return &AdaptivePacer{cfg: cfg, delay: cfg.Initial}
}

// Delay returns the delay to apply before the next call.
func (p *AdaptivePacer) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay
}

// RecordSuccess notes a completed call. Fast responses shrink the delay after
// a streak; slow responses grow it immediately.
func (p *AdaptivePacer) RecordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if latency > p.cfg.SlowThreshold {
		p.streak = 0
		p.grow()
		return
	}
	p.streak++
	if p.streak >= p.cfg.SuccessStreak {
		p.streak = 0
		p.delay = time.Duration(float64(p.delay) * p.cfg.ShrinkFactor)
		if p.delay < p.cfg.Min {
			p.delay = p.cfg.Min
		}
	}
}

// RecordFailure grows the delay multiplicatively.
func (p *AdaptivePacer) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streak = 0
	p.grow()
}

// grow must be called with the mutex held.
func (p *AdaptivePacer) grow() {
	p.delay = time.Duration(float64(p.delay) * p.cfg.GrowFactor)
	if p.delay > p.cfg.Max {
		p.delay = p.cfg.Max
	}
}

// Floor raises the current delay to at least d, capped at Max. Used when the
// feed sends Retry-After.
func (p *AdaptivePacer) Floor(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streak = 0
	if d > p.delay {
		p.delay = d
	}
	if p.delay > p.cfg.Max {
		p.delay = p.cfg.Max
	}
}
