// Package scheduler drives the engine's tick on a fixed interval. The
// engine itself owns no timer; swapping this for a cron or event-bus
// trigger requires no engine changes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ticker calls fn every interval until the context is cancelled or
// Stop is called. An immediate first tick fires on Run.
type Ticker struct {
	interval time.Duration
	fn       func(ctx context.Context) error
	logger   *slog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a ticker with the given cadence.
func New(interval time.Duration, fn func(ctx context.Context) error, logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{
		interval: interval,
		fn:       fn,
		logger:   logger.With("component", "scheduler"),
		done:     make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called. Tick errors are
// logged; the schedule keeps going.
func (t *Ticker) Run(ctx context.Context) {
	t.tick(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// Stop halts the schedule; a tick in flight finishes first. Safe to
// call from any goroutine, any number of times.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Ticker) tick(ctx context.Context) {
	if err := t.fn(ctx); err != nil {
		t.logger.ErrorContext(ctx, "tick failed", "error", err)
	}
}
