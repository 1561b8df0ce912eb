package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
	"github.com/Castellan-Labs/castellan/pkg/rules"
	"github.com/Castellan-Labs/castellan/pkg/sla"
)

const defaultTickWorkers = 8

// Engine drives one full evaluation cycle per Tick: pull snapshots from
// the case feed, evaluate and transition each case, then scan the live
// SLA clocks. It owns no timer; any scheduler may call Tick.
type Engine struct {
	feed    contracts.CaseFeed
	machine *StateMachine
	clocks  *sla.Manager
	logger  *slog.Logger
	workers int

	lastTick atomic.Int64 // unix nanos of the last completed tick
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTickWorkers bounds the per-tick evaluation parallelism.
func WithTickWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// NewEngine wires the tick orchestrator.
func NewEngine(feed contracts.CaseFeed, machine *StateMachine, clocks *sla.Manager, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		feed:    feed,
		machine: machine,
		clocks:  clocks,
		logger:  logger.With("component", "engine"),
		workers: defaultTickWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick runs one evaluation cycle. Per-case failures are logged and
// never abort the cycle for other cases; only a failure to read the
// feed is returned.
func (e *Engine) Tick(ctx context.Context) error {
	snapshots, err := e.feed.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("read case feed: %w", err)
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, snap := range snapshots {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(snap contracts.CaseSnapshot) {
			defer wg.Done()
			defer func() { <-sem }()
			e.evaluateOne(ctx, snap)
		}(snap)
	}
	wg.Wait()

	// Breach scan, per case under the same lock as transitions.
	for _, caseID := range e.clocks.ActiveCases() {
		if ctx.Err() != nil {
			break
		}
		e.machine.TickSLA(ctx, caseID)
	}

	e.lastTick.Store(time.Now().UnixNano())
	return nil
}

func (e *Engine) evaluateOne(ctx context.Context, snap contracts.CaseSnapshot) {
	_, err := e.machine.HandleSnapshot(ctx, snap)
	switch {
	case err == nil:
	case errors.Is(err, contracts.ErrMalformedSnapshot):
		e.logger.WarnContext(ctx, "skipping malformed case snapshot",
			"case_id", snap.CaseID, "error", err)
	case errors.Is(err, rules.ErrAmbiguousMatch), errors.Is(err, rules.ErrBadExpression):
		e.logger.WarnContext(ctx, "rule configuration error, case left at current level",
			"case_id", snap.CaseID, "error", err)
	default:
		e.logger.ErrorContext(ctx, "case evaluation failed",
			"case_id", snap.CaseID, "error", err)
	}
}

// HandleCaseEvent evaluates a single pushed snapshot on demand, outside
// the periodic tick.
func (e *Engine) HandleCaseEvent(ctx context.Context, snap contracts.CaseSnapshot) (*contracts.EscalationHistory, error) {
	return e.machine.HandleSnapshot(ctx, snap)
}

// LastTick reports when the last full cycle completed; zero before the
// first one. Used by health reporting.
func (e *Engine) LastTick() time.Time {
	n := e.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
