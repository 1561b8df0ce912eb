// Package sla owns the deadline clocks attached to escalations: it
// starts, pauses, resumes and closes SLATracking records and decides on
// each tick whether a clock has crossed its target.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
	"github.com/Castellan-Labs/castellan/pkg/store"
)

var (
	ErrClockNotFound = errors.New("no live sla clock for case and level")
	ErrNotPaused     = errors.New("sla clock is not paused")
	ErrNotActive     = errors.New("sla clock is not active")
)

// Manager tracks all live (active or paused) clocks. Map access is
// guarded internally; callers serialize per-case mutation through the
// engine's per-case locks, which also covers the race between "case
// resolved" and "clock breached".
type Manager struct {
	store  store.HistoryStore
	sink   contracts.EventSink
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	clocks map[string]*contracts.SLATracking // by clock ID
	byPair map[string]string                 // caseID\x00level -> clock ID
	byCase map[string]map[string]struct{}    // caseID -> clock IDs
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a clock manager persisting through st and emitting
// breach/met events to sink. sink may be nil.
func NewManager(st store.HistoryStore, sink contracts.EventSink, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  st,
		sink:   sink,
		logger: logger.With("component", "sla"),
		now:    func() time.Time { return time.Now().UTC() },
		clocks: make(map[string]*contracts.SLATracking),
		byPair: make(map[string]string),
		byCase: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore reloads live clocks from the store after a restart.
func (m *Manager) Restore(ctx context.Context) error {
	for _, status := range []contracts.SLAStatus{contracts.SLAActive, contracts.SLAPaused} {
		clocks, err := m.store.ListSLA(ctx, store.SLAFilter{Status: status})
		if err != nil {
			return fmt.Errorf("restore sla clocks: %w", err)
		}
		m.mu.Lock()
		for _, clock := range clocks {
			m.track(clock)
		}
		m.mu.Unlock()
	}
	return nil
}

// Start creates and persists a new active clock for (caseID, level).
func (m *Manager) Start(ctx context.Context, caseID string, level int, slaType contracts.SLAType, targetHours float64) (*contracts.SLATracking, error) {
	now := m.now()
	clock := &contracts.SLATracking{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		Level:       level,
		SLAType:     slaType,
		TargetHours: targetHours,
		StartTime:   now,
		Status:      contracts.SLAActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.AppendSLA(ctx, clock); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.track(clock)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "sla clock started",
		"case_id", caseID, "level", level, "sla_type", slaType, "target_hours", targetHours)
	return clock.Clone(), nil
}

// Pause stops elapsed-time accumulation for the clock at (caseID, level).
func (m *Manager) Pause(ctx context.Context, caseID string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clock, ok := m.livePair(caseID, level)
	if !ok {
		return fmt.Errorf("%w: case %s level %d", ErrClockNotFound, caseID, level)
	}
	if clock.Status != contracts.SLAActive {
		return fmt.Errorf("%w: case %s level %d is %s", ErrNotActive, caseID, level, clock.Status)
	}
	now := m.now()
	clock.Status = contracts.SLAPaused
	clock.PausedAt = &now
	clock.UpdatedAt = now
	return m.store.UpdateSLA(ctx, clock)
}

// Resume reactivates a paused clock, shifting its effective start
// forward by the pause duration so only active time counts.
func (m *Manager) Resume(ctx context.Context, caseID string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clock, ok := m.livePair(caseID, level)
	if !ok {
		return fmt.Errorf("%w: case %s level %d", ErrClockNotFound, caseID, level)
	}
	if clock.Status != contracts.SLAPaused || clock.PausedAt == nil {
		return fmt.Errorf("%w: case %s level %d is %s", ErrNotPaused, caseID, level, clock.Status)
	}
	now := m.now()
	clock.StartTime = clock.StartTime.Add(now.Sub(*clock.PausedAt))
	clock.PausedAt = nil
	clock.Status = contracts.SLAActive
	clock.UpdatedAt = now
	return m.store.UpdateSLA(ctx, clock)
}

// CloseForCase closes every live clock of a resolved case: met when
// within target, breached when the deadline had already passed but the
// tick had not flagged it yet.
func (m *Manager) CloseForCase(ctx context.Context, caseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byCase[caseID]
	now := m.now()
	for id := range ids {
		clock := m.clocks[id]
		if clock == nil || clock.Terminal() {
			continue
		}
		end := now
		clock.EndTime = &end
		clock.UpdatedAt = now
		if clock.Status == contracts.SLAActive && now.Sub(clock.StartTime) >= clock.Target() {
			clock.Status = contracts.SLABreached
			clock.BreachReason = breachReason(clock.TargetHours)
			m.emit(ctx, contracts.EventSLABreached, clock)
		} else {
			clock.PausedAt = nil
			clock.Status = contracts.SLAMet
			m.emit(ctx, contracts.EventSLAMet, clock)
		}
		if err := m.store.UpdateSLA(ctx, clock); err != nil {
			return err
		}
		m.untrack(clock)
	}
	return nil
}

// TickCase checks the live clocks of a single case and returns the
// clocks that breached. Called by the engine under the case's lock.
func (m *Manager) TickCase(ctx context.Context, caseID string) []*contracts.SLATracking {
	m.mu.Lock()
	defer m.mu.Unlock()

	var breached []*contracts.SLATracking
	now := m.now()
	for id := range m.byCase[caseID] {
		clock := m.clocks[id]
		if clock == nil || clock.Status != contracts.SLAActive {
			continue
		}
		if now.Sub(clock.StartTime) < clock.Target() {
			continue
		}
		end := now
		clock.Status = contracts.SLABreached
		clock.EndTime = &end
		clock.BreachReason = breachReason(clock.TargetHours)
		clock.UpdatedAt = now
		if err := m.store.UpdateSLA(ctx, clock); err != nil {
			m.logger.ErrorContext(ctx, "failed to persist sla breach",
				"clock_id", clock.ID, "case_id", caseID, "error", err)
			// Leave the clock tracked; the next tick retries.
			clock.Status = contracts.SLAActive
			clock.EndTime = nil
			clock.BreachReason = ""
			continue
		}
		m.logger.WarnContext(ctx, "sla breached",
			"case_id", caseID, "level", clock.Level, "target_hours", clock.TargetHours)
		m.emit(ctx, contracts.EventSLABreached, clock)
		breached = append(breached, clock.Clone())
		m.untrack(clock)
	}
	return breached
}

// ActiveCases returns the cases that currently hold live clocks.
func (m *Manager) ActiveCases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.byCase))
	for caseID := range m.byCase {
		out = append(out, caseID)
	}
	return out
}

// LiveCount returns the number of live clocks, for health reporting.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clocks)
}

// Progress reports the elapsed/target percentage for a live clock.
func (m *Manager) Progress(caseID string, level int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clock, ok := m.livePair(caseID, level)
	if !ok {
		return 0, fmt.Errorf("%w: case %s level %d", ErrClockNotFound, caseID, level)
	}
	return clock.Progress(m.now()), nil
}

func (m *Manager) emit(ctx context.Context, typ contracts.EventType, clock *contracts.SLATracking) {
	if m.sink == nil {
		return
	}
	m.sink.HandleEvent(ctx, contracts.Event{
		Type:       typ,
		CaseID:     clock.CaseID,
		Clock:      clock.Clone(),
		OccurredAt: m.now(),
	})
}

// track and untrack maintain the live-clock indexes; callers hold mu.
func (m *Manager) track(clock *contracts.SLATracking) {
	c := clock.Clone()
	m.clocks[c.ID] = c
	m.byPair[pairKey(c.CaseID, c.Level)] = c.ID
	if m.byCase[c.CaseID] == nil {
		m.byCase[c.CaseID] = make(map[string]struct{})
	}
	m.byCase[c.CaseID][c.ID] = struct{}{}
}

func (m *Manager) untrack(clock *contracts.SLATracking) {
	delete(m.clocks, clock.ID)
	delete(m.byPair, pairKey(clock.CaseID, clock.Level))
	if ids := m.byCase[clock.CaseID]; ids != nil {
		delete(ids, clock.ID)
		if len(ids) == 0 {
			delete(m.byCase, clock.CaseID)
		}
	}
}

func (m *Manager) livePair(caseID string, level int) (*contracts.SLATracking, bool) {
	id, ok := m.byPair[pairKey(caseID, level)]
	if !ok {
		return nil, false
	}
	clock, ok := m.clocks[id]
	return clock, ok
}

func pairKey(caseID string, level int) string {
	return fmt.Sprintf("%s\x00%d", caseID, level)
}

func breachReason(targetHours float64) string {
	return fmt.Sprintf("exceeded target of %gh", targetHours)
}
