// Package escalation hosts the per-case state machine and the tick
// engine built on top of it. A case moves normal -> escalated(1..5) ->
// resolved; levels only ever increase, and every committed transition
// leaves an EscalationHistory record behind.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
	"github.com/Castellan-Labs/castellan/pkg/rules"
	"github.com/Castellan-Labs/castellan/pkg/sla"
	"github.com/Castellan-Labs/castellan/pkg/store"
)

var (
	// ErrEmptyResolutionNotes rejects a resolution without operator notes.
	ErrEmptyResolutionNotes = errors.New("resolution notes must not be empty")

	// ErrLevelNotAbove rejects a manual escalation that does not raise
	// the case above its current level.
	ErrLevelNotAbove = errors.New("escalation level must exceed current level")
)

// SLATargets maps an escalation level to its resolution deadline in
// hours. Higher levels carry tighter deadlines.
type SLATargets map[int]float64

// DefaultSLATargets returns the built-in deadline ladder.
func DefaultSLATargets() SLATargets {
	return SLATargets{1: 24, 2: 12, 3: 8, 4: 4, 5: 2}
}

// For returns the target hours for a level, falling back to the
// level-1 deadline for unconfigured levels.
func (t SLATargets) For(level int) float64 {
	if h, ok := t[level]; ok {
		return h
	}
	return t[1]
}

// RuleSource yields the active rule set for evaluation.
type RuleSource interface {
	Snapshot() []*contracts.EscalationRule
}

// StateMachine applies escalation transitions. All mutation for a given
// case runs under that case's lock, which guarantees at most one open
// history record per case and settles the race between resolution and
// clock breach.
type StateMachine struct {
	store     store.HistoryStore
	clocks    *sla.Manager
	evaluator *rules.Evaluator
	rulesrc   RuleSource
	dir       contracts.Directory
	sink      contracts.EventSink
	logger    *slog.Logger
	targets   SLATargets
	now       func() time.Time
	locks     *keyedMutex
}

// MachineOption configures a StateMachine.
type MachineOption func(*StateMachine)

// WithMachineClock overrides the time source.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *StateMachine) { m.now = now }
}

// WithSLATargets overrides the per-level deadline ladder.
func WithSLATargets(t SLATargets) MachineOption {
	return func(m *StateMachine) { m.targets = t }
}

// NewStateMachine wires the transition engine. dir and sink may be nil.
func NewStateMachine(st store.HistoryStore, clocks *sla.Manager, evaluator *rules.Evaluator, rulesrc RuleSource, dir contracts.Directory, sink contracts.EventSink, logger *slog.Logger, opts ...MachineOption) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &StateMachine{
		store:     st,
		clocks:    clocks,
		evaluator: evaluator,
		rulesrc:   rulesrc,
		dir:       dir,
		sink:      sink,
		logger:    logger.With("component", "escalation"),
		targets:   DefaultSLATargets(),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleSnapshot evaluates one case snapshot against the active rule
// set and commits the transition when a rule fires. It returns the new
// history record, or nil when the case stays put. Configuration errors
// (ambiguous match, bad expression, unknown role) leave the case at its
// current level.
func (m *StateMachine) HandleSnapshot(ctx context.Context, snap contracts.CaseSnapshot) (*contracts.EscalationHistory, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(snap.CaseID)
	defer unlock()

	snap.CurrentLevel = m.effectiveLevel(ctx, snap)

	rule, err := m.evaluator.Evaluate(snap, m.rulesrc.Snapshot(), m.now())
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, nil
	}
	reason := fmt.Sprintf("rule %q fired", rule.Name)
	return m.escalate(ctx, snap, rule, reason)
}

// ManualEscalate raises a case by operator action, outside the rule
// set. The level must still exceed the case's current level.
func (m *StateMachine) ManualEscalate(ctx context.Context, snap contracts.CaseSnapshot, level int, targetRole, actor string) (*contracts.EscalationHistory, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	if level < 1 || level > contracts.MaxEscalationLevel {
		return nil, fmt.Errorf("escalation level %d out of range 1..%d", level, contracts.MaxEscalationLevel)
	}
	unlock := m.locks.Lock(snap.CaseID)
	defer unlock()

	snap.CurrentLevel = m.effectiveLevel(ctx, snap)
	if level <= snap.CurrentLevel {
		return nil, fmt.Errorf("%w: case %s is at level %d, requested %d",
			ErrLevelNotAbove, snap.CaseID, snap.CurrentLevel, level)
	}

	rule := &contracts.EscalationRule{
		EscalationLevel:   level,
		TargetRole:        targetRole,
		AutoAssign:        true,
		SendNotifications: true,
	}
	reason := "manual escalation"
	if actor != "" {
		reason = fmt.Sprintf("manual escalation by %s", actor)
	}
	return m.escalate(ctx, snap, rule, reason)
}

// escalate commits one transition; the caller holds the case lock.
func (m *StateMachine) escalate(ctx context.Context, snap contracts.CaseSnapshot, rule *contracts.EscalationRule, reason string) (*contracts.EscalationHistory, error) {
	now := m.now()

	var targetUserID string
	if rule.AutoAssign && m.dir != nil {
		userID, err := m.dir.ResolveTarget(ctx, rule.TargetRole)
		if err != nil {
			return nil, fmt.Errorf("resolve target for role %q: %w", rule.TargetRole, err)
		}
		targetUserID = userID
	}

	newPriority := snap.Priority
	if rule.PriorityBoost {
		newPriority = snap.Priority.Boost()
	}

	rec := &contracts.EscalationHistory{
		ID:               uuid.New().String(),
		CaseID:           snap.CaseID,
		Level:            rule.EscalationLevel,
		Reason:           reason,
		RuleID:           rule.ID,
		RuleName:         rule.Name,
		RuleVersion:      rule.Version,
		PreviousPriority: snap.Priority,
		NewPriority:      newPriority,
		TargetRole:       rule.TargetRole,
		TargetUserID:     targetUserID,
		EscalatedAt:      now,
	}

	// A still-open record from a lower level is superseded in the same
	// atomic step as the append, keeping the single-open-record invariant
	// while the escalation trail stays complete. Doing both at once means
	// a failed append cannot leave a supersession note pointing at a
	// transition that never committed.
	notes := fmt.Sprintf("superseded by escalation to level %d", rule.EscalationLevel)
	if err := m.store.SupersedeHistory(ctx, snap.CaseID, now, notes, rec); err != nil {
		return nil, fmt.Errorf("append history for case %s: %w", snap.CaseID, err)
	}

	if _, err := m.clocks.Start(ctx, snap.CaseID, rule.EscalationLevel, contracts.SLAResolution, m.targets.For(rule.EscalationLevel)); err != nil {
		// The history record already committed; the clock is best-effort
		// against a conflicting survivor from an earlier run.
		m.logger.ErrorContext(ctx, "failed to start sla clock",
			"case_id", snap.CaseID, "level", rule.EscalationLevel, "error", err)
	}

	m.logger.InfoContext(ctx, "case escalated",
		"case_id", snap.CaseID, "level", rec.Level, "reason", reason,
		"target_role", rec.TargetRole, "target_user_id", targetUserID)

	m.emit(ctx, contracts.Event{
		Type:       contracts.EventCaseEscalated,
		CaseID:     snap.CaseID,
		History:    rec.Clone(),
		Rule:       rule.Clone(),
		OccurredAt: now,
	})
	return rec.Clone(), nil
}

// Resolve closes the escalation behind a history record. Notes are
// mandatory; the record's SLA clocks close as met when within target.
func (m *StateMachine) Resolve(ctx context.Context, historyID, notes string) (*contracts.EscalationHistory, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, ErrEmptyResolutionNotes
	}
	rec, err := m.store.GetHistory(ctx, historyID)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(rec.CaseID)
	defer unlock()

	resolved, err := m.store.ResolveHistory(ctx, historyID, m.now(), notes)
	if err != nil {
		return nil, err
	}
	if err := m.clocks.CloseForCase(ctx, resolved.CaseID); err != nil {
		return nil, fmt.Errorf("close sla clocks for case %s: %w", resolved.CaseID, err)
	}

	m.logger.InfoContext(ctx, "escalation resolved",
		"case_id", resolved.CaseID, "history_id", resolved.ID, "level", resolved.Level)

	m.emit(ctx, contracts.Event{
		Type:       contracts.EventEscalationResolved,
		CaseID:     resolved.CaseID,
		History:    resolved.Clone(),
		OccurredAt: m.now(),
	})
	return resolved, nil
}

// TickSLA runs the breach scan for one case under its lock.
func (m *StateMachine) TickSLA(ctx context.Context, caseID string) []*contracts.SLATracking {
	unlock := m.locks.Lock(caseID)
	defer unlock()
	return m.clocks.TickCase(ctx, caseID)
}

// effectiveLevel reconciles a possibly stale feed snapshot with the
// open history record; the engine's own record wins when higher.
func (m *StateMachine) effectiveLevel(ctx context.Context, snap contracts.CaseSnapshot) int {
	open, err := m.store.OpenHistory(ctx, snap.CaseID)
	if err != nil {
		return snap.CurrentLevel
	}
	if open.Level > snap.CurrentLevel {
		return open.Level
	}
	return snap.CurrentLevel
}

func (m *StateMachine) emit(ctx context.Context, ev contracts.Event) {
	if m.sink != nil {
		m.sink.HandleEvent(ctx, ev)
	}
}
