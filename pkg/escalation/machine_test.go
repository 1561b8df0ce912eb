package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
	"github.com/Castellan-Labs/castellan/pkg/directory"
	"github.com/Castellan-Labs/castellan/pkg/rules"
	"github.com/Castellan-Labs/castellan/pkg/sla"
	"github.com/Castellan-Labs/castellan/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (r *eventRecorder) HandleEvent(_ context.Context, ev contracts.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byType(typ contracts.EventType) []contracts.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []contracts.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	machine  *StateMachine
	registry *rules.Registry
	store    store.HistoryStore
	clocks   *sla.Manager
	clock    *fakeClock
	events   *eventRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	rec := &eventRecorder{}
	st := store.NewMemoryStore()
	clocks := sla.NewManager(st, rec, nil, sla.WithClock(clock.Now))

	evaluator, err := rules.NewEvaluator()
	require.NoError(t, err)
	registry := rules.NewRegistry(evaluator)

	dir := directory.NewStatic(map[string][]string{
		"mlro":             {"u-mlro-1"},
		"senior_analyst":   {"u-sa-1", "u-sa-2"},
		"compliance_team":  {},
		"escalation_queue": {"u-q-1"},
	})

	machine := NewStateMachine(st, clocks, evaluator, registry, dir, rec, nil,
		WithMachineClock(clock.Now))
	return &fixture{
		machine:  machine,
		registry: registry,
		store:    st,
		clocks:   clocks,
		clock:    clock,
		events:   rec,
	}
}

func (f *fixture) mustCreateRule(t *testing.T, rule *contracts.EscalationRule) *contracts.EscalationRule {
	t.Helper()
	created, err := f.registry.Create(rule)
	require.NoError(t, err)
	return created
}

func intPtr(v int) *int { return &v }

func sanctionsCase(level int) contracts.CaseSnapshot {
	return contracts.CaseSnapshot{
		CaseID:       "case-1",
		CaseType:     contracts.CaseTypeSanctionsHit,
		Priority:     contracts.PriorityHigh,
		RiskScore:    95,
		CreatedAt:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		CurrentLevel: level,
	}
}

func sanctionsRule() *contracts.EscalationRule {
	return &contracts.EscalationRule{
		Name:               "sanctions-critical",
		CaseType:           contracts.CaseTypeSanctionsHit,
		RiskScoreThreshold: intPtr(90),
		EscalationLevel:    5,
		TargetRole:         "mlro",
		AutoAssign:         true,
		SendNotifications:  true,
		PriorityBoost:      true,
		Active:             true,
	}
}

func TestMachine_RuleFiresAndCommitsTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.mustCreateRule(t, sanctionsRule())

	rec, err := f.machine.HandleSnapshot(ctx, sanctionsCase(2))
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, 5, rec.Level)
	assert.Equal(t, created.ID, rec.RuleID)
	assert.Equal(t, 1, rec.RuleVersion)
	assert.Equal(t, `rule "sanctions-critical" fired`, rec.Reason)
	assert.Equal(t, contracts.PriorityHigh, rec.PreviousPriority)
	assert.Equal(t, contracts.PriorityCritical, rec.NewPriority)
	assert.Equal(t, "mlro", rec.TargetRole)
	assert.Equal(t, "u-mlro-1", rec.TargetUserID)

	// A fresh SLA clock is live at the new level.
	assert.Equal(t, 1, f.clocks.LiveCount())
	p, err := f.clocks.Progress("case-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p)

	events := f.events.byType(contracts.EventCaseEscalated)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Rule)
	assert.Equal(t, created.ID, events[0].Rule.ID)
}

func TestMachine_NoMatchLeavesCaseUntouched(t *testing.T) {
	f := newFixture(t)
	f.mustCreateRule(t, sanctionsRule())

	// Already at the top of the ladder: nothing can fire.
	rec, err := f.machine.HandleSnapshot(context.Background(), sanctionsCase(5))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, f.clocks.LiveCount())
}

func TestMachine_ConcurrentEventsCommitOnce(t *testing.T) {
	f := newFixture(t)
	f.mustCreateRule(t, sanctionsRule())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.machine.HandleSnapshot(ctx, sanctionsCase(2))
		}()
	}
	wg.Wait()

	// The winner committed; every loser re-read the open record's level
	// and found no rule above it.
	all, err := f.store.ListHistory(ctx, store.HistoryFilter{CaseID: "case-1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	open, err := f.store.ListHistory(ctx, store.HistoryFilter{CaseID: "case-1", OnlyOpen: true})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestMachine_ReEscalationSupersedesOpenRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreateRule(t, &contracts.EscalationRule{
		Name:            "aml-review",
		CaseType:        contracts.CaseTypeAMLAlert,
		EscalationLevel: 2,
		TargetRole:      "senior_analyst",
		Active:          true,
	})
	f.mustCreateRule(t, &contracts.EscalationRule{
		Name:               "aml-high-risk",
		CaseType:           contracts.CaseTypeAMLAlert,
		RiskScoreThreshold: intPtr(80),
		EscalationLevel:    4,
		TargetRole:         "mlro",
		Active:             true,
	})

	snap := contracts.CaseSnapshot{
		CaseID:    "case-7",
		CaseType:  contracts.CaseTypeAMLAlert,
		Priority:  contracts.PriorityMedium,
		RiskScore: 40,
		CreatedAt: f.clock.Now().Add(-time.Hour),
	}
	first, err := f.machine.HandleSnapshot(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, 2, first.Level)

	// The risk score jumps; the level-4 rule takes over.
	snap.RiskScore = 85
	snap.CurrentLevel = 2
	second, err := f.machine.HandleSnapshot(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, 4, second.Level)

	superseded, err := f.store.GetHistory(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, superseded.ResolvedAt)
	assert.Equal(t, "superseded by escalation to level 4", superseded.ResolutionNotes)

	open, err := f.store.OpenHistory(ctx, "case-7")
	require.NoError(t, err)
	assert.Equal(t, second.ID, open.ID)
}

type failingSupersedeStore struct {
	*store.MemoryStore
	fail bool
}

func (s *failingSupersedeStore) SupersedeHistory(ctx context.Context, caseID string, at time.Time, notes string, rec *contracts.EscalationHistory) error {
	if s.fail {
		return errors.New("storage unavailable")
	}
	return s.MemoryStore.SupersedeHistory(ctx, caseID, at, notes, rec)
}

func TestMachine_FailedReEscalationKeepsOpenRecord(t *testing.T) {
	clock := newFakeClock()
	rec := &eventRecorder{}
	st := &failingSupersedeStore{MemoryStore: store.NewMemoryStore()}
	clocks := sla.NewManager(st, rec, nil, sla.WithClock(clock.Now))

	evaluator, err := rules.NewEvaluator()
	require.NoError(t, err)
	registry := rules.NewRegistry(evaluator)
	dir := directory.NewStatic(map[string][]string{"mlro": {"u-mlro-1"}, "senior_analyst": {"u-sa-1"}})
	machine := NewStateMachine(st, clocks, evaluator, registry, dir, rec, nil,
		WithMachineClock(clock.Now))

	_, err = registry.Create(&contracts.EscalationRule{
		Name: "aml-review", CaseType: contracts.CaseTypeAMLAlert,
		EscalationLevel: 2, TargetRole: "senior_analyst", Active: true,
	})
	require.NoError(t, err)
	_, err = registry.Create(&contracts.EscalationRule{
		Name: "aml-high-risk", CaseType: contracts.CaseTypeAMLAlert,
		RiskScoreThreshold: intPtr(80), EscalationLevel: 4, TargetRole: "mlro", Active: true,
	})
	require.NoError(t, err)

	ctx := context.Background()
	snap := contracts.CaseSnapshot{
		CaseID:    "case-9",
		CaseType:  contracts.CaseTypeAMLAlert,
		Priority:  contracts.PriorityMedium,
		RiskScore: 40,
		CreatedAt: clock.Now().Add(-time.Hour),
	}
	first, err := machine.HandleSnapshot(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, 2, first.Level)

	// The write fails mid-escalation: the level-2 record must remain the
	// open one, with no supersession note stamped on it.
	st.fail = true
	snap.RiskScore = 85
	snap.CurrentLevel = 2
	_, err = machine.HandleSnapshot(ctx, snap)
	require.Error(t, err)

	open, err := st.OpenHistory(ctx, "case-9")
	require.NoError(t, err)
	assert.Equal(t, first.ID, open.ID)
	assert.Nil(t, open.ResolvedAt)
	assert.Empty(t, open.ResolutionNotes)
}

func TestMachine_UnknownRoleIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	rule := sanctionsRule()
	rule.TargetRole = "nobody-home"
	f.mustCreateRule(t, rule)

	rec, err := f.machine.HandleSnapshot(context.Background(), sanctionsCase(0))
	assert.ErrorIs(t, err, directory.ErrUnknownRole)
	assert.Nil(t, rec)

	// Fail-safe: no history, no clock.
	all, _ := f.store.ListHistory(context.Background(), store.HistoryFilter{CaseID: "case-1"})
	assert.Empty(t, all)
	assert.Equal(t, 0, f.clocks.LiveCount())
}

func TestMachine_ResolveRequiresNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreateRule(t, sanctionsRule())

	rec, err := f.machine.HandleSnapshot(ctx, sanctionsCase(2))
	require.NoError(t, err)

	_, err = f.machine.Resolve(ctx, rec.ID, "   ")
	assert.ErrorIs(t, err, ErrEmptyResolutionNotes)

	// The record is still open.
	open, err := f.store.OpenHistory(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, open.ID)
}

func TestMachine_ResolveClosesRecordAndClocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreateRule(t, sanctionsRule())

	rec, err := f.machine.HandleSnapshot(ctx, sanctionsCase(2))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	resolved, err := f.machine.Resolve(ctx, rec.ID, "reviewed and cleared with MLRO sign-off")
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	assert.Equal(t, 0, f.clocks.LiveCount())
	clocks, err := f.store.ListSLA(ctx, store.SLAFilter{CaseID: "case-1"})
	require.NoError(t, err)
	require.Len(t, clocks, 1)
	assert.Equal(t, contracts.SLAMet, clocks[0].Status)

	assert.Len(t, f.events.byType(contracts.EventEscalationResolved), 1)

	_, err = f.machine.Resolve(ctx, rec.ID, "again")
	assert.ErrorIs(t, err, store.ErrAlreadyResolved)
}

func TestMachine_ManualEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.machine.ManualEscalate(ctx, sanctionsCase(1), 3, "senior_analyst", "analyst-7")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Level)
	assert.Equal(t, "manual escalation by analyst-7", rec.Reason)
	assert.Empty(t, rec.RuleID)
	assert.Equal(t, "u-sa-1", rec.TargetUserID)
	assert.Equal(t, 1, f.clocks.LiveCount())

	_, err = f.machine.ManualEscalate(ctx, sanctionsCase(3), 2, "senior_analyst", "analyst-7")
	assert.ErrorIs(t, err, ErrLevelNotAbove)
}

func TestMachine_AmbiguousMatchSurfacesError(t *testing.T) {
	f := newFixture(t)
	f.mustCreateRule(t, &contracts.EscalationRule{
		Name: "twin-a", CaseType: contracts.CaseTypeSanctionsHit,
		EscalationLevel: 3, TargetRole: "mlro", Active: true,
	})
	f.mustCreateRule(t, &contracts.EscalationRule{
		Name: "twin-b", CaseType: contracts.CaseTypeSanctionsHit,
		EscalationLevel: 3, TargetRole: "senior_analyst", Active: true,
	})

	_, err := f.machine.HandleSnapshot(context.Background(), sanctionsCase(0))
	assert.ErrorIs(t, err, rules.ErrAmbiguousMatch)

	all, _ := f.store.ListHistory(context.Background(), store.HistoryFilter{CaseID: "case-1"})
	assert.Empty(t, all)
}
