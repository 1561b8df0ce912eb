package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
	"github.com/Castellan-Labs/castellan/pkg/store"
)

// stubTransport fails the first failures sends, then succeeds.
type stubTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *stubTransport) Send(_ context.Context, _ contracts.Channel, _, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("gateway timeout")
	}
	return nil
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func escalatedEvent(historyID string) contracts.Event {
	return contracts.Event{
		Type:   contracts.EventCaseEscalated,
		CaseID: "case-1",
		History: &contracts.EscalationHistory{
			ID:           historyID,
			CaseID:       "case-1",
			Level:        5,
			Reason:       `rule "sanctions-critical" fired`,
			TargetRole:   "mlro",
			TargetUserID: "u-mlro-1",
			NewPriority:  contracts.PriorityCritical,
			EscalatedAt:  time.Now().UTC(),
		},
		Rule: &contracts.EscalationRule{
			Name:              "sanctions-critical",
			EscalationLevel:   5,
			TargetRole:        "mlro",
			SendNotifications: true,
		},
		OccurredAt: time.Now().UTC(),
	}
}

func startDispatcher(t *testing.T, st store.HistoryStore, transport contracts.Transport, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	base := []DispatcherOption{
		WithChannels(contracts.ChannelEmail, contracts.ChannelInApp),
		WithRetryPolicy(time.Millisecond, 10*time.Millisecond),
		WithAttemptTimeout(time.Second),
		WithWorkers(2),
	}
	d := NewDispatcher(st, transport, nil, append(base, opts...)...)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func listByStatus(t *testing.T, st store.HistoryStore, status contracts.NotificationStatus) []*contracts.EscalationNotification {
	t.Helper()
	out, err := st.ListNotifications(context.Background(), store.NotificationFilter{Status: status})
	require.NoError(t, err)
	return out
}

func TestDispatcher_OneNotificationPerChannel(t *testing.T) {
	st := store.NewMemoryStore()
	d := startDispatcher(t, st, &stubTransport{})

	d.HandleEvent(context.Background(), escalatedEvent("h1"))

	require.Eventually(t, func() bool {
		return len(listByStatus(t, st, contracts.NotificationSent)) == 2
	}, time.Second, 5*time.Millisecond)

	sent := listByStatus(t, st, contracts.NotificationSent)
	channels := map[contracts.Channel]int{}
	for _, n := range sent {
		channels[n.Channel]++
		assert.Equal(t, "h1", n.HistoryID)
		assert.Equal(t, "u-mlro-1", n.Target)
		assert.NotNil(t, n.SentAt)
	}
	assert.Equal(t, map[contracts.Channel]int{contracts.ChannelEmail: 1, contracts.ChannelInApp: 1}, channels)
}

func TestDispatcher_SuppressedWhenRuleIsSilent(t *testing.T) {
	st := store.NewMemoryStore()
	d := startDispatcher(t, st, &stubTransport{})

	ev := escalatedEvent("h1")
	ev.Rule.SendNotifications = false
	d.HandleEvent(context.Background(), ev)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, listByStatus(t, st, contracts.NotificationSent))
	assert.Empty(t, listByStatus(t, st, contracts.NotificationPending))
}

func TestDispatcher_DuplicateQueueEntriesSendOnce(t *testing.T) {
	st := store.NewMemoryStore()
	transport := &stubTransport{}
	d := startDispatcher(t, st, transport, WithChannels(contracts.ChannelEmail))
	ctx := context.Background()

	n := &contracts.EscalationNotification{
		ID: "n1", HistoryID: "h1", CaseID: "case-1",
		Channel: contracts.ChannelEmail, Target: "u-1",
		Status: contracts.NotificationPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.AppendNotification(ctx, n))

	// Redrive twice: the same ID is queued twice, delivered once.
	require.NoError(t, d.Redrive(ctx))
	require.NoError(t, d.Redrive(ctx))

	require.Eventually(t, func() bool {
		got, err := st.GetNotification(ctx, "n1")
		return err == nil && got.Status == contracts.NotificationSent
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	got, err := st.GetNotification(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, contracts.NotificationSent, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.LessOrEqual(t, transport.callCount(), 2)
}

func TestDispatcher_RedriveDeliversPendingFromPreviousRun(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	// Rows a previous process left behind: queued but never delivered.
	for _, id := range []string{"n1", "n2"} {
		require.NoError(t, st.AppendNotification(ctx, &contracts.EscalationNotification{
			ID: id, HistoryID: "h1", CaseID: "case-1",
			Channel: contracts.ChannelEmail, Target: "u-mlro-1",
			Status: contracts.NotificationPending, CreatedAt: time.Now().UTC(),
		}))
	}

	// A fresh dispatcher redrives on startup, the way the server does.
	d := startDispatcher(t, st, &stubTransport{}, WithChannels(contracts.ChannelEmail))
	require.NoError(t, d.Redrive(ctx))

	require.Eventually(t, func() bool {
		return len(listByStatus(t, st, contracts.NotificationSent)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, listByStatus(t, st, contracts.NotificationPending))
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	st := store.NewMemoryStore()
	d := startDispatcher(t, st, &stubTransport{failures: 2}, WithChannels(contracts.ChannelEmail))

	d.HandleEvent(context.Background(), escalatedEvent("h1"))

	require.Eventually(t, func() bool {
		sent := listByStatus(t, st, contracts.NotificationSent)
		return len(sent) == 1 && sent[0].RetryCount == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_RetryCeilingFailsPermanently(t *testing.T) {
	st := store.NewMemoryStore()
	d := startDispatcher(t, st, &stubTransport{failures: 100}, WithChannels(contracts.ChannelEmail))

	d.HandleEvent(context.Background(), escalatedEvent("h1"))

	require.Eventually(t, func() bool {
		return len(listByStatus(t, st, contracts.NotificationFailed)) == 1
	}, time.Second, 5*time.Millisecond)

	failed := listByStatus(t, st, contracts.NotificationFailed)[0]
	assert.Equal(t, contracts.MaxNotificationRetries, failed.RetryCount)
	assert.Equal(t, "gateway timeout", failed.LastError)

	// Permanently failed records are surfaced, never re-queued.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, listByStatus(t, st, contracts.NotificationFailed), 1)
	assert.Empty(t, listByStatus(t, st, contracts.NotificationSent))
}

func TestDispatcher_ResolutionCancelsFutureGeneration(t *testing.T) {
	st := store.NewMemoryStore()
	d := startDispatcher(t, st, &stubTransport{})
	ctx := context.Background()

	d.HandleEvent(ctx, contracts.Event{
		Type:    contracts.EventEscalationResolved,
		CaseID:  "case-1",
		History: &contracts.EscalationHistory{ID: "h1", CaseID: "case-1"},
	})
	d.HandleEvent(ctx, escalatedEvent("h1"))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, listByStatus(t, st, contracts.NotificationPending))
	assert.Empty(t, listByStatus(t, st, contracts.NotificationSent))
}

func TestDispatcher_BreachEventNotifiesOpenRecordTarget(t *testing.T) {
	st := store.NewMemoryStore()
	d := startDispatcher(t, st, &stubTransport{}, WithChannels(contracts.ChannelChat))
	ctx := context.Background()

	require.NoError(t, st.AppendHistory(ctx, &contracts.EscalationHistory{
		ID: "h1", CaseID: "case-1", Level: 4,
		TargetRole: "mlro", TargetUserID: "u-mlro-1",
		EscalatedAt: time.Now().UTC(),
	}))

	d.HandleEvent(ctx, contracts.Event{
		Type:   contracts.EventSLABreached,
		CaseID: "case-1",
		Clock: &contracts.SLATracking{
			ID: "c1", CaseID: "case-1", Level: 4,
			Status: contracts.SLABreached, BreachReason: "exceeded target of 4h",
		},
		OccurredAt: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		return len(listByStatus(t, st, contracts.NotificationSent)) == 1
	}, time.Second, 5*time.Millisecond)

	sent := listByStatus(t, st, contracts.NotificationSent)[0]
	assert.Equal(t, "h1", sent.HistoryID)
	assert.Equal(t, contracts.ChannelChat, sent.Channel)
	assert.Contains(t, sent.Subject, "SLA breached")
	assert.Equal(t, "exceeded target of 4h", sent.Body)
}

type deniedLimiter struct{ allowed atomic.Bool }

func (l *deniedLimiter) Allow(_ context.Context, _ contracts.Channel) (bool, error) {
	return l.allowed.Load(), nil
}

func TestDispatcher_LimiterDenialDoesNotBurnRetries(t *testing.T) {
	st := store.NewMemoryStore()
	limiter := &deniedLimiter{}
	transport := &stubTransport{}
	d := startDispatcher(t, st, transport,
		WithChannels(contracts.ChannelEmail), WithLimiter(limiter))

	d.HandleEvent(context.Background(), escalatedEvent("h1"))

	// Denied: the record stays pending with zero retries.
	time.Sleep(30 * time.Millisecond)
	pending := listByStatus(t, st, contracts.NotificationPending)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Equal(t, 0, transport.callCount())

	// Open the gate; the queued delivery goes through.
	limiter.allowed.Store(true)
	require.Eventually(t, func() bool {
		return len(listByStatus(t, st, contracts.NotificationSent)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_Backoff(t *testing.T) {
	d := NewDispatcher(store.NewMemoryStore(), &stubTransport{}, nil,
		WithRetryPolicy(2*time.Second, 7*time.Second))

	assert.Equal(t, 2*time.Second, d.backoff(1))
	assert.Equal(t, 4*time.Second, d.backoff(2))
	assert.Equal(t, 7*time.Second, d.backoff(3)) // capped
	assert.Equal(t, 7*time.Second, d.backoff(10))
}

func TestLocalLimiter_BurstThenDeny(t *testing.T) {
	l := NewLocalLimiter(0.0001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, contracts.ChannelEmail)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, contracts.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, ok)

	// Channels have independent buckets.
	ok, err = l.Allow(ctx, contracts.ChannelSMS)
	require.NoError(t, err)
	assert.True(t, ok)
}
