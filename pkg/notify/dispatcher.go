// Package notify turns engine events into notification records and
// delivers them over channel transports with bounded retry. Producers
// enqueue without blocking; a worker pool drains the queue, so a slow
// channel never stalls case evaluation.
package notify

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

const (
	defaultQueueSize      = 256
	defaultWorkers        = 4
	defaultBaseDelay      = 2 * time.Second
	defaultMaxDelay       = time.Minute
	defaultAttemptTimeout = 10 * time.Second
)

// Dispatcher consumes transition events and delivers notifications.
// It implements contracts.EventSink.
type Dispatcher struct {
	store     store.HistoryStore
	transport contracts.Transport
	limiter   SendLimiter
	outbox    store.NotificationOutbox
	logger    *slog.Logger
	channels  []contracts.Channel
	now       func() time.Time

	baseDelay      time.Duration
	maxDelay       time.Duration
	attemptTimeout time.Duration
	workers        int

	queue       chan string // notification IDs
	stop        chan struct{}
	wg          sync.WaitGroup
	failureHook func(ctx context.Context, n *contracts.EscalationNotification)

	// History records whose future notification generation is cancelled
	// by resolution. Queued deliveries still complete.
	cmu       sync.Mutex
	cancelled map[string]time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithChannels sets the channels a transition fans out to.
func WithChannels(channels ...contracts.Channel) DispatcherOption {
	return func(d *Dispatcher) { d.channels = channels }
}

// WithLimiter gates deliveries through a send limiter.
func WithLimiter(l SendLimiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithOutbox mirrors pending notifications into a durable outbox.
func WithOutbox(o store.NotificationOutbox) DispatcherOption {
	return func(d *Dispatcher) { d.outbox = o }
}

// WithWorkers sets the delivery worker count.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize bounds the delivery queue.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan string, n)
		}
	}
}

// WithRetryPolicy sets the backoff base and cap.
func WithRetryPolicy(base, cap time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.baseDelay = base
		d.maxDelay = cap
	}
}

// WithAttemptTimeout bounds each delivery attempt.
func WithAttemptTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.attemptTimeout = t }
}

// WithDispatcherClock overrides the time source.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithFailureHook installs a callback invoked when a notification fails
// permanently, after the store records the failure.
func WithFailureHook(hook func(ctx context.Context, n *contracts.EscalationNotification)) DispatcherOption {
	return func(d *Dispatcher) { d.failureHook = hook }
}

// NewDispatcher wires the dispatcher; call Start before feeding events.
func NewDispatcher(st store.HistoryStore, transport contracts.Transport, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:          st,
		transport:      transport,
		logger:         logger.With("component", "notify"),
		channels:       []contracts.Channel{contracts.ChannelEmail, contracts.ChannelInApp},
		now:            func() time.Time { return time.Now().UTC() },
		baseDelay:      defaultBaseDelay,
		maxDelay:       defaultMaxDelay,
		attemptTimeout: defaultAttemptTimeout,
		workers:        defaultWorkers,
		stop:           make(chan struct{}),
		cancelled:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.queue == nil {
		d.queue = make(chan string, defaultQueueSize)
	}
	return d
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop halts the workers. Queued items not yet picked up stay pending
// in the store and are re-driven from there on the next start.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// QueueDepth reports the number of queued deliveries, for health.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

// HandleEvent implements contracts.EventSink. It never blocks.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev contracts.Event) {
	switch ev.Type {
	case contracts.EventCaseEscalated:
		if ev.Rule == nil || !ev.Rule.SendNotifications || ev.History == nil {
			return
		}
		subject := fmt.Sprintf("Case %s escalated to level %d", ev.CaseID, ev.History.Level)
		body := fmt.Sprintf("%s; assigned to %s, priority %s",
			ev.History.Reason, targetOf(ev.History), ev.History.NewPriority)
		d.generate(ctx, ev.History.ID, ev.CaseID, targetOf(ev.History), subject, body)

	case contracts.EventSLABreached:
		if ev.Clock == nil {
			return
		}
		open, err := d.store.OpenHistory(ctx, ev.CaseID)
		if err != nil {
			// Nothing escalated to notify against; the breach is still
			// on record in the SLA table.
			return
		}
		subject := fmt.Sprintf("SLA breached for case %s at level %d", ev.CaseID, ev.Clock.Level)
		d.generate(ctx, open.ID, ev.CaseID, targetOf(open), subject, ev.Clock.BreachReason)

	case contracts.EventEscalationResolved:
		if ev.History != nil {
			d.cancelHistory(ev.History.ID)
		}
	}
}

// Redrive re-queues every pending notification in the store, typically
// once at startup.
func (d *Dispatcher) Redrive(ctx context.Context) error {
	pending, err := d.store.ListNotifications(ctx, store.NotificationFilter{Status: contracts.NotificationPending})
	if err != nil {
		return fmt.Errorf("list pending notifications: %w", err)
	}
	for _, n := range pending {
		d.enqueue(ctx, n.ID)
	}
	return nil
}

// generate writes one pending record per configured channel and queues
// its delivery.
func (d *Dispatcher) generate(ctx context.Context, historyID, caseID, target, subject, body string) {
	if d.isCancelled(historyID) {
		d.logger.InfoContext(ctx, "notification generation cancelled by resolution",
			"history_id", historyID, "case_id", caseID)
		return
	}
	for _, channel := range d.channels {
		n := &contracts.EscalationNotification{
			ID:        uuid.New().String(),
			HistoryID: historyID,
			CaseID:    caseID,
			Channel:   channel,
			Subject:   subject,
			Body:      body,
			Target:    target,
			Status:    contracts.NotificationPending,
			CreatedAt: d.now(),
		}
		if err := d.store.AppendNotification(ctx, n); err != nil {
			d.logger.ErrorContext(ctx, "failed to persist notification",
				"case_id", caseID, "channel", channel, "error", err)
			continue
		}
		if d.outbox != nil {
			if err := d.outbox.Schedule(ctx, n); err != nil {
				d.logger.ErrorContext(ctx, "failed to schedule notification in outbox",
					"notification_id", n.ID, "error", err)
			}
		}
		d.enqueue(ctx, n.ID)
	}
}

// enqueue never blocks: with the queue full the record stays pending in
// the store and is redriven later.
func (d *Dispatcher) enqueue(ctx context.Context, id string) {
	select {
	case d.queue <- id:
	default:
		d.logger.WarnContext(ctx, "notification queue full, leaving record pending",
			"notification_id", id)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.deliver(ctx, id)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, id string) {
	n, err := d.store.GetNotification(ctx, id)
	if err != nil {
		d.logger.ErrorContext(ctx, "queued notification vanished", "notification_id", id, "error", err)
		return
	}
	if n.Status != contracts.NotificationPending {
		// Already delivered or permanently failed; duplicate queue
		// entries are harmless.
		return
	}

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, n.Channel)
		if err != nil {
			d.logger.ErrorContext(ctx, "send limiter unavailable", "channel", n.Channel, "error", err)
		}
		if err == nil && !allowed {
			// Rate limiting is not a delivery failure; try again later
			// without spending a retry.
			d.requeueAfter(ctx, id, d.baseDelay)
			return
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	sendErr := d.transport.Send(attemptCtx, n.Channel, n.Subject, n.Body, n.Target)
	cancel()

	if sendErr == nil {
		if err := d.store.MarkNotificationSent(ctx, id, d.now()); err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				return // a concurrent delivery won; exactly-once holds
			}
			d.logger.ErrorContext(ctx, "failed to mark notification sent",
				"notification_id", id, "error", err)
			return
		}
		if d.outbox != nil {
			if err := d.outbox.MarkDone(ctx, id); err != nil {
				d.logger.ErrorContext(ctx, "failed to mark outbox entry done",
					"notification_id", id, "error", err)
			}
		}
		d.logger.InfoContext(ctx, "notification sent",
			"notification_id", id, "channel", n.Channel, "target", n.Target)
		return
	}

	retry := n.RetryCount + 1
	if retry > contracts.MaxNotificationRetries {
		if err := d.store.RecordNotificationFailure(ctx, id, n.RetryCount, sendErr.Error(), true); err != nil {
			d.logger.ErrorContext(ctx, "failed to record permanent failure",
				"notification_id", id, "error", err)
			return
		}
		if d.outbox != nil {
			if err := d.outbox.MarkDone(ctx, id); err != nil {
				d.logger.ErrorContext(ctx, "failed to mark outbox entry done",
					"notification_id", id, "error", err)
			}
		}
		d.logger.ErrorContext(ctx, "notification failed permanently",
			"notification_id", id, "channel", n.Channel, "retries", n.RetryCount, "error", sendErr)
		if d.failureHook != nil {
			failed := n.Clone()
			failed.Status = contracts.NotificationFailed
			failed.LastError = sendErr.Error()
			d.failureHook(ctx, failed)
		}
		return
	}

	if err := d.store.RecordNotificationFailure(ctx, id, retry, sendErr.Error(), false); err != nil {
		d.logger.ErrorContext(ctx, "failed to record delivery failure",
			"notification_id", id, "error", err)
		return
	}
	d.logger.WarnContext(ctx, "notification delivery failed, re-queueing",
		"notification_id", id, "channel", n.Channel, "retry", retry, "error", sendErr)
	d.requeueAfter(ctx, id, d.backoff(retry))
}

// backoff returns baseDelay * 2^(retry-1), capped.
func (d *Dispatcher) backoff(retry int) time.Duration {
	delay := d.baseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	if delay > d.maxDelay {
		return d.maxDelay
	}
	return delay
}

func (d *Dispatcher) requeueAfter(ctx context.Context, id string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-d.stop:
		default:
			d.enqueue(ctx, id)
		}
	})
}

func (d *Dispatcher) cancelHistory(historyID string) {
	d.cmu.Lock()
	defer d.cmu.Unlock()

	now := d.now()
	d.cancelled[historyID] = now
	// Resolved records only matter briefly; prune stale entries so the
	// set does not grow with case volume.
	for id, at := range d.cancelled {
		if now.Sub(at) > time.Hour {
			delete(d.cancelled, id)
		}
	}
}

func (d *Dispatcher) isCancelled(historyID string) bool {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	_, ok := d.cancelled[historyID]
	return ok
}

func targetOf(h *contracts.EscalationHistory) string {
	if h.TargetUserID != "" {
		return h.TargetUserID
	}
	return h.TargetRole
}
