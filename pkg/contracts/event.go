package contracts

import (
	"context"
	"time"
)

// EventType identifies an engine transition event.
type EventType string

const (
	EventCaseEscalated      EventType = "case_escalated"
	EventEscalationResolved EventType = "escalation_resolved"
	EventSLABreached        EventType = "sla_breached"
	EventSLAMet             EventType = "sla_met"
)

// Event is emitted by the state machine and the clock manager for every
// committed transition. Consumers (notification dispatch, audit) must
// never block the emitter.
type Event struct {
	Type       EventType          `json:"type"`
	CaseID     string             `json:"case_id"`
	History    *EscalationHistory `json:"history,omitempty"`
	Clock      *SLATracking       `json:"clock,omitempty"`
	Rule       *EscalationRule    `json:"rule,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// EventSink consumes transition events.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

// HandleEvent implements EventSink.
func (f EventSinkFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// FanOut delivers each event to every sink in order.
func FanOut(sinks ...EventSink) EventSink {
	return EventSinkFunc(func(ctx context.Context, ev Event) {
		for _, s := range sinks {
			if s != nil {
				s.HandleEvent(ctx, ev)
			}
		}
	})
}

// CaseFeed supplies case snapshots from the external case-record store.
// Either a pull (Snapshots) or push (engine.HandleCaseEvent) style is
// acceptable to the evaluator.
type CaseFeed interface {
	Snapshots(ctx context.Context) ([]CaseSnapshot, error)
}

// Directory resolves a target role to a concrete user, if one is on
// duty. An unknown role is a configuration error.
type Directory interface {
	ResolveTarget(ctx context.Context, role string) (userID string, err error)
}

// Transport delivers a single notification over one channel.
type Transport interface {
	Send(ctx context.Context, channel Channel, subject, body, target string) error
}
