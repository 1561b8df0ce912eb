// Package store persists the engine's append-mostly records: escalation
// history, SLA clocks and notifications. Writes are the side effects of
// the state machine, the clock manager and the dispatcher; the only
// mutations ever applied are the single resolution update on a history
// record and the status updates on clocks and notifications.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

var (
	ErrHistoryNotFound      = errors.New("history record not found")
	ErrNoOpenHistory        = errors.New("no open history record for case")
	ErrAlreadyResolved      = errors.New("history record already resolved")
	ErrOpenHistoryExists    = errors.New("case already has an open history record")
	ErrSLANotFound          = errors.New("sla record not found")
	ErrSLAConflict          = errors.New("case already has a live sla clock at this level")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrStaleTransition      = errors.New("notification is not in the expected status")
)

// HistoryFilter selects history records for reporting.
type HistoryFilter struct {
	CaseID       string
	Level        int // 0 = any
	OnlyOpen     bool
	OnlyResolved bool
	From         *time.Time // on EscalatedAt, inclusive
	To           *time.Time
	Limit        int
}

// SLAFilter selects SLA clocks.
type SLAFilter struct {
	CaseID string
	Status contracts.SLAStatus
	Level  int
	From   *time.Time // on StartTime, inclusive
	To     *time.Time
	Limit  int
}

// NotificationFilter selects notifications.
type NotificationFilter struct {
	CaseID    string
	HistoryID string
	Status    contracts.NotificationStatus
	Channel   contracts.Channel
	Limit     int
}

// HistoryStore is the persistence boundary of the engine.
type HistoryStore interface {
	// History. Append rejects a second open record for the same case;
	// Resolve is the single permitted mutation and succeeds once.
	// Supersede resolves the case's open record (if any) and appends rec
	// in one atomic step, so a failed append never leaves a dangling
	// supersession note behind.
	AppendHistory(ctx context.Context, rec *contracts.EscalationHistory) error
	SupersedeHistory(ctx context.Context, caseID string, at time.Time, notes string, rec *contracts.EscalationHistory) error
	GetHistory(ctx context.Context, id string) (*contracts.EscalationHistory, error)
	OpenHistory(ctx context.Context, caseID string) (*contracts.EscalationHistory, error)
	ResolveHistory(ctx context.Context, id string, at time.Time, notes string) (*contracts.EscalationHistory, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]*contracts.EscalationHistory, error)

	// SLA clocks. Append enforces at most one live (active or paused)
	// clock per (case, level).
	AppendSLA(ctx context.Context, clock *contracts.SLATracking) error
	UpdateSLA(ctx context.Context, clock *contracts.SLATracking) error
	GetSLA(ctx context.Context, id string) (*contracts.SLATracking, error)
	ListSLA(ctx context.Context, filter SLAFilter) ([]*contracts.SLATracking, error)

	// Notifications. MarkNotificationSent is the idempotency point: it
	// transitions pending to sent exactly once and reports
	// ErrStaleTransition on any duplicate attempt.
	AppendNotification(ctx context.Context, n *contracts.EscalationNotification) error
	GetNotification(ctx context.Context, id string) (*contracts.EscalationNotification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	RecordNotificationFailure(ctx context.Context, id string, retryCount int, lastErr string, permanent bool) error
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*contracts.EscalationNotification, error)
}

func (f HistoryFilter) matches(h *contracts.EscalationHistory) bool {
	if f.CaseID != "" && h.CaseID != f.CaseID {
		return false
	}
	if f.Level != 0 && h.Level != f.Level {
		return false
	}
	if f.OnlyOpen && h.Resolved() {
		return false
	}
	if f.OnlyResolved && !h.Resolved() {
		return false
	}
	if f.From != nil && h.EscalatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && h.EscalatedAt.After(*f.To) {
		return false
	}
	return true
}

func (f SLAFilter) matches(c *contracts.SLATracking) bool {
	if f.CaseID != "" && c.CaseID != f.CaseID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Level != 0 && c.Level != f.Level {
		return false
	}
	if f.From != nil && c.StartTime.Before(*f.From) {
		return false
	}
	if f.To != nil && c.StartTime.After(*f.To) {
		return false
	}
	return true
}

func (f NotificationFilter) matches(n *contracts.EscalationNotification) bool {
	if f.CaseID != "" && n.CaseID != f.CaseID {
		return false
	}
	if f.HistoryID != "" && n.HistoryID != f.HistoryID {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.Channel != "" && n.Channel != f.Channel {
		return false
	}
	return true
}
