package audit

import (
	"context"
	"log/slog"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// Recorder projects engine events into ledger entries. Wire it next to
// the notification dispatcher in the event fan-out.
type Recorder struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewRecorder creates a recorder over the given ledger.
func NewRecorder(ledger *Ledger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{ledger: ledger, logger: logger.With("component", "audit")}
}

// HandleEvent implements contracts.EventSink.
func (r *Recorder) HandleEvent(ctx context.Context, ev contracts.Event) {
	var (
		typ     EntryType
		payload any
	)
	switch ev.Type {
	case contracts.EventCaseEscalated:
		typ, payload = EntryEscalation, ev.History
	case contracts.EventEscalationResolved:
		typ, payload = EntryResolution, ev.History
	case contracts.EventSLABreached:
		typ, payload = EntrySLABreach, ev.Clock
	case contracts.EventSLAMet:
		typ, payload = EntrySLAMet, ev.Clock
	default:
		return
	}
	if _, err := r.ledger.Append(typ, ev.CaseID, payload); err != nil {
		r.logger.ErrorContext(ctx, "failed to append audit entry",
			"type", typ, "case_id", ev.CaseID, "error", err)
	}
}

// RecordNotificationFailure appends a permanently failed notification.
// Matches the notify.WithFailureHook signature.
func (r *Recorder) RecordNotificationFailure(ctx context.Context, n *contracts.EscalationNotification) {
	if _, err := r.ledger.Append(EntryNotificationFailed, n.CaseID, n); err != nil {
		r.logger.ErrorContext(ctx, "failed to append audit entry",
			"type", EntryNotificationFailed, "case_id", n.CaseID, "error", err)
	}
}
