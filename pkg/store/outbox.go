package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// OutboxRecord is one durably scheduled notification delivery.
type OutboxRecord struct {
	ID           string
	Notification *contracts.EscalationNotification
	Scheduled    time.Time
	Status       string
}

// NotificationOutbox durably schedules notification deliveries so a
// crash between "transition committed" and "notification delivered"
// loses nothing. Scheduling is idempotent on the notification ID.
type NotificationOutbox interface {
	Schedule(ctx context.Context, n *contracts.EscalationNotification) error
	GetPending(ctx context.Context) ([]*OutboxRecord, error)
	MarkDone(ctx context.Context, id string) error
}

// PostgresNotificationOutbox implements NotificationOutbox on Postgres.
type PostgresNotificationOutbox struct {
	db *sql.DB
}

func NewPostgresNotificationOutbox(db *sql.DB) *PostgresNotificationOutbox {
	return &PostgresNotificationOutbox{db: db}
}

func (o *PostgresNotificationOutbox) Schedule(ctx context.Context, n *contracts.EscalationNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notification_outbox (id, notification_json, scheduled_at, status)
		VALUES ($1, $2, $3, 'PENDING')
		ON CONFLICT (id) DO NOTHING
	`
	// Notification ID doubles as the idempotency key for scheduling.
	_, err = o.db.ExecContext(ctx, query, n.ID, payload, time.Now())
	if err != nil {
		return fmt.Errorf("failed to schedule notification: %w", err)
	}
	return nil
}

func (o *PostgresNotificationOutbox) GetPending(ctx context.Context) ([]*OutboxRecord, error) {
	query := `
		SELECT id, notification_json, scheduled_at, status
		FROM notification_outbox
		WHERE status = 'PENDING'
		ORDER BY scheduled_at ASC
	`
	rows, err := o.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*OutboxRecord
	for rows.Next() {
		var (
			id, status  string
			payload     []byte
			scheduledAt time.Time
		)
		if err := rows.Scan(&id, &payload, &scheduledAt, &status); err != nil {
			return nil, err
		}

		var n contracts.EscalationNotification
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, fmt.Errorf("corrupt notification JSON in outbox record %s: %w", id, err)
		}
		results = append(results, &OutboxRecord{
			ID:           id,
			Notification: &n,
			Scheduled:    scheduledAt,
			Status:       status,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *PostgresNotificationOutbox) MarkDone(ctx context.Context, id string) error {
	query := `UPDATE notification_outbox SET status = 'DONE' WHERE id = $1`
	_, err := o.db.ExecContext(ctx, query, id)
	return err
}
