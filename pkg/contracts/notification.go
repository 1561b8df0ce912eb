package contracts

import "time"

// Channel is an outbound notification channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
	ChannelChat  Channel = "chat"
)

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationRead      NotificationStatus = "read"
	NotificationFailed    NotificationStatus = "failed"
)

// MaxNotificationRetries is the delivery retry ceiling. A failed
// notification with remaining retries is re-queued; beyond the ceiling
// it is failed permanently and surfaced for manual attention.
const MaxNotificationRetries = 3

// EscalationNotification is one outbound message tied to a transition.
type EscalationNotification struct {
	ID         string             `json:"id"`
	HistoryID  string             `json:"history_id"`
	CaseID     string             `json:"case_id"`
	Channel    Channel            `json:"channel"`
	Subject    string             `json:"subject"`
	Body       string             `json:"body"`
	Target     string             `json:"target"` // role or resolved user id
	Status     NotificationStatus `json:"status"`
	RetryCount int                `json:"retry_count"`
	LastError  string             `json:"last_error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	SentAt     *time.Time         `json:"sent_at,omitempty"`
	ReadAt     *time.Time         `json:"read_at,omitempty"`
}

// Clone returns a deep copy.
func (n *EscalationNotification) Clone() *EscalationNotification {
	c := *n
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	return &c
}
