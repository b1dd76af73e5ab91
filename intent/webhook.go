package intent

import "time"

// EventType names a merchant-visible lifecycle notification.
type EventType string

const (
	EventPaymentProcessing EventType = "payment.processing"
	EventPaymentSucceeded  EventType = "payment.succeeded"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentCanceled   EventType = "payment.canceled"
	EventPaymentRefunded   EventType = "payment.refunded"
	EventPaymentExpired    EventType = "payment.expired"
)

// WebhookStatus is the delivery state of a persisted webhook event.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "PENDING"
	WebhookDelivered WebhookStatus = "DELIVERED"
	WebhookFailed    WebhookStatus = "FAILED"
	WebhookRetrying  WebhookStatus = "RETRYING"
)

// WebhookEvent is a durable notification. Rows are written in the same
// transaction as the intent transition that caused them, then drained by the
// dispatcher with at-least-once semantics.
type WebhookEvent struct {
	ID               string        `gorm:"primaryKey;size:64" json:"id"`
	IntentID         string        `gorm:"size:64;index;not null" json:"intent_id"`
	Type             EventType     `gorm:"size:48;not null" json:"type"`
	Payload          []byte        `gorm:"not null" json:"payload"`
	Status           WebhookStatus `gorm:"size:16;index:idx_webhook_due;not null" json:"status"`
	Attempts         int           `json:"attempts"`
	NextAttemptAt    time.Time     `gorm:"index:idx_webhook_due" json:"next_attempt_at"`
	LastResponseCode int           `json:"last_response_code,omitempty"`
	LastError        string        `gorm:"size:512" json:"last_error,omitempty"`
	DeliveredAt      *time.Time    `json:"delivered_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// TerminalEventFor maps a terminal status to its webhook type. The boolean is
// false for statuses that do not emit a terminal notification here.
func TerminalEventFor(status Status) (EventType, bool) {
	switch status {
	case StatusSucceeded:
		return EventPaymentSucceeded, true
	case StatusRefunded:
		return EventPaymentRefunded, true
	case StatusCanceled:
		return EventPaymentCanceled, true
	case StatusExpired:
		return EventPaymentExpired, true
	case StatusFailed:
		return EventPaymentFailed, true
	default:
		return "", false
	}
}
