package domain

import "time"

// EventType discriminates webhook events.
type EventType string

const (
	EventTypeReply    EventType = "reply"
	EventTypeDelivery EventType = "delivery"
)

// WebhookEvent is one append-only entry in the global event log. Reply events
// carry Content; delivery events carry Status. Composite events written by
// the auto-reply pipeline additionally carry the generated Reply and Intent.
type WebhookEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	ReceivedAt   time.Time `json:"received_at"`
	SourceNumber string    `json:"source_number,omitempty"`
	Content      string    `json:"content,omitempty"`
	Status       string    `json:"status,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	Reply        string    `json:"reply,omitempty"`
	Intent       string    `json:"intent,omitempty"`
}
