package domain

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationTurn is a single persisted turn in a phone number's
// conversation log. Immutable once appended; ordering is the append order.
type ConversationTurn struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Intent    string    `json:"intent,omitempty"`
}
