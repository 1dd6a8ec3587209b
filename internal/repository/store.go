package repository

import (
	"context"
	"errors"
	"time"

	"sms-broker/internal/domain"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("repository: not found")

// Store is the persistence surface for the conversation log and the webhook
// event log. Both collections are append-only: every append is a single
// atomic write, entries are never mutated, and deletion happens only through
// the retention pruning methods.
type Store interface {
	// AppendTurn appends one turn to the phone number's conversation log.
	AppendTurn(ctx context.Context, phoneNumber string, turn domain.ConversationTurn) error
	// ListTurns returns all turns for the phone number in append order.
	// A phone number with no turns yields an empty slice, not an error.
	ListTurns(ctx context.Context, phoneNumber string) ([]domain.ConversationTurn, error)

	// AppendEvent appends one webhook event to the global event log.
	AppendEvent(ctx context.Context, event domain.WebhookEvent) error
	// ListEvents returns events in append order. An empty sourceNumber
	// returns the whole log; otherwise only events for that number.
	ListEvents(ctx context.Context, sourceNumber string) ([]domain.WebhookEvent, error)

	// PruneBefore deletes turns and events older than cutoff and reports
	// how many rows were removed. Used only by the retention job.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases the backing resources.
	Close() error
}
