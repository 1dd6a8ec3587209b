package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sms-broker/internal/domain"
)

// EventAppender is the event-log slice of the store the pipeline needs.
type EventAppender interface {
	AppendEvent(ctx context.Context, event domain.WebhookEvent) error
}

// AutoReplyService answers inbound SMS replies without an operator: it
// generates a reply, classifies the inbound intent, sends the reply, and
// records one composite event plus both conversation turns.
type AutoReplyService struct {
	llm       CompletionClient
	transport Transport
	turns     ConversationAppender
	events    EventAppender
	logger    *slog.Logger
}

func NewAutoReplyService(llm CompletionClient, transport Transport, turns ConversationAppender, events EventAppender, logger *slog.Logger) (*AutoReplyService, error) {
	if llm == nil {
		return nil, errors.New("usecase: completion client must not be nil")
	}
	if transport == nil {
		return nil, errors.New("usecase: transport must not be nil")
	}
	if turns == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if events == nil {
		return nil, errors.New("usecase: event log must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoReplyService{
		llm:       llm,
		transport: transport,
		turns:     turns,
		events:    events,
		logger:    logger.With("component", "autoreply"),
	}, nil
}

// HandleInboundReply runs the pipeline strictly in order; any step's failure
// aborts the remaining steps. There are no retries.
func (s *AutoReplyService) HandleInboundReply(ctx context.Context, sourceNumber, text string) error {
	sourceNumber = strings.TrimSpace(sourceNumber)
	text = strings.TrimSpace(text)
	if sourceNumber == "" {
		return newError(ErrorValidation, "empty_source_number", nil)
	}
	if text == "" {
		return newError(ErrorValidation, "empty_reply_content", nil)
	}

	reply, err := s.llm.Chat(ctx, autoReplyMessages(text))
	if err != nil {
		return newError(ErrorUpstream, "auto_reply_generation_error", err)
	}

	rawIntent, err := s.llm.Chat(ctx, classifyIntentMessages(text))
	if err != nil {
		return newError(ErrorUpstream, "intent_classification_error", err)
	}
	// The oracle's label is untrusted text; never persist it raw.
	intent := NormalizeIntent(rawIntent)

	receipt, err := s.transport.Send(ctx, []domain.OutboundMessage{{
		DestinationNumber: sourceNumber,
		Content:           reply,
		Format:            "SMS",
		DeliveryReport:    true,
	}})
	if err != nil {
		return newError(ErrorUpstream, "auto_reply_send_error", err)
	}

	now := time.Now().UTC()
	if err := s.events.AppendEvent(ctx, domain.WebhookEvent{
		Type:         domain.EventTypeReply,
		ReceivedAt:   now,
		SourceNumber: sourceNumber,
		Content:      text,
		Reply:        reply,
		Intent:       intent,
		MessageID:    receipt.MessageID,
	}); err != nil {
		return newError(ErrorPersistence, "auto_reply_event_log_error", err)
	}
	if err := s.turns.AppendTurn(ctx, sourceNumber, domain.ConversationTurn{
		Timestamp: now,
		Role:      domain.RoleUser,
		Message:   text,
		Intent:    intent,
	}); err != nil {
		return newError(ErrorPersistence, "auto_reply_turn_error", err)
	}
	if err := s.turns.AppendTurn(ctx, sourceNumber, domain.ConversationTurn{
		Timestamp: now,
		Role:      domain.RoleAssistant,
		Message:   reply,
	}); err != nil {
		return newError(ErrorPersistence, "auto_reply_turn_error", err)
	}

	s.logger.Info("auto-reply sent",
		"source_number", sourceNumber,
		"intent", intent,
		"message_id", receipt.MessageID)
	return nil
}
