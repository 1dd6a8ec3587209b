package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sms-broker/internal/domain"
)

// Dispatch actions, named after the tool that produced them.
const (
	ActionNone         = "none"
	ActionFetchContext = toolFetchContext
	ActionSendMessage  = toolSendMessage
)

// CompletionClient is the completion oracle consumed by the dispatch and
// auto-reply services.
type CompletionClient interface {
	Chat(ctx context.Context, messages []domain.ChatMessage) (string, error)
	ChatWithTools(ctx context.Context, messages []domain.ChatMessage, tools []domain.ToolDefinition) (domain.Completion, error)
}

// Transport sends outbound messages through the carrier.
type Transport interface {
	Send(ctx context.Context, messages []domain.OutboundMessage) (domain.SendReceipt, error)
}

// ContextProvider produces a bounded summary for a phone number.
type ContextProvider interface {
	Summarize(ctx context.Context, phoneNumber string, useLive bool) (domain.ContextSummary, error)
}

// ConversationAppender is the slice of the store the dispatcher needs.
type ConversationAppender interface {
	AppendTurn(ctx context.Context, phoneNumber string, turn domain.ConversationTurn) error
}

// DispatchService turns a free-text request into one of {answer directly,
// fetch context, send message}, executes it, and persists the exchange.
type DispatchService struct {
	llm       CompletionClient
	transport Transport
	contexts  ContextProvider
	store     ConversationAppender
	logger    *slog.Logger
}

type DispatchInput struct {
	Message string
}

type DispatchOutput struct {
	Reply       string
	Action      string
	PhoneNumber string
	To          string
	Content     string
	MessageID   string
	Summary     *domain.ContextSummary
	Receipt     *domain.SendReceipt
}

func NewDispatchService(llm CompletionClient, transport Transport, contexts ContextProvider, store ConversationAppender, logger *slog.Logger) (*DispatchService, error) {
	if llm == nil {
		return nil, errors.New("usecase: completion client must not be nil")
	}
	if transport == nil {
		return nil, errors.New("usecase: transport must not be nil")
	}
	if contexts == nil {
		return nil, errors.New("usecase: context provider must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchService{
		llm:       llm,
		transport: transport,
		contexts:  contexts,
		store:     store,
		logger:    logger.With("component", "dispatch"),
	}, nil
}

// Dispatch runs one tool-call cycle. Only the first tool call in the
// oracle's turn is acted on; any further calls in the same turn are ignored.
func (s *DispatchService) Dispatch(ctx context.Context, in DispatchInput) (DispatchOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return DispatchOutput{}, newError(ErrorValidation, "empty_message", nil)
	}

	completion, err := s.llm.ChatWithTools(ctx, dispatchMessages(message), ToolDefinitions())
	if err != nil {
		return DispatchOutput{}, newError(ErrorUpstream, "openai_error", err)
	}

	if len(completion.ToolCalls) == 0 {
		out := DispatchOutput{Reply: completion.Content, Action: ActionNone}
		s.persistTurns(ctx, extractPhoneNumber(message), message, out.Reply)
		return out, nil
	}

	call := completion.ToolCalls[0]
	assistant := domain.ChatMessage{
		Role:      "assistant",
		Content:   completion.Content,
		ToolCalls: []domain.ToolCall{call},
	}

	switch call.Function.Name {
	case toolFetchContext:
		return s.dispatchFetchContext(ctx, message, assistant, call)
	case toolSendMessage:
		return s.dispatchSendMessage(ctx, message, call)
	default:
		return DispatchOutput{}, newError(ErrorUpstream, "unknown_tool", errors.New("oracle selected unknown tool "+call.Function.Name))
	}
}

type fetchContextArgs struct {
	PhoneNumber string `json:"phone_number"`
}

type sendMessageArgs struct {
	DestinationNumber string `json:"destination_number"`
	Content           string `json:"content"`
}

func (s *DispatchService) dispatchFetchContext(ctx context.Context, message string, assistant domain.ChatMessage, call domain.ToolCall) (DispatchOutput, error) {
	var args fetchContextArgs
	if err := decodeToolArgs(call.Function.Arguments, &args); err != nil {
		return DispatchOutput{}, newError(ErrorMalformedToolArgs, "fetch_context_args", err)
	}
	if strings.TrimSpace(args.PhoneNumber) == "" {
		return DispatchOutput{}, newError(ErrorMalformedToolArgs, "fetch_context_missing_phone", nil)
	}

	summary, err := s.contexts.Summarize(ctx, args.PhoneNumber, true)
	if err != nil {
		var ucErr *Error
		if errors.As(err, &ucErr) {
			return DispatchOutput{}, err
		}
		return DispatchOutput{}, newError(ErrorUpstream, "context_error", err)
	}

	toolResult, err := json.Marshal(summary)
	if err != nil {
		return DispatchOutput{}, newError(ErrorInternal, "context_encode_error", err)
	}

	reply, err := s.llm.Chat(ctx, followupMessages(message, assistant, call, string(toolResult)))
	if err != nil {
		return DispatchOutput{}, newError(ErrorUpstream, "openai_error", err)
	}

	s.persistTurns(ctx, args.PhoneNumber, message, reply)

	return DispatchOutput{
		Reply:       reply,
		Action:      ActionFetchContext,
		PhoneNumber: args.PhoneNumber,
		Summary:     &summary,
	}, nil
}

func (s *DispatchService) dispatchSendMessage(ctx context.Context, message string, call domain.ToolCall) (DispatchOutput, error) {
	var args sendMessageArgs
	if err := decodeToolArgs(call.Function.Arguments, &args); err != nil {
		return DispatchOutput{}, newError(ErrorMalformedToolArgs, "send_message_args", err)
	}
	if strings.TrimSpace(args.DestinationNumber) == "" || strings.TrimSpace(args.Content) == "" {
		return DispatchOutput{}, newError(ErrorMalformedToolArgs, "send_message_missing_fields", nil)
	}

	receipt, err := s.transport.Send(ctx, []domain.OutboundMessage{{
		DestinationNumber: args.DestinationNumber,
		Content:           args.Content,
		Format:            "SMS",
		DeliveryReport:    true,
	}})
	if err != nil {
		return DispatchOutput{}, newError(ErrorUpstream, "carrier_error", err)
	}

	// Deliberately deterministic: the confirmation never goes back through
	// the oracle.
	reply := "Message to " + args.DestinationNumber + " was sent successfully."

	s.persistTurns(ctx, args.DestinationNumber, message, reply)

	return DispatchOutput{
		Reply:     reply,
		Action:    ActionSendMessage,
		To:        args.DestinationNumber,
		Content:   args.Content,
		MessageID: receipt.MessageID,
		Receipt:   &receipt,
	}, nil
}

// persistTurns appends the user and assistant turns when an identity was
// resolved. Persistence here is a side effect of a reply that has already
// been produced, so failures are logged and the reply still returned.
func (s *DispatchService) persistTurns(ctx context.Context, phoneNumber, userMessage, reply string) {
	if phoneNumber == "" {
		return
	}
	now := time.Now().UTC()
	if err := s.store.AppendTurn(ctx, phoneNumber, domain.ConversationTurn{
		Timestamp: now,
		Role:      domain.RoleUser,
		Message:   userMessage,
	}); err != nil {
		s.logger.Error("failed to persist user turn", "phone_number", phoneNumber, "err", err)
		return
	}
	if err := s.store.AppendTurn(ctx, phoneNumber, domain.ConversationTurn{
		Timestamp: now,
		Role:      domain.RoleAssistant,
		Message:   reply,
	}); err != nil {
		s.logger.Error("failed to persist assistant turn", "phone_number", phoneNumber, "err", err)
	}
}

// decodeToolArgs parses the oracle's serialized arguments. A parse failure
// aborts the dispatch before any external side effect.
func decodeToolArgs(raw string, out any) error {
	return json.Unmarshal([]byte(raw), out)
}
