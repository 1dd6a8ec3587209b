package handler

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"sms-broker/internal/domain"
	"sms-broker/internal/usecase"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// Dispatcher routes a free-text message through the tool-call cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, in usecase.DispatchInput) (usecase.DispatchOutput, error)
}

// Summarizer builds the bounded context summary for a phone number.
type Summarizer interface {
	Summarize(ctx context.Context, phoneNumber string, useLive bool) (domain.ContextSummary, error)
}

// Sender pushes outbound messages through the carrier.
type Sender interface {
	Send(ctx context.Context, messages []domain.OutboundMessage) (domain.SendReceipt, error)
}

// AutoReplier runs the inbound-reply pipeline.
type AutoReplier interface {
	HandleInboundReply(ctx context.Context, sourceNumber, text string) error
}

// EventLog is the slice of the store the webhook and reporting routes need.
type EventLog interface {
	AppendEvent(ctx context.Context, event domain.WebhookEvent) error
	ListEvents(ctx context.Context, sourceNumber string) ([]domain.WebhookEvent, error)
}

// Handler owns the HTTP surface. All request parsing and status mapping
// happens here; the services underneath never see HTTP.
type Handler struct {
	dispatcher Dispatcher
	contexts   Summarizer
	transport  Sender
	autoReply  AutoReplier
	events     EventLog
	logger     *slog.Logger
}

func NewHandler(dispatcher Dispatcher, contexts Summarizer, transport Sender, autoReply AutoReplier, events EventLog, logger *slog.Logger) (*Handler, error) {
	if dispatcher == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if contexts == nil {
		return nil, errors.New("handler: summarizer must not be nil")
	}
	if transport == nil {
		return nil, errors.New("handler: sender must not be nil")
	}
	if autoReply == nil {
		return nil, errors.New("handler: auto replier must not be nil")
	}
	if events == nil {
		return nil, errors.New("handler: event log must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		contexts:   contexts,
		transport:  transport,
		autoReply:  autoReply,
		events:     events,
		logger:     logger.With("component", "handler"),
	}, nil
}

// Routes builds the full mux. Every route passes through the correlation-ID
// middleware so responses are traceable in the logs.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("POST /context", h.handleContext)
	mux.HandleFunc("POST /send", h.handleSend)
	mux.HandleFunc("POST /webhook/delivery", h.handleDeliveryWebhook)
	mux.HandleFunc("POST /webhook/reply", h.handleReplyWebhook)
	mux.HandleFunc("GET /dashboard", h.handleDashboard)
	mux.HandleFunc("GET /report", h.handleReport)
	mux.HandleFunc("GET /meta", h.handleMeta)
	mux.HandleFunc("GET /function-schema", h.handleFunctionSchema)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /version", h.handleVersion)
	return h.withCorrelationID(mux)
}

const correlationHeader = "X-Correlation-Id"

func (h *Handler) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, details string) {
	h.writeJSON(w, status, errorResponse{Error: message, Details: details})
}

// writeUseCaseError maps the service error taxonomy onto HTTP statuses.
// Validation failures are the caller's fault; everything else is a 500 with
// the upstream detail preserved.
func (h *Handler) writeUseCaseError(w http.ResponseWriter, message string, err error) {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		status := http.StatusInternalServerError
		if ucErr.Code == usecase.ErrorValidation {
			status = http.StatusBadRequest
		}
		details := ucErr.Reason
		if ucErr.Err != nil {
			details = ucErr.Err.Error()
		}
		h.writeError(w, status, message, details)
		return
	}
	h.writeError(w, http.StatusInternalServerError, message, err.Error())
}

type chatRequest struct {
	Message string `json:"message"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, http.StatusBadRequest, "message is required", "")
		return
	}

	out, err := h.dispatcher.Dispatch(r.Context(), usecase.DispatchInput{Message: req.Message})
	if err != nil {
		h.logger.Error("chat dispatch failed", "err", err)
		h.writeUseCaseError(w, "Chat error", err)
		return
	}

	switch out.Action {
	case usecase.ActionFetchContext:
		h.writeJSON(w, http.StatusOK, map[string]any{
			"reply":        out.Reply,
			"action":       out.Action,
			"phone_number": out.PhoneNumber,
			"data":         out.Summary,
		})
	case usecase.ActionSendMessage:
		h.writeJSON(w, http.StatusOK, map[string]any{
			"reply":       out.Reply,
			"action":      out.Action,
			"to":          out.To,
			"content":     out.Content,
			"status":      "ok",
			"message_id":  out.MessageID,
			"gpt_summary": out.Reply,
		})
	default:
		h.writeJSON(w, http.StatusOK, map[string]any{
			"reply":  out.Reply,
			"action": usecase.ActionNone,
		})
	}
}

type contextRequest struct {
	PhoneNumber string `json:"phone_number"`
	UseLiveData bool   `json:"use_live_data"`
}

func (h *Handler) handleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		h.writeError(w, http.StatusBadRequest, "phone_number is required", "")
		return
	}

	summary, err := h.contexts.Summarize(r.Context(), req.PhoneNumber, req.UseLiveData)
	if err != nil {
		h.logger.Error("context summary failed", "phone_number", req.PhoneNumber, "err", err)
		h.writeUseCaseError(w, "Failed to generate context", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"summary":         summary.Summary,
		"prompt_context":  summary.PromptContext,
		"context":         summary.Context,
		"prompt_guidance": summary.PromptGuidance,
	})
}

type sendRequest struct {
	Messages []domain.OutboundMessage `json:"messages"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "Request body must include a non-empty messages array.", "")
		return
	}

	receipt, err := h.transport.Send(r.Context(), req.Messages)
	if err != nil {
		h.logger.Error("send failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to send SMS", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"message":    "SMS sent successfully!",
		"message_id": receipt.MessageID,
		"response":   receipt.Raw,
	})
}

// deliveryWebhook is the carrier's delivery-report callback payload. Only
// the fields the dashboard and aggregator consume are kept.
type deliveryWebhook struct {
	Status             string `json:"status"`
	MessageID          string `json:"message_id"`
	SourceNumber       string `json:"source_number"`
	DestinationAddress string `json:"destination_address"`
}

func (h *Handler) handleDeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var payload deliveryWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}

	// delivery reports identify the handset as the destination of the
	// original send
	source := payload.SourceNumber
	if source == "" {
		source = payload.DestinationAddress
	}

	err := h.events.AppendEvent(r.Context(), domain.WebhookEvent{
		Type:         domain.EventTypeDelivery,
		ReceivedAt:   time.Now().UTC(),
		SourceNumber: source,
		Status:       payload.Status,
		MessageID:    payload.MessageID,
	})
	if err != nil {
		h.logger.Error("failed to log delivery report", "err", err)
		http.Error(w, "Failed to log delivery report", http.StatusInternalServerError)
		return
	}

	h.logger.Info("delivery webhook received", "source_number", source, "status", payload.Status)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// replyWebhook accepts the carrier's current shape and the legacy field
// names; everything downstream sees only the normalized form.
type replyWebhook struct {
	SourceAddress string `json:"source_address"`
	ReplyMsg      string `json:"reply_msg"`
	SourceNumber  string `json:"source_number"`
	ReplyContent  string `json:"reply_content"`
}

func (p replyWebhook) normalize() (source, text string) {
	source = p.SourceAddress
	if source == "" {
		source = p.SourceNumber
	}
	text = p.ReplyMsg
	if text == "" {
		text = p.ReplyContent
	}
	return source, text
}

func (h *Handler) handleReplyWebhook(w http.ResponseWriter, r *http.Request) {
	var payload replyWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}

	source, text := payload.normalize()
	if strings.TrimSpace(source) == "" {
		h.writeError(w, http.StatusBadRequest, "source_address is required", "")
		return
	}

	if err := h.autoReply.HandleInboundReply(r.Context(), source, text); err != nil {
		h.logger.Error("auto-reply pipeline failed", "source_number", source, "err", err)
		http.Error(w, "Failed to process reply", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Reply processed"))
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<html>
  <head>
    <title>SMS Log Dashboard</title>
    <style>
      body { font-family: sans-serif; padding: 1rem; }
      table { border-collapse: collapse; width: 100%; }
      th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
      th { background: #f0f0f0; }
      tr.reply { background: #e6f7ff; }
    </style>
  </head>
  <body>
    <h2>SMS Log Dashboard</h2>
    <table>
      <tr>
        <th>Type</th>
        <th>Phone</th>
        <th>Message</th>
        <th>Status</th>
        <th>Received At</th>
      </tr>
      {{range .}}
      <tr class="{{.Type}}">
        <td>{{.Type}}</td>
        <td>{{.Phone}}</td>
        <td>{{.Message}}</td>
        <td>{{.Status}}</td>
        <td>{{.ReceivedAt}}</td>
      </tr>
      {{end}}
    </table>
  </body>
</html>
`))

type dashboardRow struct {
	Type       string
	Phone      string
	Message    string
	Status     string
	ReceivedAt string
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListEvents(r.Context(), "")
	if err != nil {
		h.logger.Error("failed to read event log", "err", err)
		http.Error(w, "Failed to load logs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if len(events) == 0 {
		_, _ = w.Write([]byte("<h2>No logs found</h2>"))
		return
	}

	rows := make([]dashboardRow, 0, len(events))
	for _, ev := range events {
		row := dashboardRow{
			Type:       string(ev.Type),
			Phone:      orDash(ev.SourceNumber),
			Message:    ev.Content,
			Status:     orDash(ev.Status),
			ReceivedAt: ev.ReceivedAt.UTC().Format(time.RFC3339),
		}
		if row.Message == "" {
			row.Message = "[no content]"
		}
		rows = append(rows, row)
	}
	if err := dashboardTemplate.Execute(w, rows); err != nil {
		h.logger.Error("failed to render dashboard", "err", err)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListEvents(r.Context(), "")
	if err != nil {
		h.logger.Error("failed to read event log", "err", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load logs", err.Error())
		return
	}

	var replies, deliveries int
	for _, ev := range events {
		switch ev.Type {
		case domain.EventTypeReply:
			replies++
		case domain.EventTypeDelivery:
			deliveries++
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":      len(events),
		"replies":    replies,
		"deliveries": deliveries,
		"entries":    events,
	})
}

func (h *Handler) handleMeta(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":       "messagemedia.sms",
		"description":   "SMS history and delivery context for phone numbers",
		"context_types": []string{"phone_number"},
		"capabilities":  []string{"send_sms", "get_sms_context"},
	})
}

func (h *Handler) handleFunctionSchema(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, usecase.ToolDefinitions())
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleVersion(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}
