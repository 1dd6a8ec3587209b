package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"sms-broker/internal/domain"
)

const (
	defaultWindow    = 7 * 24 * time.Hour
	defaultSampleCap = 100

	emptyReplyText      = "None"
	emptyDeliveryStatus = "N/A"
)

// EventSource reads webhook events for aggregation.
type EventSource interface {
	ListEvents(ctx context.Context, sourceNumber string) ([]domain.WebhookEvent, error)
}

// ReportingClient queries the carrier's reporting API for a live view over
// a trailing window.
type ReportingClient interface {
	ReceivedMessages(ctx context.Context, number string, window time.Duration) ([]domain.WebhookEvent, error)
	DeliveryReports(ctx context.Context, number string, window time.Duration) ([]domain.WebhookEvent, error)
}

// Aggregator reduces the event log (or a live reporting query) for one
// phone number into a bounded ContextSummary. Summaries are derived state:
// recomputed per call, nothing is written.
type Aggregator struct {
	events    EventSource
	reporting ReportingClient
	window    time.Duration
	sampleCap int
	logger    *slog.Logger
}

type AggregatorOption func(*Aggregator)

// WithWindow overrides the trailing window used for live queries.
func WithWindow(window time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if window > 0 {
			a.window = window
		}
	}
}

// WithSampleCap overrides the maximum entries per sample list. Counts stay
// exact regardless of the cap.
func WithSampleCap(cap int) AggregatorOption {
	return func(a *Aggregator) {
		if cap > 0 {
			a.sampleCap = cap
		}
	}
}

// NewAggregator creates an Aggregator. reporting may be nil; live requests
// then fall back to the local event log.
func NewAggregator(events EventSource, reporting ReportingClient, logger *slog.Logger, opts ...AggregatorOption) (*Aggregator, error) {
	if events == nil {
		return nil, errors.New("usecase: event source must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		events:    events,
		reporting: reporting,
		window:    defaultWindow,
		sampleCap: defaultSampleCap,
		logger:    logger.With("component", "aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Summarize builds the context summary for phoneNumber. With useLive and a
// configured reporting client the events come from the carrier over the
// trailing window; otherwise from the local event log. A phone number with
// no events yields the explicit empty-state summary, never an error.
func (a *Aggregator) Summarize(ctx context.Context, phoneNumber string, useLive bool) (domain.ContextSummary, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return domain.ContextSummary{}, newError(ErrorValidation, "empty_phone_number", nil)
	}

	events, err := a.collect(ctx, phoneNumber, useLive)
	if err != nil {
		return domain.ContextSummary{}, err
	}

	replies := make([]domain.WebhookEvent, 0, len(events))
	deliveries := make([]domain.WebhookEvent, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.Type == domain.EventTypeReply && ev.Content != "":
			replies = append(replies, ev)
		case ev.Type == domain.EventTypeDelivery && ev.Status != "":
			deliveries = append(deliveries, ev)
		}
	}

	// Most recent means greatest ReceivedAt; samples stay chronological.
	sortChronological(replies)
	sortChronological(deliveries)

	lastReplyText := emptyReplyText
	if len(replies) > 0 {
		lastReplyText = replies[len(replies)-1].Content
	}
	lastDeliveryStatus := emptyDeliveryStatus
	if len(deliveries) > 0 {
		lastDeliveryStatus = deliveries[len(deliveries)-1].Status
	}

	blocks := []domain.ContextBlock{}
	if len(replies) > 0 {
		blocks = append(blocks, domain.ContextBlock{
			Type:  "list",
			Label: "Recent Replies",
			Value: replySample(tail(replies, a.sampleCap)),
		})
	}
	if len(deliveries) > 0 {
		blocks = append(blocks, domain.ContextBlock{
			Type:  "list",
			Label: "Recent Delivery Reports",
			Value: deliverySample(tail(deliveries, a.sampleCap)),
		})
	}

	summary := fmt.Sprintf(
		"%s has %d reply(ies) and %d delivery report(s). Last reply: %q Last delivery status: %s.",
		phoneNumber, len(replies), len(deliveries), lastReplyText, lastDeliveryStatus,
	)
	promptContext := fmt.Sprintf(
		"Phone %s: Last status %q, Last reply: %q",
		phoneNumber, lastDeliveryStatus, lastReplyText,
	)

	return domain.ContextSummary{
		PhoneNumber:        phoneNumber,
		ReplyCount:         len(replies),
		DeliveryCount:      len(deliveries),
		LastReplyText:      lastReplyText,
		LastDeliveryStatus: lastDeliveryStatus,
		Summary:            summary,
		PromptContext:      promptContext,
		Context:            blocks,
		PromptGuidance: domain.PromptGuidance{
			Usage:    "Use this context to understand the customer's SMS interaction history.",
			Examples: guidanceExamples(phoneNumber, lastReplyText, lastDeliveryStatus, len(replies)),
		},
	}, nil
}

func (a *Aggregator) collect(ctx context.Context, phoneNumber string, useLive bool) ([]domain.WebhookEvent, error) {
	if useLive && a.reporting != nil {
		replies, err := a.reporting.ReceivedMessages(ctx, phoneNumber, a.window)
		if err != nil {
			return nil, newError(ErrorUpstream, "carrier_reporting_error", err)
		}
		deliveries, err := a.reporting.DeliveryReports(ctx, phoneNumber, a.window)
		if err != nil {
			return nil, newError(ErrorUpstream, "carrier_reporting_error", err)
		}
		return append(replies, deliveries...), nil
	}
	if useLive {
		a.logger.Debug("live data requested without reporting client, using event log",
			"phone_number", phoneNumber)
	}

	events, err := a.events.ListEvents(ctx, phoneNumber)
	if err != nil {
		return nil, newError(ErrorPersistence, "event_log_read_error", err)
	}
	return events, nil
}

func sortChronological(events []domain.WebhookEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})
}

func tail(events []domain.WebhookEvent, n int) []domain.WebhookEvent {
	if len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}

func replySample(events []domain.WebhookEvent) []domain.ContextItem {
	items := make([]domain.ContextItem, 0, len(events))
	for _, ev := range events {
		content := ev.Content
		if content == "" {
			content = "[no content]"
		}
		items = append(items, domain.ContextItem{
			Content:      content,
			DateReceived: ev.ReceivedAt.UTC().Format(time.RFC3339),
		})
	}
	return items
}

func deliverySample(events []domain.WebhookEvent) []domain.ContextItem {
	items := make([]domain.ContextItem, 0, len(events))
	for _, ev := range events {
		items = append(items, domain.ContextItem{
			Status:       ev.Status,
			MessageID:    ev.MessageID,
			DateReceived: ev.ReceivedAt.UTC().Format(time.RFC3339),
		})
	}
	return items
}

func guidanceExamples(phoneNumber, lastReplyText, lastDeliveryStatus string, replyCount int) []string {
	if replyCount > 0 {
		return []string{
			fmt.Sprintf("This customer last replied %q.", lastReplyText),
			fmt.Sprintf("%s's most recent delivery status was %s.", phoneNumber, lastDeliveryStatus),
		}
	}
	return []string{
		fmt.Sprintf("%s has not replied yet, last delivery status was %s.", phoneNumber, lastDeliveryStatus),
	}
}
