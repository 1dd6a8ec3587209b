// Package carrier is the REST client for the SMS carrier: message submission
// and the reporting queries used for live context windows.
package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sms-broker/internal/domain"
)

// HTTPStatusError captures non-2xx carrier responses with the upstream body
// so callers can surface the original detail.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("carrier: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type sendRequest struct {
	Messages []domain.OutboundMessage `json:"messages"`
}

type sendResponse struct {
	Messages []struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	} `json:"messages"`
}

type receivedMessagesResponse struct {
	Data []struct {
		Content       string `json:"content"`
		DateReceived  string `json:"date_received"`
		SourceAddress string `json:"source_address"`
		MessageID     string `json:"message_id"`
	} `json:"data"`
}

type deliveryReportsResponse struct {
	Data []struct {
		Status             string `json:"status"`
		DateReceived       string `json:"date_received"`
		DestinationAddress string `json:"destination_address"`
		MessageID          string `json:"message_id"`
	} `json:"data"`
}

// Client talks to the carrier API with basic-auth credentials and an
// optional sub-account header applied to every request.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	accountID  string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAccount sets the sub-account id sent in the Account header.
func WithAccount(accountID string) Option {
	return func(c *Client) {
		c.accountID = strings.TrimSpace(accountID)
	}
}

// NewClient creates a carrier Client for the given base URL and credentials.
func NewClient(baseURL, apiKey, apiSecret string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("carrier: base URL must not be empty")
	}
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("carrier: api key and secret must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send submits the batch to the carrier and returns a receipt whose
// MessageID is the first acknowledged message's id. Raw carries the full
// upstream body for passthrough.
func (c *Client) Send(ctx context.Context, messages []domain.OutboundMessage) (domain.SendReceipt, error) {
	if len(messages) == 0 {
		return domain.SendReceipt{}, errors.New("carrier: messages must not be empty")
	}

	body, err := json.Marshal(sendRequest{Messages: messages})
	if err != nil {
		return domain.SendReceipt{}, fmt.Errorf("carrier: marshal send request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/v1/messages", body)
	if err != nil {
		return domain.SendReceipt{}, err
	}

	var payload sendResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.SendReceipt{}, fmt.Errorf("carrier: decode send response: %w", decErr)
	}
	if len(payload.Messages) == 0 {
		return domain.SendReceipt{}, errors.New("carrier: no messages in send response")
	}

	return domain.SendReceipt{
		MessageID: payload.Messages[0].MessageID,
		Status:    payload.Messages[0].Status,
		Raw:       raw,
	}, nil
}

// ReceivedMessages queries the reporting API for inbound messages over the
// trailing window and maps them to reply events. An empty number returns all
// rows; otherwise only rows from that source address.
func (c *Client) ReceivedMessages(ctx context.Context, number string, window time.Duration) ([]domain.WebhookEvent, error) {
	raw, err := c.do(ctx, http.MethodGet, reportingPath("/reporting/received_messages/detail", window), nil)
	if err != nil {
		return nil, err
	}

	var payload receivedMessagesResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return nil, fmt.Errorf("carrier: decode received messages: %w", decErr)
	}

	events := make([]domain.WebhookEvent, 0, len(payload.Data))
	for _, row := range payload.Data {
		if number != "" && row.SourceAddress != number {
			continue
		}
		events = append(events, domain.WebhookEvent{
			Type:         domain.EventTypeReply,
			ReceivedAt:   parseReportTime(row.DateReceived),
			SourceNumber: row.SourceAddress,
			Content:      row.Content,
			MessageID:    row.MessageID,
		})
	}
	return events, nil
}

// DeliveryReports queries the reporting API for delivery reports over the
// trailing window and maps them to delivery events keyed by the destination
// address, so aggregation filters on one identity field.
func (c *Client) DeliveryReports(ctx context.Context, number string, window time.Duration) ([]domain.WebhookEvent, error) {
	raw, err := c.do(ctx, http.MethodGet, reportingPath("/reporting/delivery_reports/detail", window), nil)
	if err != nil {
		return nil, err
	}

	var payload deliveryReportsResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return nil, fmt.Errorf("carrier: decode delivery reports: %w", decErr)
	}

	events := make([]domain.WebhookEvent, 0, len(payload.Data))
	for _, row := range payload.Data {
		if number != "" && row.DestinationAddress != number {
			continue
		}
		events = append(events, domain.WebhookEvent{
			Type:         domain.EventTypeDelivery,
			ReceivedAt:   parseReportTime(row.DateReceived),
			SourceNumber: row.DestinationAddress,
			Status:       row.Status,
			MessageID:    row.MessageID,
		})
	}
	return events, nil
}

func reportingPath(path string, window time.Duration) string {
	end := time.Now().UTC()
	start := end.Add(-window)
	q := url.Values{}
	q.Set("start_date", start.Format(time.RFC3339))
	q.Set("end_date", end.Format(time.RFC3339))
	return path + "?" + q.Encode()
}

func parseReportTime(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	endpoint := c.baseURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("carrier: create request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accountID != "" {
		req.Header.Set("Account", c.accountID)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("carrier: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("carrier: read response body: %w", err)
	}
	return buf, nil
}
