package carrier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sms-broker/internal/domain"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append(opts, WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	c, err := NewClient(srv.URL, "key", "secret", opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "key", "secret")
	require.Error(t, err)
	_, err = NewClient("https://api.example.com", "", "secret")
	require.Error(t, err)
	_, err = NewClient("https://api.example.com", "key", "")
	require.Error(t, err)
}

func TestSend_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "key", user)
		require.Equal(t, "secret", pass)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req sendRequest
		require.NoError(t, json.Unmarshal(body, &req))
		require.Len(t, req.Messages, 1)
		require.Equal(t, "+61412345678", req.Messages[0].DestinationNumber)

		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"messages":[{"message_id":"abc123","status":"queued"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	receipt, err := c.Send(context.Background(), []domain.OutboundMessage{{
		DestinationNumber: "+61412345678",
		Content:           "hi",
		Format:            "SMS",
		DeliveryReport:    true,
	}})
	require.NoError(t, err)
	require.Equal(t, "abc123", receipt.MessageID)
	require.Equal(t, "queued", receipt.Status)
	require.Contains(t, string(receipt.Raw), "abc123")
}

func TestSend_AccountHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "sub-1", r.Header.Get("Account"))
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"messages":[{"message_id":"abc123"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithAccount("sub-1"))
	_, err := c.Send(context.Background(), []domain.OutboundMessage{{DestinationNumber: "+61412345678", Content: "hi"}})
	require.NoError(t, err)
}

func TestSend_EmptyBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), nil)
	require.Error(t, err)
}

func TestSend_UpstreamError_SurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		_, _ = w.Write([]byte(`{"details":["destination_number is invalid"]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), []domain.OutboundMessage{{DestinationNumber: "bogus", Content: "hi"}})
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 400, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "destination_number is invalid")
}

func TestSend_NoMessagesInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), []domain.OutboundMessage{{DestinationNumber: "+61412345678", Content: "hi"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no messages")
}

func TestReceivedMessages_FiltersByNumberAndWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/reporting/received_messages/detail", r.URL.Path)
		require.NotEmpty(t, r.URL.Query().Get("start_date"))
		require.NotEmpty(t, r.URL.Query().Get("end_date"))
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"data":[
			{"content":"where is my order","date_received":"2026-08-29T10:00:00Z","source_address":"+61412345678","message_id":"m1"},
			{"content":"hello","date_received":"2026-08-29T11:00:00Z","source_address":"+61499999999","message_id":"m2"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	events, err := c.ReceivedMessages(context.Background(), "+61412345678", 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventTypeReply, events[0].Type)
	require.Equal(t, "where is my order", events[0].Content)
	require.Equal(t, "+61412345678", events[0].SourceNumber)
}

func TestDeliveryReports_MapsDestinationToIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/reporting/delivery_reports/detail", r.URL.Path)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"data":[
			{"status":"delivered","date_received":"2026-08-29T10:05:00Z","destination_address":"+61412345678","message_id":"m1"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	events, err := c.DeliveryReports(context.Background(), "+61412345678", 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventTypeDelivery, events[0].Type)
	require.Equal(t, "delivered", events[0].Status)
	require.Equal(t, "+61412345678", events[0].SourceNumber)
}
