package domain

import "encoding/json"

// OutboundMessage is one message in a carrier send request.
type OutboundMessage struct {
	DestinationNumber string `json:"destination_number"`
	Content           string `json:"content"`
	Format            string `json:"format,omitempty"`
	DeliveryReport    bool   `json:"delivery_report,omitempty"`
}

// SendReceipt is the carrier's acknowledgement of a send. MessageID is the
// id of the first acknowledged message; Raw is the full upstream body for
// passthrough to callers.
type SendReceipt struct {
	MessageID string          `json:"message_id"`
	Status    string          `json:"status,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}
