package domain

// ContextSummary is the bounded, derived view of a phone number's SMS
// history. It is recomputed on every fetch and never stored.
type ContextSummary struct {
	PhoneNumber        string         `json:"phone_number"`
	ReplyCount         int            `json:"reply_count"`
	DeliveryCount      int            `json:"delivery_count"`
	LastReplyText      string         `json:"last_reply_text"`
	LastDeliveryStatus string         `json:"last_delivery_status"`
	Summary            string         `json:"summary"`
	PromptContext      string         `json:"prompt_context"`
	Context            []ContextBlock `json:"context"`
	PromptGuidance     PromptGuidance `json:"prompt_guidance"`
}

// ContextBlock is one labelled sample list inside a summary.
type ContextBlock struct {
	Type  string        `json:"type"`
	Label string        `json:"label"`
	Value []ContextItem `json:"value"`
}

// ContextItem is a single sampled reply or delivery report.
type ContextItem struct {
	Content      string `json:"content,omitempty"`
	Status       string `json:"status,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	DateReceived string `json:"date_received"`
}

// PromptGuidance tells a model consumer how to use the summary.
type PromptGuidance struct {
	Usage    string   `json:"usage"`
	Examples []string `json:"examples"`
}
