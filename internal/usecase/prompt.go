package usecase

import (
	"encoding/json"
	"regexp"
	"strings"

	"sms-broker/internal/domain"
)

// Tool names exposed to the completion oracle.
const (
	toolFetchContext = "get_sms_context"
	toolSendMessage  = "send_sms"
)

// Intent labels for inbound reply classification. Anything the oracle
// returns outside this set is normalized to IntentOther before persistence.
const (
	IntentInquiryShipping  = "inquiry_shipping"
	IntentComplaintProduct = "complaint_product"
	IntentConfirmReceipt   = "confirm_receipt"
	IntentCancelOrder      = "cancel_order"
	IntentOther            = "other"
)

var knownIntents = map[string]struct{}{
	IntentInquiryShipping:  {},
	IntentComplaintProduct: {},
	IntentConfirmReceipt:   {},
	IntentCancelOrder:      {},
	IntentOther:            {},
}

// phonePattern matches the first E.164 number embedded in free text.
var phonePattern = regexp.MustCompile(`\+[1-9]\d{7,14}`)

func extractPhoneNumber(text string) string {
	return phonePattern.FindString(text)
}

// NormalizeIntent maps untrusted oracle output onto the known label set.
func NormalizeIntent(raw string) string {
	label := strings.ToLower(strings.TrimSpace(raw))
	label = strings.Trim(label, `"'.`)
	if _, ok := knownIntents[label]; ok {
		return label
	}
	return IntentOther
}

// ToolDefinitions declares the dispatch tool set in the oracle's function
// schema format. Also served verbatim on /function-schema.
func ToolDefinitions() []domain.ToolDefinition {
	return []domain.ToolDefinition{
		{
			Type: "function",
			Function: domain.FunctionDef{
				Name:        toolFetchContext,
				Description: "Fetch SMS context for a phone number",
				Parameters: json.RawMessage(`{
					"type":"object",
					"properties":{
						"phone_number":{
							"type":"string",
							"description":"Phone number to fetch SMS history (E.164 format)"
						}
					},
					"required":["phone_number"]
				}`),
			},
		},
		{
			Type: "function",
			Function: domain.FunctionDef{
				Name:        toolSendMessage,
				Description: "Send an SMS to a user",
				Parameters: json.RawMessage(`{
					"type":"object",
					"properties":{
						"destination_number":{
							"type":"string",
							"description":"Phone number to send the message to (E.164 format)"
						},
						"content":{
							"type":"string",
							"description":"The message body to send"
						}
					},
					"required":["destination_number","content"]
				}`),
			},
		},
	}
}

func dispatchMessages(userMessage string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: "You are an AI assistant for SMS operations. Use tools if needed."},
		{Role: "user", Content: userMessage},
	}
}

// followupMessages feeds the tool result back for the second completion:
// the original request, the assistant's tool selection, and the serialized
// tool output.
func followupMessages(userMessage string, assistant domain.ChatMessage, call domain.ToolCall, toolResult string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: "You are an assistant with access to SMS history."},
		{Role: "user", Content: userMessage},
		assistant,
		{Role: "tool", Content: toolResult, ToolCallID: call.ID},
	}
}

func autoReplyMessages(inbound string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: strings.Join([]string{
			"You are a friendly SMS assistant.",
			"Write a short, helpful reply to the customer's text message.",
			"Keep it under 160 characters and do not invent order details.",
		}, " ")},
		{Role: "user", Content: inbound},
	}
}

func classifyIntentMessages(inbound string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: strings.Join([]string{
			"Classify the customer's SMS into exactly one of these labels:",
			IntentInquiryShipping + ", " + IntentComplaintProduct + ", " + IntentConfirmReceipt + ", " + IntentCancelOrder + ", " + IntentOther + ".",
			"Respond with the label only, nothing else.",
		}, " ")},
		{Role: "user", Content: inbound},
	}
}
