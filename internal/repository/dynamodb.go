package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"sms-broker/internal/domain"
)

const (
	pkPrefixPhone = "PHONE#"
	pkEventLog    = "EVENT#LOG"
	skPrefixTurn  = "TURN#"
	skPrefixEvent = "EV#"

	// Fixed-width timestamp so sort keys order lexicographically.
	sortableTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore is the hosted Store backend: one item per turn or event, keyed
// so each append is a single conditional PutItem. There is no
// read-modify-write cycle anywhere, so concurrent appends to the same phone
// number cannot lose entries.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

// NewDynamoStore creates a DynamoStore over the given table.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func phonePK(phoneNumber string) string {
	return pkPrefixPhone + phoneNumber
}

func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(sortableTimeLayout) + "#" + uuid.NewString()
}

func eventSK(ts time.Time) string {
	return skPrefixEvent + ts.UTC().Format(sortableTimeLayout) + "#" + uuid.NewString()
}

func (s *DynamoStore) AppendTurn(ctx context.Context, phoneNumber string, turn domain.ConversationTurn) error {
	if strings.TrimSpace(phoneNumber) == "" {
		return errors.New("repository: AppendTurn: phone number is required")
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: phonePK(phoneNumber)},
			"SK":      &types.AttributeValueMemberS{Value: turnSK(ts)},
			"ts":      &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339Nano)},
			"role":    &types.AttributeValueMemberS{Value: turn.Role},
			"message": &types.AttributeValueMemberS{Value: turn.Message},
			"intent":  &types.AttributeValueMemberS{Value: turn.Intent},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListTurns(ctx context.Context, phoneNumber string) ([]domain.ConversationTurn, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: phonePK(phoneNumber)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}

	turns := make([]domain.ConversationTurn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *DynamoStore) AppendEvent(ctx context.Context, event domain.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":            &types.AttributeValueMemberS{Value: pkEventLog},
			"SK":            &types.AttributeValueMemberS{Value: eventSK(event.ReceivedAt)},
			"id":            &types.AttributeValueMemberS{Value: event.ID},
			"type":          &types.AttributeValueMemberS{Value: string(event.Type)},
			"received_at":   &types.AttributeValueMemberS{Value: event.ReceivedAt.UTC().Format(time.RFC3339Nano)},
			"source_number": &types.AttributeValueMemberS{Value: event.SourceNumber},
			"content":       &types.AttributeValueMemberS{Value: event.Content},
			"status":        &types.AttributeValueMemberS{Value: event.Status},
			"message_id":    &types.AttributeValueMemberS{Value: event.MessageID},
			"reply":         &types.AttributeValueMemberS{Value: event.Reply},
			"intent":        &types.AttributeValueMemberS{Value: event.Intent},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendEvent: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListEvents(ctx context.Context, sourceNumber string) ([]domain.WebhookEvent, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkEventLog},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if sourceNumber != "" {
		in.FilterExpression = aws.String("source_number = :src")
		in.ExpressionAttributeValues[":src"] = &types.AttributeValueMemberS{Value: sourceNumber}
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListEvents query: %w", err)
	}

	events := make([]domain.WebhookEvent, 0, len(out.Items))
	for _, item := range out.Items {
		ev, err := itemToEvent(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListEvents unmarshal: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// PruneBefore scans for turn and event items whose sort key predates cutoff
// and deletes them one by one. Retention runs off the request path, so the
// scan cost is acceptable.
func (s *DynamoStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	mark := cutoff.UTC().Format(sortableTimeLayout)

	deleted, err := s.pruneMatching(ctx, skPrefixTurn, skPrefixTurn+mark)
	if err != nil {
		return deleted, err
	}
	more, err := s.pruneMatching(ctx, skPrefixEvent, skPrefixEvent+mark)
	return deleted + more, err
}

func (s *DynamoStore) pruneMatching(ctx context.Context, skPrefix, skCutoff string) (int64, error) {
	var deleted int64
	var startKey map[string]types.AttributeValue

	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("begins_with(SK, :prefix) AND SK < :cutoff"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: skPrefix},
				":cutoff": &types.AttributeValueMemberS{Value: skCutoff},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return deleted, fmt.Errorf("repository: PruneBefore scan: %w", err)
		}

		for _, item := range out.Items {
			_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": item["PK"],
					"SK": item["SK"],
				},
			})
			if err != nil {
				return deleted, fmt.Errorf("repository: PruneBefore delete: %w", err)
			}
			deleted++
		}

		if len(out.LastEvaluatedKey) == 0 {
			return deleted, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Close is a no-op; the underlying SDK client owns no local resources.
func (s *DynamoStore) Close() error { return nil }

func itemToTurn(item map[string]types.AttributeValue) (domain.ConversationTurn, error) {
	ts, err := strAttr(item, "ts")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	message, err := strAttr(item, "message")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	intent, _ := strAttr(item, "intent") // allow empty

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("parse ts: %w", err)
	}
	return domain.ConversationTurn{
		Timestamp: parsed,
		Role:      role,
		Message:   message,
		Intent:    intent,
	}, nil
}

func itemToEvent(item map[string]types.AttributeValue) (domain.WebhookEvent, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	typ, err := strAttr(item, "type")
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	received, err := strAttr(item, "received_at")
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, received)
	if err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("parse received_at: %w", err)
	}

	source, _ := strAttr(item, "source_number")
	content, _ := strAttr(item, "content")
	status, _ := strAttr(item, "status")
	messageID, _ := strAttr(item, "message_id")
	reply, _ := strAttr(item, "reply")
	intent, _ := strAttr(item, "intent")

	return domain.WebhookEvent{
		ID:           id,
		Type:         domain.EventType(typ),
		ReceivedAt:   parsed,
		SourceNumber: source,
		Content:      content,
		Status:       status,
		MessageID:    messageID,
		Reply:        reply,
		Intent:       intent,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
