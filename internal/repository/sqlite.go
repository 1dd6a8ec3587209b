package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"sms-broker/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	phone_number TEXT NOT NULL,
	ts           TEXT NOT NULL,
	role         TEXT NOT NULL,
	message      TEXT NOT NULL,
	intent       TEXT NOT NULL DEFAULT '',
	seq          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_phone ON conversation_turns(phone_number, id);

CREATE TABLE IF NOT EXISTS webhook_events (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	received_at   TEXT NOT NULL,
	source_number TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT '',
	message_id    TEXT NOT NULL DEFAULT '',
	reply         TEXT NOT NULL DEFAULT '',
	intent        TEXT NOT NULL DEFAULT '',
	seq           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_source ON webhook_events(source_number, seq);
`

// SQLiteStore is the default Store backend: one local database file, WAL
// journaling, and a busy timeout so concurrent writers queue instead of
// failing. Each append is a single INSERT, so the read-modify-write race of
// shared JSON files cannot occur.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, phoneNumber string, turn domain.ConversationTurn) error {
	if strings.TrimSpace(phoneNumber) == "" {
		return errors.New("repository: AppendTurn: phone number is required")
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (phone_number, ts, role, message, intent, seq)
		VALUES (?, ?, ?, ?, ?, ?)
	`, phoneNumber, ts.UTC().Format(time.RFC3339Nano), turn.Role, turn.Message, turn.Intent, ts.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, phoneNumber string) ([]domain.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, role, message, intent
		FROM conversation_turns
		WHERE phone_number = ?
		ORDER BY id
	`, phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns: %w", err)
	}
	defer rows.Close()

	turns := []domain.ConversationTurn{}
	for rows.Next() {
		var (
			ts   string
			turn domain.ConversationTurn
		)
		if err := rows.Scan(&ts, &turn.Role, &turn.Message, &turn.Intent); err != nil {
			return nil, fmt.Errorf("repository: ListTurns scan: %w", err)
		}
		turn.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns parse timestamp: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListTurns rows: %w", err)
	}
	return turns, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event domain.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, type, received_at, source_number, content, status, message_id, reply, intent, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Type), event.ReceivedAt.UTC().Format(time.RFC3339Nano),
		event.SourceNumber, event.Content, event.Status, event.MessageID, event.Reply, event.Intent,
		event.ReceivedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("repository: AppendEvent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sourceNumber string) ([]domain.WebhookEvent, error) {
	query := `
		SELECT id, type, received_at, source_number, content, status, message_id, reply, intent
		FROM webhook_events
	`
	args := []any{}
	if sourceNumber != "" {
		query += " WHERE source_number = ?"
		args = append(args, sourceNumber)
	}
	query += " ORDER BY seq, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: ListEvents: %w", err)
	}
	defer rows.Close()

	events := []domain.WebhookEvent{}
	for rows.Next() {
		var (
			typ string
			ts  string
			ev  domain.WebhookEvent
		)
		if err := rows.Scan(&ev.ID, &typ, &ts, &ev.SourceNumber, &ev.Content, &ev.Status, &ev.MessageID, &ev.Reply, &ev.Intent); err != nil {
			return nil, fmt.Errorf("repository: ListEvents scan: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.ReceivedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("repository: ListEvents parse timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListEvents rows: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	mark := cutoff.UTC().UnixNano()

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE seq < ?`, mark)
	if err != nil {
		return 0, fmt.Errorf("repository: PruneBefore turns: %w", err)
	}
	turns, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE seq < ?`, mark)
	if err != nil {
		return turns, fmt.Errorf("repository: PruneBefore events: %w", err)
	}
	events, _ := res.RowsAffected()

	return turns + events, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
