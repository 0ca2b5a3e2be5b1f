// Package msglog is the append-only conversation log. Rows feed the
// "recent context" window injected into engine prompts; they are never
// mutated and only leave through the retention sweep.
package msglog

import (
	"database/sql"
	"fmt"
	"time"
)

// BobID is the process-wide identity discriminator.
const BobID = "bob"

// Role constants for the message author.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one logged chat message.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int64     `json:"thread_id,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store handles message persistence over messages.db.
type Store struct {
	db *sql.DB
}

// NewStore creates a message log with a SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB wraps an existing database handle.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bob_id TEXT NOT NULL DEFAULT 'bob',
		chat_id INTEGER NOT NULL,
		thread_id INTEGER NOT NULL DEFAULT 0,
		message_id INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, thread_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append logs a message. createdAt defaults to now.
func (s *Store) Append(m Message) (*Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (bob_id, chat_id, thread_id, message_id, role, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, BobID, m.ChatID, m.ThreadID, m.MessageID, m.Role, m.Text, formatTime(m.CreatedAt))
	if err != nil {
		return nil, err
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Recent returns the newest limit messages for a conversation, oldest
// first (ready for prompt injection).
func (s *Store) Recent(chatID, threadID int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, chat_id, thread_id, message_id, role, text, created_at
		FROM (
			SELECT id, chat_id, thread_id, message_id, role, text, created_at
			FROM messages
			WHERE chat_id = ? AND thread_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, chatID, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ThreadID, &m.MessageID, &m.Role, &m.Text, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes messages past the retention window, returning
// the number removed.
func (s *Store) PruneOlderThan(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := s.db.Exec(`DELETE FROM messages WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Timestamps are stored in UTC with zero-padded nanoseconds so lexical
// ordering in SQL matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
