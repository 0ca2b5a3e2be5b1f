package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store handles event persistence over events.db.
type Store struct {
	db *sql.DB
}

// NewStore creates an event store with a SQLite backend.
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
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bob_id TEXT NOT NULL DEFAULT 'bob',
		chat_id INTEGER NOT NULL,
		thread_id INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		claimed_at TEXT,
		claim_token TEXT,
		processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_pending ON events(processed_at, claimed_at);
	CREATE INDEX IF NOT EXISTS idx_events_token ON events(claim_token);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewClaimToken generates a fresh claim token (UUIDv7, v4 fallback).
func NewClaimToken() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Add enqueues an event. A payload that cannot serialize is stored as
// an empty object rather than failing the enqueue.
func (s *Store) Add(in AddInput) (*Event, error) {
	now := time.Now()
	payload := "{}"
	if len(in.Payload) > 0 {
		if b, err := json.Marshal(in.Payload); err == nil {
			payload = string(b)
		}
	}

	res, err := s.db.Exec(`
		INSERT INTO events (bob_id, chat_id, thread_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, BobID, in.ChatID, in.ThreadID, in.Kind, payload, formatTime(now))
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Get retrieves an event by ID.
func (s *Store) Get(id int64) (*Event, error) {
	row := s.db.QueryRow(selectCols+` FROM events WHERE id = ?`, id)
	return scanEvent(row.Scan)
}

// List returns events in insertion order, optionally including
// processed rows.
func (s *Store) List(opts ListOptions) ([]*Event, error) {
	q := selectCols + ` FROM events`
	if !opts.IncludeProcessed {
		q += ` WHERE processed_at IS NULL`
	}
	q += ` ORDER BY id`

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// CountPending counts rows that a Claim at the same instant would
// take: unprocessed and either unclaimed or stale-claimed.
func (s *Store) CountPending(now time.Time, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	staleBefore := now.Add(-staleAfter)

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM events
		WHERE processed_at IS NULL
		  AND (claimed_at IS NULL OR claimed_at <= ?)
	`, formatTime(staleBefore)).Scan(&n)
	return n, err
}

// Claim transactionally stamps up to limit pending rows with a fresh
// claim token and returns them. The token scopes the later Ack or
// Release without the dispatcher carrying row IDs.
func (s *Store) Claim(opts ClaimOptions) (string, []*Event, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	staleBefore := now.Add(-opts.StaleAfter)
	token := NewClaimToken()

	tx, err := s.db.Begin()
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE events SET claimed_at = ?, claim_token = ?
		WHERE id IN (
			SELECT id FROM events
			WHERE processed_at IS NULL
			  AND (claimed_at IS NULL OR claimed_at <= ?)
			ORDER BY id
			LIMIT ?
		)
	`, formatTime(now), token, formatTime(staleBefore), opts.Limit)
	if err != nil {
		return "", nil, err
	}

	rows, err := tx.Query(selectCols+`
		FROM events WHERE bob_id = ? AND claim_token = ? AND processed_at IS NULL
		ORDER BY id
	`, BobID, token)
	if err != nil {
		return "", nil, err
	}
	claimed, err := collectEvents(rows)
	if err != nil {
		return "", nil, err
	}

	if err := tx.Commit(); err != nil {
		return "", nil, err
	}
	return token, claimed, nil
}

// Ack marks every row carrying the token as processed. At-least-once:
// acking an already-released token is a silent no-op.
func (s *Store) Ack(token string) error {
	if token == "" {
		return nil
	}
	_, err := s.db.Exec(`
		UPDATE events SET processed_at = ?
		WHERE bob_id = ? AND claim_token = ? AND processed_at IS NULL
	`, formatTime(time.Now()), BobID, token)
	return err
}

// Release returns the token's rows to pending. Releasing a token with
// no rows is a silent no-op.
func (s *Store) Release(token string) error {
	if token == "" {
		return nil
	}
	_, err := s.db.Exec(`
		UPDATE events SET claimed_at = NULL, claim_token = NULL
		WHERE bob_id = ? AND claim_token = ? AND processed_at IS NULL
	`, BobID, token)
	return err
}

// PruneProcessedOlderThan deletes processed rows past the retention
// window, returning the number removed.
func (s *Store) PruneProcessedOlderThan(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := s.db.Exec(`
		DELETE FROM events WHERE processed_at IS NOT NULL AND processed_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const selectCols = `SELECT id, chat_id, thread_id, kind, payload, created_at,
	claimed_at, claim_token, processed_at`

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(scan func(...any) error) (*Event, error) {
	var e Event
	var payload, createdAt string
	var claimedAt, claimToken, processedAt sql.NullString

	err := scan(&e.ID, &e.ChatID, &e.ThreadID, &e.Kind, &payload, &createdAt,
		&claimedAt, &claimToken, &processedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		e.Payload = map[string]any{}
	}
	e.CreatedAt, _ = parseTime(createdAt)
	if claimedAt.Valid {
		if t, err := parseTime(claimedAt.String); err == nil {
			e.ClaimedAt = &t
		}
	}
	if claimToken.Valid {
		e.ClaimToken = claimToken.String
	}
	if processedAt.Valid {
		if t, err := parseTime(processedAt.String); err == nil {
			e.ProcessedAt = &t
		}
	}
	return &e, nil
}

// Timestamps are stored in UTC with zero-padded nanoseconds so lexical
// ordering in SQL matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
