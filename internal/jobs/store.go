package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobd/bob/internal/schedule"
)

// Store handles job persistence over jobs.db.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store with a SQLite backend.
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

// NewStoreWithDB wraps an existing database handle. Used by tests,
// which open with the pure-Go driver.
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
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bob_id TEXT NOT NULL DEFAULT 'bob',
		chat_id INTEGER NOT NULL,
		thread_id INTEGER NOT NULL DEFAULT 0,
		schedule_kind TEXT NOT NULL,
		schedule_spec TEXT NOT NULL,
		job_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		next_run_at TEXT,
		last_run_at TEXT,
		context_mode TEXT NOT NULL DEFAULT 'session',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(enabled, next_run_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_chat ON jobs(chat_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add computes the first run time and persists a new job. Returns
// schedule.ErrInvalidSchedule (wrapped) when the kind or spec cannot
// produce a next-run time.
func (s *Store) Add(in AddInput) (*Job, error) {
	now := time.Now().UTC()
	next, err := schedule.NextRun(in.ScheduleKind, in.ScheduleSpec, now)
	if err != nil {
		return nil, err
	}

	if in.ContextMode == "" {
		in.ContextMode = ContextSession
	}
	payload, err := marshalPayload(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO jobs (bob_id, chat_id, thread_id, schedule_kind, schedule_spec,
			job_type, payload, enabled, next_run_at, last_run_at, context_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, NULL, ?, ?)
	`, BobID, in.ChatID, in.ThreadID, string(in.ScheduleKind), in.ScheduleSpec,
		string(in.JobType), payload, formatTime(next), string(in.ContextMode), formatTime(now))
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Get retrieves a job by ID.
func (s *Store) Get(id int64) (*Job, error) {
	row := s.db.QueryRow(selectCols+` FROM jobs WHERE id = ?`, id)
	return scanJob(row.Scan)
}

// List returns all jobs ordered by id.
func (s *Store) List() ([]*Job, error) {
	return s.query(selectCols + ` FROM jobs ORDER BY id`)
}

// ListForChat returns a chat's jobs ordered by next run time.
func (s *Store) ListForChat(chatID int64) ([]*Job, error) {
	return s.query(selectCols+` FROM jobs WHERE chat_id = ? ORDER BY next_run_at`, chatID)
}

// Remove deletes a job, reporting whether a row existed.
func (s *Store) Remove(id int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimDue transactionally selects due jobs in next_run_at order and,
// inside the same transaction, disables one-shot ("at") rows so no
// concurrent claimant can return them again. That flip is the only
// mechanism preventing duplicate delivery of one-shot jobs; recurring
// rows stay enabled and are rescheduled after execution.
func (s *Store) ClaimDue(opts ClaimOptions) ([]*Job, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(selectCols+`
		FROM jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC
		LIMIT ?
	`, formatTime(now), opts.Limit)
	if err != nil {
		return nil, err
	}
	claimed, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	for _, j := range claimed {
		if j.ScheduleKind != schedule.KindAt {
			continue
		}
		if _, err := tx.Exec(`UPDATE jobs SET enabled = 0 WHERE id = ?`, j.ID); err != nil {
			return nil, fmt.Errorf("disable one-shot %d: %w", j.ID, err)
		}
		j.Enabled = false
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateAfterRun writes back a job's post-execution state. Idempotent:
// replaying the same writeback leaves the row unchanged.
func (s *Store) UpdateAfterRun(in UpdateAfterRunInput) error {
	enabled := 0
	if in.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(`
		UPDATE jobs SET last_run_at = ?, next_run_at = ?, enabled = ?
		WHERE id = ?
	`, formatTimePtr(in.LastRunAt), formatTimePtr(in.NextRunAt), enabled, in.ID)
	return err
}

// NextRunAt returns the earliest next_run_at across enabled jobs, or
// nil when nothing is scheduled.
func (s *Store) NextRunAt() (*time.Time, error) {
	var next sql.NullString
	err := s.db.QueryRow(`
		SELECT MIN(next_run_at) FROM jobs WHERE enabled = 1 AND next_run_at IS NOT NULL
	`).Scan(&next)
	if err != nil {
		return nil, err
	}
	if !next.Valid || next.String == "" {
		return nil, nil
	}
	t, err := parseTime(next.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const selectCols = `SELECT id, chat_id, thread_id, schedule_kind, schedule_spec,
	job_type, payload, enabled, next_run_at, last_run_at, context_mode, created_at`

func (s *Store) query(q string, args ...any) ([]*Job, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var payload, createdAt string
	var nextRun, lastRun sql.NullString
	var enabled int

	err := scan(&j.ID, &j.ChatID, &j.ThreadID, (*string)(&j.ScheduleKind), &j.ScheduleSpec,
		(*string)(&j.JobType), &payload, &enabled, &nextRun, &lastRun,
		(*string)(&j.ContextMode), &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		j.Payload = map[string]any{}
	}
	j.Enabled = enabled == 1
	j.CreatedAt, _ = parseTime(createdAt)
	if nextRun.Valid {
		if t, err := parseTime(nextRun.String); err == nil {
			j.NextRunAt = &t
		}
	}
	if lastRun.Valid {
		if t, err := parseTime(lastRun.String); err == nil {
			j.LastRunAt = &t
		}
	}
	return &j, nil
}

func marshalPayload(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Timestamps are stored in UTC with zero-padded nanoseconds so lexical
// ordering in SQL matches chronological ordering. (RFC3339Nano strips
// trailing zeros, which breaks string comparison.)
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
