// Package jobs is the persistence layer for scheduled jobs.
package jobs

import (
	"time"

	"github.com/bobd/bob/internal/schedule"
)

// BobID is the process-wide identity discriminator. Single-user today;
// the column exists so the schema admits tenancy without migration.
const BobID = "bob"

// Type identifies what a job does when it fires.
type Type string

const (
	// TypeSendMessage delivers literal text to the chat.
	TypeSendMessage Type = "send_message"
	// TypeAgentTurn invokes the engine with a scheduled-reminder prompt.
	TypeAgentTurn Type = "agent_turn"
	// TypeScript runs an executable under the scripts root.
	TypeScript Type = "script"
)

// ContextMode controls how much conversation state an agent_turn sees.
type ContextMode string

const (
	// ContextSession loads the chat's resume token and recent log.
	ContextSession ContextMode = "session"
	// ContextIsolated runs the turn with no conversation context.
	ContextIsolated ContextMode = "isolated"
)

// Job is one scheduled unit of work.
type Job struct {
	ID           int64          `json:"id"`
	ChatID       int64          `json:"chat_id"`
	ThreadID     int64          `json:"thread_id,omitempty"`
	ScheduleKind schedule.Kind  `json:"schedule_kind"`
	ScheduleSpec string         `json:"schedule_spec"`
	JobType      Type           `json:"job_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Enabled      bool           `json:"enabled"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	ContextMode  ContextMode    `json:"context_mode"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SystemChatID marks jobs that belong to the daemon itself (retention
// sweeps and the like). System jobs must never notify users.
const SystemChatID = 0

// IsSystem reports whether the job is a system job.
func (j *Job) IsSystem() bool { return j.ChatID == SystemChatID }

// PayloadString returns a string payload field, or "" when absent.
func (j *Job) PayloadString(key string) string {
	if j.Payload == nil {
		return ""
	}
	s, _ := j.Payload[key].(string)
	return s
}

// PayloadBool returns a boolean payload field, false when absent.
func (j *Job) PayloadBool(key string) bool {
	if j.Payload == nil {
		return false
	}
	b, _ := j.Payload[key].(bool)
	return b
}

// AddInput carries the fields callers supply when creating a job.
type AddInput struct {
	ChatID       int64
	ThreadID     int64
	ScheduleKind schedule.Kind
	ScheduleSpec string
	JobType      Type
	Payload      map[string]any
	ContextMode  ContextMode
}

// ClaimOptions bounds a ClaimDue call.
type ClaimOptions struct {
	Now   time.Time
	Limit int
}

// UpdateAfterRunInput is the post-execution writeback.
type UpdateAfterRunInput struct {
	ID        int64
	LastRunAt *time.Time
	NextRunAt *time.Time
	Enabled   bool
}
