package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface for pvepilot.
// Event history is intentionally absent: the broadcast feed is live only.
type Store interface {
	// Jobs
	UpsertJob(j *JobRecord) error
	GetJob(upid string) (*JobRecord, error)
	ListJobs(f JobFilter) ([]JobRecord, error)
	GetAverageJobDuration(operation string) (time.Duration, int, error)

	// Conversation memory
	AddMessage(m *MessageRecord) error
	GetHistory(threadID int64, limit int) ([]MessageRecord, error)

	// Maintenance
	Cleanup(olderThan time.Time) error
	Close() error
}

// JobRecord is the audit entry for one PVE task.
type JobRecord struct {
	UPID        string
	Node        string
	Operation   string
	State       string
	ExitStatus  string
	LastStatus  string
	Detail      string
	Polls       int
	SubmittedAt time.Time
	CompletedAt time.Time
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	State string
	Node  string
	Limit int
	Since time.Time
}

// MessageRecord is one persisted conversation turn.
// ToolCalls holds the JSON-encoded tool calls of an assistant message.
type MessageRecord struct {
	ID         int64
	ThreadID   int64
	Role       string
	Content    string
	ToolCalls  string
	ToolCallID string
	CreatedAt  time.Time
}
