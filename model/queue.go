package model

import (
	"encoding/json"
	"time"
)

// Queue task types
const (
	TaskTypeNodeExecution = "node_execution"
	TaskTypePollAPIStatus = "poll_api_status"
)

// Queue entry status constants
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// QueueEntry is a durable unit of asynchronous work claimed by workers.
type QueueEntry struct {
	ID          int64           `json:"id"`
	TaskType    string          `json:"task_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// IsTerminal reports whether the entry will never be claimed again.
func (q *QueueEntry) IsTerminal() bool {
	return q.Status == QueueStatusCompleted || q.Status == QueueStatusFailed
}

// Decode returns the typed payload of the entry.
func (q *QueueEntry) Decode() (TaskPayload, error) {
	return DecodePayload(q.TaskType, q.Payload)
}

// QueueFailure is reported when a queue entry reaches its terminal failed state,
// either through Fail or through stale lock release.
type QueueFailure struct {
	Entry QueueEntry
	Error string
}

// QueueStats summarises the queue by status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
