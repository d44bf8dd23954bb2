/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/model"
)

const queueColumns = `id, task_type, payload, status, priority, scheduled_at, locked_at, locked_by, attempts, max_attempts, last_error, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueEntry(row rowScanner) (model.QueueEntry, error) {
	var entry model.QueueEntry
	var payload []byte
	var lockedBy, lastError sql.NullString
	var lockedAt sql.NullTime

	err := row.Scan(
		&entry.ID,
		&entry.TaskType,
		&payload,
		&entry.Status,
		&entry.Priority,
		&entry.ScheduledAt,
		&lockedAt,
		&lockedBy,
		&entry.Attempts,
		&entry.MaxAttempts,
		&lastError,
		&entry.CreatedAt,
	)
	if err != nil {
		return entry, err
	}

	entry.Payload = payload
	entry.LockedBy = lockedBy.String
	entry.LastError = lastError.String
	if lockedAt.Valid {
		entry.LockedAt = &lockedAt.Time
	}
	return entry, nil
}

func scanQueueEntries(rows *sql.Rows) ([]model.QueueEntry, error) {
	var entries []model.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan queue entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over queue entries", err)
	}
	return entries, nil
}

// EnqueueTask inserts a pending queue entry and returns its id.
func (d Datasource) EnqueueTask(ctx context.Context, entry model.QueueEntry) (int64, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Enqueue task")
	defer span.End()

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	scheduledAt := entry.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = createdAt
	}

	var id int64
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO nodeflow.task_queue (task_type, payload, status, priority, scheduled_at, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		RETURNING id
	`, entry.TaskType, []byte(entry.Payload), model.QueueStatusPending, entry.Priority, scheduledAt, entry.MaxAttempts, createdAt).Scan(&id)
	if err != nil {
		return 0, mapWriteError(err, "Failed to enqueue task")
	}
	return id, nil
}

// ClaimQueueBatch claims up to limit due pending entries for workerID.
// The claim is a single UPDATE over a SKIP LOCKED subselect, so concurrent workers never
// receive the same row. RETURNING reads back exactly the rows this statement locked.
func (d Datasource) ClaimQueueBatch(ctx context.Context, limit int, workerID string, now time.Time) ([]model.QueueEntry, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Claim queue batch")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE nodeflow.task_queue
		SET status = $1, locked_at = $2, locked_by = $3
		WHERE id IN (
			SELECT id FROM nodeflow.task_queue
			WHERE status = $4
			  AND scheduled_at <= $2
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns,
		model.QueueStatusProcessing, now, workerID, model.QueueStatusPending, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim queue entries", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := scanQueueEntries(rows)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// ReleaseStaleQueueLocks returns processing entries locked before lockedBefore to pending with one
// more attempt. Entries whose attempts reach max_attempts become failed; those are returned.
func (d Datasource) ReleaseStaleQueueLocks(ctx context.Context, lockedBefore time.Time) ([]model.QueueEntry, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Release stale queue locks")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE nodeflow.task_queue
		SET status = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE $2 END,
			attempts = attempts + 1,
			last_error = CASE WHEN attempts + 1 >= max_attempts THEN $3 ELSE last_error END,
			locked_at = NULL,
			locked_by = NULL
		WHERE status = $4
		  AND locked_at < $5
		RETURNING `+queueColumns,
		model.QueueStatusFailed, model.QueueStatusPending, "lock expired after max attempts", model.QueueStatusProcessing, lockedBefore)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release stale queue locks", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := scanQueueEntries(rows)
	if err != nil {
		return nil, err
	}

	var failed []model.QueueEntry
	for _, entry := range entries {
		if entry.Status == model.QueueStatusFailed {
			failed = append(failed, entry)
		}
	}
	return failed, nil
}

// CompleteQueueTask marks a queue entry as completed and clears its lock.
func (d Datasource) CompleteQueueTask(ctx context.Context, id int64) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE nodeflow.task_queue
		SET status = $1, locked_at = NULL, locked_by = NULL
		WHERE id = $2
	`, model.QueueStatusCompleted, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark queue entry as completed", err)
	}
	return nil
}

// FailQueueTask records a failed attempt of a processing entry. While attempts remain the entry
// returns to pending, scheduled at retryAt; otherwise it becomes failed. It returns the updated
// entry, or nil when the entry was no longer processing.
func (d Datasource) FailQueueTask(ctx context.Context, id int64, errMsg string, retryAt time.Time) (*model.QueueEntry, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Fail queue task")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE nodeflow.task_queue
		SET status = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE $2 END,
			scheduled_at = CASE WHEN attempts + 1 >= max_attempts THEN scheduled_at ELSE $3 END,
			attempts = attempts + 1,
			last_error = $4,
			locked_at = NULL,
			locked_by = NULL
		WHERE id = $5
		  AND status = $6
		RETURNING `+queueColumns,
		model.QueueStatusFailed, model.QueueStatusPending, retryAt, errMsg, id, model.QueueStatusProcessing)

	entry, err := scanQueueEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark queue entry as failed", err)
	}
	return &entry, nil
}

// AbandonQueueTask marks a processing entry failed without further retries, returning nil when
// the entry was no longer processing.
func (d Datasource) AbandonQueueTask(ctx context.Context, id int64, errMsg string) (*model.QueueEntry, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Abandon queue task")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE nodeflow.task_queue
		SET status = $1,
			attempts = attempts + 1,
			last_error = $2,
			locked_at = NULL,
			locked_by = NULL
		WHERE id = $3
		  AND status = $4
		RETURNING `+queueColumns,
		model.QueueStatusFailed, errMsg, id, model.QueueStatusProcessing)

	entry, err := scanQueueEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to abandon queue entry", err)
	}
	return &entry, nil
}

// HasActiveNodeExecution reports whether a pending or processing node_execution entry references the node task.
func (d Datasource) HasActiveNodeExecution(ctx context.Context, nodeTaskID int64) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM nodeflow.task_queue
			WHERE task_type = $1
			  AND status IN ($2, $3)
			  AND payload->>'task_id' = $4
		)
	`, model.TaskTypeNodeExecution, model.QueueStatusPending, model.QueueStatusProcessing, strconv.FormatInt(nodeTaskID, 10)).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check queued node execution", err)
	}
	return exists, nil
}

// GetQueueStats counts queue entries by status.
func (d Datasource) GetQueueStats(ctx context.Context) (model.QueueStats, error) {
	var stats model.QueueStats
	rows, err := d.Conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM nodeflow.task_queue GROUP BY status`)
	if err != nil {
		return stats, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count queue entries", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan queue stats", err)
		}
		switch status {
		case model.QueueStatusPending:
			stats.Pending = count
		case model.QueueStatusProcessing:
			stats.Processing = count
		case model.QueueStatusCompleted:
			stats.Completed = count
		case model.QueueStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// GetQueueTask retrieves a queue entry by id.
func (d Datasource) GetQueueTask(ctx context.Context, id int64) (*model.QueueEntry, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM nodeflow.task_queue WHERE id = $1`, id)
	entry, err := scanQueueEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Queue entry with ID '%d' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve queue entry", err)
	}
	return &entry, nil
}
