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

package nodeflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/model"
)

const (
	nodeExecutionPriority = 10
	pollPriority          = 5
)

// enqueue validates payload and stores it as a pending queue entry due at notBefore.
func (n *Nodeflow) enqueue(ctx context.Context, payload model.TaskPayload, priority int, notBefore time.Time) (int64, error) {
	if err := payload.Validate(); err != nil {
		return 0, fmt.Errorf("invalid %s payload: %w", payload.TaskType(), err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return n.datasource.EnqueueTask(ctx, model.QueueEntry{
		TaskType:    payload.TaskType(),
		Payload:     raw,
		Priority:    priority,
		ScheduledAt: notBefore,
		MaxAttempts: n.config.Worker.MaxAttempts,
		CreatedAt:   n.now(),
	})
}

// EnqueueNodeExecution queues a run of task, not before notBefore.
func (n *Nodeflow) EnqueueNodeExecution(ctx context.Context, task model.NodeTask, notBefore time.Time) (int64, error) {
	return n.enqueue(ctx, model.NodeExecutionPayload{
		ExecutionID: task.ExecutionID,
		TaskID:      task.ID,
		NodeID:      task.NodeID,
		NodeType:    task.NodeType,
	}, nodeExecutionPriority, notBefore)
}

func (n *Nodeflow) enqueuePoll(ctx context.Context, payload model.PollStatusPayload, notBefore time.Time) (int64, error) {
	return n.enqueue(ctx, payload, pollPriority, notBefore)
}

// QueueStats counts queue entries by status.
func (n *Nodeflow) QueueStats(ctx context.Context) (model.QueueStats, error) {
	return n.datasource.GetQueueStats(ctx)
}

// failQueueTask records a failed attempt of entry. Retryable failures go back to pending after the
// configured retry delay while attempts remain; when the entry ends failed the failure is carried to
// its node task and execution.
func (n *Nodeflow) failQueueTask(ctx context.Context, entry model.QueueEntry, cause error, retryable bool) error {
	var (
		updated *model.QueueEntry
		err     error
	)
	if retryable {
		updated, err = n.datasource.FailQueueTask(ctx, entry.ID, cause.Error(), n.now().Add(n.config.Worker.RetryDelay))
	} else {
		updated, err = n.datasource.AbandonQueueTask(ctx, entry.ID, cause.Error())
	}
	if err != nil {
		return err
	}
	if updated == nil || updated.Status != model.QueueStatusFailed {
		return nil
	}
	n.propagateQueueFailure(ctx, model.QueueFailure{Entry: *updated, Error: cause.Error()})
	return nil
}

// ReleaseStaleLocks returns entries whose claim outlived the stale lock timeout to pending. Entries
// that ran out of attempts are failed along with their node task and execution.
func (n *Nodeflow) ReleaseStaleLocks(ctx context.Context) (int, error) {
	failed, err := n.datasource.ReleaseStaleQueueLocks(ctx, n.now().Add(-n.config.Worker.StaleLockTimeout))
	if err != nil {
		return 0, err
	}
	for _, entry := range failed {
		n.propagateQueueFailure(ctx, model.QueueFailure{Entry: entry, Error: entry.LastError})
	}
	return len(failed), nil
}

func (n *Nodeflow) propagateQueueFailure(ctx context.Context, failure model.QueueFailure) {
	logger := logrus.WithFields(logrus.Fields{"queue_task_id": failure.Entry.ID, "task_type": failure.Entry.TaskType})

	payload, err := failure.Entry.Decode()
	if err != nil {
		logger.Errorf("failed queue entry has an unreadable payload: %v", err)
		return
	}

	var taskID, executionID int64
	switch p := payload.(type) {
	case model.NodeExecutionPayload:
		taskID, executionID = p.TaskID, p.ExecutionID
	case model.PollStatusPayload:
		taskID, executionID = p.NodeTaskID, p.ExecutionID
	}

	if err := n.failNode(ctx, taskID, executionID, failure.Error); err != nil {
		logger.Errorf("failed to propagate queue failure: %v", err)
	}
}

// failNode fails a node task and its execution with msg and refunds the credits the node still
// holds. A node that already completed, or that was replaced by a later iteration, leaves the
// execution alone.
func (n *Nodeflow) failNode(ctx context.Context, taskID, executionID int64, msg string) error {
	logger := logrus.WithFields(logrus.Fields{"execution_id": executionID, "node_task_id": taskID})

	task, err := n.datasource.GetNodeTask(ctx, taskID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			logger.Info("node task no longer exists, skipping failure propagation")
			return nil
		}
		return err
	}
	if task.Status == model.NodeStatusCompleted {
		return nil
	}

	if _, err := n.datasource.FailNodeTask(ctx, task.ID, msg, n.now()); err != nil {
		return err
	}

	exec, err := n.datasource.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	n.refundNodeTask(ctx, exec.UserID, *task)

	failed, err := n.datasource.FailExecution(ctx, executionID, fmt.Sprintf("Node %s failed: %s", task.NodeID, msg))
	if err != nil {
		return err
	}
	if failed {
		logger.WithField("node_id", task.NodeID).Warnf("execution failed: %s", msg)
		n.sendExecutionEvent(ctx, executionID)
	}
	return nil
}
