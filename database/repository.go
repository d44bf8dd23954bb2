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
	"time"

	"github.com/nodeflow/nodeflow/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	taskQueue // Durable work queue
	nodeTask  // Per-node execution records
	execution // Workflow executions
	credit    // Credit ledger and audit log
	workflow  // Saved workflow graphs
	gallery   // Produced artifacts
}

// taskQueue defines methods for the durable task queue.
type taskQueue interface {
	EnqueueTask(ctx context.Context, entry model.QueueEntry) (int64, error)                                     // Inserts a pending entry
	ClaimQueueBatch(ctx context.Context, limit int, workerID string, now time.Time) ([]model.QueueEntry, error) // Atomically claims due entries
	ReleaseStaleQueueLocks(ctx context.Context, lockedBefore time.Time) ([]model.QueueEntry, error)             // Requeues expired claims, returns entries that became failed
	CompleteQueueTask(ctx context.Context, id int64) error                                                      // Marks an entry completed
	FailQueueTask(ctx context.Context, id int64, errMsg string, retryAt time.Time) (*model.QueueEntry, error)   // Retries or terminally fails an entry
	AbandonQueueTask(ctx context.Context, id int64, errMsg string) (*model.QueueEntry, error)                   // Terminally fails an entry without retry
	HasActiveNodeExecution(ctx context.Context, nodeTaskID int64) (bool, error)                                 // Reports a pending or processing node_execution entry for the node task
	GetQueueStats(ctx context.Context) (model.QueueStats, error)                                                // Counts entries by status
	GetQueueTask(ctx context.Context, id int64) (*model.QueueEntry, error)                                      // Retrieves an entry by ID
}

// nodeTask defines methods for node task records. Every transition is conditional on the
// expected prior state and reports whether the row changed.
type nodeTask interface {
	GetNodeTask(ctx context.Context, id int64) (*model.NodeTask, error)
	GetNodeTasksByExecution(ctx context.Context, executionID int64) ([]model.NodeTask, error)
	MarkNodeTaskQueued(ctx context.Context, id int64) (bool, error)
	MarkNodeTaskProcessing(ctx context.Context, id int64, staleBefore time.Time, creditsCharged int64, now time.Time) (bool, error)
	CompleteNodeTask(ctx context.Context, id int64, result model.NodeTaskResult, now time.Time) (bool, error)
	SetNodeTaskExternalID(ctx context.Context, id int64, externalTaskID string, output map[string]interface{}) (bool, error)
	ReleaseNodeTask(ctx context.Context, id int64, errMsg string) (bool, error)
	FailNodeTask(ctx context.Context, id int64, errMsg string, now time.Time) (bool, error)
	TakeNodeTaskCredits(ctx context.Context, id int64) (int64, error)
}

// execution defines methods for workflow executions.
type execution interface {
	CreateExecution(ctx context.Context, exec model.WorkflowExecution, tasks []model.NodeTask) (*model.WorkflowExecution, error)
	GetExecution(ctx context.Context, id int64) (*model.WorkflowExecution, error)
	StartNextIteration(ctx context.Context, executionID int64, fromIteration int, outputs []model.IterationOutput, clones []model.NodeTask) (bool, error)
	FinishExecution(ctx context.Context, id int64, finish model.ExecutionFinish) (bool, error)
	FailExecution(ctx context.Context, id int64, errMsg string) (bool, error)
}

// credit defines methods for the credit ledger.
type credit interface {
	GetAvailableCreditEntries(ctx context.Context, userID int64, today time.Time) ([]model.CreditLedgerEntry, error)
	DeductCreditEntry(ctx context.Context, entryID int64, amount int64) (bool, error)
	GrantCredits(ctx context.Context, entry model.CreditLedgerEntry) (int64, error)
	RecordCreditTransaction(ctx context.Context, txn model.CreditTransaction) (int64, error)
	GetCreditTransactions(ctx context.Context, userID int64) ([]model.CreditTransaction, error)
}

// workflow defines methods for saved workflows.
type workflow interface {
	CreateWorkflow(ctx context.Context, wf model.Workflow) (*model.Workflow, error)
	GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error)
}

// gallery defines methods for produced artifacts.
type gallery interface {
	InsertGalleryEntry(ctx context.Context, entry model.GalleryEntry) error
	GetGalleryEntries(ctx context.Context, executionID int64) ([]model.GalleryEntry, error)
}
