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
package mocks

import (
	"context"
	"time"

	"github.com/nodeflow/nodeflow/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Queue methods

func (m *MockDataSource) EnqueueTask(ctx context.Context, entry model.QueueEntry) (int64, error) {
	args := m.Called(ctx, entry)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) ClaimQueueBatch(ctx context.Context, limit int, workerID string, now time.Time) ([]model.QueueEntry, error) {
	args := m.Called(ctx, limit, workerID, now)
	entries, _ := args.Get(0).([]model.QueueEntry)
	return entries, args.Error(1)
}

func (m *MockDataSource) ReleaseStaleQueueLocks(ctx context.Context, lockedBefore time.Time) ([]model.QueueEntry, error) {
	args := m.Called(ctx, lockedBefore)
	entries, _ := args.Get(0).([]model.QueueEntry)
	return entries, args.Error(1)
}

func (m *MockDataSource) CompleteQueueTask(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) FailQueueTask(ctx context.Context, id int64, errMsg string, retryAt time.Time) (*model.QueueEntry, error) {
	args := m.Called(ctx, id, errMsg, retryAt)
	entry, _ := args.Get(0).(*model.QueueEntry)
	return entry, args.Error(1)
}

func (m *MockDataSource) AbandonQueueTask(ctx context.Context, id int64, errMsg string) (*model.QueueEntry, error) {
	args := m.Called(ctx, id, errMsg)
	entry, _ := args.Get(0).(*model.QueueEntry)
	return entry, args.Error(1)
}

func (m *MockDataSource) HasActiveNodeExecution(ctx context.Context, nodeTaskID int64) (bool, error) {
	args := m.Called(ctx, nodeTaskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetQueueStats(ctx context.Context) (model.QueueStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.QueueStats), args.Error(1)
}

func (m *MockDataSource) GetQueueTask(ctx context.Context, id int64) (*model.QueueEntry, error) {
	args := m.Called(ctx, id)
	entry, _ := args.Get(0).(*model.QueueEntry)
	return entry, args.Error(1)
}

// Node task methods

func (m *MockDataSource) GetNodeTask(ctx context.Context, id int64) (*model.NodeTask, error) {
	args := m.Called(ctx, id)
	task, _ := args.Get(0).(*model.NodeTask)
	return task, args.Error(1)
}

func (m *MockDataSource) GetNodeTasksByExecution(ctx context.Context, executionID int64) ([]model.NodeTask, error) {
	args := m.Called(ctx, executionID)
	tasks, _ := args.Get(0).([]model.NodeTask)
	return tasks, args.Error(1)
}

func (m *MockDataSource) MarkNodeTaskQueued(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) MarkNodeTaskProcessing(ctx context.Context, id int64, staleBefore time.Time, creditsCharged int64, now time.Time) (bool, error) {
	args := m.Called(ctx, id, staleBefore, creditsCharged, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) CompleteNodeTask(ctx context.Context, id int64, result model.NodeTaskResult, now time.Time) (bool, error) {
	args := m.Called(ctx, id, result, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) SetNodeTaskExternalID(ctx context.Context, id int64, externalTaskID string, output map[string]interface{}) (bool, error) {
	args := m.Called(ctx, id, externalTaskID, output)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ReleaseNodeTask(ctx context.Context, id int64, errMsg string) (bool, error) {
	args := m.Called(ctx, id, errMsg)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FailNodeTask(ctx context.Context, id int64, errMsg string, now time.Time) (bool, error) {
	args := m.Called(ctx, id, errMsg, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) TakeNodeTaskCredits(ctx context.Context, id int64) (int64, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(int64), args.Error(1)
}

// Execution methods

func (m *MockDataSource) CreateExecution(ctx context.Context, exec model.WorkflowExecution, tasks []model.NodeTask) (*model.WorkflowExecution, error) {
	args := m.Called(ctx, exec, tasks)
	created, _ := args.Get(0).(*model.WorkflowExecution)
	return created, args.Error(1)
}

func (m *MockDataSource) GetExecution(ctx context.Context, id int64) (*model.WorkflowExecution, error) {
	args := m.Called(ctx, id)
	exec, _ := args.Get(0).(*model.WorkflowExecution)
	return exec, args.Error(1)
}

func (m *MockDataSource) StartNextIteration(ctx context.Context, executionID int64, fromIteration int, outputs []model.IterationOutput, clones []model.NodeTask) (bool, error) {
	args := m.Called(ctx, executionID, fromIteration, outputs, clones)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FinishExecution(ctx context.Context, id int64, finish model.ExecutionFinish) (bool, error) {
	args := m.Called(ctx, id, finish)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FailExecution(ctx context.Context, id int64, errMsg string) (bool, error) {
	args := m.Called(ctx, id, errMsg)
	return args.Bool(0), args.Error(1)
}

// Credit methods

func (m *MockDataSource) GetAvailableCreditEntries(ctx context.Context, userID int64, today time.Time) ([]model.CreditLedgerEntry, error) {
	args := m.Called(ctx, userID, today)
	entries, _ := args.Get(0).([]model.CreditLedgerEntry)
	return entries, args.Error(1)
}

func (m *MockDataSource) DeductCreditEntry(ctx context.Context, entryID int64, amount int64) (bool, error) {
	args := m.Called(ctx, entryID, amount)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GrantCredits(ctx context.Context, entry model.CreditLedgerEntry) (int64, error) {
	args := m.Called(ctx, entry)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) RecordCreditTransaction(ctx context.Context, txn model.CreditTransaction) (int64, error) {
	args := m.Called(ctx, txn)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) GetCreditTransactions(ctx context.Context, userID int64) ([]model.CreditTransaction, error) {
	args := m.Called(ctx, userID)
	txns, _ := args.Get(0).([]model.CreditTransaction)
	return txns, args.Error(1)
}

// Workflow methods

func (m *MockDataSource) CreateWorkflow(ctx context.Context, wf model.Workflow) (*model.Workflow, error) {
	args := m.Called(ctx, wf)
	created, _ := args.Get(0).(*model.Workflow)
	return created, args.Error(1)
}

func (m *MockDataSource) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	args := m.Called(ctx, id)
	wf, _ := args.Get(0).(*model.Workflow)
	return wf, args.Error(1)
}

// Gallery methods

func (m *MockDataSource) InsertGalleryEntry(ctx context.Context, entry model.GalleryEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetGalleryEntries(ctx context.Context, executionID int64) ([]model.GalleryEntry, error) {
	args := m.Called(ctx, executionID)
	entries, _ := args.Get(0).([]model.GalleryEntry)
	return entries, args.Error(1)
}
