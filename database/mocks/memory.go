package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/model"
)

// MemoryDataSource is an in-memory IDataSource with the same conditional-update semantics as the
// Postgres datasource. Every method runs under one mutex, which stands in for row locking.
type MemoryDataSource struct {
	mu sync.Mutex

	queue     map[int64]*model.QueueEntry
	nodeTasks map[int64]*model.NodeTask
	execs     map[int64]*model.WorkflowExecution
	ledger    map[int64]*model.CreditLedgerEntry
	workflows map[int64]*model.Workflow
	txns      []model.CreditTransaction
	gallery   []model.GalleryEntry
	lastID    int64

	// Now is the clock used for timestamps written by the store.
	Now func() time.Time
	// ClaimErr, when set, is returned by ClaimQueueBatch.
	ClaimErr error
	// GalleryErr, when set, is returned by InsertGalleryEntry.
	GalleryErr error
}

func NewMemoryDataSource() *MemoryDataSource {
	return &MemoryDataSource{
		queue:     make(map[int64]*model.QueueEntry),
		nodeTasks: make(map[int64]*model.NodeTask),
		execs:     make(map[int64]*model.WorkflowExecution),
		ledger:    make(map[int64]*model.CreditLedgerEntry),
		workflows: make(map[int64]*model.Workflow),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryDataSource) nextID() int64 {
	m.lastID++
	return m.lastID
}

func notFound(kind string, id int64) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s with ID '%d' not found", kind, id), nil)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func copyNodeTask(t *model.NodeTask) model.NodeTask {
	c := *t
	c.InputData = maps.Clone(t.InputData)
	c.OutputData = maps.Clone(t.OutputData)
	return c
}

func copyExecution(e *model.WorkflowExecution) model.WorkflowExecution {
	c := *e
	c.IterationOutputs = append([]model.IterationOutput(nil), e.IterationOutputs...)
	c.OutputData = maps.Clone(e.OutputData)
	return c
}

// Queue

func (m *MemoryDataSource) EnqueueTask(_ context.Context, entry model.QueueEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = m.nextID()
	entry.Status = model.QueueStatusPending
	entry.Attempts = 0
	entry.LockedAt = nil
	entry.LockedBy = ""
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.Now()
	}
	if entry.ScheduledAt.IsZero() {
		entry.ScheduledAt = entry.CreatedAt
	}
	entry.Payload = append(json.RawMessage(nil), entry.Payload...)
	m.queue[entry.ID] = &entry
	return entry.ID, nil
}

func (m *MemoryDataSource) ClaimQueueBatch(_ context.Context, limit int, workerID string, now time.Time) ([]model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}

	var due []*model.QueueEntry
	for _, e := range m.queue {
		if e.Status == model.QueueStatusPending && !e.ScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]model.QueueEntry, 0, len(due))
	for _, e := range due {
		e.Status = model.QueueStatusProcessing
		e.LockedAt = timePtr(now)
		e.LockedBy = workerID
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (m *MemoryDataSource) ReleaseStaleQueueLocks(_ context.Context, lockedBefore time.Time) ([]model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []model.QueueEntry
	for _, e := range m.queue {
		if e.Status != model.QueueStatusProcessing || e.LockedAt == nil || !e.LockedAt.Before(lockedBefore) {
			continue
		}
		e.Attempts++
		e.LockedAt = nil
		e.LockedBy = ""
		if e.Attempts >= e.MaxAttempts {
			e.Status = model.QueueStatusFailed
			e.LastError = "lock expired after max attempts"
			failed = append(failed, *e)
		} else {
			e.Status = model.QueueStatusPending
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	return failed, nil
}

func (m *MemoryDataSource) CompleteQueueTask(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.queue[id]; ok {
		e.Status = model.QueueStatusCompleted
		e.LockedAt = nil
		e.LockedBy = ""
	}
	return nil
}

func (m *MemoryDataSource) FailQueueTask(_ context.Context, id int64, errMsg string, retryAt time.Time) (*model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.queue[id]
	if !ok || e.Status != model.QueueStatusProcessing {
		return nil, nil
	}
	e.Attempts++
	e.LastError = errMsg
	e.LockedAt = nil
	e.LockedBy = ""
	if e.Attempts >= e.MaxAttempts {
		e.Status = model.QueueStatusFailed
	} else {
		e.Status = model.QueueStatusPending
		e.ScheduledAt = retryAt
	}
	c := *e
	return &c, nil
}

func (m *MemoryDataSource) AbandonQueueTask(_ context.Context, id int64, errMsg string) (*model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.queue[id]
	if !ok || e.Status != model.QueueStatusProcessing {
		return nil, nil
	}
	e.Attempts++
	e.Status = model.QueueStatusFailed
	e.LastError = errMsg
	e.LockedAt = nil
	e.LockedBy = ""
	c := *e
	return &c, nil
}

func (m *MemoryDataSource) HasActiveNodeExecution(_ context.Context, nodeTaskID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.queue {
		if e.TaskType != model.TaskTypeNodeExecution {
			continue
		}
		if e.Status != model.QueueStatusPending && e.Status != model.QueueStatusProcessing {
			continue
		}
		var p model.NodeExecutionPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil && p.TaskID == nodeTaskID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryDataSource) GetQueueStats(_ context.Context) (model.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats model.QueueStats
	for _, e := range m.queue {
		switch e.Status {
		case model.QueueStatusPending:
			stats.Pending++
		case model.QueueStatusProcessing:
			stats.Processing++
		case model.QueueStatusCompleted:
			stats.Completed++
		case model.QueueStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (m *MemoryDataSource) GetQueueTask(_ context.Context, id int64) (*model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.queue[id]
	if !ok {
		return nil, notFound("Queue entry", id)
	}
	c := *e
	return &c, nil
}

// QueueEntries returns every queue entry ordered by id.
func (m *MemoryDataSource) QueueEntries() []model.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]model.QueueEntry, 0, len(m.queue))
	for _, e := range m.queue {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Node tasks

func (m *MemoryDataSource) GetNodeTask(_ context.Context, id int64) (*model.NodeTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.nodeTasks[id]
	if !ok {
		return nil, notFound("Node task", id)
	}
	c := copyNodeTask(t)
	return &c, nil
}

func (m *MemoryDataSource) GetNodeTasksByExecution(_ context.Context, executionID int64) ([]model.NodeTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeTasksOf(executionID), nil
}

func (m *MemoryDataSource) nodeTasksOf(executionID int64) []model.NodeTask {
	var tasks []model.NodeTask
	for _, t := range m.nodeTasks {
		if t.ExecutionID == executionID {
			tasks = append(tasks, copyNodeTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

func (m *MemoryDataSource) MarkNodeTaskQueued(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.nodeTasks[id]
	if !ok || t.Status != model.NodeStatusPending {
		return false, nil
	}
	t.Status = model.NodeStatusQueued
	return true, nil
}

func (m *MemoryDataSource) MarkNodeTaskProcessing(_ context.Context, id int64, staleBefore time.Time, creditsCharged int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.nodeTasks[id]
	if !ok || t.ExternalTaskID != "" {
		return false, nil
	}
	claimable := t.Status == model.NodeStatusPending || t.Status == model.NodeStatusQueued ||
		(t.Status == model.NodeStatusProcessing && (t.StartedAt == nil || t.StartedAt.Before(staleBefore)))
	if !claimable {
		return false, nil
	}
	t.Status = model.NodeStatusProcessing
	t.StartedAt = timePtr(now)
	t.CreditsCharged += creditsCharged
	t.ErrorMessage = ""
	return true, nil
}

func (m *MemoryDataSource) CompleteNodeTask(_ context.Context, id int64, result model.NodeTaskResult, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.nodeTasks[id]
	if !ok || t.Status != model.NodeStatusProcessing {
		return false, nil
	}
	t.Status = model.NodeStatusCompleted
	t.CompletedAt = timePtr(now)
	t.OutputData = maps.Clone(result.OutputData)
	t.ResultURL = result.ResultURL
	if t.ExternalTaskID == "" {
		t.ExternalTaskID = result.ExternalTaskID
	}
	t.CreditsCharged = 0
	return true, nil
}

func (m *MemoryDataSource) SetNodeTaskExternalID(_ context.Context, id int64, externalTaskID string, output map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.nodeTasks[id]
	if !ok || t.Status != model.NodeStatusProcessing || t.ExternalTaskID != "" {
		return false, nil
	}
	t.ExternalTaskID = externalTaskID
	if output != nil {
		t.OutputData = maps.Clone(output)
	}
	return true, nil
}

func (m *MemoryDataSource) ReleaseNodeTask(_ context.Context, id int64, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.nodeTasks[id]
	if !ok || t.Status != model.NodeStatusProcessing || t.ExternalTaskID != "" {
		return false, nil
	}
	t.Status = model.NodeStatusQueued
	t.StartedAt = nil
	t.ErrorMessage = errMsg
	return true, nil
}

func (m *MemoryDataSource) FailNodeTask(_ context.Context, id int64, errMsg string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.nodeTasks[id]
	if !ok || t.IsTerminal() {
		return false, nil
	}
	t.Status = model.NodeStatusFailed
	t.ErrorMessage = errMsg
	t.CompletedAt = timePtr(now)
	return true, nil
}

func (m *MemoryDataSource) TakeNodeTaskCredits(_ context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.nodeTasks[id]
	if !ok || t.CreditsCharged <= 0 {
		return 0, nil
	}
	amount := t.CreditsCharged
	t.CreditsCharged = 0
	return amount, nil
}

// UpdateNodeTask overwrites a stored node task. Tests use it to stage states the worker would reach.
func (m *MemoryDataSource) UpdateNodeTask(task model.NodeTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := copyNodeTask(&task)
	m.nodeTasks[task.ID] = &c
}

// Executions

func (m *MemoryDataSource) insertNodeTasks(executionID int64, tasks []model.NodeTask) {
	for _, task := range tasks {
		c := copyNodeTask(&task)
		c.ID = m.nextID()
		c.ExecutionID = executionID
		if c.Status == "" {
			c.Status = model.NodeStatusPending
		}
		if c.InputData == nil {
			c.InputData = map[string]interface{}{}
		}
		c.CreatedAt = m.Now()
		m.nodeTasks[c.ID] = &c
	}
}

func (m *MemoryDataSource) CreateExecution(_ context.Context, exec model.WorkflowExecution, tasks []model.NodeTask) (*model.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exec.CurrentIteration > exec.RepeatCount {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Failed to create execution", nil)
	}
	exec.ID = m.nextID()
	if exec.IterationOutputs == nil {
		exec.IterationOutputs = []model.IterationOutput{}
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = m.Now()
	}
	c := copyExecution(&exec)
	m.execs[exec.ID] = &c
	m.insertNodeTasks(exec.ID, tasks)
	return &exec, nil
}

func (m *MemoryDataSource) GetExecution(_ context.Context, id int64) (*model.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.execs[id]
	if !ok {
		return nil, notFound("Execution", id)
	}
	c := copyExecution(e)
	return &c, nil
}

func (m *MemoryDataSource) StartNextIteration(_ context.Context, executionID int64, fromIteration int, outputs []model.IterationOutput, clones []model.NodeTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.execs[executionID]
	if !ok || e.Status != model.ExecutionStatusRunning || e.CurrentIteration != fromIteration || e.CurrentIteration >= e.RepeatCount {
		return false, nil
	}
	e.CurrentIteration++
	e.IterationOutputs = append([]model.IterationOutput(nil), outputs...)

	for id, t := range m.nodeTasks {
		if t.ExecutionID == executionID {
			delete(m.nodeTasks, id)
		}
	}
	m.insertNodeTasks(executionID, clones)
	return true, nil
}

func (m *MemoryDataSource) FinishExecution(_ context.Context, id int64, finish model.ExecutionFinish) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.execs[id]
	if !ok || e.Status != model.ExecutionStatusRunning {
		return false, nil
	}
	e.Status = finish.Status
	e.IterationOutputs = append([]model.IterationOutput(nil), finish.IterationOutputs...)
	e.OutputData = maps.Clone(finish.OutputData)
	e.ResultURL = finish.ResultURL
	e.ErrorMessage = finish.ErrorMessage
	e.CompletedAt = timePtr(m.Now())
	return true, nil
}

func (m *MemoryDataSource) FailExecution(_ context.Context, id int64, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.execs[id]
	if !ok || e.Status != model.ExecutionStatusRunning {
		return false, nil
	}
	e.Status = model.ExecutionStatusFailed
	e.ErrorMessage = errMsg
	e.CompletedAt = timePtr(m.Now())
	return true, nil
}

// Credits

func (m *MemoryDataSource) GetAvailableCreditEntries(_ context.Context, userID int64, today time.Time) ([]model.CreditLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []model.CreditLedgerEntry
	for _, e := range m.ledger {
		if e.UserID != userID || e.Remaining <= 0 {
			continue
		}
		if e.ExpiresAt != nil && e.ExpiresAt.Before(today) {
			continue
		}
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return a.ID < b.ID
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		default:
			return a.ID < b.ID
		}
	})
	return entries, nil
}

func (m *MemoryDataSource) DeductCreditEntry(_ context.Context, entryID int64, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.ledger[entryID]
	if !ok || e.Remaining < amount {
		return false, nil
	}
	e.Remaining -= amount
	return true, nil
}

func (m *MemoryDataSource) GrantCredits(_ context.Context, entry model.CreditLedgerEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Remaining < 0 || entry.Remaining > entry.Credits {
		return 0, apierror.NewAPIError(apierror.ErrBadRequest, "Failed to grant credits", nil)
	}
	entry.ID = m.nextID()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.Now()
	}
	m.ledger[entry.ID] = &entry
	return entry.ID, nil
}

func (m *MemoryDataSource) RecordCreditTransaction(_ context.Context, txn model.CreditTransaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn.ID = m.nextID()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = m.Now()
	}
	m.txns = append(m.txns, txn)
	return txn.ID, nil
}

func (m *MemoryDataSource) GetCreditTransactions(_ context.Context, userID int64) ([]model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var txns []model.CreditTransaction
	for _, t := range m.txns {
		if t.UserID == userID {
			txns = append(txns, t)
		}
	}
	return txns, nil
}

// LedgerEntry returns a ledger entry by id.
func (m *MemoryDataSource) LedgerEntry(id int64) model.CreditLedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.ledger[id]; ok {
		return *e
	}
	return model.CreditLedgerEntry{}
}

// Workflows

func (m *MemoryDataSource) CreateWorkflow(_ context.Context, wf model.Workflow) (*model.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf.ID = m.nextID()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = m.Now()
	}
	c := wf
	m.workflows[wf.ID] = &c
	return &wf, nil
}

func (m *MemoryDataSource) GetWorkflow(_ context.Context, id int64) (*model.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, notFound("Workflow", id)
	}
	c := *wf
	return &c, nil
}

// ReplaceWorkflowDefinition edits a stored workflow in place, like a user saving the editor.
func (m *MemoryDataSource) ReplaceWorkflowDefinition(id int64, def model.WorkflowDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf, ok := m.workflows[id]; ok {
		wf.Definition = def
	}
}

// Gallery

func (m *MemoryDataSource) InsertGalleryEntry(_ context.Context, entry model.GalleryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GalleryErr != nil {
		return m.GalleryErr
	}
	entry.ID = m.nextID()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.Now()
	}
	m.gallery = append(m.gallery, entry)
	return nil
}

func (m *MemoryDataSource) GetGalleryEntries(_ context.Context, executionID int64) ([]model.GalleryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []model.GalleryEntry
	for _, e := range m.gallery {
		if e.ExecutionID == executionID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Iteration < entries[j].Iteration })
	return entries, nil
}
