package nodeflow

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/database/mocks"
	"github.com/nodeflow/nodeflow/internal/plugin"
	"github.com/nodeflow/nodeflow/internal/provider"
	"github.com/nodeflow/nodeflow/internal/storage"
	"github.com/nodeflow/nodeflow/model"
)

const testUserID int64 = 7

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type executorCall struct {
	NodeType string
	Input    map[string]interface{}
}

// fakeExecutor stands in for the plugin. Built-in node types are reported as unknown so the
// registry falls through to its own handlers.
type fakeExecutor struct {
	mu      sync.Mutex
	handler func(nodeType string, input map[string]interface{}) (model.NodeResult, error)
	calls   []executorCall
}

func (f *fakeExecutor) Execute(_ context.Context, nodeType string, input map[string]interface{}) (model.NodeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, executorCall{NodeType: nodeType, Input: maps.Clone(input)})
	handler := f.handler
	f.mu.Unlock()

	switch nodeType {
	case NodeTypeDelay, NodeTypeCondition, NodeTypeStartFlow, NodeTypeManualTrigger, NodeTypeFlowMerge:
		return model.NodeResult{}, fmt.Errorf("%w: %s", plugin.ErrUnknownNodeType, nodeType)
	}
	if handler != nil {
		return handler(nodeType, input)
	}
	return model.NodeResult{Success: true, Output: map[string]interface{}{"image": "generated:" + nodeType}}, nil
}

func (f *fakeExecutor) Calls() []executorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executorCall(nil), f.calls...)
}

type fakeProvider struct {
	mu      sync.Mutex
	results []provider.PollResult
	polls   int
}

func (p *fakeProvider) Name() string { return provider.RHubName }

func (p *fakeProvider) Poll(_ context.Context, _, _ string) provider.PollResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if len(p.results) == 0 {
		return provider.PollResult{Status: provider.StatusRunning}
	}
	i := min(p.polls-1, len(p.results)-1)
	return p.results[i]
}

func (p *fakeProvider) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

type recordingTier struct {
	mu      sync.Mutex
	objects []storage.Object
	err     error
}

func (r *recordingTier) Name() string { return "memory" }

func (r *recordingTier) Put(_ context.Context, obj storage.Object) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.objects = append(r.objects, obj)
	return "https://files.nodeflow.test/" + obj.Name, nil
}

type harness struct {
	nf       *Nodeflow
	mem      *mocks.MemoryDataSource
	clock    *testClock
	executor *fakeExecutor
	provider *fakeProvider
	tier     *recordingTier
	cfg      *config.Configuration
}

func newHarness(t *testing.T, mutate ...func(cfg *config.Configuration)) *harness {
	t.Helper()

	cfg := &config.Configuration{
		Credits: config.CreditsConfig{NodeCosts: map[string]int64{}},
	}
	for _, m := range mutate {
		m(cfg)
	}
	config.MockConfig(cfg)

	clock := newTestClock()
	mem := mocks.NewMemoryDataSource()
	mem.Now = clock.Now

	h := &harness{
		mem:      mem,
		clock:    clock,
		executor: &fakeExecutor{},
		provider: &fakeProvider{},
		tier:     &recordingTier{},
		cfg:      cfg,
	}
	nf, err := NewNodeflow(mem,
		WithExecutors(NewExecutorRegistry(h.executor, cfg.Worker.MaxDelay)),
		WithProviders(provider.NewRegistry(h.provider)),
		WithStorage(storage.NewWithTiers(h.tier)),
		WithClock(clock.Now),
	)
	require.NoError(t, err)
	h.nf = nf
	return h
}

func (h *harness) createWorkflow(t *testing.T, def model.WorkflowDefinition) *model.Workflow {
	t.Helper()
	wf, err := h.mem.CreateWorkflow(context.Background(), model.Workflow{
		UserID:     testUserID,
		Name:       gofakeit.AppName(),
		Definition: def,
	})
	require.NoError(t, err)
	return wf
}

func (h *harness) grant(t *testing.T, credits int64, expiresAt *time.Time) int64 {
	t.Helper()
	id, err := h.mem.GrantCredits(context.Background(), model.CreditLedgerEntry{
		UserID:    testUserID,
		Credits:   credits,
		Remaining: credits,
		Source:    "purchase",
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) tasksByNode(t *testing.T, executionID int64) map[string]model.NodeTask {
	t.Helper()
	tasks, err := h.mem.GetNodeTasksByExecution(context.Background(), executionID)
	require.NoError(t, err)
	return tasksByNode(tasks)
}

func (h *harness) execution(t *testing.T, id int64) *model.WorkflowExecution {
	t.Helper()
	exec, err := h.mem.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec
}

// drain runs worker batches until the queue has nothing due, moving the clock forward between idle
// rounds so scheduled entries become due.
func (h *harness) drain(t *testing.T, w *Worker, step time.Duration, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		n, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			h.clock.Advance(step)
		}
	}
}

func pendingEntries(entries []model.QueueEntry, taskType string) []model.QueueEntry {
	var out []model.QueueEntry
	for _, e := range entries {
		if e.TaskType == taskType && e.Status == model.QueueStatusPending {
			out = append(out, e)
		}
	}
	return out
}

// linearDefinition is start -> generate -> merge.
func linearDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Nodes: []model.WorkflowNode{
			{ID: "start", Type: NodeTypeStartFlow, Data: map[string]interface{}{"input": "a red fox"}},
			{ID: "generate", Type: "image-generation", Data: map[string]interface{}{"model": "sdxl"}},
			{ID: "merge", Type: NodeTypeFlowMerge},
		},
		Connections: []model.Connection{
			{Source: "start", SourceHandle: "output", Target: "generate", TargetHandle: "prompt"},
			{Source: "generate", SourcePort: "image", Target: "merge", TargetPort: "input"},
		},
	}
}
