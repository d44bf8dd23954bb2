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
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/internal/plugin"
	"github.com/nodeflow/nodeflow/model"
)

func TestWorkerID(t *testing.T) {
	h := newHarness(t)
	w1, w2 := NewWorker(h.nf), NewWorker(h.nf)

	assert.NotEqual(t, w1.ID(), w2.ID())
	assert.Contains(t, w1.ID(), fmt.Sprintf("-%d-", os.Getpid()))
}

func TestRunOnce_ClaimErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	h.mem.ClaimErr = errors.New("connection refused")

	n, err := NewWorker(h.nf).RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) { cfg.Worker.BatchSize = 2 })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		wf := h.createWorkflow(t, singleNodeDefinition("image-generation"))
		_, err := h.nf.StartExecution(ctx, wf.ID, 1)
		require.NoError(t, err)
	}

	w := NewWorker(h.nf)
	for _, want := range []int{2, 2, 1, 0} {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestRunOnce_InsufficientCreditsFailsImmediately(t *testing.T) {
	h := newHarness(t, withNodeCost("image-generation", 30))
	ctx := context.Background()
	h.grant(t, 10, nil)

	wf := h.createWorkflow(t, singleNodeDefinition("image-generation"))
	exec, err := h.nf.StartExecution(ctx, wf.ID, 1)
	require.NoError(t, err)

	_, err = NewWorker(h.nf).RunOnce(ctx)
	require.NoError(t, err)

	entry := h.mem.QueueEntries()[0]
	assert.Equal(t, model.QueueStatusFailed, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Contains(t, entry.LastError, "insufficient credits")

	assert.Equal(t, model.NodeStatusFailed, h.tasksByNode(t, exec.ID)["only"].Status)
	final := h.execution(t, exec.ID)
	assert.Equal(t, model.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "10 available, 30 required")
}

func TestRunOnce_InsufficientCreditsRetriedWhenConfigured(t *testing.T) {
	h := newHarness(t, withNodeCost("image-generation", 30), func(cfg *config.Configuration) {
		cfg.Credits.InsufficientCreditRetries = true
	})
	ctx := context.Background()
	h.grant(t, 10, nil)

	wf := h.createWorkflow(t, singleNodeDefinition("image-generation"))
	exec, err := h.nf.StartExecution(ctx, wf.ID, 1)
	require.NoError(t, err)

	w := NewWorker(h.nf)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	entry := h.mem.QueueEntries()[0]
	assert.Equal(t, model.QueueStatusPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, model.ExecutionStatusRunning, h.execution(t, exec.ID).Status)

	// A top-up before the retry lets the node run.
	h.grant(t, 20, nil)
	h.clock.Advance(h.cfg.Worker.RetryDelay)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, h.execution(t, exec.ID).Status)
}

func TestRunOnce_UnknownNodeTypeIsNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.executor.handler = func(nodeType string, _ map[string]interface{}) (model.NodeResult, error) {
		return model.NodeResult{}, fmt.Errorf("%w: %s", plugin.ErrUnknownNodeType, nodeType)
	}

	wf := h.createWorkflow(t, singleNodeDefinition("imagegen"))
	exec, err := h.nf.StartExecution(ctx, wf.ID, 1)
	require.NoError(t, err)

	_, err = NewWorker(h.nf).RunOnce(ctx)
	require.NoError(t, err)

	entry := h.mem.QueueEntries()[0]
	assert.Equal(t, model.QueueStatusFailed, entry.Status)
	assert.Contains(t, entry.LastError, "unknown node type: imagegen")

	task := h.tasksByNode(t, exec.ID)["only"]
	assert.Equal(t, model.NodeStatusFailed, task.Status)
	assert.Equal(t, model.ExecutionStatusFailed, h.execution(t, exec.ID).Status)
}

func TestRunOnce_InvalidPayloadIsAbandoned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.mem.EnqueueTask(ctx, model.QueueEntry{
		TaskType:    model.TaskTypeNodeExecution,
		Payload:     json.RawMessage(`{"execution_id": 1}`),
		MaxAttempts: 3,
		ScheduledAt: h.clock.Now(),
	})
	require.NoError(t, err)
	_, err = h.mem.EnqueueTask(ctx, model.QueueEntry{
		TaskType:    "thumbnail",
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: 3,
		ScheduledAt: h.clock.Now(),
	})
	require.NoError(t, err)

	n, err := NewWorker(h.nf).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, entry := range h.mem.QueueEntries() {
		assert.Equal(t, model.QueueStatusFailed, entry.Status, "entry %d", entry.ID)
		assert.Equal(t, 1, entry.Attempts)
		assert.True(t, strings.HasPrefix(entry.LastError, errInvalidPayload.Error()))
	}
	got, err := h.mem.GetQueueTask(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "task_id")
}

func TestRunOnce_PanickingExecutorReleasesNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.executor.handler = func(string, map[string]interface{}) (model.NodeResult, error) {
		panic("nil model weights")
	}

	wf := h.createWorkflow(t, singleNodeDefinition("image-generation"))
	exec, err := h.nf.StartExecution(ctx, wf.ID, 1)
	require.NoError(t, err)

	w := NewWorker(h.nf)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	entry := h.mem.QueueEntries()[0]
	assert.Equal(t, model.QueueStatusPending, entry.Status)
	assert.Contains(t, entry.LastError, "panicked: nil model weights")
	assert.Equal(t, model.NodeStatusQueued, h.tasksByNode(t, exec.ID)["only"].Status)

	h.executor.handler = nil
	h.clock.Advance(h.cfg.Worker.RetryDelay)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, h.execution(t, exec.ID).Status)
}

func TestRunOnce_ReleasesStaleLocksBeforeClaiming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := h.createWorkflow(t, singleNodeDefinition("image-generation"))
	exec, err := h.nf.StartExecution(ctx, wf.ID, 1)
	require.NoError(t, err)

	_, err = h.mem.ClaimQueueBatch(ctx, 10, "crashed-worker", h.clock.Now())
	require.NoError(t, err)
	h.clock.Advance(h.cfg.Worker.StaleLockTimeout + time.Minute)

	n, err := NewWorker(h.nf).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.ExecutionStatusCompleted, h.execution(t, exec.ID).Status)
	assert.Equal(t, 1, h.mem.QueueEntries()[0].Attempts)
}

func TestWorker_StartStop(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) { cfg.Worker.PollInterval = 10 * time.Millisecond })
	ctx := context.Background()

	wf := h.createWorkflow(t, linearDefinition())
	exec, err := h.nf.StartExecution(ctx, wf.ID, 1)
	require.NoError(t, err)

	w := NewWorker(h.nf)
	assert.False(t, w.IsRunning())
	w.Start(ctx)
	w.Start(ctx)
	assert.True(t, w.IsRunning())

	assert.Eventually(t, func() bool {
		e, err := h.mem.GetExecution(ctx, exec.ID)
		return err == nil && e.Status == model.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.False(t, w.IsRunning())
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) { cfg.Worker.PollInterval = 10 * time.Millisecond })
	h.mem.ClaimErr = errors.New("database is restarting")

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(h.nf)
	w.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}
	w.Stop()
}
