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
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/model"
)

const (
	testWebhookQueue = "nodeflow_webhooks"
	testWebhookURL   = "https://hooks.nodeflow.test/events"
)

func pendingWebhooks(t *testing.T, mr *miniredis.Miniredis) int {
	t.Helper()
	key := "asynq:{" + testWebhookQueue + "}:pending"
	if !mr.Exists(key) {
		return 0
	}
	ids, err := mr.List(key)
	require.NoError(t, err)
	return len(ids)
}

func TestSendWebhook(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	q := NewWebhookQueue(asynq.RedisClientOpt{Addr: mr.Addr()}, testWebhookQueue)
	defer func() { _ = q.Close() }()

	err = q.Send(EventExecutionCompleted, map[string]interface{}{"id": 12})
	assert.NoError(t, err)

	tasks := mr.Keys()
	t.Log(tasks)
	assert.NotEmpty(t, tasks)
	assert.Equal(t, 1, pendingWebhooks(t, mr))
}

func TestFinishedExecutionEnqueuesWebhook(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	h := newHarness(t, func(cfg *config.Configuration) {
		cfg.Notification.Webhook.Url = testWebhookURL
	})
	q := NewWebhookQueue(asynq.RedisClientOpt{Addr: mr.Addr()}, testWebhookQueue)
	defer func() { _ = q.Close() }()
	h.nf.webhooks = q

	ctx := context.Background()
	wf := h.createWorkflow(t, singleNodeDefinition("image-generation"))
	exec, err := h.nf.StartExecution(ctx, wf.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, pendingWebhooks(t, mr))

	require.NoError(t, h.nf.RunNode(ctx, nodePayload(h.tasksByNode(t, exec.ID)["only"])))
	assert.Equal(t, model.ExecutionStatusCompleted, h.execution(t, exec.ID).Status)
	assert.Equal(t, 1, pendingWebhooks(t, mr))

	// Further transitions of a finished execution are no-ops and announce nothing.
	require.NoError(t, h.nf.failNode(ctx, h.tasksByNode(t, exec.ID)["only"].ID, exec.ID, "late failure"))
	assert.Equal(t, 1, pendingWebhooks(t, mr))
}

func TestSendExecutionEvent_SkippedWithoutWebhookURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	h := newHarness(t)
	q := NewWebhookQueue(asynq.RedisClientOpt{Addr: mr.Addr()}, testWebhookQueue)
	defer func() { _ = q.Close() }()
	h.nf.webhooks = q

	wf := h.createWorkflow(t, singleNodeDefinition("image-generation"))
	exec, err := h.nf.StartExecution(context.Background(), wf.ID, 1)
	require.NoError(t, err)

	h.nf.sendExecutionEvent(context.Background(), exec.ID)
	assert.Zero(t, pendingWebhooks(t, mr))
}

func TestExecutionEvent(t *testing.T) {
	assert.Equal(t, EventExecutionCompleted, executionEvent(model.ExecutionStatusCompleted))
	assert.Equal(t, EventExecutionFailed, executionEvent(model.ExecutionStatusFailed))
}

func TestProcessWebhook(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{
		Notification: config.Notification{Webhook: config.WebhookConfig{
			Url:     testWebhookURL,
			Headers: map[string]string{"X-Nodeflow-Signature": "secret"},
		}},
	})

	var received NewWebhook
	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("X-Nodeflow-Signature") != "secret" {
			return httpmock.NewStringResponse(http.StatusUnauthorized, "missing signature"), nil
		}
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"ok": true}`), nil
	})

	data, err := json.Marshal(NewWebhook{Event: EventExecutionFailed, Payload: map[string]interface{}{"id": 3, "status": "failed"}})
	require.NoError(t, err)

	err = ProcessWebhook(context.Background(), asynq.NewTask(testWebhookQueue, data))
	require.NoError(t, err)
	assert.Equal(t, EventExecutionFailed, received.Event)
	assert.Equal(t, "failed", received.Payload.(map[string]interface{})["status"])
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestProcessWebhook_ErrorStatusIsRetried(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{
		Notification: config.Notification{Webhook: config.WebhookConfig{Url: testWebhookURL}},
	})
	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, "try later"))

	data, err := json.Marshal(NewWebhook{Event: EventExecutionCompleted, Payload: map[string]interface{}{"id": 4}})
	require.NoError(t, err)

	err = ProcessWebhook(context.Background(), asynq.NewTask(testWebhookQueue, data))
	assert.Error(t, err)
}

func TestProcessWebhook_NoURLConfigured(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	config.MockConfig(&config.Configuration{})

	err := ProcessWebhook(context.Background(), asynq.NewTask(testWebhookQueue, []byte(`{"event": "execution.completed"}`)))
	assert.NoError(t, err)
	assert.Zero(t, httpmock.GetTotalCallCount())
}
