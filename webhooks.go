/*
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
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/internal/request"
	"github.com/nodeflow/nodeflow/model"
)

const (
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"

	webhookTimeout    = 30 * time.Second
	webhookMaxRetries = 5
)

// NewWebhook represents the structure of a webhook notification.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// WebhookQueue enqueues webhook deliveries on an asynq queue.
type WebhookQueue struct {
	client *asynq.Client
	queue  string
}

func NewWebhookQueue(opt asynq.RedisConnOpt, queue string) *WebhookQueue {
	return &WebhookQueue{client: asynq.NewClient(opt), queue: queue}
}

// Send enqueues one delivery of event with payload.
func (q *WebhookQueue) Send(event string, payload interface{}) error {
	data, err := json.Marshal(NewWebhook{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.queue, data, asynq.Queue(q.queue), asynq.MaxRetry(webhookMaxRetries))
	info, err := q.client.Enqueue(task)
	if err != nil {
		logrus.Errorf("failed to enqueue webhook %s: %v", event, err)
		return err
	}
	logrus.WithField("webhook_task_id", info.ID).Debugf("webhook %s enqueued", event)
	return nil
}

func (q *WebhookQueue) Close() error {
	return q.client.Close()
}

func executionEvent(status string) string {
	if status == model.ExecutionStatusCompleted {
		return EventExecutionCompleted
	}
	return EventExecutionFailed
}

// sendExecutionEvent announces a finished execution. Delivery problems are logged.
func (n *Nodeflow) sendExecutionEvent(ctx context.Context, executionID int64) {
	if n.webhooks == nil || n.config.Notification.Webhook.Url == "" {
		return
	}
	exec, err := n.datasource.GetExecution(ctx, executionID)
	if err != nil {
		logrus.WithField("execution_id", executionID).Errorf("failed to load execution for webhook: %v", err)
		return
	}
	exec.WorkflowSnapshot = nil
	if err := n.webhooks.Send(executionEvent(exec.Status), exec); err != nil {
		logrus.WithField("execution_id", executionID).Errorf("failed to send execution webhook: %v", err)
	}
}

// ProcessWebhook delivers a queued webhook to the configured endpoint. A non-2xx answer is returned
// as an error so asynq retries the delivery.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("error unmarshaling webhook payload: %v", err)
		return err
	}

	client := request.New(webhookTimeout, conf.Notification.Webhook.Headers)
	if _, err := client.PostJSON(ctx, conf.Notification.Webhook.Url, payload, nil); err != nil {
		logrus.Errorf("webhook %s delivery failed: %v", payload.Event, err)
		return err
	}
	logrus.Infof("webhook %s delivered", payload.Event)
	return nil
}
