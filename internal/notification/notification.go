package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/internal/request"
)

const slackTimeout = 10 * time.Second

// WebhookSender forwards an event to the configured lifecycle webhook.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender
)

// RegisterWebhookSender installs the sender used to publish system.error events.
func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

func currentSender() WebhookSender {
	senderMu.RLock()
	defer senderMu.RUnlock()
	return webhookSender
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

func slackMessage(err error, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"blocks": []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: "Error From Nodeflow 🐞", Emoji: true}},
			{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", err)}}},
			{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))}}},
		},
	}
}

// SlackNotification posts err to a Slack incoming webhook.
func SlackNotification(ctx context.Context, webhookURL string, err error) error {
	client := request.New(slackTimeout, nil)
	_, callErr := client.PostJSON(ctx, webhookURL, slackMessage(err, time.Now()), nil)
	return callErr
}

// NotifyError logs systemError and forwards it to Slack and the webhook sender when configured.
// It does not block the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			logrus.Error(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			if err := SlackNotification(context.Background(), conf.Notification.Slack.WebhookUrl, systemError); err != nil {
				logrus.Errorf("slack notification failed: %v", err)
			}
		}

		if sender := currentSender(); sender != nil {
			if err := sender("system.error", map[string]string{"error": systemError.Error()}); err != nil {
				logrus.Errorf("error webhook failed: %v", err)
			}
		}
	}(systemError)
}
