package nodeflow

import (
	"context"
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/internal/provider"
	"github.com/nodeflow/nodeflow/model"
)

// PollExternalTask checks the provider job behind a processing node task once and either completes
// the node, fails it, or schedules the next poll.
func (n *Nodeflow) PollExternalTask(ctx context.Context, payload model.PollStatusPayload) error {
	ctx, span := tracer.Start(ctx, "PollExternalTask")
	defer span.End()
	logger := logrus.WithFields(logrus.Fields{
		"execution_id":     payload.ExecutionID,
		"node_task_id":     payload.NodeTaskID,
		"external_task_id": payload.ExternalTaskID,
		"poll_count":       payload.PollCount,
	})

	task, err := n.datasource.GetNodeTask(ctx, payload.NodeTaskID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status != model.NodeStatusProcessing {
		return nil
	}

	staleAfter := n.config.Poller.StaleAfter
	if task.StartedAt != nil && task.StartedAt.Before(n.now().Add(-staleAfter)) {
		logger.Warn("external task is stale")
		return n.failNode(ctx, task.ID, payload.ExecutionID, fmt.Sprintf("%v: started more than %s ago", ErrStaleExecution, staleAfter))
	}

	p, err := n.providers.Get(payload.Provider)
	if err != nil {
		return n.failNode(ctx, task.ID, payload.ExecutionID, err.Error())
	}

	result := p.Poll(ctx, payload.ExternalTaskID, payload.APIKey)
	switch result.Status {
	case provider.StatusSucceeded:
		return n.completeExternalTask(ctx, payload, task, result)

	case provider.StatusFailed:
		cause := &TerminalProviderError{Provider: p.Name(), Message: result.Error}
		logger.Warnf("external task failed: %v", cause)
		return n.failNode(ctx, task.ID, payload.ExecutionID, cause.Error())

	case provider.StatusError:
		if result.Transient && payload.PollCount < payload.MaxPolls {
			logger.Warnf("transient provider error, retrying: %s", result.Error)
			_, err := n.enqueuePoll(ctx, payload.Next(), n.now().Add(n.config.Poller.RetryInterval))
			return err
		}
		var cause error = &TerminalProviderError{Provider: p.Name(), Message: result.Error}
		if result.Transient {
			cause = &TransientProviderError{Provider: p.Name(), Message: result.Error}
		}
		logger.Warnf("provider error: %v", cause)
		return n.failNode(ctx, task.ID, payload.ExecutionID, cause.Error())

	default:
		if payload.PollCount >= payload.MaxPolls {
			logger.Warn("poll budget exhausted")
			return n.failNode(ctx, task.ID, payload.ExecutionID, fmt.Sprintf("%v after %d polls", ErrPollBudgetExhausted, payload.PollCount))
		}
		_, err := n.enqueuePoll(ctx, payload.Next(), n.now().Add(n.config.Poller.Interval))
		return err
	}
}

// completeExternalTask stores the provider result through the storage tiers, keeping the provider URL
// when every tier fails, and completes the node.
func (n *Nodeflow) completeExternalTask(ctx context.Context, payload model.PollStatusPayload, task *model.NodeTask, result provider.PollResult) error {
	output := maps.Clone(task.OutputData)
	if output == nil {
		output = map[string]interface{}{}
	}

	resultURL := result.ResultURL
	if resultURL != "" {
		if stored := n.storage.Upload(ctx, resultURL, artifactName(payload.ExecutionID, task)); stored != "" {
			output["provider_url"] = result.ResultURL
			resultURL = stored
		}
	}

	return n.completeNode(ctx, payload.ExecutionID, task, model.NodeTaskResult{
		OutputData: output,
		ResultURL:  resultURL,
	})
}
