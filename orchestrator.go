package nodeflow

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nodeflow/nodeflow/internal/apierror"
	redlock "github.com/nodeflow/nodeflow/internal/lock"
	"github.com/nodeflow/nodeflow/internal/provider"
	"github.com/nodeflow/nodeflow/internal/storage"
	"github.com/nodeflow/nodeflow/model"
)

// StartExecution runs workflowID repeatCount times. The definition is validated and frozen on the
// execution, one pending node task is created per node and the first ready node is queued.
func (n *Nodeflow) StartExecution(ctx context.Context, workflowID int64, repeatCount int) (*model.WorkflowExecution, error) {
	ctx, span := tracer.Start(ctx, "StartExecution")
	defer span.End()

	wf, err := n.datasource.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if _, err := ValidateDefinition(wf.Definition); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	if repeatCount < 1 {
		repeatCount = 1
	}

	snapshot := wf.Definition
	tasks := make([]model.NodeTask, 0, len(snapshot.Nodes))
	for _, node := range snapshot.Nodes {
		tasks = append(tasks, model.NodeTask{
			NodeID:    node.ID,
			NodeType:  node.Type,
			Status:    model.NodeStatusPending,
			InputData: maps.Clone(node.Data),
		})
	}

	exec, err := n.datasource.CreateExecution(ctx, model.WorkflowExecution{
		UserID:           wf.UserID,
		WorkflowID:       wf.ID,
		Status:           model.ExecutionStatusRunning,
		RepeatCount:      repeatCount,
		CurrentIteration: 1,
		WorkflowSnapshot: &snapshot,
		CreatedAt:        n.now(),
	}, tasks)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"execution_id": exec.ID, "workflow_id": wf.ID}).
		Infof("execution started with %d nodes, repeat count %d", len(tasks), repeatCount)

	if err := n.Advance(ctx, exec.ID); err != nil {
		return exec, err
	}
	return exec, nil
}

// Advance queues the next ready node of a running execution, or finalizes the iteration once every
// node task is terminal. Only one node of an execution is queued or processing at a time.
func (n *Nodeflow) Advance(ctx context.Context, executionID int64) error {
	ctx, span := tracer.Start(ctx, "Advance")
	defer span.End()
	logger := logrus.WithField("execution_id", executionID)

	exec, err := n.datasource.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != model.ExecutionStatusRunning {
		return nil
	}
	tasks, err := n.datasource.GetNodeTasksByExecution(ctx, executionID)
	if err != nil {
		return err
	}

	var pending, inFlight int
	for _, task := range tasks {
		switch task.Status {
		case model.NodeStatusPending:
			pending++
		case model.NodeStatusQueued, model.NodeStatusProcessing:
			inFlight++
		}
	}
	if pending == 0 {
		if inFlight == 0 {
			return n.Finalize(ctx, executionID)
		}
		return nil
	}
	if inFlight > 0 {
		return nil
	}

	g, err := n.graph(ctx, exec)
	if err != nil {
		return err
	}
	ready := g.Ready(tasks)
	if len(ready) == 0 {
		logger.Warn("pending nodes are waiting on upstream nodes that never finish")
		return nil
	}
	next := ready[0]

	active, err := n.datasource.HasActiveNodeExecution(ctx, next.ID)
	if err != nil {
		return err
	}
	if active {
		logger.WithField("node_task_id", next.ID).Debug(ErrDuplicateExecution.Error())
		return nil
	}

	notBefore := n.now().Add(n.executors.DelayFor(next.NodeType, next.InputData))
	queueID, err := n.EnqueueNodeExecution(ctx, next, notBefore)
	if err != nil {
		return err
	}
	if _, err := n.datasource.MarkNodeTaskQueued(ctx, next.ID); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"node_task_id": next.ID, "node_id": next.NodeID, "queue_task_id": queueID}).
		Info("node queued")
	return nil
}

// Finalize closes the current iteration once all node tasks are terminal. A fully completed
// iteration with repeats left resets the node tasks for the next iteration; otherwise the execution
// completes or fails with its aggregate output.
func (n *Nodeflow) Finalize(ctx context.Context, executionID int64) error {
	ctx, span := tracer.Start(ctx, "Finalize")
	defer span.End()
	logger := logrus.WithField("execution_id", executionID)

	exec, err := n.datasource.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != model.ExecutionStatusRunning {
		return nil
	}
	tasks, err := n.datasource.GetNodeTasksByExecution(ctx, executionID)
	if err != nil {
		return err
	}

	allCompleted := true
	var failedTask *model.NodeTask
	for i := range tasks {
		if !tasks[i].IsTerminal() {
			return nil
		}
		if tasks[i].Status != model.NodeStatusCompleted {
			allCompleted = false
			if failedTask == nil {
				failedTask = &tasks[i]
			}
		}
	}

	iteration := model.IterationOutput{
		Iteration:   exec.CurrentIteration,
		Status:      model.ExecutionStatusCompleted,
		ResultURL:   latestResultURL(tasks),
		NodeOutputs: nodeOutputs(tasks),
		CompletedAt: n.now(),
	}
	if !allCompleted {
		iteration.Status = model.ExecutionStatusFailed
	}
	outputs := append(append([]model.IterationOutput(nil), exec.IterationOutputs...), iteration)

	if allCompleted && exec.CurrentIteration < exec.RepeatCount {
		clones := make([]model.NodeTask, 0, len(tasks))
		for _, task := range tasks {
			clones = append(clones, model.NodeTask{
				NodeID:    task.NodeID,
				NodeType:  task.NodeType,
				Status:    model.NodeStatusPending,
				InputData: maps.Clone(task.InputData),
			})
		}
		advanced, err := n.datasource.StartNextIteration(ctx, exec.ID, exec.CurrentIteration, outputs, clones)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
		logger.Infof("iteration %d of %d completed", exec.CurrentIteration, exec.RepeatCount)
		return n.Advance(ctx, exec.ID)
	}

	finish := model.ExecutionFinish{
		Status:           model.ExecutionStatusCompleted,
		IterationOutputs: outputs,
		OutputData:       n.aggregateOutput(tasks, outputs),
		ResultURL:        lastIterationURL(outputs),
	}
	if !allCompleted {
		finish.Status = model.ExecutionStatusFailed
		finish.ErrorMessage = fmt.Sprintf("Node %s failed: %s", failedTask.NodeID, failedTask.ErrorMessage)
	}
	finished, err := n.datasource.FinishExecution(ctx, exec.ID, finish)
	if err != nil {
		return err
	}
	if !finished {
		return nil
	}

	logger.Infof("execution %s after %d iteration(s)", finish.Status, len(outputs))
	n.recordGallery(ctx, exec, outputs)
	n.sendExecutionEvent(ctx, exec.ID)
	return nil
}

func latestResultURL(tasks []model.NodeTask) string {
	var latest *model.NodeTask
	for i := range tasks {
		t := &tasks[i]
		if t.ResultURL == "" {
			continue
		}
		if latest == nil || completedAfter(t, latest) {
			latest = t
		}
	}
	if latest == nil {
		return ""
	}
	return latest.ResultURL
}

func completedAfter(a, b *model.NodeTask) bool {
	switch {
	case a.CompletedAt == nil:
		return false
	case b.CompletedAt == nil:
		return true
	case a.CompletedAt.Equal(*b.CompletedAt):
		return a.ID > b.ID
	default:
		return a.CompletedAt.After(*b.CompletedAt)
	}
}

func lastIterationURL(outputs []model.IterationOutput) string {
	for i := len(outputs) - 1; i >= 0; i-- {
		if outputs[i].ResultURL != "" {
			return outputs[i].ResultURL
		}
	}
	return ""
}

func nodeOutputs(tasks []model.NodeTask) map[string]map[string]interface{} {
	outputs := make(map[string]map[string]interface{}, len(tasks))
	for _, task := range tasks {
		if task.OutputData != nil {
			outputs[task.NodeID] = task.OutputData
		}
	}
	return outputs
}

func (n *Nodeflow) aggregateOutput(tasks []model.NodeTask, outputs []model.IterationOutput) map[string]interface{} {
	resultURLs := make([]string, 0, len(outputs))
	for _, out := range outputs {
		if out.ResultURL != "" {
			resultURLs = append(resultURLs, out.ResultURL)
		}
	}
	return map[string]interface{}{
		"nodes":        nodeOutputs(tasks),
		"storage_mode": n.storage.Mode(),
		"result_urls":  resultURLs,
		"iterations":   len(outputs),
	}
}

// RunNode executes the node task named by payload. Runs are skipped when the node already has an
// external job, is terminal, or is being processed by a live claim.
func (n *Nodeflow) RunNode(ctx context.Context, payload model.NodeExecutionPayload) error {
	ctx, span := tracer.Start(ctx, "RunNode", trace.WithAttributes(
		attribute.Int64("execution_id", payload.ExecutionID),
		attribute.Int64("node_task_id", payload.TaskID),
		attribute.String("node_type", payload.NodeType),
	))
	defer span.End()
	logger := logrus.WithFields(logrus.Fields{"execution_id": payload.ExecutionID, "node_task_id": payload.TaskID, "node_id": payload.NodeID})

	task, skip, err := n.loadRunnableTask(ctx, payload.TaskID)
	if err != nil || skip {
		return err
	}
	exec, err := n.datasource.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status != model.ExecutionStatusRunning {
		logger.Info("execution is no longer running, skipping node")
		return nil
	}

	if n.redis == nil {
		return n.runNode(ctx, exec, task.ID)
	}
	locker := redlock.NewLocker(n.redis, redlock.NodeTaskKey(task.ID), uuid.NewString())
	err = locker.WithLock(ctx, n.config.Worker.NodeLockTimeout, func(ctx context.Context) error {
		return n.runNode(ctx, exec, task.ID)
	})
	if errors.Is(err, redlock.ErrLockHeld) {
		logger.Info("node task is locked by another worker, skipping")
		return nil
	}
	return err
}

func (n *Nodeflow) loadRunnableTask(ctx context.Context, taskID int64) (*model.NodeTask, bool, error) {
	task, err := n.datasource.GetNodeTask(ctx, taskID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return nil, true, nil
		}
		return nil, false, err
	}
	switch {
	case task.ExternalTaskID != "", task.IsTerminal():
		return task, true, nil
	case task.Status == model.NodeStatusProcessing && task.StartedAt != nil &&
		task.StartedAt.After(n.now().Add(-n.config.Worker.ProcessingTimeout)):
		return task, true, nil
	}
	return task, false, nil
}

func (n *Nodeflow) runNode(ctx context.Context, exec *model.WorkflowExecution, taskID int64) error {
	task, skip, err := n.loadRunnableTask(ctx, taskID)
	if err != nil || skip {
		return err
	}
	logger := logrus.WithFields(logrus.Fields{"execution_id": exec.ID, "node_task_id": task.ID, "node_id": task.NodeID, "node_type": task.NodeType})

	g, err := n.graph(ctx, exec)
	if err != nil {
		return err
	}
	tasks, err := n.datasource.GetNodeTasksByExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	input := maps.Clone(task.InputData)
	if input == nil {
		input = map[string]interface{}{}
	}
	maps.Copy(input, g.Inputs(task.NodeID, tasksByNode(tasks)))

	cost := n.config.NodeCost(task.NodeType)
	if err := n.ChargeCredits(ctx, exec.UserID, cost, fmt.Sprintf("Node execution: %s", task.NodeType), nodeTaskReference(task.ID)); err != nil {
		return err
	}

	claimed, err := n.datasource.MarkNodeTaskProcessing(ctx, task.ID, n.now().Add(-n.config.Worker.ProcessingTimeout), cost, n.now())
	if err != nil || !claimed {
		if cost > 0 {
			if refundErr := n.RefundCredits(ctx, exec.UserID, cost, fmt.Sprintf("Refund for skipped node %s (%s)", task.NodeID, task.NodeType), nodeTaskReference(task.ID)); refundErr != nil {
				logger.Errorf("failed to refund %d credits: %v", cost, refundErr)
			}
		}
		return err
	}

	result, err := n.execute(ctx, task.NodeType, input)
	if err == nil && !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "node execution failed"
		}
		err = errors.New(msg)
	}
	if err != nil {
		logger.Warnf("node execution failed: %v", err)
		n.refundNodeTask(ctx, exec.UserID, *task)
		if _, releaseErr := n.datasource.ReleaseNodeTask(ctx, task.ID, err.Error()); releaseErr != nil {
			logger.Errorf("failed to release node task: %v", releaseErr)
		}
		return err
	}

	if result.TaskID != "" && result.ResultURL == "" && !n.config.IsSyncNodeType(task.NodeType) {
		return n.awaitExternalTask(ctx, exec, task, input, result)
	}
	return n.completeNode(ctx, exec.ID, task, model.NodeTaskResult{
		OutputData:     result.Output,
		ResultURL:      result.ResultURL,
		ExternalTaskID: result.TaskID,
	})
}

// execute runs the executor, turning a panic into an error so the node is released like any other
// failed dispatch.
func (n *Nodeflow) execute(ctx context.Context, nodeType string, input map[string]interface{}) (result model.NodeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node type %s panicked: %v", nodeType, r)
		}
	}()
	return n.executors.Execute(ctx, nodeType, input)
}

// awaitExternalTask records the provider job of a node and schedules its first poll.
func (n *Nodeflow) awaitExternalTask(ctx context.Context, exec *model.WorkflowExecution, task *model.NodeTask, input map[string]interface{}, result model.NodeResult) error {
	recorded, err := n.datasource.SetNodeTaskExternalID(ctx, task.ID, result.TaskID, result.Output)
	if err != nil || !recorded {
		return err
	}

	providerName := provider.RHubName
	if name, ok := result.Output["provider"].(string); ok && name != "" {
		providerName = name
	}
	apiKey, _ := input["apiKey"].(string)
	if apiKey == "" {
		apiKey, _ = input["api_key"].(string)
	}

	queueID, err := n.enqueuePoll(ctx, model.PollStatusPayload{
		NodeTaskID:     task.ID,
		ExecutionID:    exec.ID,
		ExternalTaskID: result.TaskID,
		Provider:       providerName,
		APIKey:         apiKey,
		PollCount:      0,
		MaxPolls:       n.config.Poller.MaxPolls,
	}, n.now().Add(n.config.Poller.InitialDelay))
	if err != nil {
		// A retried queue entry skips tasks with an external id, so the node has to fail here.
		logrus.WithFields(logrus.Fields{"execution_id": exec.ID, "node_task_id": task.ID, "external_task_id": result.TaskID}).
			Errorf("failed to schedule polling: %v", err)
		return n.failNode(ctx, task.ID, exec.ID, fmt.Sprintf("failed to schedule polling for %s: %v", result.TaskID, err))
	}
	logrus.WithFields(logrus.Fields{"execution_id": exec.ID, "node_task_id": task.ID, "queue_task_id": queueID, "external_task_id": result.TaskID}).
		Info("external task submitted, polling scheduled")
	return nil
}

// artifactName names the stored artifact of a node task. Every repeat iteration clones its node
// tasks, so the task id keeps iterations from overwriting each other.
func artifactName(executionID int64, task *model.NodeTask) string {
	return fmt.Sprintf("execution-%d-task-%d-%s", executionID, task.ID, task.NodeID)
}

// completeNode persists a node's result, storing data: URLs through the storage tiers first, and
// advances the execution.
func (n *Nodeflow) completeNode(ctx context.Context, executionID int64, task *model.NodeTask, result model.NodeTaskResult) error {
	if storage.IsDataURL(result.ResultURL) {
		if url := n.storage.Upload(ctx, result.ResultURL, artifactName(executionID, task)); url != "" {
			result.ResultURL = url
		}
	}

	completed, err := n.datasource.CompleteNodeTask(ctx, task.ID, result, n.now())
	if err != nil || !completed {
		return err
	}
	logrus.WithFields(logrus.Fields{"execution_id": executionID, "node_task_id": task.ID, "node_id": task.NodeID}).
		Info("node completed")
	return n.Advance(ctx, executionID)
}
