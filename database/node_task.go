package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/model"
)

const nodeTaskColumns = `id, execution_id, node_id, node_type, status, started_at, completed_at, input_data, output_data, result_url, external_task_id, error_message, credits_charged, created_at`

func scanNodeTask(row rowScanner) (model.NodeTask, error) {
	var task model.NodeTask
	var inputData, outputData []byte
	var resultURL, externalTaskID, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.ExecutionID,
		&task.NodeID,
		&task.NodeType,
		&task.Status,
		&startedAt,
		&completedAt,
		&inputData,
		&outputData,
		&resultURL,
		&externalTaskID,
		&errorMessage,
		&task.CreditsCharged,
		&task.CreatedAt,
	)
	if err != nil {
		return task, err
	}

	if len(inputData) > 0 {
		if err := json.Unmarshal(inputData, &task.InputData); err != nil {
			return task, err
		}
	}
	if len(outputData) > 0 {
		if err := json.Unmarshal(outputData, &task.OutputData); err != nil {
			return task, err
		}
	}
	if task.InputData == nil {
		task.InputData = map[string]interface{}{}
	}
	task.ResultURL = resultURL.String
	task.ExternalTaskID = externalTaskID.String
	task.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

func marshalJSONB(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		if m == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// GetNodeTask retrieves a node task by id.
func (d Datasource) GetNodeTask(ctx context.Context, id int64) (*model.NodeTask, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Get node task")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+nodeTaskColumns+` FROM nodeflow.node_tasks WHERE id = $1`, id)
	task, err := scanNodeTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Node task with ID '%d' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve node task", err)
	}
	return &task, nil
}

// GetNodeTasksByExecution returns every node task of an execution ordered by id.
func (d Datasource) GetNodeTasksByExecution(ctx context.Context, executionID int64) ([]model.NodeTask, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Get node tasks by execution")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+nodeTaskColumns+` FROM nodeflow.node_tasks WHERE execution_id = $1 ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve node tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.NodeTask
	for rows.Next() {
		task, err := scanNodeTask(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan node task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over node tasks", err)
	}
	return tasks, nil
}

func (d Datasource) execConditional(ctx context.Context, message, query string, args ...interface{}) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, message, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, message, err)
	}
	return affected > 0, nil
}

// MarkNodeTaskQueued moves a pending node task to queued.
func (d Datasource) MarkNodeTaskQueued(ctx context.Context, id int64) (bool, error) {
	return d.execConditional(ctx, "Failed to mark node task as queued", `
		UPDATE nodeflow.node_tasks
		SET status = $1
		WHERE id = $2 AND status = $3
	`, model.NodeStatusQueued, id, model.NodeStatusPending)
}

// MarkNodeTaskProcessing claims a node task for execution. Only tasks without an external task
// that are pending, queued, or processing since before staleBefore can be claimed.
func (d Datasource) MarkNodeTaskProcessing(ctx context.Context, id int64, staleBefore time.Time, creditsCharged int64, now time.Time) (bool, error) {
	return d.execConditional(ctx, "Failed to mark node task as processing", `
		UPDATE nodeflow.node_tasks
		SET status = $1, started_at = $2, credits_charged = credits_charged + $3, error_message = NULL
		WHERE id = $4
		  AND external_task_id IS NULL
		  AND (status IN ($5, $6) OR (status = $1 AND (started_at IS NULL OR started_at < $7)))
	`, model.NodeStatusProcessing, now.UTC(), creditsCharged, id, model.NodeStatusPending, model.NodeStatusQueued, staleBefore)
}

// CompleteNodeTask stores the result of a processing node task and marks it completed.
func (d Datasource) CompleteNodeTask(ctx context.Context, id int64, result model.NodeTaskResult, now time.Time) (bool, error) {
	output, err := marshalJSONB(result.OutputData)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal node output", err)
	}
	return d.execConditional(ctx, "Failed to complete node task", `
		UPDATE nodeflow.node_tasks
		SET status = $1,
			completed_at = $2,
			output_data = $3,
			result_url = NULLIF($4, ''),
			external_task_id = COALESCE(external_task_id, NULLIF($5, '')),
			credits_charged = 0
		WHERE id = $6 AND status = $7
	`, model.NodeStatusCompleted, now.UTC(), output, result.ResultURL, result.ExternalTaskID, id, model.NodeStatusProcessing)
}

// SetNodeTaskExternalID records the external job of a processing node task. It never overwrites an existing id.
func (d Datasource) SetNodeTaskExternalID(ctx context.Context, id int64, externalTaskID string, output map[string]interface{}) (bool, error) {
	data, err := marshalJSONB(output)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal node output", err)
	}
	return d.execConditional(ctx, "Failed to set external task id", `
		UPDATE nodeflow.node_tasks
		SET external_task_id = $1, output_data = COALESCE($2, output_data)
		WHERE id = $3 AND status = $4 AND external_task_id IS NULL
	`, externalTaskID, data, id, model.NodeStatusProcessing)
}

// ReleaseNodeTask hands a processing node task without an external job back to the queue so a
// retried queue entry can run it again.
func (d Datasource) ReleaseNodeTask(ctx context.Context, id int64, errMsg string) (bool, error) {
	return d.execConditional(ctx, "Failed to release node task", `
		UPDATE nodeflow.node_tasks
		SET status = $1, started_at = NULL, error_message = $2
		WHERE id = $3 AND status = $4 AND external_task_id IS NULL
	`, model.NodeStatusQueued, errMsg, id, model.NodeStatusProcessing)
}

// FailNodeTask marks a non-terminal node task as failed.
func (d Datasource) FailNodeTask(ctx context.Context, id int64, errMsg string, now time.Time) (bool, error) {
	return d.execConditional(ctx, "Failed to mark node task as failed", `
		UPDATE nodeflow.node_tasks
		SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status NOT IN ($5, $1)
	`, model.NodeStatusFailed, errMsg, now.UTC(), id, model.NodeStatusCompleted)
}

// TakeNodeTaskCredits zeroes the credits recorded against a node task and returns the previous amount.
func (d Datasource) TakeNodeTaskCredits(ctx context.Context, id int64) (int64, error) {
	var amount int64
	err := d.Conn.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id, credits_charged FROM nodeflow.node_tasks
			WHERE id = $1 AND credits_charged > 0
			FOR UPDATE
		)
		UPDATE nodeflow.node_tasks n
		SET credits_charged = 0
		FROM prev
		WHERE n.id = prev.id
		RETURNING prev.credits_charged
	`, id).Scan(&amount)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release node task credits", err)
	}
	return amount, nil
}
