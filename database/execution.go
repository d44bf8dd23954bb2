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

const executionColumns = `id, user_id, workflow_id, status, repeat_count, current_iteration, iteration_outputs, output_data, result_url, error_message, workflow_snapshot, created_at, completed_at`

func scanExecution(row rowScanner) (model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	var iterationOutputs, outputData, snapshot []byte
	var resultURL, errorMessage sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&exec.ID,
		&exec.UserID,
		&exec.WorkflowID,
		&exec.Status,
		&exec.RepeatCount,
		&exec.CurrentIteration,
		&iterationOutputs,
		&outputData,
		&resultURL,
		&errorMessage,
		&snapshot,
		&exec.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return exec, err
	}

	if len(iterationOutputs) > 0 {
		if err := json.Unmarshal(iterationOutputs, &exec.IterationOutputs); err != nil {
			return exec, err
		}
	}
	if len(outputData) > 0 {
		if err := json.Unmarshal(outputData, &exec.OutputData); err != nil {
			return exec, err
		}
	}
	if len(snapshot) > 0 && string(snapshot) != "null" {
		var def model.WorkflowDefinition
		if err := json.Unmarshal(snapshot, &def); err != nil {
			return exec, err
		}
		exec.WorkflowSnapshot = &def
	}
	exec.ResultURL = resultURL.String
	exec.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func insertNodeTasks(ctx context.Context, tx *sql.Tx, executionID int64, tasks []model.NodeTask) error {
	for _, task := range tasks {
		if task.InputData == nil {
			task.InputData = map[string]interface{}{}
		}
		input, err := json.Marshal(task.InputData)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal node input", err)
		}
		status := task.Status
		if status == "" {
			status = model.NodeStatusPending
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodeflow.node_tasks (execution_id, node_id, node_type, status, input_data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, executionID, task.NodeID, task.NodeType, status, input, time.Now().UTC())
		if err != nil {
			return mapWriteError(err, "Failed to create node task")
		}
	}
	return nil
}

// CreateExecution stores a new execution together with its node tasks.
func (d Datasource) CreateExecution(ctx context.Context, exec model.WorkflowExecution, tasks []model.NodeTask) (*model.WorkflowExecution, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Create execution")
	defer span.End()

	if exec.IterationOutputs == nil {
		exec.IterationOutputs = []model.IterationOutput{}
	}
	outputs, err := json.Marshal(exec.IterationOutputs)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal iteration outputs", err)
	}
	var snapshot []byte
	if exec.WorkflowSnapshot != nil {
		snapshot, err = json.Marshal(exec.WorkflowSnapshot)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal workflow snapshot", err)
		}
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	err = tx.QueryRowContext(ctx, `
		INSERT INTO nodeflow.workflow_executions (user_id, workflow_id, status, repeat_count, current_iteration, iteration_outputs, workflow_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, exec.UserID, exec.WorkflowID, exec.Status, exec.RepeatCount, exec.CurrentIteration, outputs, snapshot, exec.CreatedAt).Scan(&exec.ID)
	if err != nil {
		return nil, mapWriteError(err, "Failed to create execution")
	}

	if err := insertNodeTasks(ctx, tx, exec.ID, tasks); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return &exec, nil
}

// GetExecution retrieves an execution by id.
func (d Datasource) GetExecution(ctx context.Context, id int64) (*model.WorkflowExecution, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Get execution")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM nodeflow.workflow_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Execution with ID '%d' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve execution", err)
	}
	return &exec, nil
}

// StartNextIteration bumps a running execution from fromIteration to the next iteration, stores the
// accumulated iteration outputs and replaces its node tasks with clones. It returns false without
// changes when the execution is no longer running at fromIteration.
func (d Datasource) StartNextIteration(ctx context.Context, executionID int64, fromIteration int, outputs []model.IterationOutput, clones []model.NodeTask) (bool, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Start next iteration")
	defer span.End()

	data, err := json.Marshal(outputs)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal iteration outputs", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	result, err := tx.ExecContext(ctx, `
		UPDATE nodeflow.workflow_executions
		SET current_iteration = current_iteration + 1, iteration_outputs = $1
		WHERE id = $2
		  AND status = $3
		  AND current_iteration = $4
		  AND current_iteration < repeat_count
	`, data, executionID, model.ExecutionStatusRunning, fromIteration)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to advance iteration", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to advance iteration", err)
	}
	if affected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM nodeflow.node_tasks WHERE execution_id = $1`, executionID)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete previous node tasks", err)
	}

	if err := insertNodeTasks(ctx, tx, executionID, clones); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return true, nil
}

// FinishExecution writes the terminal state of a running execution.
func (d Datasource) FinishExecution(ctx context.Context, id int64, finish model.ExecutionFinish) (bool, error) {
	outputs, err := json.Marshal(finish.IterationOutputs)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal iteration outputs", err)
	}
	outputData, err := marshalJSONB(finish.OutputData)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal output data", err)
	}

	return d.execConditional(ctx, "Failed to finish execution", `
		UPDATE nodeflow.workflow_executions
		SET status = $1,
			iteration_outputs = $2,
			output_data = $3,
			result_url = NULLIF($4, ''),
			error_message = NULLIF($5, ''),
			completed_at = $6
		WHERE id = $7 AND status = $8
	`, finish.Status, outputs, outputData, finish.ResultURL, finish.ErrorMessage, time.Now().UTC(), id, model.ExecutionStatusRunning)
}

// FailExecution marks a running execution as failed.
func (d Datasource) FailExecution(ctx context.Context, id int64, errMsg string) (bool, error) {
	return d.execConditional(ctx, "Failed to mark execution as failed", `
		UPDATE nodeflow.workflow_executions
		SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, model.ExecutionStatusFailed, errMsg, time.Now().UTC(), id, model.ExecutionStatusRunning)
}
