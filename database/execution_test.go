package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/model"
)

var executionRowColumns = []string{"id", "user_id", "workflow_id", "status", "repeat_count", "current_iteration", "iteration_outputs", "output_data", "result_url", "error_message", "workflow_snapshot", "created_at", "completed_at"}

func TestCreateExecution_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	snapshot := &model.WorkflowDefinition{Nodes: []model.WorkflowNode{{ID: "n1", Type: "delay"}}}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO nodeflow.workflow_executions").
		WithArgs(int64(3), int64(8), model.ExecutionStatusRunning, 2, 1, []byte(`[]`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectExec("INSERT INTO nodeflow.node_tasks").
		WithArgs(int64(11), "n1", "delay", model.NodeStatusPending, []byte(`{"seconds":5}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	exec, err := ds.CreateExecution(context.Background(), model.WorkflowExecution{
		UserID:           3,
		WorkflowID:       8,
		Status:           model.ExecutionStatusRunning,
		RepeatCount:      2,
		CurrentIteration: 1,
		WorkflowSnapshot: snapshot,
	}, []model.NodeTask{{NodeID: "n1", NodeType: "delay", InputData: map[string]interface{}{"seconds": 5}}})
	require.NoError(t, err)
	assert.Equal(t, int64(11), exec.ID)
	assert.NotNil(t, exec.IterationOutputs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateExecution_RollsBackOnNodeTaskError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO nodeflow.workflow_executions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectExec("INSERT INTO nodeflow.node_tasks").
		WillReturnError(&pq.Error{Code: "23503", Message: "foreign_key_violation"})
	mock.ExpectRollback()

	_, err = ds.CreateExecution(context.Background(), model.WorkflowExecution{UserID: 3, WorkflowID: 8, Status: model.ExecutionStatusRunning, RepeatCount: 1, CurrentIteration: 1},
		[]model.NodeTask{{NodeID: "n1", NodeType: "delay"}})
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrBadRequest, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExecution_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM nodeflow.workflow_executions").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows(executionRowColumns).
			AddRow(11, 3, 8, model.ExecutionStatusRunning, 3, 2,
				[]byte(`[{"iteration":1,"status":"completed","result_url":"https://x/1.mp4","completed_at":"2024-01-01T00:00:00Z"}]`),
				nil, nil, nil, []byte(`{"nodes":[{"id":"n1","type":"delay"}],"connections":[]}`), now, nil))

	exec, err := ds.GetExecution(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, 2, exec.CurrentIteration)
	require.Len(t, exec.IterationOutputs, 1)
	assert.Equal(t, "https://x/1.mp4", exec.IterationOutputs[0].ResultURL)
	require.NotNil(t, exec.WorkflowSnapshot)
	assert.Equal(t, "n1", exec.WorkflowSnapshot.Nodes[0].ID)
	assert.Nil(t, exec.CompletedAt)
}

func TestGetExecution_NullSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM nodeflow.workflow_executions").
		WillReturnRows(sqlmock.NewRows(executionRowColumns).
			AddRow(11, 3, 8, model.ExecutionStatusRunning, 1, 1, []byte(`[]`), nil, nil, nil, []byte(`null`), now, nil))

	exec, err := ds.GetExecution(context.Background(), 11)
	require.NoError(t, err)
	assert.Nil(t, exec.WorkflowSnapshot)
}

func TestStartNextIteration_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	outputs := []model.IterationOutput{{Iteration: 1, Status: model.ExecutionStatusCompleted}}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE nodeflow.workflow_executions").
		WithArgs(sqlmock.AnyArg(), int64(11), model.ExecutionStatusRunning, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM nodeflow.node_tasks").
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO nodeflow.node_tasks").WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectExec("INSERT INTO nodeflow.node_tasks").WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectCommit()

	ok, err := ds.StartNextIteration(context.Background(), 11, 1, outputs, []model.NodeTask{
		{NodeID: "a", NodeType: "start-flow", InputData: map[string]interface{}{}},
		{NodeID: "b", NodeType: "delay", InputData: map[string]interface{}{"seconds": 1}},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartNextIteration_LostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE nodeflow.workflow_executions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := ds.StartNextIteration(context.Background(), 11, 1, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishExecution(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE nodeflow.workflow_executions").
		WithArgs(model.ExecutionStatusCompleted, sqlmock.AnyArg(), sqlmock.AnyArg(), "https://x/final.mp4", "", sqlmock.AnyArg(), int64(11), model.ExecutionStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := ds.FinishExecution(context.Background(), 11, model.ExecutionFinish{
		Status:     model.ExecutionStatusCompleted,
		ResultURL:  "https://x/final.mp4",
		OutputData: map[string]interface{}{"result_urls": []string{"https://x/final.mp4"}},
	})
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailExecution_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE nodeflow.workflow_executions").WillReturnError(errors.New("db down"))

	ok, err := ds.FailExecution(context.Background(), 11, "boom")
	assert.Error(t, err)
	assert.False(t, ok)
}
