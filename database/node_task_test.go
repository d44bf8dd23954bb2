package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/model"
)

var nodeTaskRowColumns = []string{"id", "execution_id", "node_id", "node_type", "status", "started_at", "completed_at", "input_data", "output_data", "result_url", "external_task_id", "error_message", "credits_charged", "created_at"}

func TestGetNodeTask_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM nodeflow.node_tasks WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(nodeTaskRowColumns).
			AddRow(5, 1, "n1", "image-generation", model.NodeStatusProcessing, now, nil, []byte(`{"prompt":"a cat"}`), []byte(`{"image":"https://x/y.png"}`), "https://x/y.png", "ext-1", nil, 10, now))

	task, err := ds.GetNodeTask(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "n1", task.NodeID)
	assert.Equal(t, "a cat", task.InputData["prompt"])
	assert.Equal(t, "https://x/y.png", task.OutputData["image"])
	assert.Equal(t, "ext-1", task.ExternalTaskID)
	assert.Equal(t, int64(10), task.CreditsCharged)
	assert.NotNil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
}

func TestGetNodeTask_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM nodeflow.node_tasks").WillReturnRows(sqlmock.NewRows(nodeTaskRowColumns))

	_, err = ds.GetNodeTask(context.Background(), 5)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestGetNodeTasksByExecution(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM nodeflow.node_tasks WHERE execution_id").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(nodeTaskRowColumns).
			AddRow(1, 1, "start", "start-flow", model.NodeStatusCompleted, now, now, []byte(`{}`), nil, nil, nil, nil, 0, now).
			AddRow(2, 1, "gen", "image-generation", model.NodeStatusPending, nil, nil, []byte(`{}`), nil, nil, nil, nil, 0, now))

	tasks, err := ds.GetNodeTasksByExecution(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.True(t, tasks[0].IsTerminal())
	assert.False(t, tasks[1].IsTerminal())
	assert.NotNil(t, tasks[1].InputData)
}

func TestMarkNodeTaskProcessing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	staleBefore := now.Add(-5 * time.Minute)

	mock.ExpectExec("UPDATE nodeflow.node_tasks").
		WithArgs(model.NodeStatusProcessing, now, int64(15), int64(3), model.NodeStatusPending, model.NodeStatusQueued, staleBefore).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := ds.MarkNodeTaskProcessing(context.Background(), 3, staleBefore, 15, now)
	assert.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE nodeflow.node_tasks").WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = ds.MarkNodeTaskProcessing(context.Background(), 3, staleBefore, 0, now)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteNodeTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE nodeflow.node_tasks").
		WithArgs(model.NodeStatusCompleted, now, []byte(`{"text":"hi"}`), "", "", int64(4), model.NodeStatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := ds.CompleteNodeTask(context.Background(), 4, model.NodeTaskResult{OutputData: map[string]interface{}{"text": "hi"}}, now)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetNodeTaskExternalID_NeverOverwrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE nodeflow.node_tasks (.+) external_task_id IS NULL").
		WithArgs("ext-9", sqlmock.AnyArg(), int64(4), model.NodeStatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := ds.SetNodeTaskExternalID(context.Background(), 4, "ext-9", nil)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseNodeTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE nodeflow.node_tasks (.+) external_task_id IS NULL").
		WithArgs(model.NodeStatusQueued, "handler down", int64(4), model.NodeStatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := ds.ReleaseNodeTask(context.Background(), 4, "handler down")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailNodeTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE nodeflow.node_tasks").
		WithArgs(model.NodeStatusFailed, "stale", now, int64(4), model.NodeStatusCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := ds.FailNodeTask(context.Background(), 4, "stale", now)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestTakeNodeTaskCredits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("WITH prev AS").WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"credits_charged"}).AddRow(25))

	amount, err := ds.TakeNodeTaskCredits(context.Background(), 4)
	assert.NoError(t, err)
	assert.Equal(t, int64(25), amount)

	mock.ExpectQuery("WITH prev AS").WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"credits_charged"}))

	amount, err = ds.TakeNodeTaskCredits(context.Background(), 4)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
