package model

import (
	"time"
)

// Node task status constants
const (
	NodeStatusPending    = "pending"
	NodeStatusQueued     = "queued"
	NodeStatusProcessing = "processing"
	NodeStatusCompleted  = "completed"
	NodeStatusFailed     = "failed"
)

// Execution status constants
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
)

// NodeTask is the execution record of one workflow node within one execution.
type NodeTask struct {
	ID             int64                  `json:"id"`
	ExecutionID    int64                  `json:"execution_id"`
	NodeID         string                 `json:"node_id"`
	NodeType       string                 `json:"node_type"`
	Status         string                 `json:"status"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	InputData      map[string]interface{} `json:"input_data"`
	OutputData     map[string]interface{} `json:"output_data,omitempty"`
	ResultURL      string                 `json:"result_url,omitempty"`
	ExternalTaskID string                 `json:"external_task_id,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	CreditsCharged int64                  `json:"credits_charged"`
	CreatedAt      time.Time              `json:"created_at"`
}

// IsTerminal reports whether the task reached completed or failed.
func (t *NodeTask) IsTerminal() bool {
	return t.Status == NodeStatusCompleted || t.Status == NodeStatusFailed
}

// NodeTaskResult carries what a successful node run persists.
type NodeTaskResult struct {
	OutputData     map[string]interface{}
	ResultURL      string
	ExternalTaskID string
}

// IterationOutput summarises one finished iteration of an execution.
type IterationOutput struct {
	Iteration   int                               `json:"iteration"`
	Status      string                            `json:"status"`
	ResultURL   string                            `json:"result_url,omitempty"`
	NodeOutputs map[string]map[string]interface{} `json:"node_outputs,omitempty"`
	CompletedAt time.Time                         `json:"completed_at"`
}

// WorkflowExecution is one run, possibly repeated, of a workflow.
type WorkflowExecution struct {
	ID               int64                  `json:"id"`
	UserID           int64                  `json:"user_id"`
	WorkflowID       int64                  `json:"workflow_id"`
	Status           string                 `json:"status"`
	RepeatCount      int                    `json:"repeat_count"`
	CurrentIteration int                    `json:"current_iteration"`
	IterationOutputs []IterationOutput      `json:"iteration_outputs"`
	OutputData       map[string]interface{} `json:"output_data,omitempty"`
	ResultURL        string                 `json:"result_url,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	WorkflowSnapshot *WorkflowDefinition    `json:"workflow_snapshot,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the execution reached completed or failed.
func (e *WorkflowExecution) IsTerminal() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusFailed
}

// ExecutionFinish is the terminal state written when an execution ends.
type ExecutionFinish struct {
	Status           string
	IterationOutputs []IterationOutput
	OutputData       map[string]interface{}
	ResultURL        string
	ErrorMessage     string
}

// NodeResult is what a node executor returns for one node run.
type NodeResult struct {
	Success   bool                   `json:"success"`
	Output    map[string]interface{} `json:"output,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	ResultURL string                 `json:"resultUrl,omitempty"`
	Error     string                 `json:"error,omitempty"`
}
