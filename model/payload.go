package model

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// TaskPayload is implemented by every queue payload variant.
type TaskPayload interface {
	TaskType() string
	Validate() error
}

// NodeExecutionPayload asks a worker to run one node of an execution.
type NodeExecutionPayload struct {
	ExecutionID int64  `json:"execution_id"`
	TaskID      int64  `json:"task_id"`
	NodeID      string `json:"node_id"`
	NodeType    string `json:"node_type"`
}

func (p NodeExecutionPayload) TaskType() string {
	return TaskTypeNodeExecution
}

func (p NodeExecutionPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ExecutionID, validation.Required),
		validation.Field(&p.TaskID, validation.Required),
		validation.Field(&p.NodeID, validation.Required),
		validation.Field(&p.NodeType, validation.Required),
	)
}

// PollStatusPayload asks a worker to check an external provider task.
type PollStatusPayload struct {
	NodeTaskID     int64  `json:"node_task_id"`
	ExecutionID    int64  `json:"execution_id"`
	ExternalTaskID string `json:"external_task_id"`
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	PollCount      int    `json:"poll_count"`
	MaxPolls       int    `json:"max_polls"`
}

func (p PollStatusPayload) TaskType() string {
	return TaskTypePollAPIStatus
}

func (p PollStatusPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.NodeTaskID, validation.Required),
		validation.Field(&p.ExecutionID, validation.Required),
		validation.Field(&p.ExternalTaskID, validation.Required),
		validation.Field(&p.Provider, validation.Required),
		validation.Field(&p.PollCount, validation.Min(0)),
		validation.Field(&p.MaxPolls, validation.Required, validation.Min(1)),
	)
}

// Next returns a copy of the payload for the following poll.
func (p PollStatusPayload) Next() PollStatusPayload {
	p.PollCount++
	return p
}

// DecodePayload decodes raw JSON into the payload variant for taskType and validates it.
func DecodePayload(taskType string, raw json.RawMessage) (TaskPayload, error) {
	var payload TaskPayload
	switch taskType {
	case TaskTypeNodeExecution:
		var p NodeExecutionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		payload = p
	case TaskTypePollAPIStatus:
		var p PollStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		payload = p
	default:
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}

	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", taskType, err)
	}
	return payload, nil
}
