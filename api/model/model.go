/*
Copyright 2024 Blnk Finance Authors.

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
package model

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/nodeflow/nodeflow/model"
)

type StartExecution struct {
	WorkflowID  int64 `json:"workflow_id"`
	RepeatCount int   `json:"repeat_count"`
}

// ExecutionStatus is an execution as reported by the monitoring API, with its node tasks.
type ExecutionStatus struct {
	*model.WorkflowExecution
	Tasks []model.NodeTask `json:"tasks"`
}

type Health struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

func (s *StartExecution) ValidateStartExecution() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.WorkflowID, validation.Required, validation.Min(int64(1))),
		validation.Field(&s.RepeatCount, validation.Min(0)),
	)
}

func NewExecutionStatus(exec *model.WorkflowExecution, tasks []model.NodeTask) ExecutionStatus {
	if tasks == nil {
		tasks = []model.NodeTask{}
	}
	return ExecutionStatus{WorkflowExecution: exec, Tasks: tasks}
}
