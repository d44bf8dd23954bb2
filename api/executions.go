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

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	model2 "github.com/nodeflow/nodeflow/api/model"
	"github.com/nodeflow/nodeflow/internal/apierror"
)

func (a Api) StartExecution(c *gin.Context) {
	var req model2.StartExecution
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidateStartExecution(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	exec, err := a.nodeflow.StartExecution(c.Request.Context(), req.WorkflowID, req.RepeatCount)
	if err != nil {
		resp := gin.H{"error": err.Error()}
		if exec != nil {
			resp["execution_id"] = exec.ID
		}
		c.JSON(apierror.MapErrorToHTTPStatus(err), resp)
		return
	}

	c.JSON(http.StatusCreated, exec)
}

func (a Api) GetExecution(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer. pass id in the route /:id"})
		return
	}

	exec, tasks, err := a.nodeflow.GetExecution(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, model2.NewExecutionStatus(exec, tasks))
}
