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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/nodeflow/nodeflow"
	"github.com/nodeflow/nodeflow/api/middleware"
	"github.com/nodeflow/nodeflow/config"
)

type Api struct {
	nodeflow *nodeflow.Nodeflow
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.GET("/health", a.Health)
	router.GET("/queue/stats", a.QueueStats)

	router.POST("/executions", a.StartExecution)
	router.GET("/executions/:id", a.GetExecution)
	return a.router
}

// NewAPI builds the monitoring API over n. Secret key auth is applied when the server is marked secure.
func NewAPI(n *nodeflow.Nodeflow) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("nodeflow"))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	return &Api{nodeflow: n, router: r}
}
