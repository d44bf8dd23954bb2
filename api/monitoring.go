package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/nodeflow/nodeflow/api/model"
	"github.com/nodeflow/nodeflow/internal/apierror"
)

func (a Api) Health(c *gin.Context) {
	c.JSON(http.StatusOK, model2.Health{Status: "ok", Storage: a.nodeflow.StorageMode()})
}

func (a Api) QueueStats(c *gin.Context) {
	stats, err := a.nodeflow.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}
