package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/markkb/internal/middleware"
	"github.com/xxxsen/markkb/internal/pkg/response"
)

type RouterDeps struct {
	Pipeline  *PipelineHandler
	Knowledge *KnowledgeHandler
	JWTSecret []byte
	// TriggerWindow throttles run and item triggers per operator.
	TriggerWindow time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/health", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})

	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.JWTSecret))

	trigger := authGroup.Group("")
	trigger.Use(middleware.RateLimit(deps.TriggerWindow))
	trigger.POST("/pipeline/runs", deps.Pipeline.StartRun)
	trigger.POST("/items/:id/process", deps.Pipeline.ProcessItem)

	authGroup.GET("/pipeline/runs/:id", deps.Pipeline.GetRun)
	authGroup.GET("/pipeline/runs/:id/events", deps.Pipeline.Events)
	authGroup.GET("/search", deps.Knowledge.Search)
	authGroup.GET("/syntheses", deps.Knowledge.ListSyntheses)
	authGroup.POST("/syntheses/stale", deps.Knowledge.MarkStale)
}
