package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/msgroute/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "router-api-service",
		})
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	jobHandler := handler.NewJobHandler(deps)
	schemaHandler := handler.NewSchemaHandler(deps)

	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/messages - Store a message and schedule its routing
		v1.POST("/messages", jobHandler.CreateMessage)

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/abort", jobHandler.AbortJob)
		}

		schema := v1.Group("/schema")
		{
			schema.PUT("", schemaHandler.Save)
			// POST /api/v1/schema/reload - Make every router rebuild its schema
			schema.POST("/reload", schemaHandler.Reload)
		}
	}

	return r
}
