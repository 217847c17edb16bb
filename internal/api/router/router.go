package router

import (
	"github.com/cuongbtq/automation-scheduler/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceName is reported by the health endpoint
const ServiceName = "automation-api-service"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", handler.Health(ServiceName, deps.HealthChecks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	automationHandler := handler.NewAutomationHandler(deps)

	v1 := r.Group("/api/v1")
	{
		automation := v1.Group("/automation")
		automation.Use(Authenticate(deps.Profiles, deps.Logger))
		{
			// POST /api/v1/automation/start - schedule the caller's automation
			automation.POST("/start", automationHandler.StartAutomation)

			// GET /api/v1/automation/status - the caller's queued or running job
			automation.GET("/status", automationHandler.GetStatus)

			// GET /api/v1/automation/failures - the caller's failure history
			automation.GET("/failures", automationHandler.ListFailures)
		}
	}

	return r
}
