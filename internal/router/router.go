package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpy/paths"
	"github.com/psds-microservice/routing-service/api"
	"github.com/psds-microservice/routing-service/internal/handler"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// PathAPIv1 — префикс REST API; health, ready и swagger берутся из helpy/paths.
const PathAPIv1 = "/api/v1"

func New(health *handler.HealthHandler, routing *handler.RoutingHandler) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(paths.PathHealth, health.Health)
	r.GET(paths.PathReady, health.Ready)
	r.GET(paths.PathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, paths.PathSwagger+"/") })
	r.GET(paths.PathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = paths.PathSwagger + "/index.html"
			c.Request.RequestURI = paths.PathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL(paths.PathSwagger+"/openapi.json"))(c)
	})

	v1 := r.Group(PathAPIv1)
	{
		v1.POST("/agents", routing.RegisterAgent)
		v1.PUT("/agents/:id/state", routing.SetAgentState)
		v1.PUT("/agents/:id/online", routing.SetAgentOnline)

		v1.POST("/conversations", routing.OpenConversation)
		v1.GET("/conversations/:id", routing.GetConversation)
		v1.POST("/conversations/:id/assign", routing.Assign)
		v1.POST("/conversations/:id/manual-assign", routing.AssignManual)
		v1.POST("/conversations/:id/transfer", routing.Transfer)
		v1.POST("/conversations/:id/unassign", routing.Unassign)
		v1.POST("/conversations/:id/close", routing.CloseConversation)

		v1.DELETE("/queue/:entryId", routing.RemoveFromQueue)

		v1.GET("/tenants/:tenant/agents", routing.ListAgents)
		v1.GET("/tenants/:tenant/queue", routing.QueueStatus)
		v1.GET("/tenants/:tenant/queue/stats", routing.QueueStats)
		v1.GET("/tenants/:tenant/routing-config", routing.GetRoutingConfig)
		v1.PUT("/tenants/:tenant/routing-config", routing.UpdateRoutingConfig)
	}

	return r
}
