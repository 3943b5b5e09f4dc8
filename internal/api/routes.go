// Package api wires the HTTP surface of the routing engine onto gin.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/irfndi/optiroute/internal/api/handlers"
	"github.com/irfndi/optiroute/internal/middleware"
)

// Dependencies are the collaborators SetupRoutes mounts. Only Router is
// required; routes backed by a nil collaborator are not registered.
type Dependencies struct {
	Router handlers.Router
	Health *handlers.HealthHandler
	// Usage enables /api/v1/usage.
	Usage *handlers.UsageHandler
	// Admin enables /api/v1/admin behind AdminToken.
	Admin      *handlers.AdminHandler
	AdminToken string
	// Gatherer serves /metrics; nil falls back to the default registry.
	Gatherer    prometheus.Gatherer
	RateLimiter *middleware.RateLimiter
	Logger      *zap.Logger
}

// SetupRoutes registers health, metrics and the v1 API on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	health := deps.Health
	if health == nil {
		health = handlers.NewHealthHandler("")
	}
	healthGroup := router.Group("/")
	healthGroup.Use(middleware.HealthCheckTelemetryMiddleware())
	{
		healthGroup.GET("/health", health.HealthCheck)
		healthGroup.HEAD("/health", health.HealthCheck)
		healthGroup.GET("/health/live", health.LivenessCheck)
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Middleware())
	}

	routing := handlers.NewRoutingHandler(deps.Router, logger.With(zap.String("component", "api")))
	v1.POST("/route", routing.Route)
	v1.POST("/complete", routing.Complete)
	v1.POST("/outcomes", routing.RecordOutcome)

	if deps.Usage != nil {
		usage := v1.Group("/usage")
		{
			usage.GET("/budget", deps.Usage.GetBudgetStatus)
			usage.GET("/summary", deps.Usage.GetSummary)
		}
	}

	if deps.Admin != nil {
		admin := v1.Group("/admin")
		admin.Use(middleware.NewAdminMiddleware(deps.AdminToken).RequireAdminAuth())
		{
			admin.PUT("/keys/:id/quota", deps.Admin.UpdateKeyQuota)
			admin.POST("/catalog/invalidate", deps.Admin.InvalidateCatalog)
			admin.GET("/jobs", deps.Admin.GetJobs)
			admin.POST("/jobs/requeue", deps.Admin.RequeueJobs)
			admin.GET("/stats", deps.Admin.GetStats)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
}

// NewRouter returns a gin engine with recovery, Sentry, request ids and CORS
// for allowedOrigins.
func NewRouter(allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TelemetryMiddleware())
	router.Use(middleware.RequestID())
	router.Use(corsMiddleware(allowedOrigins))
	return router
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+
				middleware.RequestIDHeader+", "+middleware.OrganizationHeader+", "+middleware.AdminTokenHeader)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
