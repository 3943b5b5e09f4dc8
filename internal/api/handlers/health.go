package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
)

// HealthChecker is implemented by the database and Redis connections.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// StatsProvider contributes a named block of runtime statistics.
type StatsProvider func(ctx context.Context) any

// HealthHandler reports dependency status.
type HealthHandler struct {
	checks   map[string]HealthChecker
	critical map[string]bool
	stats    map[string]StatsProvider
	version  string
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	// healthy, degraded or unhealthy
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime"`
	Stats     map[string]any    `json:"stats,omitempty"`
}

// NewHealthHandler builds a handler; register dependencies with AddCheck.
func NewHealthHandler(version string) *HealthHandler {
	if version == "" {
		version = os.Getenv("APP_VERSION")
	}
	return &HealthHandler{
		checks:   make(map[string]HealthChecker),
		critical: make(map[string]bool),
		stats:    make(map[string]StatsProvider),
		version:  version,
	}
}

// AddCheck registers a dependency. A failing critical dependency turns the
// response into 503; others only degrade it. A nil checker is reported as
// "not configured".
func (h *HealthHandler) AddCheck(name string, checker HealthChecker, critical bool) *HealthHandler {
	h.checks[name] = checker
	h.critical[name] = critical
	return h
}

func (h *HealthHandler) AddStats(name string, p StatsProvider) *HealthHandler {
	if p != nil {
		h.stats[name] = p
	}
	return h
}

// HealthCheck handles GET /health.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	span := sentry.StartSpan(ctx, "health_check")
	defer span.Finish()
	ctx = span.Context()

	statuses := make(map[string]string, len(h.checks))
	status := "healthy"
	criticalDown := false
	for name, checker := range h.checks {
		if checker == nil {
			statuses[name] = "not configured"
			span.SetTag(name+".status", "not_configured")
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			statuses[name] = "unhealthy: " + err.Error()
			span.SetTag(name+".status", "unhealthy")
			status = "degraded"
			if h.critical[name] {
				criticalDown = true
			}
			continue
		}
		statuses[name] = "healthy"
		span.SetTag(name+".status", "healthy")
	}

	var stats map[string]any
	if len(h.stats) > 0 {
		stats = make(map[string]any, len(h.stats))
		for name, p := range h.stats {
			stats[name] = p(ctx)
		}
	}

	code := http.StatusOK
	span.Status = sentry.SpanStatusOK
	if criticalDown {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		span.Status = sentry.SpanStatusUnavailable
	}
	span.SetTag("overall.status", status)

	c.JSON(code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  statuses,
		Version:   h.version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Stats:     stats,
	})
}

// LivenessCheck handles GET /health/live.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

var startTime = time.Now()
