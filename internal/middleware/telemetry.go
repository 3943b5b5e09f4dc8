// Package middleware provides the gin middleware used by the routing API:
// Sentry request tracing, request ids and rate limiting.
package middleware

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the caller's request id, or the one we assigned.
	RequestIDHeader = "X-Request-ID"
	// OrganizationHeader names the tenant a request is billed to.
	OrganizationHeader = "X-Organization-ID"

	requestIDKey = "request_id"
)

// TelemetryMiddleware attaches a Sentry hub to every request. Panics are
// reported and then re-raised so gin's recovery still answers 500.
func TelemetryMiddleware() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{
		Repanic: true,
	})
}

// HealthCheckTelemetryMiddleware tags health probes so they can be filtered
// out of transaction dashboards.
func HealthCheckTelemetryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			hub.Scope().SetTag("transaction_type", "health_check")
		}
		c.Next()
	}
}

// RequestID propagates X-Request-ID, generating one when the caller sent none.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			hub.Scope().SetTag("request_id", id)
			if org := c.GetHeader(OrganizationHeader); org != "" {
				hub.Scope().SetTag("organization_id", org)
			}
		}
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// RecordError captures err on the request's hub and marks the transaction failed.
func RecordError(c *gin.Context, err error, description string) {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("error_context", description)
			hub.CaptureException(err)
		})
		if span := sentry.TransactionFromContext(c.Request.Context()); span != nil {
			span.Status = sentry.SpanStatusInternalError
		}
	}
}

// StartSpan leaves a breadcrumb inside the transaction sentrygin started.
func StartSpan(c *gin.Context, name string) {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.AddBreadcrumb(&sentry.Breadcrumb{
			Category: "span",
			Message:  name,
			Level:    sentry.LevelInfo,
		}, nil)
	}
}

// AddSpanAttribute tags the request scope.
func AddSpanAttribute(c *gin.Context, key string, value any) {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.Scope().SetTag(key, fmt.Sprint(value))
	}
}
