// Package observability wires error reporting, metrics and tracing for the router.
package observability

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/irfndi/optiroute/internal/config"
)

// InitSentry configures the Sentry client. An empty DSN leaves Sentry disabled
// and every helper in this file becomes a no-op.
func InitSentry(cfg config.SentryConfig, release, environment string) error {
	if cfg.DSN == "" {
		return nil
	}
	env := cfg.Environment
	if env == "" {
		env = environment
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Release:          release,
		Environment:      env,
		TracesSampleRate: cfg.TracesSampleRate,
		AttachStacktrace: true,
	})
}

// Flush waits for buffered events to be delivered.
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

func hubFromContext(ctx context.Context) *sentry.Hub {
	if ctx != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			return hub
		}
	}
	return sentry.CurrentHub()
}

// CaptureException reports err on the request hub when one is attached to ctx.
func CaptureException(ctx context.Context, err error) {
	if err == nil {
		return
	}
	hubFromContext(ctx).CaptureException(err)
}

// CaptureExceptionWithTags reports err with extra searchable tags.
func CaptureExceptionWithTags(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := hubFromContext(ctx).Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
	})
	hub.CaptureException(err)
}

// AddBreadcrumb records a breadcrumb on the request hub.
func AddBreadcrumb(ctx context.Context, category, message string, level sentry.Level) {
	hubFromContext(ctx).AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     level,
		Timestamp: time.Now(),
	}, nil)
}
