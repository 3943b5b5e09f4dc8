package logging

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StandardLogger wraps zap with the field names used across the service.
type StandardLogger struct {
	logger *zap.Logger
}

// NewStandardLogger builds a JSON logger for production and a console logger
// everywhere else.
func NewStandardLogger(logLevel, environment string) *StandardLogger {
	var cfg zap.Config
	if strings.EqualFold(environment, "production") {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(getZapLevel(logLevel))

	logger, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger = zap.NewExample()
	}
	return &StandardLogger{logger: logger}
}

// NewFromZap wraps an existing zap logger, mostly for tests.
func NewFromZap(logger *zap.Logger) *StandardLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StandardLogger{logger: logger}
}

func getZapLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger exposes the underlying zap logger for components that take *zap.Logger.
func (l *StandardLogger) Logger() *zap.Logger {
	return l.logger
}

// Component returns a named child logger carrying the component field.
func (l *StandardLogger) Component(name string) *zap.Logger {
	return l.logger.Named(name).With(zap.String("component", name))
}

func (l *StandardLogger) WithService(service string) *zap.Logger {
	return l.logger.With(zap.String("service", service))
}

func (l *StandardLogger) WithComponent(component string) *zap.Logger {
	return l.logger.With(zap.String("component", component))
}

func (l *StandardLogger) WithOperation(operation string) *zap.Logger {
	return l.logger.With(zap.String("operation", operation))
}

func (l *StandardLogger) WithRequestID(requestID string) *zap.Logger {
	return l.logger.With(zap.String("request_id", requestID))
}

func (l *StandardLogger) WithOrganization(organizationID string) *zap.Logger {
	return l.logger.With(zap.String("organization_id", organizationID))
}

func (l *StandardLogger) WithSession(sessionID string) *zap.Logger {
	return l.logger.With(zap.String("session_id", sessionID))
}

func (l *StandardLogger) WithError(err error) *zap.Logger {
	return l.logger.With(zap.Error(err))
}

func (l *StandardLogger) WithFields(fields map[string]interface{}) *zap.Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return l.logger.With(zapFields...)
}

func (l *StandardLogger) LogStartup(service, version string, port int) {
	l.logger.Info("Service starting",
		zap.String("event", "startup"),
		zap.String("service", service),
		zap.String("version", version),
		zap.Int("port", port),
	)
}

func (l *StandardLogger) LogShutdown(service, reason string) {
	l.logger.Info("Service shutting down",
		zap.String("event", "shutdown"),
		zap.String("service", service),
		zap.String("reason", reason),
	)
}

func (l *StandardLogger) LogAPIRequest(method, path string, statusCode int, duration time.Duration, requestID string) {
	l.logger.Info("API request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration.Milliseconds()),
		zap.String("request_id", requestID),
	)
}

// LogRoutingDecision records the outcome of one analyze-and-route call.
func (l *StandardLogger) LogRoutingDecision(requestID, phase, provider, model string, confidence float64, duration time.Duration) {
	l.logger.Info("Routing decision",
		zap.String("request_id", requestID),
		zap.String("phase", phase),
		zap.String("provider", provider),
		zap.String("model", model),
		zap.Float64("confidence", confidence),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
}

func (l *StandardLogger) Sync() error {
	return l.logger.Sync()
}
