package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	return NewLoggerWithLevel(serviceName, "info")
}

// NewLoggerWithLevel creates a structured logger at the given level
// (debug, info, warn, error). Unknown levels fall back to info.
func NewLoggerWithLevel(serviceName, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithRequestID returns a logger with request_id field
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// WithTenant returns a logger with tenant_id field
func WithTenant(logger *zap.Logger, tenantID string) *zap.Logger {
	return logger.With(zap.String("tenant_id", tenantID))
}

// WithBatchID returns a logger with batch_id field
func WithBatchID(logger *zap.Logger, batchID string) *zap.Logger {
	return logger.With(zap.String("batch_id", batchID))
}
