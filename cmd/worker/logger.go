package main

import (
	"github.com/septivank/meter-reconciliation/internal/config"
	"github.com/septivank/meter-reconciliation/internal/logging"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLoggerWithLevel(cfg.ServiceName, cfg.LogLevel)
}

// fx lifecycle events go through the service logger, quieted to debug
func newFxLogger(logger *zap.Logger) fxevent.Logger {
	l := &fxevent.ZapLogger{Logger: logger.Named("fx")}
	l.UseLogLevel(zap.DebugLevel)
	return l
}
