// Command worker runs the meter reading reconciliation service: the RabbitMQ
// import consumer and the HTTP sync and rules API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/septivank/meter-reconciliation/internal/config"
	"github.com/septivank/meter-reconciliation/internal/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 30 * time.Second
)

func workerOptions() fx.Option {
	return fx.Options(
		fx.WithLogger(newFxLogger),
		fx.Provide(
			config.Load,
			newLogger,
			ProvideDBPool,
			ProvideRepository,
			ProvideRulesEngine,
			ProvideNormalcyDetector,
			ProvideCalculator,
			ProvideValidator,
			ProvideMQConnection,
			ProvidePublisher,
			ProvideProcessorService,
			ProvideAPIServer,
		),
		fx.Invoke(startConsumer, startHTTPServer),
	)
}

func main() {
	if path := config.LoadDotEnv(); path != "" {
		fmt.Printf("Loaded environment from: %s\n", path)
	}

	boot, err := logging.NewLogger("meter-reconciliation-worker")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := fx.New(workerOptions())

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			boot.Error("worker did not start in time, check database and RabbitMQ connectivity",
				zap.Duration("timeout", startTimeout))
		}
		boot.Fatal("worker failed to start", zap.Error(err))
	}

	<-ctx.Done()
	boot.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		boot.Error("worker did not stop cleanly", zap.Error(err))
	}
}
