// Command syncagent queues meter readings captured offline and uploads them
// to the reconciliation worker when connectivity allows.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/septivank/meter-reconciliation/internal/config"
)

func main() {
	config.LoadDotEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}
