package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/septivank/meter-reconciliation/internal/clock"
	"github.com/septivank/meter-reconciliation/internal/config"
	"github.com/septivank/meter-reconciliation/internal/logging"
	"github.com/septivank/meter-reconciliation/internal/offline"
	"github.com/septivank/meter-reconciliation/internal/retry"
	"github.com/septivank/meter-reconciliation/internal/syncer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// agent holds what the subcommands share. It is populated by the root
// command's PersistentPreRunE.
type agent struct {
	cfg    *config.AgentConfig
	logger *zap.Logger
	queue  *offline.Store

	manager *syncer.Manager
}

// execute runs the command line and releases the queue whatever the outcome
func execute(ctx context.Context, args []string, out io.Writer) error {
	a := &agent{}
	defer func() {
		if err := a.close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close queue: %v\n", err)
		}
	}()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(a *agent) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "syncagent",
		Short:        "Offline meter reading queue and sync agent",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
	}

	rootCmd.AddCommand(
		enqueueCommand(a),
		syncCommand(a),
		statsCommand(a),
		resubmitCommand(a),
		deleteCommand(a),
		cleanupCommand(a),
		runCommand(a),
	)

	return rootCmd
}

func (a *agent) open() error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return err
	}
	logger, err := logging.NewLoggerWithLevel(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	queue, err := offline.Open(cfg.Queue.Path, clock.Real{}, offline.Options{
		MaxItems:      cfg.Queue.MaxItems,
		MaxPhotoBytes: cfg.Queue.MaxPhotoBytes,
	}, logger)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.queue = queue
	return nil
}

// syncManager builds the manager on first use so queue-only commands work
// without network settings being reachable
func (a *agent) syncManager() *syncer.Manager {
	if a.manager != nil {
		return a.manager
	}

	s := a.cfg.Sync
	client := &http.Client{Timeout: s.RequestTimeout}

	var tokens syncer.TokenProvider
	if s.RefreshURL != "" {
		tokens = syncer.NewRefreshingTokenProvider(client, s.RefreshURL, s.RefreshToken, s.AccessToken)
	} else {
		tokens = syncer.NewStaticTokenProvider(s.AccessToken)
	}

	a.manager = syncer.NewManager(
		a.queue,
		syncer.NewHTTPTransport(client, s.BaseURL, s.TenantID),
		tokens,
		syncer.Config{
			BatchSize:  s.BatchSize,
			MaxRetries: s.MaxRetries,
			NetworkPolicy: retry.Policy{
				MaxAttempts:  s.NetworkAttempts,
				InitialDelay: s.BackoffInitial,
				Multiplier:   s.BackoffFactor,
				MaxDelay:     s.BackoffMax,
				Jitter:       s.BackoffJitter,
			},
		},
		a.logger,
	)
	return a.manager
}

func (a *agent) close() error {
	if a.manager != nil {
		a.manager.Close()
		a.manager = nil
	}
	var err error
	if a.queue != nil {
		err = a.queue.Close()
		a.queue = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}
