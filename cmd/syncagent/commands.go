package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/septivank/meter-reconciliation/internal/clock"
	"github.com/septivank/meter-reconciliation/internal/offline"
	"github.com/septivank/meter-reconciliation/internal/syncer"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func enqueueCommand(a *agent) *cobra.Command {
	var (
		raw       validator.RawReading
		key       string
		priority  string
		photoPath string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a meter reading for the next sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := validator.NewValidator(clock.Real{}).ParseReading(raw)
			if err != nil {
				return err
			}
			r.IdempotencyKey = key

			req := offline.EnqueueRequest{
				TenantID: a.cfg.Sync.TenantID,
				Reading:  r,
				Priority: offline.Priority(priority),
			}
			if photoPath != "" {
				content, err := os.ReadFile(photoPath)
				if err != nil {
					return fmt.Errorf("failed to read photo: %w", err)
				}
				req.Photo = &offline.Photo{Content: content, MimeType: http.DetectContentType(content)}
			}

			clientID, err := a.queue.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), clientID)
			return nil
		},
	}

	cmd.Flags().StringVar(&raw.CustomerID, "customer", "", "customer id")
	cmd.Flags().StringVar(&raw.MeterID, "meter", "", "meter id")
	cmd.Flags().StringVar(&raw.Value, "value", "", "cumulative meter value")
	cmd.Flags().StringVar(&raw.Date, "date", "", "reading date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&raw.Notes, "notes", "", "free text notes")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	cmd.Flags().StringVar(&priority, "priority", string(offline.PriorityNormal), "normal or high")
	cmd.Flags().StringVar(&photoPath, "photo", "", "path of a photo of the meter")
	for _, name := range []string{"customer", "meter", "value", "date"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func syncCommand(a *agent) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload pending readings now",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := a.syncManager()
			out := cmd.OutOrStdout()

			done := make(chan struct{})
			progress := manager.Subscribe(16)
			go func() {
				defer close(done)
				for p := range progress {
					if !quiet {
						fmt.Fprintf(out, "batch %d/%d: %d/%d processed, %d synced, %d failed\n",
							p.Batch, p.Batches, p.Processed, p.Total, p.Synced, p.Failed)
					}
				}
			}()

			outcome, err := manager.Sync(cmd.Context(), a.cfg.Sync.TenantID)
			manager.Close()
			<-done

			printOutcome(out, outcome)
			return err
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the summary")
	return cmd
}

func printOutcome(out io.Writer, o syncer.Outcome) {
	fmt.Fprintf(out, "synced: %d failed: %d pending: %d", o.Synced, o.Failed, o.Pending)
	if o.Cancelled {
		fmt.Fprint(out, " (cancelled)")
	}
	fmt.Fprintln(out)
	for _, e := range o.Errors {
		fmt.Fprintf(out, "  error: %s\n", e)
	}
}

func statsCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.queue.Statistics(cmd.Context(), a.cfg.Sync.TenantID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total: %d\npending: %d\nsynced: %d\nfailed: %d\n",
				stats.Total, stats.Pending, stats.Synced, stats.Failed)
			if stats.OldestPending != nil {
				fmt.Fprintf(out, "oldest pending: %s\n", stats.OldestPending.Format(time.RFC3339))
			}
			if stats.LastSyncAttempt != nil {
				fmt.Fprintf(out, "last attempt: %s\n", stats.LastSyncAttempt.Format(time.RFC3339))
			}
			if stats.LastError != "" {
				fmt.Fprintf(out, "last error: %s\n", stats.LastError)
			}
			return nil
		},
	}
}

func resubmitCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <client-id>...",
		Short: "Move failed readings back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := a.queue.Resubmit(cmd.Context(), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resubmitted %s\n", id)
			}
			return nil
		},
	}
}

func deleteCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <client-id>...",
		Short: "Remove queued readings and their photos",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := a.queue.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}

func cleanupCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete synced readings older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.queue.CleanupSynced(cmd.Context(), a.cfg.Queue.Retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d synced readings\n", n)
			return nil
		},
	}
}

func runCommand(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
}

// run syncs immediately and then every Sync.Interval, cleaning up synced
// readings after each pass
func (a *agent) run(ctx context.Context) error {
	manager := a.syncManager()
	tenant := a.cfg.Sync.TenantID
	logger := a.logger.With(zap.String("tenant_id", tenant))

	logger.Info("sync agent started", zap.Duration("interval", a.cfg.Sync.Interval))

	ticker := time.NewTicker(a.cfg.Sync.Interval)
	defer ticker.Stop()

	for {
		outcome, err := manager.Sync(ctx, tenant)
		switch {
		case errors.Is(err, syncer.ErrUnauthorized), errors.Is(err, syncer.ErrTokenRefresh):
			return err
		case err != nil && ctx.Err() == nil:
			logger.Warn("sync pass failed", zap.Error(err))
		case err == nil:
			logger.Info("sync pass finished",
				zap.Int("synced", outcome.Synced),
				zap.Int("failed", outcome.Failed),
				zap.Int("pending", outcome.Pending),
				zap.String("errors", strings.Join(outcome.Errors, "; ")))
		}

		if _, err := a.queue.CleanupSynced(ctx, a.cfg.Queue.Retention); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			manager.Cancel()
			logger.Info("sync agent stopping")
			return nil
		case <-ticker.C:
		}
	}
}
