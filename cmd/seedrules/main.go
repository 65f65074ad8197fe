// Command seedrules loads tenant anomaly rules from a YAML file, replacing
// each listed tenant's existing rules.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/meter-reconciliation/internal/anomaly"
	"github.com/septivank/meter-reconciliation/internal/config"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/logging"
	"github.com/septivank/meter-reconciliation/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RuleReplacer replaces all rules of a tenant
type RuleReplacer interface {
	ReplaceTenantRules(ctx context.Context, tenantID string, rules []anomaly.Rule) error
}

func main() {
	config.LoadDotEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		file   string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:          "seedrules",
		Short:        "Load tenant anomaly rules from a YAML seed file",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open seed file: %w", err)
			}
			defer f.Close()

			seed, err := anomaly.LoadSeed(f)
			if err != nil {
				return err
			}
			if dryRun {
				printSeed(cmd.OutOrStdout(), seed)
				return nil
			}

			logger, err := logging.NewLoggerWithLevel("meter-seed-rules", os.Getenv("LOG_LEVEL"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			dbCfg, err := config.LoadDatabase()
			if err != nil {
				return err
			}
			pool, err := pgxpool.New(cmd.Context(), dbCfg.URL)
			if err != nil {
				return fmt.Errorf("[DATABASE] failed to create connection pool: %w", err)
			}
			defer pool.Close()

			if dbCfg.ApplySchema {
				if err := db.ApplySchema(cmd.Context(), pool); err != nil {
					return err
				}
			}

			return applySeed(cmd.Context(), repository.NewRepository(pool, logger), seed, logger)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "configs/rules.example.yaml", "seed file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and print the rules without writing")
	return cmd
}

// applySeed writes tenants in name order so reruns touch rows in the same sequence
func applySeed(ctx context.Context, store RuleReplacer, seed map[string][]anomaly.Rule, logger *zap.Logger) error {
	for _, tenant := range sortedTenants(seed) {
		if err := store.ReplaceTenantRules(ctx, tenant, seed[tenant]); err != nil {
			return fmt.Errorf("tenant %s: %w", tenant, err)
		}
		logger.Info("seeded tenant rules", zap.String("tenant_id", tenant), zap.Int("rules", len(seed[tenant])))
	}
	return nil
}

func printSeed(out io.Writer, seed map[string][]anomaly.Rule) {
	for _, tenant := range sortedTenants(seed) {
		fmt.Fprintf(out, "%s:\n", tenant)
		for _, r := range seed[tenant] {
			state := "active"
			if !r.IsActive {
				state = "inactive"
			}
			fmt.Fprintf(out, "  %s (%s, %s, %s)\n", r.Name, r.Type, r.Severity, state)
		}
	}
}

func sortedTenants(seed map[string][]anomaly.Rule) []string {
	tenants := make([]string, 0, len(seed))
	for t := range seed {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}
