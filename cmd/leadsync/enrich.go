package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lead-sync-service/internal/enrich"
	"lead-sync-service/internal/logger"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run registry enrichment in the background on the configured schedule",
	Long: `Run one enrichment policy continuously. Every firing of enrichment.schedule drains
candidates in batches of enrichment.batch_size, pausing between lookups and
between batches. Use --once to process a single batch and exit.`,
	RunE: runEnrich,
}

var policyNames = []string{enrich.PolicyDealer, enrich.PolicyPrivate, enrich.PolicyBuyer}

func init() {
	enrichCmd.Flags().String("policy", "", "enrichment policy: "+strings.Join(policyNames, ", "))
	enrichCmd.Flags().Bool("once", false, "process one batch and print the result")
	_ = enrichCmd.MarkFlagRequired("policy")
}

func runEnrich(cmd *cobra.Command, _ []string) error {
	policy, _ := cmd.Flags().GetString("policy")
	once, _ := cmd.Flags().GetBool("once")

	if !slices.Contains(policyNames, policy) {
		return fmt.Errorf("unknown policy %q, want one of %s", policy, strings.Join(policyNames, ", "))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	runner := a.runners[policy]
	cfg := a.cfg.Enrichment

	if once {
		res, err := runner.ProcessBatch(ctx, cfg.BatchSize)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(res)
	}

	scheduler := enrich.NewScheduler(runner, cfg.Schedule, cfg.BatchSize,
		enrich.DelayPolicy{Min: cfg.BatchPauseMin, Max: cfg.BatchPauseMax})
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Log.Info("Stopping enrichment", zap.String("policy", policy))
	scheduler.Stop()
	return nil
}
