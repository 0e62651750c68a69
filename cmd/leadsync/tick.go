package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lead-sync-service/internal/bilprospekt"
	"lead-sync-service/internal/logger"
	"lead-sync-service/internal/store"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one sync step and print its result as JSON",
	Long: `Run one orchestrator step, the same as one call to GET /api/sync/bilprospekt.
Meant to be invoked by an external scheduler such as cron or a Kubernetes CronJob.`,
	RunE: runTick,
}

func init() {
	tickCmd.Flags().Bool("manual", false, "record the run as manually triggered")
	tickCmd.Flags().Duration("timeout", 300*time.Second, "wall-clock ceiling for the step")
}

func runTick(cmd *cobra.Command, _ []string) error {
	manual, _ := cmd.Flags().GetBool("manual")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if !a.source.HasCredentials() {
		return bilprospekt.ErrMissingCredentials
	}

	trigger := store.TriggerCron
	if manual {
		trigger = store.TriggerManual
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	res, err := a.orchestrator.Tick(ctx, trigger)
	if err != nil {
		logger.Log.Error("Sync tick failed", zap.Error(err))
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
