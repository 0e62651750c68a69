package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lead-sync-service/internal/api"
	"lead-sync-service/internal/logger"
)

const shutdownTimeout = 30 * time.Second

//nolint:gochecknoglobals // Cobra commands are typically global
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync, backfill, status and enrichment HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	enrichers := make(map[string]api.BatchRunner, len(a.runners))
	for name, r := range a.runners {
		enrichers[name] = r
	}

	handler := api.NewHandler(api.Deps{
		Sync:        a.orchestrator,
		Backfill:    a.backfiller,
		Credentials: a.source,
		Store:       a.store,
		Enrichers:   enrichers,
		EnrichLimit: a.cfg.Enrichment.BatchSize,
		StaleAfter:  a.cfg.Sync.StaleAfter,
	}, a.cfg.Server)

	serverAddr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           handler.Routes(),
		ReadTimeout:       a.cfg.Server.GetReadTimeout(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.cfg.Server.GetWriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Log.Info("Shutting down server...", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Log.Info("Server stopped")
	return nil
}
