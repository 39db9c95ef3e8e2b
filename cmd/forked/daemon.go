package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"forked/internal/config"
	"forked/internal/fork"
	"forked/internal/gateway"
	"forked/internal/identity"
	"forked/internal/ingest"
	"forked/internal/lineage"
	"forked/internal/logging"
	"forked/internal/observability"
	"forked/internal/retention"
	"forked/internal/rewind"
	serverhttp "forked/internal/server/http"
	"forked/internal/store"
)

func runDaemon() error {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting forked daemon %s...", version)

	cfg := config.Load(config.WithLogger(logging.NewComponentLogger("Config")))
	logger.Info("Gateway: %s, channels: %d, retention: %d days, ingest: %d, api: %d",
		cfg.GatewayURL, len(cfg.Channels), cfg.RetentionDays, cfg.IngestPort, cfg.APIPort)

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	st, err := store.Open(filepath.Join(home, ".forked", "forked.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Store close failed: %v", err)
		}
	}()

	identityPath, err := identity.DefaultPath()
	if err != nil {
		return err
	}
	keeper, err := identity.LoadOrCreate(identityPath, cfg.GatewayToken)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info("Device id: %s", keeper.DeviceID())

	runs := lineage.New(cfg.PromoteMaxEvents, logging.NewComponentLogger("Lineage"))
	rows, err := st.LineageRows()
	if err != nil {
		return fmt.Errorf("seed lineage: %w", err)
	}
	seed := make([]lineage.Row, len(rows))
	for i, row := range rows {
		seed[i] = lineage.Row(row)
	}
	runs.Seed(seed)
	logger.Info("Seeded lineage for %d runs", len(rows))

	metrics := observability.Default()
	rewinder := rewind.NewEngine(st, metrics, logging.NewComponentLogger("Rewind"))
	gatewayClient := gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken, keeper, logging.NewComponentLogger("Gateway"))
	forker := fork.NewEngine(st, runs, rewinder, gatewayClient, cfg.ConfiguredChannels(), metrics, logging.NewComponentLogger("Fork"))

	pipeline := ingest.NewPipeline(st, runs, forker, metrics, logging.NewComponentLogger("Ingest"))
	ingestServer := ingest.NewServer(cfg.IngestPort, pipeline, logging.NewComponentLogger("Ingest"))

	apiHandler := serverhttp.NewAPIHandler(st, cfg, runs, rewinder, forker, logging.NewComponentLogger("API"))
	apiServer := serverhttp.NewServer(cfg.APIPort, apiHandler, logging.NewComponentLogger("API"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forker.StartReaper(ctx)
	retention.NewSweeper(st, cfg.RetentionDays, logging.NewComponentLogger("Retention")).Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(ingestServer.ListenAndServe)
	group.Go(func() error {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for a signal or a listener failure.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Received %s, shutting down...", sig)
	case <-groupCtx.Done():
		logger.Error("Listener failed, shutting down...")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ingest shutdown: %v", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown: %v", err)
	}
	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("Daemon stopped")
	return nil
}
