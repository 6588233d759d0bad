// Command core is the coordinator entrypoint: load configuration, open the
// store, count orphaned updates, start the status poller, and serve
// HTTP. Grounded on the teacher's cmd/docksmith wiring order (config → core
// services → background workers → HTTP listen) adapted to the new package
// set.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chis/corectl/internal/alert"
	"github.com/chis/corectl/internal/api"
	"github.com/chis/corectl/internal/audit"
	"github.com/chis/corectl/internal/auth"
	"github.com/chis/corectl/internal/config"
	"github.com/chis/corectl/internal/dispatch"
	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/events"
	"github.com/chis/corectl/internal/logging"
	"github.com/chis/corectl/internal/periphery"
	"github.com/chis/corectl/internal/statuscache"
	"github.com/chis/corectl/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("startup: %v", err)
		return 1
	}

	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger.SetJSON(cfg.LogJSON)
	logging.SetDefault(logger)

	repo, err := storage.NewSQLiteRepository(cfg.StorePath)
	if err != nil {
		logging.Error("startup: open store: %v", err)
		return 1
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orphaned, err := audit.Orphan(ctx, repo)
	if err != nil {
		logging.Error("startup: orphan reconciliation: %v", err)
		return 1
	}
	if orphaned > 0 {
		logging.Info("startup: found %d orphaned in-progress update(s)", orphaned)
	}

	seed, err := config.LoadSeed(cfg.SeedFile)
	if err != nil {
		logging.Error("startup: load seed: %v", err)
		return 1
	}
	if err := seed.Apply(ctx, repo); err != nil {
		logging.Error("startup: apply seed: %v", err)
		return 1
	}

	newClient := func(s *domain.Server) *periphery.Client {
		return periphery.New(s.Address, s.Passkey, cfg.PeripheryTimeout)
	}

	bus := events.New()
	cache := statuscache.New(repo, newClient, bus, cfg.Thresholds, cfg.StatusPollingInterval, cfg.PeripheryTimeout)
	go cache.Run(ctx)

	alertDispatcher := alert.NewDispatcher(repo.FindAlerters)
	alertBridge := alert.NewBridge(bus, alertDispatcher)
	go alertBridge.Run(ctx)

	d := dispatch.New(repo, cache, newClient, cfg.PeripheryTimeout)
	tokens := auth.NewTokenManager(cfg.SigningKey)

	server := api.NewServer(cfg.ListenAddr, d, repo, tokens)
	serveErrs := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	logging.Info("core: listening on %s", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("core: received %s, shutting down", sig)
	case err := <-serveErrs:
		logging.Error("core: http server error: %v", err)
		return 1
	}

	cache.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("core: shutdown: %v", err)
		return 1
	}
	return 0
}
