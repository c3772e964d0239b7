// Command dispatchd is the dispatch coordination daemon. It serves the
// REST API, runs the claim reaper and liveness monitor, and hosts any
// in-process workers declared in the config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/config"
	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/internal/version"
	"github.com/GoCodeAlone/dispatch/metrics"
	"github.com/GoCodeAlone/dispatch/server"
)

var (
	configPath = flag.String("config", "", "path to dispatch.yaml (defaults apply when empty)")
	addr       = flag.String("addr", "", "listen address, overrides server.addr")
	storage    = flag.String("storage", "", "storage driver, overrides storage.driver")
)

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *storage != "" {
		cfg.Storage.Driver = *storage
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
	}

	logger, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logCloser.Close() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error("dispatchd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting dispatchd", "version", version.Version, "commit", version.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.close() //nolint:errcheck

	workers := agent.NewRegistry()
	collector := metrics.NewCollector(func() float64 { return float64(len(workers.List())) })
	bus := comms.NewInMemoryBus()
	events, closeEvents, err := eventSinks(ctx, cfg.Events, bus, logger, collector)
	if err != nil {
		return fmt.Errorf("event sinks: %w", err)
	}
	defer closeEvents() //nolint:errcheck

	eng := engine.New(engine.Deps{
		Tasks:    st.tasks,
		Sessions: st.sessions,
		Handoffs: st.handoffs,
		Workers:  workers,
		Events:   events,
		Logger:   logger,
	}, cfg.EngineOptions())

	reaper := engine.NewReaper(eng, cfg.Scheduler.ReapInterval.D())
	liveness := agent.NewLivenessMonitor(workers,
		cfg.Liveness.HeartbeatInterval.D(), cfg.Liveness.MissedHeartbeats,
		eng.ExpireWorker, logger)
	team, closeTeam, err := buildTeam(ctx, eng, cfg.Workers, logger)
	if err != nil {
		return err
	}
	defer closeTeam()

	srv := server.New(*cfg, version.String(), logger)
	srv.SetEngine(eng)
	srv.SetBus(bus)
	srv.SetTeam(team)
	srv.SetMetrics(collector)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); reaper.Run(ctx) }()
	go func() { defer wg.Done(); liveness.Run(ctx) }()

	if err := team.Start(ctx); err != nil {
		stop()
		wg.Wait()
		return err
	}

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()
	logger.Info("dispatchd ready",
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Driver,
		"workers", len(cfg.Workers),
		"liveness_window", liveness.Window())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-srvErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := srv.Stop(shutdownCtx); serr != nil {
		logger.Error("server stop", "error", serr)
	}
	// Releases any task an in-process worker still holds.
	if terr := team.Stop(shutdownCtx); terr != nil {
		logger.Error("team stop", "error", terr)
	}
	wg.Wait()
	logger.Info("shutdown complete")
	return err
}
