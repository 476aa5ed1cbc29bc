package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/price-watch/internal/api"
	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/events"
	"github.com/maltedev/price-watch/internal/monitor"
	"github.com/maltedev/price-watch/internal/ratelimit"
	"github.com/maltedev/price-watch/internal/watches"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor, the outbox relay and the operator API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	cfg, logger := c.cfg, c.logger

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	rt, err := newRuntime(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	searcher, err := rt.searcher(ctx)
	if err != nil {
		return err
	}

	outbox := database.NewOutboxRepository(db)
	orch, err := newOrchestrator(rt, db, outbox, searcher)
	if err != nil {
		return err
	}

	relay := database.NewRelay(outbox, rt.redis, logger, database.RelayConfig{
		PollInterval: cfg.Redis.RelayInterval,
		BatchSize:    cfg.Redis.RelayBatchSize,
		MaxStreamLen: cfg.Redis.StreamMaxLen,
		Metrics:      rt.metrics,
	})

	handlers := api.NewHandlers(db, outbox, rt.machine, rt.acquirer, orch, searcher.Name(), logger)
	// No write timeout: on-demand checks are bounded by the router instead.
	server := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:     api.NewRouter(handlers, api.RouterConfig{Registry: rt.metrics.Registry}),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("server stopped")
	return err
}

// newOrchestrator wires the monitor to persistence: items and statistics go
// to db, alerts through the transactional outbox.
func newOrchestrator(rt *runtime, db *database.DB, outbox *database.OutboxRepository, searcher monitor.Searcher) (*monitor.Orchestrator, error) {
	cfg, logger := rt.cfg, rt.logger

	publisher := events.NewPublisher(db, outbox, logger)
	service, err := watches.NewService(db, publisher, watches.Config{
		AlertCacheSize: cfg.Monitor.AlertCacheSize,
		Metrics:        rt.metrics,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return monitor.New(monitor.Config{
		MaxPages:        cfg.Monitor.MaxPages,
		Concurrency:     cfg.Monitor.Concurrency,
		CleanupInterval: cfg.Monitor.CleanupInterval,
		StaleAfter:      cfg.Monitor.StaleAfter,
		RefreshInterval: cfg.Monitor.RefreshInterval,
	}, monitor.Deps{
		Searcher:    searcher,
		Store:       db,
		Processor:   service,
		Credentials: rt.acquirer,
		State:       rt.machine,
		Pacer: ratelimit.NewNormalPacer(cfg.Monitor.PageDelayMean, cfg.Monitor.PageDelayStdDev,
			cfg.Monitor.PageDelayMin, cfg.Monitor.PageDelayMax),
		Metrics: rt.metrics,
		Logger:  logger,
	}), nil
}
