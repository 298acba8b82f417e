package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/candleworks/candle/internal/config"
	"github.com/candleworks/candle/internal/dispatch"
	"github.com/candleworks/candle/internal/eventbus"
	"github.com/candleworks/candle/internal/mailer"
	"github.com/candleworks/candle/internal/planner"
	"github.com/candleworks/candle/internal/server"
	"github.com/candleworks/candle/internal/storage/sqlite"
	"github.com/candleworks/candle/internal/sweeper"
	"github.com/candleworks/candle/internal/telemetry"
	"github.com/candleworks/candle/internal/worker"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, sweeper, and delivery workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, cfg.TelemetryExporter)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.Printf("candled: store at %s", store.Path())

	queue, err := connectQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer queue.Close()

	send := mailer.New(cfg.EmailAPIURL, cfg.EmailAPITimeout)

	bus := eventbus.New()
	bus.Register(planner.New(store, queue, cfg.MessageHour))

	sw := sweeper.New(store, queue, cfg.MessageHour,
		sweeper.WithMaxAttempts(cfg.MaxRetries))
	wrk := worker.New(store, queue, send,
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithMaxAttempts(cfg.MaxRetries))

	srv := server.New(store, bus, sw, queue)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("candled: listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	go sw.Run(workCtx)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		wrk.Run(workCtx)
	}()

	select {
	case err := <-errCh:
		cancelWork()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Printf("candled: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("candled: http shutdown: %v", err)
	}

	// Let in-flight deliveries finish before the process exits.
	cancelWork()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Printf("candled: workers did not drain in time")
	}

	bus.Drain()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		log.Printf("candled: telemetry shutdown: %v", err)
	}
	return nil
}

// connectQueue dials Redis with exponential backoff so a daemon racing its
// Redis container at boot settles instead of dying.
func connectQueue(ctx context.Context, cfg *config.Config) (*dispatch.Queue, error) {
	var queue *dispatch.Queue
	connect := func() error {
		q, err := dispatch.New(cfg.RedisURL, dispatch.WithMaxAttempts(cfg.MaxRetries))
		if err != nil {
			log.Printf("candled: redis not ready: %v", err)
			return err
		}
		queue = q
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, err
	}
	return queue, nil
}
