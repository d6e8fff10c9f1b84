// Package main implements the dispatchq worker process.
// The worker continuously dequeues tasks by priority, runs the registered
// handler for each operation, stores the TaskResult and tracks metrics.
//
// Features:
//   - Concurrent task processing with graceful shutdown
//   - Prometheus metrics exposed on /metrics
//   - One circuit breaker per operation
//   - Optional shared token-bucket rate limit per operation
//   - Periodic sweep of expired results
//
// Usage:
//
//	go run ./cmd/worker -config config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/breaker"
	"github.com/guido-cesarano/dispatchq/pkg/config"
	"github.com/guido-cesarano/dispatchq/pkg/logger"
	"github.com/guido-cesarano/dispatchq/pkg/queue"
	"github.com/guido-cesarano/dispatchq/pkg/redisconn"
	"github.com/guido-cesarano/dispatchq/pkg/results"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/guido-cesarano/dispatchq/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	metricsInterval = 5 * time.Second
	cleanupInterval = 10 * time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Component("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redisconn.Open(ctx, redisconn.Options{URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	q := queue.NewPriorityQueue(rdb, queue.Options{Name: cfg.Queue.Name, MetaRetention: cfg.Queue.MetaRetention})
	store := results.NewStore(rdb, results.Options{
		KeyPrefix:    cfg.Results.KeyPrefix,
		Channel:      cfg.Results.Channel,
		TTL:          cfg.Results.TTL,
		PollInterval: cfg.Results.PollInterval,
	})

	// Shutdown cancellations say nothing about the health of an operation.
	breakerCfg := cfg.Breaker.Breaker()
	breakerCfg.IsExpected = breaker.SkipCanceled

	breakerLog := logger.Component("breaker")
	breakers := breaker.NewRegistry(breakerCfg,
		breaker.WithLogger(breakerLog),
		breaker.WithOnStateChange(func(name string, from, to breaker.State) {
			if to == breaker.StateOpen {
				breakerLog.Warn().Str("breaker", name).Msg("Operation suspended until recovery timeout")
			}
		}),
	)

	runner := worker.NewRunner(q, store, registerHandlers(), worker.Options{
		ID:          cfg.Worker.ID,
		Concurrency: cfg.Worker.Concurrency,
		PollTimeout: cfg.Worker.PollTimeout,
		Breakers:    breakers,
		Limiter:     queue.NewRateLimiter(rdb, cfg.Queue.Name+":ratelimit"),
		Rate:        cfg.Worker.RateLimit,
		Burst:       cfg.Worker.RateBurst,
	})

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, ReadHeaderTimeout: 10 * time.Second}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv.Handler = mux

		g.Go(func() error {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		collectQueueMetrics(ctx, q)
		return nil
	})
	g.Go(func() error {
		cleanupResults(ctx, store, log)
		return nil
	})
	g.Go(func() error {
		return runner.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Worker shut down")
}

// collectQueueMetrics periodically refreshes the queue depth gauges.
func collectQueueMetrics(ctx context.Context, q *queue.PriorityQueue) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Stats(ctx)
		}
	}
}

// cleanupResults sweeps result records that outlived their TTL.
func cleanupResults(ctx context.Context, store *results.Store, log zerolog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.CleanupExpiredResults(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Result cleanup failed")
			}
		}
	}
}

// registerHandlers binds the built-in demonstration operations.
func registerHandlers() *tasks.Registry {
	reg := tasks.NewRegistry()

	reg.Register("echo", func(ctx context.Context, task *tasks.Task) (any, error) {
		return map[string]any{"args": task.Args, "kwargs": task.Kwargs}, nil
	})

	reg.Register("sleep", func(ctx context.Context, task *tasks.Task) (any, error) {
		d := 100 * time.Millisecond
		if s, ok := task.Kwargs["duration"].(string); ok {
			parsed, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid duration: %w", err)
			}
			d = parsed
		}
		select {
		case <-time.After(d):
			return map[string]string{"slept": d.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	reg.Register("sum", func(ctx context.Context, task *tasks.Task) (any, error) {
		total := 0.0
		for i, a := range task.Args {
			n, ok := a.(float64)
			if !ok {
				return nil, fmt.Errorf("argument %d is not a number", i)
			}
			total += n
		}
		return total, nil
	})

	reg.Register("fail", func(ctx context.Context, task *tasks.Task) (any, error) {
		msg, _ := task.Kwargs["message"].(string)
		if msg == "" {
			msg = "simulated failure"
		}
		return nil, errors.New(msg)
	})

	return reg
}
