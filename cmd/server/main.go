// Package main implements the dispatchq HTTP API server.
//
// API Endpoints:
//
//	POST   /enqueue                 enqueue a task
//	GET    /tasks?priority=&limit=  peek at the head of a priority list
//	GET    /tasks/{id}              queue-side metadata for a task
//	DELETE /queue                   clear every list, metadata and counters
//	GET    /stats                   queue, result store and breaker statistics
//	GET    /results/{id}            fetch a task result
//	DELETE /results/{id}            delete a task result
//	POST   /results/wait            wait for a set of results
//	POST   /schedule                enqueue a task on a cron schedule
//	GET    /breakers                breaker statistics
//	POST   /breakers/{name}/reset   force a breaker closed
//	GET    /metrics                 Prometheus metrics
//
// Request Format (POST /enqueue):
//
//	{
//	  "operation": "email.send",
//	  "args": ["user@example.com"],
//	  "kwargs": {"subject": "Hello"},
//	  "priority": "high",
//	  "timeout": "30s"
//	}
//
// Usage:
//
//	go run ./cmd/server -config config.yaml
//
// Settings come from the config file and DISPATCHQ_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/guido-cesarano/dispatchq/pkg/breaker"
	"github.com/guido-cesarano/dispatchq/pkg/config"
	"github.com/guido-cesarano/dispatchq/pkg/logger"
	"github.com/guido-cesarano/dispatchq/pkg/queue"
	"github.com/guido-cesarano/dispatchq/pkg/redisconn"
	"github.com/guido-cesarano/dispatchq/pkg/results"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redisconn.Open(ctx, redisconn.Options{URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	q := queue.NewPriorityQueue(rdb, queue.Options{Name: cfg.Queue.Name, MetaRetention: cfg.Queue.MetaRetention})
	scheduler := queue.NewScheduler(q)
	scheduler.Start()
	defer scheduler.Stop()

	app := &application{
		queue: q,
		store: results.NewStore(rdb, results.Options{
			KeyPrefix:    cfg.Results.KeyPrefix,
			Channel:      cfg.Results.Channel,
			TTL:          cfg.Results.TTL,
			PollInterval: cfg.Results.PollInterval,
		}),
		scheduler: scheduler,
		breakers:  newBreakers(cfg.Breaker.Breaker(), breaker.WithLogger(logger.Component("breaker"))),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log,
	}

	if cfg.Server.APIKey == "" {
		log.Warn().Msg("API key not set. Authentication disabled.")
	} else {
		log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.setupRouter(cfg.Server.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
