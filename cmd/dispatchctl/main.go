// Package main implements dispatchctl, the operator CLI for dispatchq.
// It talks to Redis directly, using the same settings as the server and worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/guido-cesarano/dispatchq/pkg/config"
	"github.com/guido-cesarano/dispatchq/pkg/logger"
	"github.com/guido-cesarano/dispatchq/pkg/queue"
	"github.com/guido-cesarano/dispatchq/pkg/redisconn"
	"github.com/guido-cesarano/dispatchq/pkg/results"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	redisURL string
	cfg      *config.Config
	log      zerolog.Logger

	rdb   *redis.Client
	q     *queue.PriorityQueue
	store *results.Store
)

var rootCmd = &cobra.Command{
	Use:   "dispatchctl",
	Short: "Operate a dispatchq deployment",
	Long: `dispatchctl enqueues tasks, inspects queue and result store statistics,
fetches and waits for results, clears the queue and runs throughput benchmarks
against the Redis instance configured for dispatchq.`,
	SilenceUsage:       true,
	PersistentPreRunE:  persistentPreRun,
	PersistentPostRunE: persistentPostRun,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis URL or host:port (overrides config)")
}

// persistentPreRun loads configuration and connects to Redis before each command.
func persistentPreRun(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}

	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format)
	log = logger.Component("dispatchctl")

	rdb, err = redisconn.Open(cmd.Context(), redisconn.Options{URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize})
	if err != nil {
		return err
	}
	q = queue.NewPriorityQueue(rdb, queue.Options{Name: cfg.Queue.Name, MetaRetention: cfg.Queue.MetaRetention})
	store = results.NewStore(rdb, results.Options{
		KeyPrefix:    cfg.Results.KeyPrefix,
		Channel:      cfg.Results.Channel,
		TTL:          cfg.Results.TTL,
		PollInterval: cfg.Results.PollInterval,
	})
	return nil
}

func persistentPostRun(cmd *cobra.Command, args []string) error {
	if rdb != nil {
		return rdb.Close()
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
