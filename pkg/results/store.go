// Package results stores task outcomes in Redis with a TTL and notifies waiters
// over pub/sub, so many callers can stream completions without polling storms.
//
// Notifications only signal availability; the record itself is always re-read
// from the store. A periodic re-poll backs up the notification channel, which
// makes a dropped or early notification harmless.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/logger"
	"github.com/guido-cesarano/dispatchq/pkg/metrics"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultKeyPrefix    = "result"
	DefaultChannel      = "task_results"
	DefaultTTL          = time.Hour
	DefaultPollInterval = time.Second
)

// Options configures a Store.
type Options struct {
	// KeyPrefix namespaces result records as "<prefix>:<task id>".
	KeyPrefix string

	// Channel is the pub/sub channel notifications are published on.
	Channel string

	// TTL bounds how long a record is kept. Negative disables expiry.
	TTL time.Duration

	// PollInterval is how often a stream re-reads pending ids.
	PollInterval time.Duration

	Logger *zerolog.Logger
}

// Notification is the payload published after a result is stored.
type Notification struct {
	TaskID    string       `json:"task_id"`
	Status    tasks.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// Store is a TTL-bounded result store with availability notifications.
type Store struct {
	rdb     redis.UniversalClient
	prefix  string
	channel string
	ttl     time.Duration
	poll    time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewStore creates a result store on top of an existing Redis client.
func NewStore(rdb redis.UniversalClient, opts Options) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := logger.Component("results")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Store{
		rdb:     rdb,
		prefix:  opts.KeyPrefix,
		channel: opts.Channel,
		ttl:     opts.TTL,
		poll:    opts.PollInterval,
		log:     log,
		now:     time.Now,
	}
}

// TTL returns the record lifetime; zero means records never expire.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Channel returns the notification channel name.
func (s *Store) Channel() string {
	return s.channel
}

func (s *Store) key(taskID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, taskID)
}

func (s *Store) statsKey() string {
	return s.prefix + "_stats"
}

// StoreResult writes the result under its task id with the configured TTL and
// then publishes a Notification. The record is committed before the notification
// is sent, so a notified reader never misses it.
//
// A publish failure is logged and counted but not returned: the record is
// durable and streams find it on their next re-poll.
func (s *Store) StoreResult(ctx context.Context, result *tasks.TaskResult) error {
	if result == nil || result.TaskID == "" {
		return errors.New("store result: missing task id")
	}
	data, err := json.Marshal(result)
	if err != nil {
		metrics.ResultOps.WithLabelValues("store", "error").Inc()
		s.log.Error().Err(err).Str("task_id", result.TaskID).Msg("Failed to serialize result")
		return fmt.Errorf("store result %s: %w", result.TaskID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(result.TaskID), data, s.ttl)
	pipe.HIncrBy(ctx, s.statsKey(), "stored", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.ResultOps.WithLabelValues("store", "error").Inc()
		s.log.Error().Err(err).Str("task_id", result.TaskID).Msg("Failed to store result")
		return fmt.Errorf("store result %s: %w", result.TaskID, err)
	}
	metrics.ResultOps.WithLabelValues("store", "ok").Inc()

	note, _ := json.Marshal(Notification{
		TaskID:    result.TaskID,
		Status:    result.Status,
		Timestamp: s.now().UTC(),
	})
	if err := s.rdb.Publish(ctx, s.channel, note).Err(); err != nil {
		metrics.ResultOps.WithLabelValues("publish", "error").Inc()
		s.log.Warn().Err(err).Str("task_id", result.TaskID).Msg("Failed to publish result notification")
		s.rdb.HIncrBy(ctx, s.statsKey(), "publish_failures", 1)
		return nil
	}
	metrics.ResultOps.WithLabelValues("publish", "ok").Inc()
	s.rdb.HIncrBy(ctx, s.statsKey(), "published", 1)

	s.log.Debug().Str("task_id", result.TaskID).Str("status", string(result.Status)).Msg("Result stored")
	return nil
}

// GetResult returns the stored result, or (nil, nil) if none exists.
func (s *Store) GetResult(ctx context.Context, taskID string) (*tasks.TaskResult, error) {
	data, err := s.rdb.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ResultOps.WithLabelValues("get", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.ResultOps.WithLabelValues("get", "error").Inc()
		s.log.Error().Err(err).Str("task_id", taskID).Msg("Failed to read result")
		return nil, fmt.Errorf("get result %s: %w", taskID, err)
	}

	var result tasks.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		metrics.ResultOps.WithLabelValues("get", "error").Inc()
		s.log.Error().Err(err).Str("task_id", taskID).Msg("Failed to decode result")
		return nil, fmt.Errorf("decode result %s: %w", taskID, err)
	}
	metrics.ResultOps.WithLabelValues("get", "ok").Inc()
	return &result, nil
}

// DeleteResult removes a stored result. It reports whether a record existed.
func (s *Store) DeleteResult(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key(taskID)).Result()
	if err != nil {
		metrics.ResultOps.WithLabelValues("delete", "error").Inc()
		s.log.Error().Err(err).Str("task_id", taskID).Msg("Failed to delete result")
		return false, fmt.Errorf("delete result %s: %w", taskID, err)
	}
	if n > 0 {
		s.rdb.HIncrBy(ctx, s.statsKey(), "deleted", 1)
	}
	metrics.ResultOps.WithLabelValues("delete", "ok").Inc()
	return n > 0, nil
}

// fetch reads the given ids in one MGET and returns the results found, in id order.
// Undecodable records are logged and skipped.
func (s *Store) fetch(ctx context.Context, ids []string) ([]*tasks.TaskResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		s.log.Error().Err(err).Int("count", len(ids)).Msg("Failed to read results")
		return nil, err
	}

	found := make([]*tasks.TaskResult, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var result tasks.TaskResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			s.log.Error().Err(err).Str("key", keys[i]).Msg("Skipping undecodable result")
			continue
		}
		found = append(found, &result)
	}
	return found, nil
}
