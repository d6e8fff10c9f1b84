package results

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/metrics"
)

const scanBatch = 200

// CleanupExpiredResults deletes every record whose EndTime + TTL is in the past.
// Redis already expires keys on its own; this sweep covers records written
// without a TTL or with a TTL changed since. It returns the number removed.
func (s *Store) CleanupExpiredResults(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	now := s.now()
	removed := 0

	sweep := func(keys []string) error {
		ids := make([]string, len(keys))
		for i, k := range keys {
			ids[i] = k[len(s.prefix)+1:]
		}
		found, err := s.fetch(ctx, ids)
		if err != nil {
			return err
		}
		var expired []string
		for _, r := range found {
			if r.EndTime != nil && r.EndTime.Add(s.ttl).Before(now) {
				expired = append(expired, s.key(r.TaskID))
			}
		}
		if len(expired) == 0 {
			return nil
		}
		n, err := s.rdb.Del(ctx, expired...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		return nil
	}

	iter := s.rdb.Scan(ctx, 0, s.key("*"), scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := sweep(batch); err != nil {
				metrics.ResultOps.WithLabelValues("cleanup", "error").Inc()
				return removed, fmt.Errorf("cleanup results: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		metrics.ResultOps.WithLabelValues("cleanup", "error").Inc()
		s.log.Error().Err(err).Msg("Failed to scan results")
		return removed, fmt.Errorf("cleanup results: %w", err)
	}
	if len(batch) > 0 {
		if err := sweep(batch); err != nil {
			metrics.ResultOps.WithLabelValues("cleanup", "error").Inc()
			return removed, fmt.Errorf("cleanup results: %w", err)
		}
	}

	if removed > 0 {
		s.rdb.HIncrBy(ctx, s.statsKey(), "expired_cleaned", int64(removed))
		s.log.Info().Int("removed", removed).Msg("Expired results cleaned up")
	}
	metrics.ResultOps.WithLabelValues("cleanup", "ok").Inc()
	return removed, nil
}

// Stats is a snapshot of result store counters.
type Stats struct {
	Stored          int64         `json:"stored"`
	Deleted         int64         `json:"deleted"`
	Published       int64         `json:"published"`
	PublishFailures int64         `json:"publish_failures"`
	ExpiredCleaned  int64         `json:"expired_cleaned"`
	Records         int64         `json:"records"`
	TTL             time.Duration `json:"ttl"`
	Channel         string        `json:"channel"`
}

// Stats returns the store counters and the current number of records.
// Store errors are logged and the affected fields left at zero.
func (s *Store) Stats(ctx context.Context) Stats {
	stats := Stats{TTL: s.ttl, Channel: s.channel}

	counters, err := s.rdb.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read result counters")
	}
	stats.Stored = parseCounter(counters["stored"])
	stats.Deleted = parseCounter(counters["deleted"])
	stats.Published = parseCounter(counters["published"])
	stats.PublishFailures = parseCounter(counters["publish_failures"])
	stats.ExpiredCleaned = parseCounter(counters["expired_cleaned"])

	iter := s.rdb.Scan(ctx, 0, s.key("*"), scanBatch).Iterator()
	for iter.Next(ctx) {
		stats.Records++
	}
	if err := iter.Err(); err != nil {
		s.log.Error().Err(err).Msg("Failed to count results")
	}
	return stats
}

func parseCounter(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
