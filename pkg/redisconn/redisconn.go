// Package redisconn builds the shared go-redis client used by the queue and the result store.
package redisconn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options describes how to reach the backing store.
type Options struct {
	// URL is either a redis:// URL or a bare "host:port" address.
	URL      string
	PoolSize int
}

// NewClient creates a client without contacting the server.
func NewClient(opts Options) (*redis.Client, error) {
	var ropts *redis.Options
	if strings.Contains(opts.URL, "://") {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{Addr: opts.URL}
	}
	if opts.PoolSize > 0 {
		ropts.PoolSize = opts.PoolSize
	}
	return redis.NewClient(ropts), nil
}

// Open creates a client and verifies connectivity with PING.
func Open(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.URL, err)
	}
	return rdb, nil
}
