package integration_tests

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/dispatchq/pkg/queue"
	"github.com/guido-cesarano/dispatchq/pkg/redisconn"
	"github.com/guido-cesarano/dispatchq/pkg/results"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/guido-cesarano/dispatchq/pkg/worker"
	"github.com/redis/go-redis/v9"
)

// setupIntegrationRedis connects to a real Redis instance at DISPATCHQ_REDIS_URL
// or localhost:6379. Requires docker-compose up -d to be running.
func setupIntegrationRedis(t *testing.T) *redis.Client {
	url := os.Getenv("DISPATCHQ_REDIS_URL")
	if url == "" {
		url = "localhost:6379"
	}
	rdb, err := redisconn.Open(context.Background(), redisconn.Options{URL: url})
	if err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at %s (%v)", url, err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestIntegrationFlow(t *testing.T) {
	rdb := setupIntegrationRedis(t)
	ctx := context.Background()

	// Unique names keep parallel runs and leftovers apart.
	name := "it-" + uuid.NewString()[:8]
	q := queue.NewPriorityQueue(rdb, queue.Options{Name: name})
	store := results.NewStore(rdb, results.Options{
		KeyPrefix:    name + ":result",
		Channel:      name + ":results",
		TTL:          time.Minute,
		PollInterval: 200 * time.Millisecond,
	})
	t.Cleanup(func() {
		q.Clear(context.Background())
	})

	reg := tasks.NewRegistry()
	reg.Register("greet", func(ctx context.Context, task *tasks.Task) (any, error) {
		return "hello " + task.Kwargs["name"].(string), nil
	})

	low := tasks.NewTask("greet", tasks.WithPriority(tasks.PriorityLow), tasks.WithKwargs(map[string]any{"name": "low"}))
	urgent := tasks.NewTask("greet", tasks.WithPriority(tasks.PriorityUrgent), tasks.WithKwargs(map[string]any{"name": "urgent"}))
	for _, task := range []*tasks.Task{low, urgent} {
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	// Urgent is served first.
	first, err := q.Dequeue(ctx, time.Second)
	if err != nil || first == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if first.ID != urgent.ID {
		t.Errorf("Expected ID %s, got %s", urgent.ID, first.ID)
	}

	runner := worker.NewRunner(q, store, reg, worker.Options{ID: "it-worker"})
	stream := store.ResultsStream(ctx, []string{urgent.ID, low.ID}, 10*time.Second)

	runner.Process(ctx, first)
	second, err := q.Dequeue(ctx, time.Second)
	if err != nil || second == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	runner.Process(ctx, second)

	got := map[string]string{}
	for r := range stream {
		var v string
		if err := r.DecodeValue(&v); err != nil {
			t.Fatalf("DecodeValue failed: %v", err)
		}
		got[r.TaskID] = v
	}
	if got[urgent.ID] != "hello urgent" || got[low.ID] != "hello low" {
		t.Errorf("Unexpected results: %v", got)
	}

	stats := q.Stats(ctx)
	if stats.Size != 0 || stats.Processing != 0 {
		t.Errorf("Expected empty queue, got size=%d processing=%d", stats.Size, stats.Processing)
	}
	if stats.Completed != 2 {
		t.Errorf("Expected 2 completed, got %d", stats.Completed)
	}

	for _, id := range []string{urgent.ID, low.ID} {
		store.DeleteResult(ctx, id)
	}
}
