package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *PriorityQueue) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return s, rdb, NewPriorityQueue(rdb, Options{Name: "test"})
}

func TestEnqueue(t *testing.T) {
	s, _, q := setupTestRedis(t)
	ctx := context.Background()

	task := tasks.NewTask("email.send",
		tasks.WithPriority(tasks.PriorityNormal),
		tasks.WithKwargs(map[string]any{"to": "test@example.com"}),
	)

	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err := s.List("test:priority:normal")
	if err != nil {
		t.Fatalf("Expected list test:priority:normal: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("Expected test:priority:normal length 1, got %d", len(items))
	}
	if got := s.HGet("test:meta:"+task.ID, "status"); got != StateEnqueued {
		t.Errorf("Expected metadata status %q, got %q", StateEnqueued, got)
	}
	if got := s.HGet("test:stats", "enqueued"); got != "1" {
		t.Errorf("Expected enqueued counter 1, got %q", got)
	}
}

func TestEnqueueAssignsMissingID(t *testing.T) {
	_, _, q := setupTestRedis(t)
	ctx := context.Background()

	task := &tasks.Task{Operation: "noop", Priority: tasks.PriorityLow}
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if task.ID == "" {
		t.Fatal("Expected an ID to be assigned")
	}
	if task.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}

	keep := &tasks.Task{ID: "fixed-id", Operation: "noop", Priority: tasks.PriorityLow}
	if err := q.Enqueue(ctx, keep); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if keep.ID != "fixed-id" {
		t.Errorf("Expected existing ID to be kept, got %s", keep.ID)
	}
}

func TestEnqueueRejectsInvalidPriority(t *testing.T) {
	_, _, q := setupTestRedis(t)
	task := &tasks.Task{ID: "bad", Operation: "noop", Priority: tasks.Priority(42)}
	if err := q.Enqueue(context.Background(), task); err == nil {
		t.Fatal("Expected error for invalid priority")
	}
	if q.Size(context.Background()) != 0 {
		t.Error("Expected nothing enqueued")
	}
}

func TestEnqueueStoreDown(t *testing.T) {
	s, _, q := setupTestRedis(t)
	s.Close()

	task := tasks.NewTask("noop")
	if err := q.Enqueue(context.Background(), task); err == nil {
		t.Fatal("Expected enqueue to fail when the store is unreachable")
	}
	if q.Size(context.Background()) != 0 {
		t.Error("Expected Size to report 0 when the store is unreachable")
	}
}

func TestPriorityDequeue(t *testing.T) {
	_, _, q := setupTestRedis(t)
	ctx := context.Background()

	low := &tasks.Task{ID: "low", Operation: "test", Priority: tasks.PriorityLow}
	urgent := &tasks.Task{ID: "urgent", Operation: "test", Priority: tasks.PriorityUrgent}
	normal := &tasks.Task{ID: "normal", Operation: "test", Priority: tasks.PriorityNormal}

	for _, task := range []*tasks.Task{low, urgent, normal} {
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue %s failed: %v", task.ID, err)
		}
	}

	for _, want := range []string{"urgent", "normal", "low"} {
		got, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got == nil {
			t.Fatalf("Expected %s task, got nil", want)
		}
		if got.ID != want {
			t.Errorf("Expected %s task, got %s", want, got.ID)
		}
	}

	got, err := q.Dequeue(ctx, 0)
	if err != nil || got != nil {
		t.Errorf("Expected empty queue, got task=%v err=%v", got, err)
	}
}

func TestPriorityOrderingAllLevels(t *testing.T) {
	_, _, q := setupTestRedis(t)
	ctx := context.Background()

	// Enqueue in reverse priority order, two per level.
	levels := tasks.Priorities()
	for i := len(levels) - 1; i >= 0; i-- {
		for j := 0; j < 2; j++ {
			task := &tasks.Task{
				ID:        fmt.Sprintf("%s-%d", levels[i], j),
				Operation: "test",
				Priority:  levels[i],
			}
			if err := q.Enqueue(ctx, task); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
		}
	}

	for _, p := range levels {
		for j := 0; j < 2; j++ {
			got, err := q.Dequeue(ctx, 0)
			if err != nil || got == nil {
				t.Fatalf("Dequeue failed: task=%v err=%v", got, err)
			}
			want := fmt.Sprintf("%s-%d", p, j)
			if got.ID != want {
				t.Errorf("Expected %s (FIFO within level), got %s", want, got.ID)
			}
		}
	}
}

func TestBlockingDequeue(t *testing.T) {
	_, _, q := setupTestRedis(t)
	ctx := context.Background()

	q.Enqueue(ctx, &tasks.Task{ID: "high", Operation: "test", Priority: tasks.PriorityHigh})
	q.Enqueue(ctx, &tasks.Task{ID: "critical", Operation: "test", Priority: tasks.PriorityCritical})

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil || got == nil {
		t.Fatalf("Dequeue failed: task=%v err=%v", got, err)
	}
	if got.ID != "critical" {
		t.Errorf("Expected critical task, got %s", got.ID)
	}
}

func TestBlockingDequeueTimeout(t *testing.T) {
	_, _, q := setupTestRedis(t)

	start := time.Now()
	got, err := q.Dequeue(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected timeout to be reported as empty, got %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil task, got %v", got)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Dequeue blocked far longer than its timeout")
	}
}

func TestBlockingDequeueSubSecondTimeout(t *testing.T) {
	_, _, q := setupTestRedis(t)

	start := time.Now()
	got, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil || got != nil {
		t.Fatalf("Expected empty result, got task=%v err=%v", got, err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 700*time.Millisecond {
		t.Errorf("Expected Dequeue to return after about 100ms, took %v", elapsed)
	}
}

func TestBlockingDequeueSubSecondDelivers(t *testing.T) {
	_, _, q := setupTestRedis(t)
	ctx := context.Background()

	q.Enqueue(ctx, &tasks.Task{ID: "low", Operation: "test", Priority: tasks.PriorityLow})
	q.Enqueue(ctx, &tasks.Task{ID: "urgent", Operation: "test", Priority: tasks.PriorityUrgent})

	got, err := q.Dequeue(ctx, 250*time.Millisecond)
	if err != nil || got == nil {
		t.Fatalf("Dequeue failed: task=%v err=%v", got, err)
	}
	if got.ID != "urgent" {
		t.Errorf("Expected urgent task, got %s", got.ID)
	}
}

func TestBlockingDequeueWakesOnEnqueue(t *testing.T) {
	_, _, q := setupTestRedis(t)
	ctx := context.Background()

	done := make(chan *tasks.Task, 1)
	go func() {
		task, _ := q.Dequeue(ctx, 3*time.Second)
		done <- task
	}()

	time.Sleep(100 * time.Millisecond)
	if err := q.Enqueue(ctx, &tasks.Task{ID: "late", Operation: "test", Priority: tasks.PriorityLow}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case task := <-done:
		if task == nil || task.ID != "late" {
			t.Errorf("Expected late task, got %v", task)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Blocking dequeue never returned")
	}
}

func TestNoDoubleDelivery(t *testing.T) {
	_, _, q := setupTestRedis(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		p := tasks.Priorities()[i%5]
		if err := q.Enqueue(ctx, &tasks.Task{ID: fmt.Sprintf("task-%d", i), Operation: "test", Priority: p}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(blocking bool) {
			defer wg.Done()
			timeout := time.Duration(0)
			if blocking {
				timeout = time.Second
			}
			task, err := q.Dequeue(ctx, timeout)
			if err != nil || task == nil {
				return
			}
			mu.Lock()
			seen[task.ID]++
			mu.Unlock()
		}(i%2 == 0)
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("Expected %d distinct tasks delivered, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("Task %s delivered %d times", id, count)
		}
	}
}

func TestTaskLifecycleMetadata(t *testing.T) {
	s, _, q := setupTestRedis(t)
	ctx := context.Background()

	ok := &tasks.Task{ID: "ok", Operation: "test", Priority: tasks.PriorityHigh}
	bad := &tasks.Task{ID: "bad", Operation: "test", Priority: tasks.PriorityHigh}
	q.Enqueue(ctx, ok)
	q.Enqueue(ctx, bad)

	for i := 0; i < 2; i++ {
		if task, err := q.Dequeue(ctx, 0); err != nil || task == nil {
			t.Fatalf("Dequeue failed: task=%v err=%v", task, err)
		}
	}

	info, err := q.TaskInfo(ctx, "ok")
	if err != nil {
		t.Fatalf("TaskInfo failed: %v", err)
	}
	if info["status"] != StateDequeued || info["dequeued_at"] == "" {
		t.Errorf("Expected dequeued metadata, got %v", info)
	}
	if info["priority"] != "high" || info["queue"] != "test" {
		t.Errorf("Expected priority and queue recorded, got %v", info)
	}
	if members, _ := s.Members("test:processing"); len(members) != 2 {
		t.Errorf("Expected 2 processing members, got %v", members)
	}

	if err := q.MarkTaskCompleted(ctx, "ok"); err != nil {
		t.Fatalf("MarkTaskCompleted failed: %v", err)
	}
	if err := q.MarkTaskFailed(ctx, "bad", "boom"); err != nil {
		t.Fatalf("MarkTaskFailed failed: %v", err)
	}

	for _, id := range []string{"ok", "bad"} {
		if member, _ := s.IsMember("test:processing", id); member {
			t.Errorf("Expected %s to leave the processing set", id)
		}
	}
	if got := s.HGet("test:meta:ok", "status"); got != StateCompleted {
		t.Errorf("Expected completed, got %q", got)
	}
	if got := s.HGet("test:meta:bad", "error"); got != "boom" {
		t.Errorf("Expected error recorded, got %q", got)
	}
	if s.HGet("test:meta:bad", "failed_at") == "" {
		t.Error("Expected failed_at to be recorded")
	}
	if ttl := s.TTL("test:meta:ok"); ttl != DefaultMetaRetention {
		t.Errorf("Expected terminal metadata to carry the default retention, got %v", ttl)
	}

	stats := q.Stats(ctx)
	if stats.Completed != 1 || stats.Failed != 1 || stats.Dequeued != 2 || stats.Enqueued != 2 {
		t.Errorf("Unexpected counters: %+v", stats)
	}
	if stats.Processing != 0 {
		t.Errorf("Expected processing 0, got %d", stats.Processing)
	}

	if info, err := q.TaskInfo(ctx, "missing"); err != nil || info != nil {
		t.Errorf("Expected nil info for unknown task, got %v %v", info, err)
	}
}

func TestMetaRetentionOptions(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	cases := []struct {
		name      string
		retention time.Duration
		want      time.Duration
	}{
		{"default", 0, DefaultMetaRetention},
		{"custom", time.Hour, time.Hour},
		{"disabled", -1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := NewPriorityQueue(rdb, Options{Name: "ret-" + tc.name, MetaRetention: tc.retention})
			if err := q.Enqueue(ctx, &tasks.Task{ID: "t1", Operation: "test", Priority: tasks.PriorityNormal}); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if err := q.MarkTaskCompleted(ctx, "t1"); err != nil {
				t.Fatalf("MarkTaskCompleted failed: %v", err)
			}
			if ttl := s.TTL("ret-" + tc.name + ":meta:t1"); ttl != tc.want {
				t.Errorf("Expected TTL %v, got %v", tc.want, ttl)
			}
		})
	}
}

func TestSizeByPriority(t *testing.T) {
	_, _, q := setupTestRedis(t)
	ctx := context.Background()

	q.Enqueue(ctx, &tasks.Task{ID: "a", Operation: "test", Priority: tasks.PriorityUrgent})
	q.Enqueue(ctx, &tasks.Task{ID: "b", Operation: "test", Priority: tasks.PriorityLow})
	q.Enqueue(ctx, &tasks.Task{ID: "c", Operation: "test", Priority: tasks.PriorityLow})

	sizes := q.SizeByPriority(ctx)
	if sizes[tasks.PriorityUrgent] != 1 || sizes[tasks.PriorityLow] != 2 || sizes[tasks.PriorityNormal] != 0 {
		t.Errorf("Unexpected sizes: %v", sizes)
	}
	if len(sizes) != 5 {
		t.Errorf("Expected every level reported, got %d", len(sizes))
	}
	if q.Size(ctx) != 3 {
		t.Errorf("Expected size 3, got %d", q.Size(ctx))
	}
}

func TestPeek(t *testing.T) {
	_, _, q := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, &tasks.Task{ID: fmt.Sprintf("p%d", i), Operation: "test", Priority: tasks.PriorityHigh})
	}

	peeked, err := q.Peek(ctx, tasks.PriorityHigh, 2)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if len(peeked) != 2 || peeked[0].ID != "p0" || peeked[1].ID != "p1" {
		t.Errorf("Unexpected peek result: %v", peeked)
	}
	if q.Size(ctx) != 3 {
		t.Error("Peek must not remove tasks")
	}
}

func TestClear(t *testing.T) {
	s, _, q := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, &tasks.Task{ID: fmt.Sprintf("c%d", i), Operation: "test", Priority: tasks.Priorities()[i]})
	}
	q.Dequeue(ctx, 0)

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if q.Size(ctx) != 0 {
		t.Errorf("Expected size 0 after clear, got %d", q.Size(ctx))
	}

	stats := q.Stats(ctx)
	if stats.Enqueued != 0 || stats.Dequeued != 0 || stats.Failed != 0 || stats.Processing != 0 {
		t.Errorf("Expected zeroed stats, got %+v", stats)
	}
	if stats.Throughput["1m"] != 0 {
		t.Errorf("Expected throughput reset, got %v", stats.Throughput)
	}
	if len(s.Keys()) != 0 {
		t.Errorf("Expected no keys left, got %v", s.Keys())
	}

	// Clearing an empty queue is a no-op.
	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Second Clear failed: %v", err)
	}
}

func TestThroughputWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := newThroughputWindow(func() time.Time { return now })

	for i := 0; i < 60; i++ {
		w.record()
	}
	if got := w.rate(time.Minute); got != 1 {
		t.Errorf("Expected 1/s over 1m, got %v", got)
	}

	now = now.Add(2 * time.Minute)
	for i := 0; i < 30; i++ {
		w.record()
	}
	if got := w.rate(time.Minute); got != 0.5 {
		t.Errorf("Expected 0.5/s over 1m, got %v", got)
	}
	if got := w.rate(5 * time.Minute); got != 90.0/300.0 {
		t.Errorf("Expected 0.3/s over 5m, got %v", got)
	}

	now = now.Add(20 * time.Minute)
	if got := w.rate(15 * time.Minute); got != 0 {
		t.Errorf("Expected stale buckets ignored, got %v", got)
	}
}
