// Package queue provides a Redis-backed priority task queue.
// It supports:
//   - Five strict priority levels, each backed by its own Redis list
//   - Atomic enqueue of payload, metadata and counters via MULTI/EXEC
//   - Atomic multi-list dequeue (BLPOP with a timeout, a Lua scan without)
//   - Queue-side lifecycle metadata and a "processing" membership set
//   - Recurring enqueue via cron (Scheduler) and token-bucket throttling (RateLimiter)
//
// The PriorityQueue type is the main entry point for producers and consumers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/logger"
	"github.com/guido-cesarano/dispatchq/pkg/metrics"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultName is the key prefix used when Options.Name is empty.
	DefaultName = "taskqueue"

	// DefaultMetaRetention is how long terminal metadata records are kept.
	DefaultMetaRetention = 24 * time.Hour
)

// Metadata record states.
const (
	StateEnqueued  = "enqueued"
	StateDequeued  = "dequeued"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// popFirstScript pops from the first non-empty list in KEYS order.
// Running as one script makes the five-list scan atomic against concurrent pushes.
var popFirstScript = redis.NewScript(`
	for i, key in ipairs(KEYS) do
		local v = redis.call('LPOP', key)
		if v then
			return {key, v}
		end
	end
	return false
`)

// Options configures a PriorityQueue.
type Options struct {
	// Name prefixes every key owned by the queue.
	Name string

	// MetaRetention sets an expiry on metadata records once they reach a
	// terminal state. Zero uses DefaultMetaRetention; negative keeps them until Clear.
	MetaRetention time.Duration

	Logger *zerolog.Logger
}

// PriorityQueue is a durable, priority-ordered queue of serialized tasks.
//
// Redis layout:
//   - <name>:priority:<level>: one list per priority, FIFO within a level
//   - <name>:meta:<id>: hash with status, timestamps, priority and queue name
//   - <name>:processing: set of dequeued ids awaiting a terminal outcome
//   - <name>:stats: hash of enqueued/dequeued/completed/failed counters
//
// Strict priority is deliberate: a steady stream of urgent tasks starves the
// lower levels, and no aging or promotion is performed.
type PriorityQueue struct {
	rdb           redis.UniversalClient
	name          string
	metaRetention time.Duration
	log           zerolog.Logger
	window        *throughputWindow
}

// NewPriorityQueue creates a queue on top of an existing Redis client.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	q := queue.NewPriorityQueue(rdb, queue.Options{Name: "jobs"})
func NewPriorityQueue(rdb redis.UniversalClient, opts Options) *PriorityQueue {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.MetaRetention == 0 {
		opts.MetaRetention = DefaultMetaRetention
	}
	if opts.MetaRetention < 0 {
		opts.MetaRetention = 0
	}
	log := logger.Component("queue")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &PriorityQueue{
		rdb:           rdb,
		name:          opts.Name,
		metaRetention: opts.MetaRetention,
		log:           log.With().Str("queue", opts.Name).Logger(),
		window:        newThroughputWindow(time.Now),
	}
}

// Name returns the key prefix of the queue.
func (q *PriorityQueue) Name() string {
	return q.name
}

func (q *PriorityQueue) listKey(p tasks.Priority) string {
	return fmt.Sprintf("%s:priority:%s", q.name, p)
}

func (q *PriorityQueue) listKeys() []string {
	levels := tasks.Priorities()
	keys := make([]string, len(levels))
	for i, p := range levels {
		keys[i] = q.listKey(p)
	}
	return keys
}

func (q *PriorityQueue) metaKey(id string) string {
	return fmt.Sprintf("%s:meta:%s", q.name, id)
}

func (q *PriorityQueue) processingKey() string {
	return q.name + ":processing"
}

func (q *PriorityQueue) statsKey() string {
	return q.name + ":stats"
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Enqueue serializes the task and pushes it onto the list for its priority.
// A missing ID or CreatedAt is filled in; an existing ID is never changed.
//
// The push, the metadata record and the counters are sent as one MULTI/EXEC
// transaction. On error nothing is enqueued and the caller may retry the
// whole call.
func (q *PriorityQueue) Enqueue(ctx context.Context, task *tasks.Task) error {
	if task == nil {
		return errors.New("enqueue: nil task")
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("enqueue: invalid priority %d", int(task.Priority))
	}
	task.EnsureIdentity()

	data, err := json.Marshal(task)
	if err != nil {
		metrics.QueueOps.WithLabelValues("enqueue", "error").Inc()
		q.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to serialize task")
		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}

	metaKey := q.metaKey(task.ID)
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, q.listKey(task.Priority), data)
	pipe.Del(ctx, metaKey)
	pipe.HSet(ctx, metaKey,
		"status", StateEnqueued,
		"enqueued_at", timestamp(time.Now()),
		"priority", task.Priority.String(),
		"queue", q.name,
	)
	pipe.HIncrBy(ctx, q.statsKey(), "enqueued", 1)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.QueueOps.WithLabelValues("enqueue", "error").Inc()
		q.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to enqueue task")
		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}

	metrics.QueueOps.WithLabelValues("enqueue", "ok").Inc()
	q.log.Debug().
		Str("task_id", task.ID).
		Str("operation", task.Operation).
		Str("priority", task.Priority.String()).
		Msg("Task enqueued")
	return nil
}

// Dequeue removes and returns the highest-priority task available.
//
// With a positive timeout it issues a single BLPOP across all five lists, so the
// first list holding data wins and no two consumers receive the same entry.
// With a zero timeout it runs popFirstScript, which scans the lists in priority
// order inside one atomic script.
//
// The dequeued id is added to the processing set and its metadata updated.
// Dequeue returns (nil, nil) when every list stayed empty.
func (q *PriorityQueue) Dequeue(ctx context.Context, timeout time.Duration) (*tasks.Task, error) {
	var raw string
	var err error

	if timeout > 0 {
		var res []string
		res, err = q.blpop(ctx, timeout)
		if err == nil {
			raw = res[1]
		}
	} else {
		var res []string
		res, err = popFirstScript.Run(ctx, q.rdb, q.listKeys()).StringSlice()
		if err == nil {
			raw = res[1]
		}
	}

	if errors.Is(err, redis.Nil) {
		metrics.QueueOps.WithLabelValues("dequeue", "empty").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.QueueOps.WithLabelValues("dequeue", "error").Inc()
		if ctx.Err() == nil {
			q.log.Error().Err(err).Msg("Failed to dequeue task")
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var task tasks.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		metrics.QueueOps.WithLabelValues("dequeue", "error").Inc()
		q.log.Error().Err(err).Str("raw", raw).Msg("Dropping undecodable task")
		return nil, fmt.Errorf("dequeue: decode task: %w", err)
	}

	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, q.processingKey(), task.ID)
	pipe.HSet(ctx, q.metaKey(task.ID),
		"status", StateDequeued,
		"dequeued_at", timestamp(now),
	)
	pipe.HIncrBy(ctx, q.statsKey(), "dequeued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		// The entry is already popped; hand it out rather than lose it.
		q.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to record dequeue metadata")
	}

	q.window.record()
	metrics.QueueOps.WithLabelValues("dequeue", "ok").Inc()
	if !task.CreatedAt.IsZero() {
		metrics.QueueLatency.WithLabelValues(task.Priority.String()).Observe(now.Sub(task.CreatedAt).Seconds())
	}
	return &task, nil
}

// blpop issues BLPOP across every priority list. The client library rounds
// sub-second timeouts up to one second, so those are sent as fractional
// seconds directly; they stay well below the client read timeout.
func (q *PriorityQueue) blpop(ctx context.Context, timeout time.Duration) ([]string, error) {
	if timeout >= time.Second {
		return q.rdb.BLPop(ctx, timeout, q.listKeys()...).Result()
	}
	keys := q.listKeys()
	args := make([]any, 0, len(keys)+2)
	args = append(args, "blpop")
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))
	return q.rdb.Do(ctx, args...).StringSlice()
}

// MarkTaskCompleted removes the id from the processing set and records completion.
func (q *PriorityQueue) MarkTaskCompleted(ctx context.Context, taskID string) error {
	return q.finish(ctx, taskID, StateCompleted, "")
}

// MarkTaskFailed removes the id from the processing set, records the failure
// and its error text, and increments the failure counter.
func (q *PriorityQueue) MarkTaskFailed(ctx context.Context, taskID, errMsg string) error {
	return q.finish(ctx, taskID, StateFailed, errMsg)
}

func (q *PriorityQueue) finish(ctx context.Context, taskID, state, errMsg string) error {
	metaKey := q.metaKey(taskID)
	fields := []any{"status", state, state + "_at", timestamp(time.Now())}
	if state == StateFailed {
		fields = append(fields, "error", errMsg)
	}

	op := "complete"
	if state == StateFailed {
		op = "fail"
	}

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), taskID)
	pipe.HSet(ctx, metaKey, fields...)
	pipe.HIncrBy(ctx, q.statsKey(), state, 1)
	if q.metaRetention > 0 {
		pipe.Expire(ctx, metaKey, q.metaRetention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.QueueOps.WithLabelValues(op, "error").Inc()
		q.log.Error().Err(err).Str("task_id", taskID).Str("state", state).Msg("Failed to record task outcome")
		return fmt.Errorf("mark %s %s: %w", taskID, state, err)
	}
	metrics.QueueOps.WithLabelValues(op, "ok").Inc()
	return nil
}

// Size returns the total number of queued tasks across all priorities.
// Store errors are logged and reported as 0.
func (q *PriorityQueue) Size(ctx context.Context) int64 {
	var total int64
	for _, n := range q.SizeByPriority(ctx) {
		total += n
	}
	return total
}

// SizeByPriority returns the length of every priority list, read in one pipeline.
// Lists that could not be read are reported as 0.
func (q *PriorityQueue) SizeByPriority(ctx context.Context) map[tasks.Priority]int64 {
	levels := tasks.Priorities()
	sizes := make(map[tasks.Priority]int64, len(levels))
	cmds := make([]*redis.IntCmd, len(levels))

	pipe := q.rdb.Pipeline()
	for i, p := range levels {
		cmds[i] = pipe.LLen(ctx, q.listKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Msg("Failed to read queue sizes")
	}
	for i, p := range levels {
		n, err := cmds[i].Result()
		if err != nil {
			n = 0
		}
		sizes[p] = n
	}
	return sizes
}

// TaskInfo returns the metadata record for a task, or nil if none exists.
func (q *PriorityQueue) TaskInfo(ctx context.Context, taskID string) (map[string]string, error) {
	info, err := q.rdb.HGetAll(ctx, q.metaKey(taskID)).Result()
	if err != nil {
		q.log.Error().Err(err).Str("task_id", taskID).Msg("Failed to read task metadata")
		return nil, err
	}
	if len(info) == 0 {
		return nil, nil
	}
	return info, nil
}

// Peek returns up to limit tasks from the head of a priority list without removing them.
// Malformed entries are skipped.
func (q *PriorityQueue) Peek(ctx context.Context, p tasks.Priority, limit int64) ([]*tasks.Task, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("peek: invalid priority %d", int(p))
	}
	if limit <= 0 {
		return nil, nil
	}
	rawTasks, err := q.rdb.LRange(ctx, q.listKey(p), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	var taskList []*tasks.Task
	for _, raw := range rawTasks {
		var t tasks.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		taskList = append(taskList, &t)
	}
	return taskList, nil
}

// Clear deletes every priority list, metadata record, the processing set and
// the counters, and resets the local throughput window. Intended for tests and resets.
func (q *PriorityQueue) Clear(ctx context.Context) error {
	keys := append(q.listKeys(), q.processingKey(), q.statsKey())
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		q.log.Error().Err(err).Msg("Failed to clear queue")
		return fmt.Errorf("clear: %w", err)
	}

	iter := q.rdb.Scan(ctx, 0, q.metaKey("*"), 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := q.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("clear metadata: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		q.log.Error().Err(err).Msg("Failed to scan metadata while clearing")
		return fmt.Errorf("clear metadata: %w", err)
	}
	if len(batch) > 0 {
		if err := q.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("clear metadata: %w", err)
		}
	}

	q.window.reset()
	q.log.Info().Msg("Queue cleared")
	return nil
}
