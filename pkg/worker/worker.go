// Package worker runs the dequeue, execute, record loop that consumes the
// priority queue and feeds the result store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/dispatchq/pkg/breaker"
	"github.com/guido-cesarano/dispatchq/pkg/logger"
	"github.com/guido-cesarano/dispatchq/pkg/metrics"
	"github.com/guido-cesarano/dispatchq/pkg/queue"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Source hands out tasks and records their queue-side outcome.
// *queue.PriorityQueue satisfies it.
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*tasks.Task, error)
	MarkTaskCompleted(ctx context.Context, taskID string) error
	MarkTaskFailed(ctx context.Context, taskID, errMsg string) error
}

// Sink receives finished task results. *results.Store satisfies it.
type Sink interface {
	StoreResult(ctx context.Context, result *tasks.TaskResult) error
}

const (
	DefaultConcurrency = 4
	DefaultPollTimeout = time.Second

	// errorBackoff is how long a loop sleeps after a failed dequeue.
	errorBackoff = 500 * time.Millisecond
)

// Options configures a Runner.
type Options struct {
	// ID identifies this worker in stored results. Empty generates one.
	ID          string
	Concurrency int
	PollTimeout time.Duration

	// Breakers, when set, guards each operation with the breaker of the same name.
	Breakers *breaker.Registry

	// Limiter, when set with a positive Rate and Burst, throttles execution
	// per operation across every worker sharing the store.
	Limiter *queue.RateLimiter
	Rate    float64
	Burst   int

	Logger *zerolog.Logger
}

// Runner executes tasks from a Source with handlers from a Registry.
type Runner struct {
	source   Source
	sink     Sink
	handlers *tasks.Registry
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// NewRunner creates a runner. Zero Concurrency or PollTimeout use the defaults.
func NewRunner(source Source, sink Sink, handlers *tasks.Registry, opts Options) *Runner {
	if opts.ID == "" {
		opts.ID = "worker-" + uuid.NewString()[:8]
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	l := logger.Component("worker")
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Runner{
		source:   source,
		sink:     sink,
		handlers: handlers,
		opts:     opts,
		log:      l.With().Str("worker_id", opts.ID).Logger(),
		now:      time.Now,
	}
}

// ID returns the worker id recorded on results.
func (r *Runner) ID() string {
	return r.opts.ID
}

// Run starts Concurrency loops and blocks until ctx is cancelled.
// A task already executing when ctx ends still has its outcome recorded.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Int("concurrency", r.opts.Concurrency).Strs("operations", r.handlers.Names()).Msg("Worker started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.Concurrency; i++ {
		g.Go(func() error {
			r.loop(ctx)
			return nil
		})
	}
	err := g.Wait()
	r.log.Info().Msg("Worker stopped")
	return err
}

func (r *Runner) loop(ctx context.Context) {
	for ctx.Err() == nil {
		task, err := r.source.Dequeue(ctx, r.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		if task == nil {
			continue
		}
		r.Process(ctx, task)
	}
}

// Process runs one task to completion and records its outcome in the sink
// and the source. It returns the stored result.
func (r *Runner) Process(ctx context.Context, task *tasks.Task) *tasks.TaskResult {
	log := r.log.With().Str("task_id", task.ID).Str("operation", task.Operation).Logger()

	if err := r.throttle(ctx, task.Operation); err != nil {
		log.Warn().Err(err).Msg("Rate limit wait interrupted")
	}

	start := r.now().UTC()
	log.Info().Str("priority", task.Priority.String()).Msg("Processing task")

	value, err := r.execute(ctx, task)

	end := r.now().UTC()
	result := &tasks.TaskResult{
		TaskID:    task.ID,
		StartTime: &start,
		EndTime:   &end,
		WorkerID:  r.opts.ID,
		Metadata:  task.Metadata,
	}

	switch {
	case err == nil:
		result.Status = tasks.StatusCompleted
		if encErr := result.SetValue(value); encErr != nil {
			result.Status = tasks.StatusFailed
			result.Error = fmt.Sprintf("encode result: %v", encErr)
		}
	case errors.Is(err, context.Canceled):
		result.Status = tasks.StatusCancelled
		result.Error = err.Error()
	default:
		result.Status = tasks.StatusFailed
		result.Error = err.Error()
	}

	metrics.TaskDuration.WithLabelValues(task.Operation).Observe(end.Sub(start).Seconds())
	metrics.TasksProcessed.WithLabelValues(string(result.Status), task.Operation).Inc()

	// Record the outcome even when ctx was cancelled mid-task.
	recordCtx := context.WithoutCancel(ctx)
	if err := r.sink.StoreResult(recordCtx, result); err != nil {
		log.Error().Err(err).Msg("Failed to store task result")
	}
	if result.Status == tasks.StatusCompleted {
		err = r.source.MarkTaskCompleted(recordCtx, task.ID)
	} else {
		err = r.source.MarkTaskFailed(recordCtx, task.ID, result.Error)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to mark task outcome")
	}

	ev := log.Info()
	if result.Status != tasks.StatusCompleted {
		ev = log.Warn().Str("error", result.Error)
	}
	ev.Str("status", string(result.Status)).Dur("duration", end.Sub(start)).Msg("Task finished")
	return result
}

func (r *Runner) execute(ctx context.Context, task *tasks.Task) (value any, err error) {
	handler, err := r.handlers.Lookup(task.Operation)
	if err != nil {
		return nil, err
	}

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	run := func(ctx context.Context) (v any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panic: %v", p)
			}
		}()
		return handler(ctx, task)
	}

	if r.opts.Breakers == nil {
		return run(ctx)
	}
	return breaker.Execute(ctx, r.opts.Breakers.Get(task.Operation, nil), run)
}

// throttle blocks until the operation's token bucket admits one more task.
// Limiter errors fail open.
func (r *Runner) throttle(ctx context.Context, operation string) error {
	if r.opts.Limiter == nil || r.opts.Rate <= 0 || r.opts.Burst <= 0 {
		return nil
	}
	wait := time.Duration(float64(time.Second) / r.opts.Rate)
	for {
		ok, err := r.opts.Limiter.Allow(ctx, "op:"+operation, r.opts.Rate, r.opts.Burst)
		if err != nil {
			r.log.Error().Err(err).Str("operation", operation).Msg("Rate limit check failed")
			return nil
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
