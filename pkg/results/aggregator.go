package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/logger"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/rs/zerolog"
)

// ErrNoSuccessfulResults is returned by Aggregate when none of the awaited
// tasks completed successfully.
var ErrNoSuccessfulResults = errors.New("no successful results to aggregate")

// Aggregator builds reductions, callbacks and batching on top of a Store's stream.
type Aggregator struct {
	store *Store
	log   zerolog.Logger
}

// NewAggregator creates an aggregator. A nil logger uses the component logger.
func NewAggregator(store *Store, log *zerolog.Logger) *Aggregator {
	l := logger.Component("aggregator")
	if log != nil {
		l = *log
	}
	return &Aggregator{store: store, log: l}
}

// Aggregate waits for the given tasks, keeps the completed ones and reduces them with fn.
func Aggregate[T any](ctx context.Context, agg *Aggregator, ids []string, fn func([]*tasks.TaskResult) (T, error), timeout time.Duration) (T, error) {
	var zero T
	all := agg.store.WaitForResults(ctx, ids, timeout)

	completed := make([]*tasks.TaskResult, 0, len(all))
	for _, r := range all {
		if r.Status == tasks.StatusCompleted {
			completed = append(completed, r)
		}
	}
	if len(completed) == 0 {
		agg.log.Warn().Int("requested", len(ids)).Int("received", len(all)).Msg("No successful results to aggregate")
		return zero, ErrNoSuccessfulResults
	}
	return fn(completed)
}

// CollectStreamingResults calls cb for each result as it arrives and returns
// how many results were delivered. A callback that errors or panics is logged
// and the stream continues.
func (a *Aggregator) CollectStreamingResults(ctx context.Context, ids []string, cb func(*tasks.TaskResult) error, timeout time.Duration) int {
	delivered := 0
	for r := range a.store.ResultsStream(ctx, ids, timeout) {
		delivered++
		if err := a.safeCall(r, cb); err != nil {
			a.log.Error().Err(err).Str("task_id", r.TaskID).Msg("Result callback failed")
		}
	}
	return delivered
}

func (a *Aggregator) safeCall(r *tasks.TaskResult, cb func(*tasks.TaskResult) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback panic: %v", p)
		}
	}()
	return cb(r)
}

// BatchProcessResults groups arriving results into batches of batchSize, plus
// one final partial batch, and applies processor to each. A nil processor
// only collects. The first processor error stops processing and is returned
// with the batches handled so far.
func (a *Aggregator) BatchProcessResults(ctx context.Context, ids []string, batchSize int, processor func([]*tasks.TaskResult) error, timeout time.Duration) ([][]*tasks.TaskResult, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	// Cancel the stream if a processor error stops us early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var batches [][]*tasks.TaskResult
	flush := func(batch []*tasks.TaskResult) error {
		if processor != nil {
			if err := processor(batch); err != nil {
				return fmt.Errorf("process batch %d: %w", len(batches), err)
			}
		}
		batches = append(batches, batch)
		return nil
	}

	current := make([]*tasks.TaskResult, 0, batchSize)
	for r := range a.store.ResultsStream(ctx, ids, timeout) {
		current = append(current, r)
		if len(current) == batchSize {
			if err := flush(current); err != nil {
				return batches, err
			}
			current = make([]*tasks.TaskResult, 0, batchSize)
		}
	}
	if len(current) > 0 {
		if err := flush(current); err != nil {
			return batches, err
		}
	}
	return batches, nil
}
