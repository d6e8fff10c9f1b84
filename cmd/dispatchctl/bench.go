package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	benchTasks     int
	benchEnqueuers int
	benchOperation string
	benchNoWait    bool
	benchMaxWait   time.Duration
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure enqueue and processing throughput",
	Long: `bench enqueues a large number of tasks from concurrent enqueuers, spread
across every priority level, then polls the queue until running workers have
drained it and reports both phases.`,
	Example: `  dispatchctl bench --tasks 100000 --enqueuers 10`,
	Args:    cobra.NoArgs,
	RunE:    runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().IntVar(&benchTasks, "tasks", 100000, "number of tasks to enqueue")
	benchCmd.Flags().IntVar(&benchEnqueuers, "enqueuers", 10, "number of concurrent enqueuers")
	benchCmd.Flags().StringVar(&benchOperation, "operation", "echo", "operation name for the benchmark tasks")
	benchCmd.Flags().BoolVar(&benchNoWait, "no-wait", false, "only measure the enqueue phase")
	benchCmd.Flags().DurationVar(&benchMaxWait, "max-wait", 30*time.Minute, "give up waiting for workers after this long")
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchTasks <= 0 || benchEnqueuers <= 0 {
		return fmt.Errorf("--tasks and --enqueuers must be positive")
	}
	ctx := cmd.Context()

	fmt.Printf("dispatchq Benchmark\n")
	fmt.Printf("===================\n")
	fmt.Printf("Tasks to enqueue: %d\n", benchTasks)
	fmt.Printf("Concurrent enqueuers: %d\n\n", benchEnqueuers)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var enqueued atomic.Int64
	levels := tasks.Priorities()
	perEnqueuer := benchTasks / benchEnqueuers

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < benchEnqueuers; i++ {
		n := perEnqueuer
		if i == benchEnqueuers-1 {
			n += benchTasks % benchEnqueuers
		}
		i := i
		g.Go(func() error {
			for j := 0; j < n; j++ {
				task := tasks.NewTask(benchOperation,
					tasks.WithPriority(levels[j%len(levels)]),
					tasks.WithKwargs(map[string]any{"enqueuer": i, "task": j}),
				)
				if err := q.Enqueue(gctx, task); err != nil {
					return fmt.Errorf("enqueue: %w", err)
				}
				enqueued.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("Enqueued %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	if benchNoWait {
		return nil
	}

	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, benchMaxWait)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		stats := q.Stats(waitCtx)
		remaining := stats.Size + stats.Processing
		if remaining == 0 {
			break
		}
		fmt.Printf("  Remaining: %d tasks\n", remaining)
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("gave up with %d tasks remaining: %w", remaining, waitCtx.Err())
		case <-ticker.C:
		}
	}

	processTime := time.Since(startProcess)
	fmt.Printf("\nAll tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(benchTasks)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(benchTasks)/totalTime.Seconds())
	return nil
}
