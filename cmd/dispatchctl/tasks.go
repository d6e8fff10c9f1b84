package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/spf13/cobra"
)

var (
	enqueuePriority string
	enqueueArgs     string
	enqueueKwargs   string
	enqueueTimeout  time.Duration
	enqueueMeta     map[string]string

	waitTimeout time.Duration
	clearForce  bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <operation>",
	Short: "Enqueue a task",
	Example: `  dispatchctl enqueue email.send --priority high --args '["user@example.com"]'
  dispatchctl enqueue report.build --kwargs '{"quarter":"q3"}' --timeout 30s --meta tenant=acme`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and result store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		qs := q.Stats(ctx)
		rs := store.Stats(ctx)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "QUEUE\t%s\n", qs.Name)
		for _, p := range tasks.Priorities() {
			fmt.Fprintf(w, "  %s\t%d\n", p, qs.SizeByPriority[p.String()])
		}
		fmt.Fprintf(w, "  total\t%d\n", qs.Size)
		fmt.Fprintf(w, "  processing\t%d\n", qs.Processing)
		fmt.Fprintf(w, "  enqueued/dequeued\t%d/%d\n", qs.Enqueued, qs.Dequeued)
		fmt.Fprintf(w, "  completed/failed\t%d/%d\n", qs.Completed, qs.Failed)
		fmt.Fprintf(w, "RESULTS\t%s\n", rs.Channel)
		fmt.Fprintf(w, "  records\t%d\n", rs.Records)
		fmt.Fprintf(w, "  stored/deleted\t%d/%d\n", rs.Stored, rs.Deleted)
		fmt.Fprintf(w, "  published/failed\t%d/%d\n", rs.Published, rs.PublishFailures)
		fmt.Fprintf(w, "  expired cleaned\t%d\n", rs.ExpiredCleaned)
		fmt.Fprintf(w, "  ttl\t%s\n", rs.TTL)
		return w.Flush()
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every queued task, queue metadata and counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearForce {
			return fmt.Errorf("refusing to clear queue %q without --force", q.Name())
		}
		if err := q.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Queue %s cleared\n", q.Name())
		return nil
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <task-id>",
	Short: "Print a task result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := store.GetResult(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("no result for task %s", args[0])
		}
		return printJSON(r)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <task-id>...",
	Short: "Stream results for the given tasks as they complete",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		received := 0
		for r := range store.ResultsStream(cmd.Context(), args, waitTimeout) {
			received++
			line := fmt.Sprintf("%s\t%s", r.TaskID, r.Status)
			if d, ok := r.ExecutionTime(); ok {
				line += "\t" + d.String()
			}
			if r.Error != "" {
				line += "\t" + r.Error
			}
			fmt.Println(line)
		}
		unique := make(map[string]struct{}, len(args))
		for _, id := range args {
			unique[id] = struct{}{}
		}
		if missing := len(unique) - received; missing > 0 {
			return fmt.Errorf("%d task(s) did not finish within %s", missing, waitTimeout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd, statsCmd, clearCmd, resultCmd, waitCmd)

	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "normal", "urgent, critical, high, normal or low")
	enqueueCmd.Flags().StringVar(&enqueueArgs, "args", "", "positional arguments as a JSON array")
	enqueueCmd.Flags().StringVar(&enqueueKwargs, "kwargs", "", "named arguments as a JSON object")
	enqueueCmd.Flags().DurationVar(&enqueueTimeout, "timeout", 0, "execution deadline")
	enqueueCmd.Flags().StringToStringVar(&enqueueMeta, "meta", nil, "metadata key=value pairs")

	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", time.Minute, "how long to wait; 0 waits forever")

	clearCmd.Flags().BoolVar(&clearForce, "force", false, "confirm clearing the queue")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	p, err := tasks.ParsePriority(enqueuePriority)
	if err != nil {
		return err
	}

	opts := []tasks.TaskOption{tasks.WithPriority(p), tasks.WithTimeout(enqueueTimeout)}
	if enqueueArgs != "" {
		var positional []any
		if err := json.Unmarshal([]byte(enqueueArgs), &positional); err != nil {
			return fmt.Errorf("invalid --args: %w", err)
		}
		opts = append(opts, tasks.WithArgs(positional...))
	}
	if enqueueKwargs != "" {
		var named map[string]any
		if err := json.Unmarshal([]byte(enqueueKwargs), &named); err != nil {
			return fmt.Errorf("invalid --kwargs: %w", err)
		}
		opts = append(opts, tasks.WithKwargs(named))
	}
	for k, v := range enqueueMeta {
		opts = append(opts, tasks.WithMetadata(strings.TrimSpace(k), v))
	}

	task := tasks.NewTask(args[0], opts...)
	if err := q.Enqueue(cmd.Context(), task); err != nil {
		return err
	}
	log.Debug().Str("task_id", task.ID).Str("priority", p.String()).Msg("Task enqueued")
	fmt.Println(task.ID)
	return nil
}
