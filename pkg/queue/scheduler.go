package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/robfig/cron/v3"
)

// Scheduler enqueues copies of template tasks on cron schedules.
type Scheduler struct {
	queue *PriorityQueue
	cron  *cron.Cron
}

// NewScheduler creates a scheduler that accepts six-field (seconds) cron specs
// as well as descriptors such as "@every 1m".
func NewScheduler(q *PriorityQueue) *Scheduler {
	return &Scheduler{
		queue: q,
		cron:  cron.New(cron.WithSeconds()),
	}
}

// Schedule registers a cron entry. Each firing enqueues a copy of template with a
// fresh ID and CreatedAt, so every run is tracked as its own task.
func (s *Scheduler) Schedule(spec string, template tasks.Task) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		task := template
		task.ID = uuid.NewString()
		task.CreatedAt = time.Now().UTC()
		if template.Metadata != nil {
			task.Metadata = make(map[string]string, len(template.Metadata)+1)
			for k, v := range template.Metadata {
				task.Metadata[k] = v
			}
		} else {
			task.Metadata = make(map[string]string, 1)
		}
		task.Metadata["schedule"] = spec

		if err := s.queue.Enqueue(context.Background(), &task); err != nil {
			s.queue.log.Error().Err(err).Str("spec", spec).Msg("Failed to enqueue scheduled task")
		} else {
			s.queue.log.Info().Str("operation", task.Operation).Str("spec", spec).Msg("Scheduled task enqueued")
		}
	})
}

// Remove unregisters a cron entry.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Entries returns the number of registered schedules.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
