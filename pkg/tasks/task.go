// Package tasks defines the core data structures for task representation in dispatchq.
// Tasks are units of work that are enqueued, dequeued by workers, executed, and recorded
// as TaskResults.
package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority determines the processing order of a task.
// Lower numeric values are dequeued first: Urgent before Critical before High
// before Normal before Low.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityCritical
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = [...]string{"urgent", "critical", "high", "normal", "low"}

// Priorities returns every priority level in dequeue order.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	if p.Valid() {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// ParsePriority converts a case-insensitive priority name into a Priority.
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Task represents a unit of work to be processed by the distributed task queue.
//
// Operation names a handler registered in a Registry; the queue only transports it.
// Args and Kwargs are the positional and named parameters for that handler.
// Timeout and MaxRetries are interpreted by the executor, never by the queue.
type Task struct {
	// ID is a unique identifier for the task (typically UUID).
	ID string `json:"id"`

	// Operation is the registered name of the work to run (e.g., "email.send").
	Operation string `json:"operation"`

	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	Priority Priority `json:"priority"`

	// Timeout is the execution deadline; zero means none.
	Timeout time.Duration `json:"timeout,omitempty"`

	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// CreatedAt is the timestamp when the task was built.
	CreatedAt time.Time `json:"created_at"`
}

// TaskOption customizes a Task built by NewTask.
type TaskOption func(*Task)

// WithPriority sets the task priority.
func WithPriority(p Priority) TaskOption {
	return func(t *Task) { t.Priority = p }
}

// WithArgs sets the positional arguments.
func WithArgs(args ...any) TaskOption {
	return func(t *Task) { t.Args = args }
}

// WithKwargs sets the named arguments.
func WithKwargs(kwargs map[string]any) TaskOption {
	return func(t *Task) { t.Kwargs = kwargs }
}

// WithTimeout sets the execution deadline.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.Timeout = d }
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) TaskOption {
	return func(t *Task) { t.MaxRetries = n }
}

// WithMetadata adds a metadata annotation.
func WithMetadata(key, value string) TaskOption {
	return func(t *Task) {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata[key] = value
	}
}

// NewTask builds a Task for the named operation with a fresh ID,
// NORMAL priority and CreatedAt set to now.
func NewTask(operation string, opts ...TaskOption) *Task {
	t := &Task{
		ID:        uuid.NewString(),
		Operation: operation,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// EnsureIdentity fills in a missing ID and CreatedAt. An existing ID is never changed.
func (t *Task) EnsureIdentity() {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
}
