package tasks

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state recorded in a TaskResult.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// IsTerminal reports whether the status is completed, failed or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskResult is the recorded outcome of executing a Task.
//
// Result holds the opaque payload and is base64 encoded on the wire, so any
// byte sequence survives a store round trip. Result and Error are mutually
// exclusive for terminal statuses.
type TaskResult struct {
	TaskID     string            `json:"task_id"`
	Status     Status            `json:"status"`
	Result     []byte            `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartTime  *time.Time        `json:"start_time,omitempty"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	RetryCount int               `json:"retry_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ExecutionTime returns EndTime - StartTime when both are set.
func (r *TaskResult) ExecutionTime() (time.Duration, bool) {
	if r.StartTime == nil || r.EndTime == nil {
		return 0, false
	}
	return r.EndTime.Sub(*r.StartTime), true
}

// SetValue JSON-encodes v into Result. A []byte is stored as is and a nil v
// clears the payload.
func (r *TaskResult) SetValue(v any) error {
	if v == nil {
		r.Result = nil
		return nil
	}
	if b, ok := v.([]byte); ok {
		r.Result = b
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Result = data
	return nil
}

// DecodeValue JSON-decodes Result into v. A *[]byte receives a copy of the
// raw payload, mirroring SetValue.
func (r *TaskResult) DecodeValue(v any) error {
	if len(r.Result) == 0 {
		return errors.New("result has no payload")
	}
	if b, ok := v.(*[]byte); ok {
		*b = append([]byte(nil), r.Result...)
		return nil
	}
	return json.Unmarshal(r.Result, v)
}
