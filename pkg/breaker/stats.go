package breaker

import "time"

// Stats is a snapshot of a breaker's running counters.
type Stats struct {
	State                State         `json:"-"`
	TotalCalls           int64         `json:"total_calls"`
	SuccessfulCalls      int64         `json:"successful_calls"`
	FailedCalls          int64         `json:"failed_calls"`
	RejectedCalls        int64         `json:"rejected_calls"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastFailureTime      time.Time     `json:"last_failure_time,omitempty"`
	LastSuccessTime      time.Time     `json:"last_success_time,omitempty"`
	StateChanges         int64         `json:"state_changes"`
	TotalOpenDuration    time.Duration `json:"total_open_duration"`
}

// FailureRate is failed/total, or 0 before any call was recorded.
func (s Stats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls)
}

// SuccessRate is 1 - FailureRate.
func (s Stats) SuccessRate() float64 {
	return 1 - s.FailureRate()
}

// Summary flattens the snapshot into a map for JSON endpoints and logs.
func (s Stats) Summary() map[string]any {
	return map[string]any{
		"state":                 s.State.String(),
		"total_calls":           s.TotalCalls,
		"successful_calls":      s.SuccessfulCalls,
		"failed_calls":          s.FailedCalls,
		"rejected_calls":        s.RejectedCalls,
		"consecutive_failures":  s.ConsecutiveFailures,
		"consecutive_successes": s.ConsecutiveSuccesses,
		"last_failure_time":     s.LastFailureTime,
		"last_success_time":     s.LastSuccessTime,
		"state_changes":         s.StateChanges,
		"total_open_seconds":    s.TotalOpenDuration.Seconds(),
		"failure_rate":          s.FailureRate(),
		"success_rate":          s.SuccessRate(),
	}
}
