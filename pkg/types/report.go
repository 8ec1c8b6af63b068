package types

import "time"

// CheckOutcome is the result of a single connectivity check.
type CheckOutcome struct {
	Check   string        `json:"check"`
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency_ns"`
	Target  string        `json:"target,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// DiagnosticReport aggregates the outcomes of one probe cycle in check order.
type DiagnosticReport struct {
	ID          string         `json:"id"`
	RadioID     RadioID        `json:"radio_id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Stopped     bool           `json:"stopped,omitempty"`
	Outcomes    []CheckOutcome `json:"outcomes"`
}

// Empty reports whether the report carries no usable result.
func (r *DiagnosticReport) Empty() bool {
	return r == nil || len(r.Outcomes) == 0
}

// Success is true when every collected check succeeded.
func (r *DiagnosticReport) Success() bool {
	if r.Empty() {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.Success {
			return false
		}
	}
	return true
}

// Failed lists the names of failed checks.
func (r *DiagnosticReport) Failed() []string {
	if r == nil {
		return nil
	}
	var failed []string
	for _, o := range r.Outcomes {
		if !o.Success {
			failed = append(failed, o.Check)
		}
	}
	return failed
}
