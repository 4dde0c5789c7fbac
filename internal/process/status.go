package process

import "time"

// Status is a point-in-time view of one child.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   string    `json:"exit_error,omitempty"`
}

// Uptime is how long the child ran, or has been running so far.
func (s Status) Uptime() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.Running || s.StoppedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.StoppedAt.Sub(s.StartedAt)
}
