package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart  EventType = "start"
	EventExit   EventType = "exit"
	EventStop   EventType = "stop"
	EventFailed EventType = "failed"
)

// Record is the instance state captured at the time of an event.
type Record struct {
	App      string `json:"app"`
	Instance string `json:"instance"`
	PID      int    `json:"pid"`
	State    string `json:"state"`
	ExitCode int    `json:"exit_code"`
	UptimeMS int64  `json:"uptime_ms"`
	Restarts int    `json:"restarts"`
	Unstable int    `json:"unstable_restarts"`
	Reason   string `json:"reason,omitempty"`
	SpecJSON string `json:"spec,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const sendTimeout = 5 * time.Second

// Dispatch delivers e to every sink. Failures are logged, never returned:
// history is best effort and must not affect supervision.
func Dispatch(sinks []Sink, e Event) {
	if len(sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history sink send failed", "type", e.Type, "instance", e.Record.Instance, "error", err)
		}
	}
}
