// Package policy implements the restart state machine applied to every
// supervised instance. It is pure: Next computes the following snapshot from
// the current one and an event, and never touches processes or clocks.
package policy

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of one supervised instance.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateExited
	StateStoppedFailed
	StateStoppedManual
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateStoppedFailed:
		return "stopped(failed)"
	case StateStoppedManual:
		return "stopped(manual)"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStoppedFailed || s == StateStoppedManual
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for s := StateStarting; s <= StateStoppedManual; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// EventType enumerates the inputs of the state machine.
type EventType int

const (
	EventStarted EventType = iota // child launched successfully
	EventExited                   // child exited (or failed to launch); Uptime is set
	EventRestart                  // restart delay elapsed
	EventReload                   // restart requested by a file change
	EventStop                     // explicit stop request
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventExited:
		return "exited"
	case EventRestart:
		return "restart"
	case EventReload:
		return "reload"
	case EventStop:
		return "stop"
	default:
		return "unknown"
	}
}

type Event struct {
	Type   EventType
	Uptime time.Duration // only for EventExited
}

// Policy is the restart budget of an app.
type Policy struct {
	AutoRestart bool
	MaxRestarts int
	MinUptime   time.Duration
}

// Snapshot is the state carried between transitions.
type Snapshot struct {
	State    State  `json:"state"`
	Restarts int    `json:"restarts"`          // relaunches performed so far
	Unstable int    `json:"unstable_restarts"` // consecutive exits before MinUptime
	Reason   string `json:"reason,omitempty"`  // why a terminal state was entered
}

var (
	ErrTerminal          = errors.New("instance is in a terminal state")
	ErrInvalidTransition = errors.New("invalid transition")
)

const (
	ReasonBudgetExhausted    = "restart budget exhausted"
	ReasonAutoRestartOff     = "autorestart disabled"
	ReasonStoppedByRequest   = "stopped by request"
	reasonInvalidTransitionF = "%w: %s on %s"
)

// Initial returns the snapshot of a freshly created instance.
func Initial() Snapshot { return Snapshot{State: StateStarting} }

// Next applies ev to s under policy p.
//
// An exit at uptime >= MinUptime clears the unstable counter before the
// budget is evaluated; otherwise the exit counts against the budget. The
// instance fails once the unstable counter reaches MaxRestarts.
func Next(p Policy, s Snapshot, ev Event) (Snapshot, error) {
	if s.State.Terminal() {
		return s, ErrTerminal
	}
	switch ev.Type {
	case EventStop:
		s.State = StateStoppedManual
		s.Reason = ReasonStoppedByRequest
		return s, nil

	case EventStarted:
		if s.State != StateStarting {
			break
		}
		s.State = StateRunning
		return s, nil

	case EventExited:
		if s.State != StateStarting && s.State != StateRunning {
			break
		}
		if ev.Uptime >= p.MinUptime {
			s.Unstable = 0
		} else {
			s.Unstable++
		}
		switch {
		case !p.AutoRestart:
			s.State = StateStoppedFailed
			s.Reason = ReasonAutoRestartOff
		case s.Unstable >= p.MaxRestarts:
			s.State = StateStoppedFailed
			s.Reason = fmt.Sprintf("%s (%d unstable restarts, max %d)", ReasonBudgetExhausted, s.Unstable, p.MaxRestarts)
		default:
			s.State = StateExited
		}
		return s, nil

	case EventRestart:
		if s.State != StateExited {
			break
		}
		s.State = StateStarting
		s.Restarts++
		return s, nil

	case EventReload:
		if s.State != StateRunning && s.State != StateExited {
			break
		}
		s.State = StateStarting
		s.Restarts++
		return s, nil
	}
	return s, fmt.Errorf(reasonInvalidTransitionF, ErrInvalidTransition, ev.Type, s.State)
}
