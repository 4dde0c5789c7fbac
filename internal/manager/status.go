package manager

import (
	"time"

	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/policy"
)

// InstanceStatus is the runtime view of one instance.
type InstanceStatus struct {
	App              string         `json:"app"`
	Name             string         `json:"name"`
	Index            int            `json:"index"` // NODE_APP_INSTANCE
	State            policy.State   `json:"state"`
	PID              int            `json:"pid,omitempty"`
	StartedAt        time.Time      `json:"started_at,omitzero"`
	Uptime           time.Duration  `json:"uptime"`
	Restarts         int            `json:"restarts"`
	UnstableRestarts int            `json:"unstable_restarts"`
	LastExitCode     *int           `json:"last_exit_code,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Usage            *metrics.Usage `json:"usage,omitempty"`
}

// Running reports whether a live child backs the instance.
func (s InstanceStatus) Running() bool { return s.PID > 0 }
