// Package ecosystem reads pm2-style application declarations and turns them
// into validated ManagedProcessSpec values.
package ecosystem

import (
	"strconv"
	"time"

	"github.com/loykin/appvisor/internal/policy"
	"github.com/loykin/appvisor/internal/process"
)

// ExecMode selects how instances of an app are run.
type ExecMode string

const (
	ExecModeFork    ExecMode = "fork"
	ExecModeCluster ExecMode = "cluster" // independent replicas, no built-in balancer
)

const (
	DefaultInstances   = 1
	DefaultMaxRestarts = 16
	DefaultMinUptime   = time.Second
	DefaultKillTimeout = 1600 * time.Millisecond
)

// InterpreterNone executes the entry point directly.
const InterpreterNone = process.InterpreterNone

// ManagedProcessSpec is the immutable, validated description of one app.
type ManagedProcessSpec struct {
	Name            string            `json:"name"`
	EntryPoint      string            `json:"script"`
	Interpreter     string            `json:"interpreter"` // as declared, or inferred from EntryPoint
	InterpreterArgs []string          `json:"interpreter_args,omitempty"`
	Args            []string          `json:"args,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Environment     map[string]string `json:"env,omitempty"`
	Port            int               `json:"port,omitempty"`
	Watch           bool              `json:"watch"`
	IgnoreWatch     []string          `json:"ignore_watch,omitempty"`
	Instances       int               `json:"instances"`
	ExecutionMode   ExecMode          `json:"exec_mode"`
	AutoRestart     bool              `json:"autorestart"`
	MaxRestarts     int               `json:"max_restarts"`
	MinUptime       time.Duration     `json:"min_uptime"`
	RestartDelay    time.Duration     `json:"restart_delay,omitempty"`
	KillTimeout     time.Duration     `json:"kill_timeout"`
	PIDFile         string            `json:"pid_file,omitempty"`
	OutFile         string            `json:"out_file,omitempty"`
	ErrorFile       string            `json:"error_file,omitempty"`
}

// Policy returns the restart policy declared by s.
func (s ManagedProcessSpec) Policy() policy.Policy {
	return policy.Policy{
		AutoRestart: s.AutoRestart,
		MaxRestarts: s.MaxRestarts,
		MinUptime:   s.MinUptime,
	}
}

// InstanceNames returns the names of the instances derived from s: the app
// name itself for a single instance, otherwise name-1..name-N.
func (s ManagedProcessSpec) InstanceNames() []string {
	n := s.Instances
	if n <= 1 {
		return []string{s.Name}
	}
	out := make([]string, n)
	for i := range out {
		out[i] = s.Name + "-" + strconv.Itoa(i+1)
	}
	return out
}
