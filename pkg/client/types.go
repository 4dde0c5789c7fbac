package client

import "time"

// InstanceStatus mirrors one entry of GET /status.
type InstanceStatus struct {
	App              string        `json:"app"`
	Name             string        `json:"name"`
	Index            int           `json:"index"`
	State            string        `json:"state"`
	PID              int           `json:"pid,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	Uptime           time.Duration `json:"uptime"`
	Restarts         int           `json:"restarts"`
	UnstableRestarts int           `json:"unstable_restarts"`
	LastExitCode     *int          `json:"last_exit_code,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	Usage            *Usage        `json:"usage,omitempty"`
}

// Usage is the latest CPU/memory sample of an instance.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
	NumFDs     int32   `json:"num_fds,omitempty"`
}

// AppInfo mirrors one entry of GET /apps.
type AppInfo struct {
	Name          string   `json:"name"`
	Script        string   `json:"script"`
	Interpreter   string   `json:"interpreter"`
	Cwd           string   `json:"cwd,omitempty"`
	Port          int      `json:"port,omitempty"`
	Instances     int      `json:"instances"`
	ExecMode      string   `json:"exec_mode"`
	Watch         bool     `json:"watch"`
	AutoRestart   bool     `json:"autorestart"`
	MaxRestarts   int      `json:"max_restarts"`
	MinUptime     string   `json:"min_uptime"`
	RestartDelay  string   `json:"restart_delay,omitempty"`
	InstanceNames []string `json:"instance_names"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
