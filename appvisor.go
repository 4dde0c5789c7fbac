// Package appvisor is the public entry point to the supervisor: declaration
// loading, the process manager, the control API and metrics.
package appvisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loykin/appvisor/internal/config"
	"github.com/loykin/appvisor/internal/ecosystem"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/history/factory"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/policy"
	"github.com/loykin/appvisor/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Public aliases.
type (
	Spec            = ecosystem.ManagedProcessSpec
	ExecMode        = ecosystem.ExecMode
	Format          = ecosystem.Format
	ValidationError = ecosystem.ValidationError
	InstanceStatus  = manager.InstanceStatus
	State           = policy.State
	Policy          = policy.Policy
	Config          = config.Config
	LogConfig       = logger.Config
	HistorySink     = history.Sink
	UsageConfig     = metrics.UsageConfig
	ServerOptions   = server.Options
)

const (
	FormatJSON = ecosystem.FormatJSON
	FormatYAML = ecosystem.FormatYAML
	FormatTOML = ecosystem.FormatTOML

	ExecModeFork    = ecosystem.ExecModeFork
	ExecModeCluster = ecosystem.ExecModeCluster
)

var (
	ErrNoApps     = ecosystem.ErrNoApps
	ErrUnknownApp = manager.ErrUnknownApp
	ErrAppExists  = manager.ErrAppExists
	ErrAppRunning = manager.ErrAppRunning
)

// Load parses a declaration document.
func Load(data []byte, format Format) ([]Spec, error) { return ecosystem.Load(data, format) }

// LoadFile reads a declaration, picking the format from the extension.
func LoadFile(path string) ([]Spec, error) { return ecosystem.LoadFile(path) }

// ToEnvironment returns the variables a spec adds to its children.
func ToEnvironment(s Spec) map[string]string { return ecosystem.ToEnvironment(s) }

// MergeEnvironment layers the app env over an explicit inherited set.
func MergeEnvironment(s Spec, inherited map[string]string) map[string]string {
	return ecosystem.MergeEnvironment(s, inherited)
}

// LoadConfig reads daemon settings and the apps they declare.
func LoadConfig(path string) (*Config, error) { return config.LoadConfig(path) }

// Manager wraps the internal manager to keep the public API small.
type Manager struct{ inner *manager.Manager }

func New() *Manager { return &Manager{inner: manager.NewManager()} }

// Apply copies the ambient settings of cfg into m and declares its apps.
func (m *Manager) Apply(cfg *Config) error {
	kvs, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	m.inner.SetGlobalEnv(kvs)
	m.inner.SetProcessLog(cfg.LoggerConfig())
	m.inner.SetWatchDebounce(cfg.Watch.Debounce)
	return m.inner.AddAll(cfg.Apps)
}

func (m *Manager) SetGlobalEnv(kvs []string) { m.inner.SetGlobalEnv(kvs) }
func (m *Manager) SetHistorySinks(sinks ...HistorySink) { m.inner.SetHistorySinks(sinks...) }
func (m *Manager) SetProcessLog(cfg LogConfig) { m.inner.SetProcessLog(cfg) }

// EnableUsage turns on CPU/memory sampling and registers its gauges on r
// when r is not nil. Sampling runs until ctx is done or Shutdown.
func (m *Manager) EnableUsage(ctx context.Context, cfg UsageConfig, r prometheus.Registerer) error {
	u := metrics.NewUsageCollector(cfg)
	if r != nil {
		if err := u.RegisterMetrics(r); err != nil {
			return err
		}
	}
	m.inner.SetUsageCollector(u)
	m.inner.StartUsage(ctx)
	return nil
}

func (m *Manager) Add(s Spec) error { return m.inner.Add(s) }
func (m *Manager) AddAll(specs []Spec) error { return m.inner.AddAll(specs) }
func (m *Manager) Start(name string) error { return m.inner.Start(name) }
func (m *Manager) StartAll() error { return m.inner.StartAll() }
func (m *Manager) Stop(name string, wait time.Duration) error {
	return m.inner.Stop(name, wait)
}
func (m *Manager) StopAll(wait time.Duration) error { return m.inner.StopAll(wait) }
func (m *Manager) Restart(name string) error { return m.inner.Restart(name) }
func (m *Manager) Reload(name string) error { return m.inner.Reload(name) }
func (m *Manager) Status(name string) ([]InstanceStatus, error) {
	return m.inner.Status(name)
}
func (m *Manager) StatusAll() []InstanceStatus { return m.inner.StatusAll() }
func (m *Manager) Specs() []Spec { return m.inner.Specs() }
func (m *Manager) Shutdown() error { return m.inner.Shutdown() }

// NewHistorySinks opens one sink per DSN (sqlite://, postgres://,
// clickhouse://, opensearch://).
func NewHistorySinks(dsns []string) ([]HistorySink, error) { return factory.NewSinks(dsns) }

// CloseHistorySinks closes sinks that hold resources.
func CloseHistorySinks(sinks []HistorySink) { factory.Close(sinks) }

// RegisterMetrics registers the supervisor collectors on r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves the default prometheus gatherer.
func MetricsHandler() http.Handler { return metrics.Handler() }

// Handler returns the control API for m, served by the chosen framework.
func Handler(opts ServerOptions, m *Manager) (http.Handler, error) {
	return server.HandlerFor(opts, m.inner)
}

// NewServer binds opts.Listen and serves the control API in the background.
func NewServer(opts ServerOptions, m *Manager) (*http.Server, error) {
	return server.NewServer(opts, m.inner)
}

// ServeMetrics serves /metrics on addr in the background.
func ServeMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	slog.Info("metrics listening", "addr", srv.Addr)
	return srv, nil
}

// ShutdownServer stops srv, waiting at most timeout.
func ShutdownServer(srv *http.Server, timeout time.Duration) error {
	return server.Shutdown(srv, timeout)
}
