// Package manager runs declared apps: one ManagedProcess per instance, each
// driven by the restart policy, plus optional file watching.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/appvisor/internal/ecosystem"
	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/policy"
	"github.com/loykin/appvisor/internal/process"
	"github.com/loykin/appvisor/internal/watch"
)

var (
	ErrUnknownApp = errors.New("unknown app")
	ErrAppExists  = errors.New("app already declared")
	ErrAppRunning = errors.New("app is running")
)

// instanceEnvKey carries the zero-based instance index to every child.
const instanceEnvKey = "NODE_APP_INSTANCE"

// Manager supervises a set of apps.
type Manager struct {
	mu        sync.RWMutex
	envM      *env.Env
	histSinks []history.Sink
	logCfg    logger.Config
	usage     *metrics.UsageCollector
	debounce  time.Duration

	apps  map[string]*appEntry
	order []string
}

type appEntry struct {
	opMu  sync.Mutex // serializes Start/Stop/Restart of this app
	spec  ecosystem.ManagedProcessSpec
	procs []*ManagedProcess

	watcher   *watch.Watcher
	watchDone chan struct{}
}

func NewManager() *Manager {
	return &Manager{
		envM: env.New(),
		apps: make(map[string]*appEntry),
	}
}

// SetHistorySinks configures external history sinks (SQLite, OpenSearch, ClickHouse, etc.).
// Passing nil or no sinks clears the list. Instances started afterwards use the new list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// SetGlobalEnv sets environment variables applied to every child, below
// the instance variables and the app's own env. kvs are "KEY=VALUE".
func (m *Manager) SetGlobalEnv(kvs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.envM
	for k, v := range env.Parse(kvs) {
		e = e.WithSet(k, v)
	}
	m.envM = e
}

// SetProcessLog sets the default output files of children. Apps with
// out_file/error_file override the paths.
func (m *Manager) SetProcessLog(cfg logger.Config) {
	m.mu.Lock()
	m.logCfg = cfg
	m.mu.Unlock()
}

// SetUsageCollector attaches a CPU/memory sampler whose samples are added to status.
func (m *Manager) SetUsageCollector(u *metrics.UsageCollector) {
	m.mu.Lock()
	m.usage = u
	m.mu.Unlock()
}

// SetWatchDebounce overrides the quiet period before a watched app reloads.
func (m *Manager) SetWatchDebounce(d time.Duration) {
	m.mu.Lock()
	m.debounce = d
	m.mu.Unlock()
}

// Add declares an app without starting it.
func (m *Manager) Add(spec ecosystem.ManagedProcessSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAppExists, spec.Name)
	}
	taken := make(map[string]string)
	for name, e := range m.apps {
		for _, in := range e.spec.InstanceNames() {
			taken[in] = name
		}
	}
	for _, in := range spec.InstanceNames() {
		if owner, ok := taken[in]; ok {
			return fmt.Errorf("%w: instance %s of %s collides with app %s", ErrAppExists, in, spec.Name, owner)
		}
	}
	m.apps[spec.Name] = &appEntry{spec: spec}
	m.order = append(m.order, spec.Name)
	return nil
}

// AddAll declares every spec, stopping at the first error.
func (m *Manager) AddAll(specs []ecosystem.ManagedProcessSpec) error {
	for _, s := range specs {
		if err := m.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// Start launches all instances of the named app with a fresh restart budget.
func (m *Manager) Start(name string) error {
	e, err := m.entry(name)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return m.startLocked(e)
}

// startLocked launches e's instances. Caller holds opMu. A watcher left
// from a run whose instances all gave up is released before re-arming.
func (m *Manager) startLocked(e *appEntry) error {
	name := e.spec.Name
	if e.active() {
		return fmt.Errorf("%w: %s", ErrAppRunning, name)
	}
	m.stopWatch(e)

	m.mu.RLock()
	sinks := append([]history.Sink(nil), m.histSinks...)
	m.mu.RUnlock()

	names := e.spec.InstanceNames()
	procs := make([]*ManagedProcess, len(names))
	for i, in := range names {
		procs[i] = newManagedProcess(e.spec, i, m.instanceSpec(e.spec, i, in), sinks)
	}
	e.procs = procs
	for _, mp := range procs {
		go mp.run()
	}
	slog.Info("app started", "app", name, "instances", len(procs), "mode", e.spec.ExecutionMode)

	if e.spec.Watch {
		m.startWatch(e)
	}
	go m.trackRunning(e, procs)
	return nil
}

// StartAll starts every declared app in declaration order.
func (m *Manager) StartAll() error {
	var errs []error
	for _, name := range m.names() {
		if err := m.Start(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops every instance of the named app. wait overrides the app's
// kill_timeout when positive.
func (m *Manager) Stop(name string, wait time.Duration) error {
	e, err := m.entry(name)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return m.stopLocked(e, wait)
}

func (m *Manager) stopLocked(e *appEntry, wait time.Duration) error {
	m.stopWatch(e)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, mp := range e.procs {
		wg.Add(1)
		go func(mp *ManagedProcess) {
			defer wg.Done()
			if err := mp.Stop(wait); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", mp.Name(), err))
				mu.Unlock()
			}
		}(mp)
	}
	wg.Wait()
	metrics.SetRunningInstances(e.spec.Name, 0)
	return errors.Join(errs...)
}

// StopAll stops every app.
func (m *Manager) StopAll(wait time.Duration) error {
	var errs []error
	for _, name := range m.names() {
		if err := m.Stop(name, wait); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restart stops the app and starts it again with a fresh restart budget.
func (m *Manager) Restart(name string) error {
	e, err := m.entry(name)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := m.stopLocked(e, 0); err != nil {
		slog.Warn("restart: stop reported errors", "app", name, "error", err)
	}
	e.procs = nil
	return m.startLocked(e)
}

// Reload replaces the children of every live instance, keeping the restart
// counters. Instances that already gave up are left alone.
func (m *Manager) Reload(name string) error {
	e, err := m.entry(name)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	procs := append([]*ManagedProcess(nil), e.procs...)
	e.opMu.Unlock()
	var errs []error
	for _, mp := range procs {
		select {
		case <-mp.Done():
			continue
		default:
		}
		if err := mp.Reload(); err != nil && !errors.Is(err, policy.ErrTerminal) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the instances of the named app. Instances of an app that
// was never started are reported as stopped.
func (m *Manager) Status(name string) ([]InstanceStatus, error) {
	e, err := m.entry(name)
	if err != nil {
		return nil, err
	}
	return m.statusOf(e), nil
}

// StatusAll returns every instance of every app in declaration order.
func (m *Manager) StatusAll() []InstanceStatus {
	var out []InstanceStatus
	for _, name := range m.names() {
		if e, err := m.entry(name); err == nil {
			out = append(out, m.statusOf(e)...)
		}
	}
	return out
}

// Specs returns the declared apps in declaration order.
func (m *Manager) Specs() []ecosystem.ManagedProcessSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ecosystem.ManagedProcessSpec, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.apps[name].spec)
	}
	return out
}

// Shutdown stops all apps using their kill_timeout and the usage sampler.
func (m *Manager) Shutdown() error {
	err := m.StopAll(0)
	m.mu.RLock()
	u := m.usage
	m.mu.RUnlock()
	u.Stop()
	return err
}

// StartUsage samples CPU and memory of live children until ctx is done.
func (m *Manager) StartUsage(ctx context.Context) {
	m.mu.RLock()
	u := m.usage
	m.mu.RUnlock()
	u.Start(ctx, m.usageTargets)
}

func (m *Manager) usageTargets() map[string]metrics.Target {
	out := make(map[string]metrics.Target)
	for _, st := range m.StatusAll() {
		if st.Running() {
			out[st.Name] = metrics.Target{App: st.App, PID: int32(st.PID)}
		}
	}
	return out
}

func (m *Manager) statusOf(e *appEntry) []InstanceStatus {
	e.opMu.Lock()
	procs := append([]*ManagedProcess(nil), e.procs...)
	e.opMu.Unlock()

	m.mu.RLock()
	u := m.usage
	m.mu.RUnlock()

	if len(procs) == 0 {
		names := e.spec.InstanceNames()
		out := make([]InstanceStatus, len(names))
		for i, n := range names {
			out[i] = InstanceStatus{App: e.spec.Name, Name: n, Index: i, State: policy.StateStoppedManual, Reason: "not started"}
		}
		return out
	}
	out := make([]InstanceStatus, len(procs))
	for i, mp := range procs {
		st := mp.Status()
		if usage, ok := u.Latest(st.Name); ok && st.Running() && usage.PID == int32(st.PID) {
			st.Usage = &usage
		}
		out[i] = st
	}
	return out
}

func (m *Manager) entry(name string) (*appEntry, error) {
	m.mu.RLock()
	e := m.apps[name]
	m.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, name)
	}
	return e, nil
}

func (m *Manager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// active reports whether any instance is still supervised. Caller holds opMu.
func (e *appEntry) active() bool {
	for _, mp := range e.procs {
		select {
		case <-mp.Done():
		default:
			return true
		}
	}
	return false
}

// trackRunning keeps the running_instances gauge current while procs live.
func (m *Manager) trackRunning(e *appEntry, procs []*ManagedProcess) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		running, live := 0, 0
		for _, mp := range procs {
			select {
			case <-mp.Done():
				continue
			default:
				live++
			}
			if mp.state() == policy.StateRunning {
				running++
			}
		}
		metrics.SetRunningInstances(e.spec.Name, running)
		if live == 0 {
			return
		}
		<-ticker.C
	}
}

// instanceSpec derives the launch description of instance index of s.
func (m *Manager) instanceSpec(s ecosystem.ManagedProcessSpec, index int, name string) process.Spec {
	m.mu.RLock()
	envM := m.envM
	logCfg := m.logCfg
	m.mu.RUnlock()

	vars := envM.WithSet(instanceEnvKey, strconv.Itoa(index)).Merge(s.Environment)

	n := s.Instances
	if out := instanceFile(s.Cwd, s.OutFile, index, n); out != "" {
		logCfg.File.StdoutPath = out
	}
	if errf := instanceFile(s.Cwd, s.ErrorFile, index, n); errf != "" {
		logCfg.File.StderrPath = errf
	}
	return process.Spec{
		Name:            name,
		Interpreter:     s.Interpreter,
		InterpreterArgs: s.InterpreterArgs,
		Entry:           s.EntryPoint,
		Args:            s.Args,
		WorkDir:         s.Cwd,
		Env:             vars.List(),
		PIDFile:         instanceFile(s.Cwd, s.PIDFile, index, n),
		Log:             logCfg,
	}
}

// instanceFile resolves path against cwd and, for multi-instance apps,
// suffixes the base name with the instance number (app.pid -> app-2.pid).
func instanceFile(cwd, path string, index, instances int) string {
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) && cwd != "" {
		path = filepath.Join(cwd, path)
	}
	if instances <= 1 {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + strconv.Itoa(index+1) + ext
}

func (m *Manager) startWatch(e *appEntry) {
	root := e.spec.Cwd
	if root == "" {
		root = "."
	}
	m.mu.RLock()
	debounce := m.debounce
	logDir := m.logCfg.File.Dir
	m.mu.RUnlock()

	ignore := append([]string(nil), e.spec.IgnoreWatch...)
	for i := 0; i < e.spec.Instances; i++ {
		for _, f := range []string{e.spec.OutFile, e.spec.ErrorFile, e.spec.PIDFile} {
			if p := instanceFile(e.spec.Cwd, f, i, e.spec.Instances); p != "" {
				if abs, err := filepath.Abs(p); err == nil {
					ignore = append(ignore, abs)
				}
			}
		}
	}
	if logDir != "" {
		if abs, err := filepath.Abs(logDir); err == nil {
			ignore = append(ignore, abs)
		}
	}

	w, err := watch.New(watch.Config{Root: root, Ignore: ignore, Debounce: debounce})
	if err != nil {
		slog.Error("watch disabled", "app", e.spec.Name, "root", root, "error", err)
		return
	}
	done := make(chan struct{})
	e.watcher, e.watchDone = w, done
	name := e.spec.Name
	go func() {
		defer close(done)
		for batch := range w.Changes() {
			slog.Info("change detected, reloading", "app", name, "files", batch)
			if err := m.Reload(name); err != nil {
				slog.Warn("reload failed", "app", name, "error", err)
			}
		}
	}()
}

// stopWatch closes the app's watcher. Caller holds opMu.
func (m *Manager) stopWatch(e *appEntry) {
	if e.watcher == nil {
		return
	}
	_ = e.watcher.Close()
	e.watcher = nil
	e.watchDone = nil
}
