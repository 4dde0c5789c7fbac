package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/appvisor/internal/ecosystem"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/policy"
	"github.com/loykin/appvisor/internal/process"
)

// exitWait bounds how long the loop waits for the waiter goroutine to report
// an exit after the child was signalled.
const exitWait = 5 * time.Second

var stateNames = []string{
	policy.StateStarting.String(),
	policy.StateRunning.String(),
	policy.StateExited.String(),
	policy.StateStoppedFailed.String(),
	policy.StateStoppedManual.String(),
}

type commandAction int

const (
	actionStop commandAction = iota
	actionReload
)

type command struct {
	action commandAction
	wait   time.Duration
	reply  chan error
}

type exitInfo struct {
	pid    int
	code   int
	err    error
	uptime time.Duration
}

// ManagedProcess supervises one instance of an app. A single goroutine owns
// the instance: it launches a child only after the previous child's exit was
// observed, feeds exits to the restart policy and honours stop and reload
// commands, including while a restart is pending.
type ManagedProcess struct {
	app      string
	index    int
	spec     process.Spec
	pol      policy.Policy
	delay    time.Duration
	grace    time.Duration
	sinks    []history.Sink
	specJSON string

	mu       sync.RWMutex
	snap     policy.Snapshot
	proc     *process.Process
	last     exitInfo
	exited   bool
	launchAt time.Time

	cmdChan  chan command // unbuffered: a received command is always answered
	doneChan chan struct{}
	exitCh   chan exitInfo // at most one pending exit, one child at a time
}

func newManagedProcess(app ecosystem.ManagedProcessSpec, index int, spec process.Spec, sinks []history.Sink) *ManagedProcess {
	b, _ := json.Marshal(app)
	return &ManagedProcess{
		app:      app.Name,
		index:    index,
		spec:     spec,
		pol:      app.Policy(),
		delay:    app.RestartDelay,
		grace:    app.KillTimeout,
		sinks:    sinks,
		specJSON: string(b),
		snap:     policy.Initial(),
		cmdChan:  make(chan command),
		doneChan: make(chan struct{}),
		exitCh:   make(chan exitInfo, 1),
	}
}

// Name is the instance name.
func (mp *ManagedProcess) Name() string { return mp.spec.Name }

// Done is closed once the instance reached a terminal state.
func (mp *ManagedProcess) Done() <-chan struct{} { return mp.doneChan }

// Stop terminates the child (SIGTERM, then SIGKILL after wait or the app's
// kill_timeout) and cancels any pending restart. Stopping a terminal
// instance is a no-op.
func (mp *ManagedProcess) Stop(wait time.Duration) error {
	return mp.send(actionStop, wait)
}

// Reload replaces the running child with a fresh one without touching the
// restart budget.
func (mp *ManagedProcess) Reload() error {
	return mp.send(actionReload, 0)
}

func (mp *ManagedProcess) send(action commandAction, wait time.Duration) error {
	reply := make(chan error, 1)
	select {
	case mp.cmdChan <- command{action: action, wait: wait, reply: reply}:
		return <-reply
	case <-mp.doneChan:
		if action == actionReload {
			return fmt.Errorf("%s: %w", mp.Name(), policy.ErrTerminal)
		}
		return nil
	}
}

func (mp *ManagedProcess) run() {
	defer close(mp.doneChan)

	var timer *time.Timer
	var fire <-chan time.Time
	cancelRestart := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		fire = nil
	}
	defer cancelRestart()

	mp.launch()
	for {
		select {
		case ex := <-mp.exitCh:
			if !mp.handleExit(ex) {
				return
			}
			slog.Info("restart scheduled", "instance", mp.Name(), "delay", mp.delay)
			timer = time.NewTimer(mp.delay)
			fire = timer.C

		case <-fire:
			cancelRestart()
			if _, err := mp.transition(policy.Event{Type: policy.EventRestart}); err != nil {
				slog.Error("restart rejected", "instance", mp.Name(), "error", err)
				return
			}
			metrics.IncRestart(mp.app)
			mp.launch()

		case cmd := <-mp.cmdChan:
			switch cmd.action {
			case actionStop:
				cancelRestart()
				cmd.reply <- mp.handleStop(cmd.wait)
				return
			case actionReload:
				err := mp.handleReload()
				if err == nil {
					cancelRestart()
				}
				cmd.reply <- err
			}
		}
	}
}

// launch starts a new child. A launch error is reported through exitCh as an
// exit with zero uptime so it is charged to the restart budget like a crash.
func (mp *ManagedProcess) launch() {
	proc := process.New(mp.spec)
	mp.mu.Lock()
	mp.launchAt = time.Now()
	mp.mu.Unlock()
	if err := proc.Start(); err != nil {
		slog.Error("launch failed", "app", mp.app, "instance", mp.Name(), "error", err)
		mp.exitCh <- exitInfo{code: -1, err: err}
		return
	}
	mp.mu.Lock()
	mp.proc = proc
	mp.mu.Unlock()
	if _, err := mp.transition(policy.Event{Type: policy.EventStarted}); err != nil {
		slog.Error("unexpected transition", "instance", mp.Name(), "error", err)
	}

	st := proc.Snapshot()
	slog.Info("instance started", "app", mp.app, "instance", mp.Name(), "pid", st.PID)
	metrics.IncStart(mp.app)
	mp.record(history.EventStart, st.PID, nil)

	go func() {
		code, err := proc.Wait()
		mp.exitCh <- exitInfo{pid: st.PID, code: code, err: err, uptime: proc.Snapshot().Uptime()}
	}()
}

// handleExit applies an unrequested exit. It returns false when the instance
// gave up.
func (mp *ManagedProcess) handleExit(ex exitInfo) bool {
	mp.setLast(ex)
	snap, err := mp.transition(policy.Event{Type: policy.EventExited, Uptime: ex.uptime})
	if err != nil {
		slog.Error("unexpected exit transition", "instance", mp.Name(), "error", err)
		return false
	}
	metrics.IncExit(mp.app, ex.code)
	metrics.ObserveRunDuration(mp.app, ex.uptime.Seconds())
	mp.record(history.EventExit, ex.pid, &ex)
	slog.Warn("instance exited",
		"app", mp.app, "instance", mp.Name(), "pid", ex.pid, "code", ex.code,
		"uptime", ex.uptime, "unstable_restarts", snap.Unstable, "max_restarts", mp.pol.MaxRestarts)

	if snap.State == policy.StateStoppedFailed {
		metrics.IncFailure(mp.app)
		mp.record(history.EventFailed, ex.pid, &ex)
		slog.Error("instance stopped", "app", mp.app, "instance", mp.Name(), "reason", snap.Reason)
		return false
	}
	return true
}

func (mp *ManagedProcess) handleStop(wait time.Duration) error {
	if wait <= 0 {
		wait = mp.grace
	}
	var stopErr error
	var ex *exitInfo
	if mp.state() == policy.StateRunning {
		stopErr = mp.current().Stop(wait)
		if e, ok := mp.awaitExit(); ok {
			mp.setLast(e)
			ex = &e
		}
	}
	if _, err := mp.transition(policy.Event{Type: policy.EventStop}); err != nil {
		return errors.Join(stopErr, err)
	}
	pid := 0
	if ex != nil {
		pid = ex.pid
	}
	metrics.IncStop(mp.app)
	mp.record(history.EventStop, pid, ex)
	slog.Info("instance stopped", "app", mp.app, "instance", mp.Name(), "reason", policy.ReasonStoppedByRequest)
	return stopErr
}

func (mp *ManagedProcess) handleReload() error {
	mp.mu.RLock()
	snap := mp.snap
	mp.mu.RUnlock()
	if _, err := policy.Next(mp.pol, snap, policy.Event{Type: policy.EventReload}); err != nil {
		return fmt.Errorf("reload %s: %w", mp.Name(), err)
	}
	if snap.State == policy.StateRunning {
		if err := mp.current().Stop(mp.grace); err != nil {
			slog.Warn("reload: stop failed", "instance", mp.Name(), "error", err)
		}
		if e, ok := mp.awaitExit(); ok {
			mp.setLast(e)
		}
	}
	if _, err := mp.transition(policy.Event{Type: policy.EventReload}); err != nil {
		return fmt.Errorf("reload %s: %w", mp.Name(), err)
	}
	metrics.IncRestart(mp.app)
	slog.Info("instance reloading", "app", mp.app, "instance", mp.Name())
	mp.launch()
	return nil
}

func (mp *ManagedProcess) awaitExit() (exitInfo, bool) {
	select {
	case ex := <-mp.exitCh:
		return ex, true
	case <-time.After(exitWait):
		slog.Error("exit not observed after stop", "instance", mp.Name())
		return exitInfo{}, false
	}
}

func (mp *ManagedProcess) transition(ev policy.Event) (policy.Snapshot, error) {
	mp.mu.Lock()
	prev := mp.snap
	next, err := policy.Next(mp.pol, prev, ev)
	if err == nil {
		mp.snap = next
	}
	mp.mu.Unlock()
	if err != nil {
		return prev, err
	}
	if prev.State != next.State {
		metrics.RecordStateTransition(mp.app, prev.State.String(), next.State.String())
		metrics.SetCurrentState(mp.Name(), next.State.String(), stateNames)
	}
	return next, nil
}

func (mp *ManagedProcess) state() policy.State {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.snap.State
}

func (mp *ManagedProcess) current() *process.Process {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.proc
}

func (mp *ManagedProcess) setLast(ex exitInfo) {
	mp.mu.Lock()
	mp.last = ex
	mp.exited = true
	mp.mu.Unlock()
}

func (mp *ManagedProcess) record(t history.EventType, pid int, ex *exitInfo) {
	if len(mp.sinks) == 0 {
		return
	}
	mp.mu.RLock()
	snap := mp.snap
	mp.mu.RUnlock()
	rec := history.Record{
		App:      mp.app,
		Instance: mp.Name(),
		PID:      pid,
		State:    snap.State.String(),
		Restarts: snap.Restarts,
		Unstable: snap.Unstable,
		Reason:   snap.Reason,
		SpecJSON: mp.specJSON,
	}
	if ex != nil {
		rec.ExitCode = ex.code
		rec.UptimeMS = ex.uptime.Milliseconds()
	}
	history.Dispatch(mp.sinks, history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}

// Status reports the instance's current view.
func (mp *ManagedProcess) Status() InstanceStatus {
	mp.mu.RLock()
	snap, proc, last, exited := mp.snap, mp.proc, mp.last, mp.exited
	mp.mu.RUnlock()

	st := InstanceStatus{
		App:              mp.app,
		Name:             mp.Name(),
		Index:            mp.index,
		State:            snap.State,
		Restarts:         snap.Restarts,
		UnstableRestarts: snap.Unstable,
		Reason:           snap.Reason,
	}
	if exited {
		code := last.code
		st.LastExitCode = &code
		if last.err != nil {
			st.LastError = last.err.Error()
		}
	}
	if proc != nil && snap.State == policy.StateRunning {
		ps := proc.Snapshot()
		if ps.Running {
			st.PID = ps.PID
			st.StartedAt = ps.StartedAt
			st.Uptime = ps.Uptime()
		}
	}
	return st
}
