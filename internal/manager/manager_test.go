//go:build !windows

package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor/internal/ecosystem"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/policy"
)

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memorySink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) types(instance string) []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.EventType
	for _, e := range s.events {
		if e.Record.Instance == instance {
			out = append(out, e.Type)
		}
	}
	return out
}

// appSpec writes body as <name>.sh into dir and declares it as an sh app.
func appSpec(t *testing.T, dir, name, body string) ecosystem.ManagedProcessSpec {
	t.Helper()
	script := name + ".sh"
	require.NoError(t, os.WriteFile(filepath.Join(dir, script), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return ecosystem.ManagedProcessSpec{
		Name:          name,
		EntryPoint:    script,
		Interpreter:   "sh",
		Cwd:           dir,
		Instances:     1,
		ExecutionMode: ecosystem.ExecModeFork,
		AutoRestart:   true,
		MaxRestarts:   3,
		MinUptime:     10 * time.Second,
		KillTimeout:   500 * time.Millisecond,
	}
}

func lineCount(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(b), "\n")
}

func newManager(t *testing.T, specs ...ecosystem.ManagedProcessSpec) (*Manager, *memorySink) {
	t.Helper()
	m := NewManager()
	sink := &memorySink{}
	m.SetHistorySinks(sink)
	require.NoError(t, m.AddAll(specs))
	t.Cleanup(func() { _ = m.Shutdown() })
	return m, sink
}

func stateOf(t *testing.T, m *Manager, app string, i int) InstanceStatus {
	t.Helper()
	sts, err := m.Status(app)
	require.NoError(t, err)
	require.Greater(t, len(sts), i)
	return sts[i]
}

func TestManager_BudgetExhaustion(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "crash", "echo x >> launches\nexit 1")
	m, sink := newManager(t, spec)

	require.NoError(t, m.Start("crash"))
	require.Eventually(t, func() bool {
		return stateOf(t, m, "crash", 0).State == policy.StateStoppedFailed
	}, 5*time.Second, 20*time.Millisecond)

	st := stateOf(t, m, "crash", 0)
	assert.Equal(t, 3, st.UnstableRestarts)
	assert.Equal(t, 2, st.Restarts)
	assert.Contains(t, st.Reason, policy.ReasonBudgetExhausted)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 1, *st.LastExitCode)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, lineCount(t, filepath.Join(dir, "launches")), "no launch after the budget is exhausted")

	types := sink.types("crash")
	require.NotEmpty(t, types)
	assert.Equal(t, history.EventFailed, types[len(types)-1])
}

func TestManager_StableExitsDoNotExhaustBudget(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "flappy", "echo x >> launches\nsleep 0.3\nexit 1")
	spec.MaxRestarts = 2
	spec.MinUptime = 100 * time.Millisecond
	m, _ := newManager(t, spec)

	require.NoError(t, m.Start("flappy"))
	require.Eventually(t, func() bool {
		return lineCount(t, filepath.Join(dir, "launches")) >= 4
	}, 5*time.Second, 20*time.Millisecond)

	st := stateOf(t, m, "flappy", 0)
	assert.False(t, st.State.Terminal(), "stable exits must not exhaust the budget: %+v", st)
	assert.Equal(t, 0, st.UnstableRestarts)
}

func TestManager_AutoRestartDisabled(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "once", "echo x >> launches\nexit 0")
	spec.AutoRestart = false
	m, _ := newManager(t, spec)

	require.NoError(t, m.Start("once"))
	require.Eventually(t, func() bool {
		return stateOf(t, m, "once", 0).State == policy.StateStoppedFailed
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, policy.ReasonAutoRestartOff, stateOf(t, m, "once", 0).Reason)
	assert.Equal(t, 1, lineCount(t, filepath.Join(dir, "launches")))
}

func TestManager_StopDuringRestartDelay(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "delayed", "echo x >> launches\nexit 1")
	spec.RestartDelay = 5 * time.Second
	m, sink := newManager(t, spec)

	require.NoError(t, m.Start("delayed"))
	require.Eventually(t, func() bool {
		return stateOf(t, m, "delayed", 0).State == policy.StateExited
	}, 3*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Stop("delayed", 0))
	assert.Less(t, time.Since(start), time.Second, "stop must pre-empt the pending restart")

	st := stateOf(t, m, "delayed", 0)
	assert.Equal(t, policy.StateStoppedManual, st.State)
	assert.Equal(t, policy.ReasonStoppedByRequest, st.Reason)
	assert.Equal(t, 1, lineCount(t, filepath.Join(dir, "launches")))
	assert.Equal(t, []history.EventType{history.EventStart, history.EventExit, history.EventStop}, sink.types("delayed"))
}

func TestManager_SingleChildPerInstance(t *testing.T) {
	dir := t.TempDir()
	body := `if [ -e running ]; then echo overlap >> overlaps; fi
touch running
echo x >> launches
sleep 0.05
rm -f running
exit 1`
	spec := appSpec(t, dir, "serial", body)
	spec.MaxRestarts = 6
	m, sink := newManager(t, spec)

	require.NoError(t, m.Start("serial"))
	require.Eventually(t, func() bool {
		return stateOf(t, m, "serial", 0).State == policy.StateStoppedFailed
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 6, lineCount(t, filepath.Join(dir, "launches")))
	assert.Equal(t, 0, lineCount(t, filepath.Join(dir, "overlaps")))

	// every start is followed by its exit before the next start
	var open int
	for _, typ := range sink.types("serial") {
		switch typ {
		case history.EventStart:
			open++
			require.Equal(t, 1, open, "two children alive at once")
		case history.EventExit:
			open--
		}
	}
}

func TestManager_StopRunningEscalates(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "stubborn", "trap '' TERM\ntouch ready\nwhile :; do sleep 0.05; done")
	spec.KillTimeout = 200 * time.Millisecond
	m, _ := newManager(t, spec)

	require.NoError(t, m.Start("stubborn"))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "ready"))
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop("stubborn", 0))
	st := stateOf(t, m, "stubborn", 0)
	assert.Equal(t, policy.StateStoppedManual, st.State)
	assert.Zero(t, st.PID)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, -1, *st.LastExitCode)
}

func TestManager_InstancesAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "web", `echo "$NODE_APP_INSTANCE $PORT $GREETING $FLASK_ENV" > "out-$NODE_APP_INSTANCE"
exec sleep 5`)
	spec.Instances = 2
	spec.ExecutionMode = ecosystem.ExecModeCluster
	spec.Port = 3000
	spec.Environment = map[string]string{"PORT": "3000", "FLASK_ENV": "production"}
	m, _ := newManager(t, spec)
	m.SetGlobalEnv([]string{"GREETING=hi", "PORT=1"})

	require.NoError(t, m.Start("web"))
	require.Eventually(t, func() bool {
		sts, _ := m.Status("web")
		return len(sts) == 2 && sts[0].Running() && sts[1].Running()
	}, 3*time.Second, 10*time.Millisecond)

	sts, err := m.Status("web")
	require.NoError(t, err)
	assert.Equal(t, "web-1", sts[0].Name)
	assert.Equal(t, "web-2", sts[1].Name)
	assert.NotEqual(t, sts[0].PID, sts[1].PID)

	for i, want := range []string{"0 3000 hi production", "1 3000 hi production"} {
		path := filepath.Join(dir, "out-"+strconv.Itoa(i))
		require.Eventually(t, func() bool {
			b, err := os.ReadFile(path)
			return err == nil && strings.TrimSpace(string(b)) == want
		}, 3*time.Second, 10*time.Millisecond, path)
	}

	require.ErrorIs(t, m.Start("web"), ErrAppRunning)
	require.NoError(t, m.Stop("web", time.Second))
	for _, st := range m.StatusAll() {
		assert.Equal(t, policy.StateStoppedManual, st.State)
	}
}

func TestManager_ReloadKeepsCounters(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "api", "exec sleep 5")
	m, _ := newManager(t, spec)

	require.NoError(t, m.Start("api"))
	require.Eventually(t, func() bool { return stateOf(t, m, "api", 0).Running() }, 3*time.Second, 10*time.Millisecond)
	first := stateOf(t, m, "api", 0).PID

	require.NoError(t, m.Reload("api"))
	require.Eventually(t, func() bool {
		st := stateOf(t, m, "api", 0)
		return st.Running() && st.PID != first
	}, 3*time.Second, 10*time.Millisecond)
	st := stateOf(t, m, "api", 0)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 0, st.UnstableRestarts)
}

func TestManager_RestartResetsBudget(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "job", "echo x >> launches\nexit 1")
	spec.MaxRestarts = 1
	m, _ := newManager(t, spec)

	require.NoError(t, m.Start("job"))
	require.Eventually(t, func() bool {
		return stateOf(t, m, "job", 0).State == policy.StateStoppedFailed
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Restart("job"))
	require.Eventually(t, func() bool {
		return lineCount(t, filepath.Join(dir, "launches")) == 2 &&
			stateOf(t, m, "job", 0).State == policy.StateStoppedFailed
	}, 3*time.Second, 10*time.Millisecond)
}

func TestManager_LaunchFailureCountsAgainstBudget(t *testing.T) {
	dir := t.TempDir()
	spec := ecosystem.ManagedProcessSpec{
		Name:        "ghost",
		EntryPoint:  "does-not-exist",
		Interpreter: ecosystem.InterpreterNone,
		Cwd:         dir,
		Instances:   1,
		AutoRestart: true,
		MaxRestarts: 2,
		MinUptime:   time.Second,
		KillTimeout: time.Second,
	}
	m, sink := newManager(t, spec)

	require.NoError(t, m.Start("ghost"))
	require.Eventually(t, func() bool {
		return stateOf(t, m, "ghost", 0).State == policy.StateStoppedFailed
	}, 3*time.Second, 10*time.Millisecond)
	st := stateOf(t, m, "ghost", 0)
	assert.NotEmpty(t, st.LastError)
	assert.NotContains(t, sink.types("ghost"), history.EventStart)
}

func TestManager_WatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "watched", "exec sleep 5")
	spec.Watch = true
	spec.OutFile = "logs/out.log"
	m, _ := newManager(t, spec)
	m.SetWatchDebounce(50 * time.Millisecond)

	require.NoError(t, m.Start("watched"))
	require.Eventually(t, func() bool { return stateOf(t, m, "watched", 0).Running() }, 3*time.Second, 10*time.Millisecond)
	first := stateOf(t, m, "watched", 0).PID

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print(1)"), 0o644))
	require.Eventually(t, func() bool {
		st := stateOf(t, m, "watched", 0)
		return st.Running() && st.PID != first && st.Restarts == 1
	}, 5*time.Second, 20*time.Millisecond)
}

// watchState reads the app's current watcher under its operation lock.
func watchState(t *testing.T, m *Manager, app string) (bool, <-chan struct{}) {
	t.Helper()
	e, err := m.entry(app)
	require.NoError(t, err)
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.watcher != nil, e.watchDone
}

func TestManager_WatchReleasedOnRestartAfterFailure(t *testing.T) {
	dir := t.TempDir()
	spec := appSpec(t, dir, "flaky", "exit 1")
	spec.Watch = true
	spec.MaxRestarts = 1
	spec.IgnoreWatch = []string{"*.log"}
	m, _ := newManager(t, spec)
	m.SetWatchDebounce(50 * time.Millisecond)

	require.NoError(t, m.Start("flaky"))
	require.Eventually(t, func() bool {
		return stateOf(t, m, "flaky", 0).State == policy.StateStoppedFailed
	}, 3*time.Second, 10*time.Millisecond)
	armed, firstDone := watchState(t, m, "flaky")
	require.True(t, armed)

	require.NoError(t, m.Start("flaky"))
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher of the failed run is still running")
	}
	armed, secondDone := watchState(t, m, "flaky")
	assert.True(t, armed)
	assert.NotEqual(t, firstDone, secondDone)

	require.NoError(t, m.Shutdown())
	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher survived Shutdown")
	}
}

func TestManager_RestartNotRacedByStart(t *testing.T) {
	dir := t.TempDir()
	m, _ := newManager(t, appSpec(t, dir, "api", "exec sleep 5"))
	require.NoError(t, m.Start("api"))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = m.Start("api")
			}
		}
	}()
	for i := 0; i < 3; i++ {
		assert.NoError(t, m.Restart("api"), "restart %d", i)
	}
	close(stop)
	wg.Wait()

	sts, err := m.Status("api")
	require.NoError(t, err)
	assert.Len(t, sts, 1)
}

func TestManager_DeclarationErrors(t *testing.T) {
	dir := t.TempDir()
	web := appSpec(t, dir, "web", "exit 0")
	web.Instances = 2
	m, _ := newManager(t, web)

	assert.ErrorIs(t, m.Add(web), ErrAppExists)
	clash := appSpec(t, dir, "web-1", "exit 0")
	assert.ErrorIs(t, m.Add(clash), ErrAppExists)

	assert.ErrorIs(t, m.Start("nope"), ErrUnknownApp)
	assert.ErrorIs(t, m.Stop("nope", 0), ErrUnknownApp)
	_, err := m.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownApp)

	sts, err := m.Status("web")
	require.NoError(t, err)
	require.Len(t, sts, 2)
	assert.Equal(t, policy.StateStoppedManual, sts[0].State)
	assert.Equal(t, "not started", sts[0].Reason)
	assert.Equal(t, []string{"web"}, specNames(m.Specs()))
}

func specNames(specs []ecosystem.ManagedProcessSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}

func TestInstanceFile(t *testing.T) {
	assert.Equal(t, "", instanceFile("/srv", "", 0, 1))
	assert.Equal(t, "/srv/app.pid", instanceFile("/srv", "app.pid", 0, 1))
	assert.Equal(t, "/srv/app-2.pid", instanceFile("/srv", "app.pid", 1, 3))
	assert.Equal(t, "/var/log/out-1", instanceFile("/srv", "/var/log/out", 0, 2))
}
