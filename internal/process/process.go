package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("process already running")
	ErrNotStarted     = errors.New("process not started")
)

// killWait bounds how long Stop waits for the exit to be observed after SIGKILL.
const killWait = 2 * time.Second

// Process owns at most one live child at a time. Exactly one goroutine must
// call Wait after a successful Start; Stop relies on it to observe the exit.
type Process struct {
	spec      Spec
	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{} // closed by Wait when cmd.Wait returns
}

func New(spec Spec) *Process {
	return &Process{spec: spec, status: Status{Name: spec.Name}}
}

func (r *Process) Spec() Spec { return r.spec }

// Start launches the child. It refuses to start while a previous child is
// still running, or while the PID file points at a live process.
func (r *Process) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Running {
		return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, r.spec.Name, r.status.PID)
	}
	if pid, alive := CheckPIDFile(r.spec.PIDFile); alive {
		return fmt.Errorf("%w: %s (pid %d from %s)", ErrAlreadyRunning, r.spec.Name, pid, r.spec.PIDFile)
	}

	cmd := r.spec.BuildCommand()
	if err := r.configureOutput(cmd); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		r.closeWritersLocked()
		return err
	}
	r.cmd = cmd
	r.waitDone = make(chan struct{})
	r.status = Status{
		Name:      r.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	if err := WritePIDFile(r.spec.PIDFile, cmd.Process.Pid, r.spec); err != nil {
		slog.Warn("write pid file", "name", r.spec.Name, "path", r.spec.PIDFile, "error", err)
	}
	return nil
}

// configureOutput redirects stdio to rotated files when configured, and
// otherwise attaches the child to the supervisor's own stdout/stderr.
func (r *Process) configureOutput(cmd *exec.Cmd) error {
	outW, errW, err := r.spec.Log.ProcessWriters(r.spec.Name)
	if err != nil {
		return err
	}
	r.outCloser, r.errCloser = outW, errW
	cmd.Stdout = os.Stdout
	if outW != nil {
		cmd.Stdout = outW
	}
	cmd.Stderr = os.Stderr
	if errW != nil {
		cmd.Stderr = errW
	}
	return nil
}

// Wait blocks until the running child exits and returns its exit code
// (-1 when it was killed by a signal). The error is the raw wait error.
func (r *Process) Wait() (int, error) {
	r.mu.Lock()
	cmd, done := r.cmd, r.waitDone
	r.mu.Unlock()
	if cmd == nil || done == nil {
		return -1, ErrNotStarted
	}

	err := cmd.Wait()
	code := exitCode(err)

	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitCode = code
	r.status.ExitErr = ""
	if err != nil {
		r.status.ExitErr = err.Error()
	}
	r.closeWritersLocked()
	r.cmd = nil
	r.waitDone = nil
	close(done)
	pidFile := r.spec.PIDFile
	r.mu.Unlock()

	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
	return code, err
}

// Stop sends SIGTERM to the child's process group and escalates to SIGKILL
// when the child outlives grace.
func (r *Process) Stop(grace time.Duration) error {
	r.mu.Lock()
	running, pid, done := r.status.Running, r.status.PID, r.waitDone
	r.mu.Unlock()
	if !running || done == nil {
		return nil
	}

	_ = terminateGroup(pid)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	slog.Warn("process ignored SIGTERM, killing", "name", r.spec.Name, "pid", pid, "grace", grace)
	return r.kill(pid, done)
}

// Kill sends SIGKILL to the process group and waits briefly for the exit.
func (r *Process) Kill() error {
	r.mu.Lock()
	running, pid, done := r.status.Running, r.status.PID, r.waitDone
	r.mu.Unlock()
	if !running || done == nil {
		return nil
	}
	return r.kill(pid, done)
}

func (r *Process) kill(pid int, done <-chan struct{}) error {
	_ = killGroup(pid)
	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process %s (pid %d) did not exit after SIGKILL", r.spec.Name, pid)
	}
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

func (r *Process) closeWritersLocked() {
	if r.outCloser != nil {
		_ = r.outCloser.Close()
		r.outCloser = nil
	}
	if r.errCloser != nil {
		_ = r.errCloser.Close()
		r.errCloser = nil
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
