package process

import (
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/appvisor/internal/logger"
)

// InterpreterNone runs Entry directly instead of through a runtime.
const InterpreterNone = "none"

const waitDelay = 5 * time.Second

// Spec describes one child launch: a single instance of an app.
type Spec struct {
	Name            string        `json:"name"`                       // instance name
	Interpreter     string        `json:"interpreter,omitempty"`      // runtime; empty or "none" executes Entry
	InterpreterArgs []string      `json:"interpreter_args,omitempty"` // flags passed to the runtime
	Entry           string        `json:"entry"`                      // script or executable
	Args            []string      `json:"args,omitempty"`             // arguments after the entry point
	WorkDir         string        `json:"work_dir,omitempty"`         // optional working dir
	Env             []string      `json:"-"`                          // complete child environment; nil inherits
	PIDFile         string        `json:"pid_file,omitempty"`         // optional pidfile path
	Log             logger.Config `json:"-"`                          // stdout/stderr files; inherit when unset
}

// Argv returns the program and arguments that Start will execute.
func (s Spec) Argv() []string {
	if s.Interpreter == "" || s.Interpreter == InterpreterNone {
		entry := s.Entry
		// A bare file name would be looked up in PATH; run it from WorkDir instead.
		if entry != "" && !strings.ContainsRune(entry, filepath.Separator) && !strings.ContainsRune(entry, '/') {
			entry = "." + string(filepath.Separator) + entry
		}
		return append([]string{entry}, s.Args...)
	}
	argv := make([]string, 0, 2+len(s.InterpreterArgs)+len(s.Args))
	argv = append(argv, s.Interpreter)
	argv = append(argv, s.InterpreterArgs...)
	argv = append(argv, s.Entry)
	return append(argv, s.Args...)
}

// BuildCommand constructs the *exec.Cmd for s without starting it.
func (s Spec) BuildCommand() *exec.Cmd {
	argv := s.Argv()
	// ok: intentional execution of the declared entry point
	// #nosec G204
	cmd := exec.Command(argv[0], argv[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	// bounds Wait when a grandchild keeps the output pipes open
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)
	return cmd
}
