package ecosystem

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError reports a malformed declaration. It is fatal: nothing is
// launched when Load returns one.
type ValidationError struct {
	App    string // empty when the app has no name yet
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.App == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("app %q: invalid %s: %s", e.App, e.Field, e.Reason)
}

var interpreters = map[string]bool{
	"python3": true, "python": true, "python2": true,
	"node": true, "nodejs": true, "bun": true, "deno": true,
	"bash": true, "sh": true, "zsh": true,
	"ruby": true, "perl": true, "php": true,
	InterpreterNone: true,
}

var extInterpreters = map[string]string{
	".py":  "python3",
	".js":  "node",
	".cjs": "node",
	".mjs": "node",
	".ts":  "bun",
	".sh":  "bash",
	".rb":  "ruby",
	".pl":  "perl",
	".php": "php",
}

// KnownInterpreter reports whether name, or the base name of a path, is a
// recognised runtime.
func KnownInterpreter(name string) bool {
	if interpreters[name] {
		return true
	}
	base := filepath.Base(name)
	return base != name && interpreters[base]
}

// InferInterpreter picks a runtime from the entry point's extension.
func InferInterpreter(entry string) string {
	if it, ok := extInterpreters[strings.ToLower(filepath.Ext(entry))]; ok {
		return it
	}
	return InterpreterNone
}

// ValidName restricts app names to characters safe in file names and URLs.
func ValidName(name string) bool {
	if name == "" || name == "." || strings.Contains(name, "..") || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '@', r == ':':
		default:
			return false
		}
	}
	return true
}

func validate(s *ManagedProcessSpec) error {
	fail := func(field, reason string) error {
		return &ValidationError{App: s.Name, Field: field, Reason: reason}
	}
	// the name defaults to the script's base name, so a missing script
	// is reported before the name it would have produced
	if strings.TrimSpace(s.EntryPoint) == "" {
		return fail("script", "entry point is required")
	}
	if !ValidName(s.Name) {
		return fail("name", fmt.Sprintf("%q must be non-empty, contain no \"..\" and use only letters, digits, '-', '_', '.', '@' or ':'", s.Name))
	}
	if !KnownInterpreter(s.Interpreter) {
		return fail("interpreter", fmt.Sprintf("unrecognised interpreter %q", s.Interpreter))
	}
	if s.Port < 0 || s.Port > 65535 {
		return fail("port", fmt.Sprintf("%d is outside [0, 65535]", s.Port))
	}
	if s.Instances < 1 {
		return fail("instances", fmt.Sprintf("%d must be at least 1", s.Instances))
	}
	switch s.ExecutionMode {
	case ExecModeFork, ExecModeCluster:
	default:
		return fail("exec_mode", fmt.Sprintf("unknown mode %q (want fork or cluster)", s.ExecutionMode))
	}
	if s.MaxRestarts < 0 {
		return fail("max_restarts", fmt.Sprintf("%d must not be negative", s.MaxRestarts))
	}
	if s.MinUptime < 0 {
		return fail("min_uptime", "must not be negative")
	}
	if s.RestartDelay < 0 {
		return fail("restart_delay", "must not be negative")
	}
	if s.KillTimeout < 0 {
		return fail("kill_timeout", "must not be negative")
	}
	for _, pat := range s.IgnoreWatch {
		if _, err := filepath.Match(pat, ""); err != nil {
			return fail("ignore_watch", fmt.Sprintf("bad pattern %q: %v", pat, err))
		}
	}
	return nil
}
