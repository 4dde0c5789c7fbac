package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta records the start time of the process a PID file refers to, so a
// recycled PID is not mistaken for the original child.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile writes "<pid>\n<spec json>\n<meta json>\n" atomically.
func WritePIDFile(path string, pid int, spec Spec) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(PIDMeta{StartUnix: getProcStartUnix(pid)})
	if err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n" + string(specJSON) + "\n" + string(metaJSON) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPIDFile reads a PID file written by WritePIDFile.
// It returns the PID and, if present, the JSON-encoded Spec that follows.
// For legacy files that contain only the PID, spec will be nil.
func ReadPIDFile(path string) (int, *Spec, error) {
	pid, spec, _, err := ReadPIDFileWithMeta(path)
	return pid, spec, err
}

// ReadPIDFileWithMeta also returns the start-time metadata when present.
func ReadPIDFileWithMeta(path string) (int, *Spec, *PIDMeta, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, nil, nil, err
	}
	lines := strings.SplitN(string(b), "\n", 3)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, nil, nil, fmt.Errorf("invalid pid file %s: pid %d", path, pid)
	}
	var spec *Spec
	if len(lines) > 1 {
		var s Spec
		if raw := strings.TrimSpace(lines[1]); raw != "" && json.Unmarshal([]byte(raw), &s) == nil {
			spec = &s
		}
	}
	var meta *PIDMeta
	if len(lines) > 2 {
		var m PIDMeta
		if raw := strings.TrimSpace(lines[2]); raw != "" && json.Unmarshal([]byte(raw), &m) == nil {
			meta = &m
		}
	}
	return pid, spec, meta, nil
}

// CheckPIDFile reports the PID recorded at path and whether that process is
// still the one that wrote the file.
func CheckPIDFile(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	pid, _, meta, err := ReadPIDFileWithMeta(path)
	if err != nil || !processExists(pid) {
		return pid, false
	}
	if meta != nil && meta.StartUnix > 0 {
		if cur := getProcStartUnix(pid); cur > 0 && absDiff(cur, meta.StartUnix) > 1 {
			return pid, false
		}
	}
	return pid, true
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
