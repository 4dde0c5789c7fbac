package ecosystem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"go.yaml.in/yaml/v3"
)

// Format is the syntax of a declaration.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

var (
	ErrNoApps            = errors.New("declaration contains no apps")
	ErrUnsupportedFormat = errors.New("unsupported declaration format")
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %q (use .json, .yaml, .yml or .toml)", ErrUnsupportedFormat, filepath.Ext(path))
}

// rawApp mirrors one entry of the apps list before defaults and validation.
// Pointer fields distinguish "absent" from an explicit zero.
type rawApp struct {
	Name            string            `mapstructure:"name"`
	Script          string            `mapstructure:"script"`
	Interpreter     string            `mapstructure:"interpreter"`
	InterpreterArgs []string          `mapstructure:"interpreter_args"`
	Args            []string          `mapstructure:"args"`
	Cwd             string            `mapstructure:"cwd"`
	Env             map[string]string `mapstructure:"env"`
	Port            any               `mapstructure:"port"`
	Watch           bool              `mapstructure:"watch"`
	IgnoreWatch     []string          `mapstructure:"ignore_watch"`
	Instances       *int              `mapstructure:"instances"`
	ExecMode        string            `mapstructure:"exec_mode"`
	AutoRestart     *bool             `mapstructure:"autorestart"`
	MaxRestarts     *int              `mapstructure:"max_restarts"`
	MinUptime       *time.Duration    `mapstructure:"min_uptime"`
	RestartDelay    *time.Duration    `mapstructure:"restart_delay"`
	KillTimeout     *time.Duration    `mapstructure:"kill_timeout"`
	PIDFile         string            `mapstructure:"pid_file"`
	OutFile         string            `mapstructure:"out_file"`
	ErrorFile       string            `mapstructure:"error_file"`
}

// Load parses a declaration and returns one validated spec per app, in
// declaration order. It does not consult the process environment, so the
// same input always yields equal output.
func Load(data []byte, format Format) ([]ManagedProcessSpec, error) {
	doc, err := decodeDocument(data, format)
	if err != nil {
		return nil, err
	}
	entries, err := appEntries(doc)
	if err != nil {
		return nil, err
	}
	specs := make([]ManagedProcessSpec, 0, len(entries))
	for i, entry := range entries {
		s, err := buildSpec(i, entry)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	if err := checkUniqueNames(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// LoadFile reads and parses the declaration at path. A relative cwd is
// resolved against the file's directory, which is also the default cwd.
func LoadFile(path string) ([]ManagedProcessSpec, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read declaration: %w", err)
	}
	specs, err := Load(b, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	for i := range specs {
		switch {
		case specs[i].Cwd == "":
			specs[i].Cwd = dir
		case !filepath.IsAbs(specs[i].Cwd):
			specs[i].Cwd = filepath.Join(dir, specs[i].Cwd)
		}
	}
	return specs, nil
}

func decodeDocument(data []byte, format Format) (map[string]any, error) {
	var doc map[string]any
	var err error
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatTOML:
		err = toml.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s declaration: %w", format, err)
	}
	return doc, nil
}

// appEntries accepts the pm2 shape {"apps": [...]} or a single app object.
func appEntries(doc map[string]any) ([]any, error) {
	if raw, ok := doc["apps"]; ok {
		switch v := raw.(type) {
		case []any:
			if len(v) == 0 {
				return nil, ErrNoApps
			}
			return v, nil
		case []map[string]any:
			out := make([]any, len(v))
			for i := range v {
				out[i] = v[i]
			}
			if len(out) == 0 {
				return nil, ErrNoApps
			}
			return out, nil
		case map[string]any:
			return []any{v}, nil
		case nil:
			return nil, ErrNoApps
		default:
			return nil, &ValidationError{Field: "apps", Reason: "must be a list of app objects"}
		}
	}
	if _, ok := doc["script"]; ok {
		return []any{doc}, nil
	}
	return nil, ErrNoApps
}

func buildSpec(i int, entry any) (ManagedProcessSpec, error) {
	m, ok := entry.(map[string]any)
	if !ok {
		return ManagedProcessSpec{}, &ValidationError{Field: fmt.Sprintf("apps[%d]", i), Reason: "must be an object"}
	}
	var raw rawApp
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &raw,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			durationHook(),
			stringOrListHook(),
			scalarToStringHook(),
		),
	})
	if err != nil {
		return ManagedProcessSpec{}, err
	}
	if err := dec.Decode(m); err != nil {
		name, _ := m["name"].(string)
		return ManagedProcessSpec{}, &ValidationError{App: name, Field: fmt.Sprintf("apps[%d]", i), Reason: err.Error()}
	}

	s := ManagedProcessSpec{
		Name:            raw.Name,
		EntryPoint:      raw.Script,
		Interpreter:     strings.TrimSpace(raw.Interpreter),
		InterpreterArgs: raw.InterpreterArgs,
		Args:            raw.Args,
		Cwd:             raw.Cwd,
		Environment:     raw.Env,
		Watch:           raw.Watch,
		IgnoreWatch:     raw.IgnoreWatch,
		Instances:       valOr(raw.Instances, DefaultInstances),
		ExecutionMode:   normalizeMode(raw.ExecMode),
		AutoRestart:     valOr(raw.AutoRestart, true),
		MaxRestarts:     valOr(raw.MaxRestarts, DefaultMaxRestarts),
		MinUptime:       valOr(raw.MinUptime, DefaultMinUptime),
		RestartDelay:    valOr(raw.RestartDelay, 0),
		KillTimeout:     valOr(raw.KillTimeout, DefaultKillTimeout),
		PIDFile:         raw.PIDFile,
		OutFile:         raw.OutFile,
		ErrorFile:       raw.ErrorFile,
	}
	if s.Environment == nil {
		s.Environment = map[string]string{}
	}
	if s.Name == "" && s.EntryPoint != "" {
		base := filepath.Base(s.EntryPoint)
		s.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if s.Interpreter == "" {
		s.Interpreter = InferInterpreter(s.EntryPoint)
	}
	if err := resolvePort(&s, raw.Port); err != nil {
		return ManagedProcessSpec{}, err
	}
	if err := validate(&s); err != nil {
		return ManagedProcessSpec{}, err
	}
	return s, nil
}

func normalizeMode(m string) ExecMode {
	m = strings.ToLower(strings.TrimSpace(m))
	switch m {
	case "", "fork", "fork_mode":
		return ExecModeFork
	case "cluster", "cluster_mode":
		return ExecModeCluster
	}
	return ExecMode(m)
}

// resolvePort reconciles the top-level port with env.PORT.
func resolvePort(s *ManagedProcessSpec, declared any) error {
	port, hasPort := 0, declared != nil
	if hasPort {
		p, err := parsePort(declared)
		if err != nil {
			return &ValidationError{App: s.Name, Field: "port", Reason: err.Error()}
		}
		port = p
	}
	envPort, hasEnv := s.Environment["PORT"]
	if hasEnv {
		p, err := strconv.Atoi(strings.TrimSpace(envPort))
		if err != nil {
			return &ValidationError{App: s.Name, Field: "env.PORT", Reason: fmt.Sprintf("%q is not an integer", envPort)}
		}
		if hasPort && p != port {
			return &ValidationError{App: s.Name, Field: "port", Reason: fmt.Sprintf("port %d conflicts with env.PORT %d", port, p)}
		}
		port = p
	}
	s.Port = port
	if hasPort && !hasEnv && port != 0 {
		s.Environment["PORT"] = strconv.Itoa(port)
	}
	return nil
}

// portFromFloat accepts integral floats (3000.0) as YAML and JSON both
// produce them; anything beyond int32 is reported out of range.
func portFromFloat(f float64) (int, error) {
	if math.IsNaN(f) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%v is outside [0, 65535]", f)
	}
	return int(f), nil
}

func parsePort(v any) (int, error) {
	switch p := v.(type) {
	case int:
		return p, nil
	case int64:
		return int(p), nil
	case uint64:
		if p > 1<<31 {
			return 0, fmt.Errorf("%d is outside [0, 65535]", p)
		}
		return int(p), nil
	case float64:
		return portFromFloat(p)
	case json.Number:
		if n, err := p.Int64(); err == nil {
			return parsePort(n)
		}
		f, err := p.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", p.String())
		}
		return portFromFloat(f)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", p)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unsupported value %v", v)
}

// checkUniqueNames rejects duplicate app names and instance names that
// collide with another app.
func checkUniqueNames(specs []ManagedProcessSpec) error {
	apps := make(map[string]bool, len(specs))
	owner := make(map[string]string)
	for _, s := range specs {
		if apps[s.Name] {
			return &ValidationError{App: s.Name, Field: "name", Reason: "duplicate app name"}
		}
		apps[s.Name] = true
		for _, in := range s.InstanceNames() {
			if other, ok := owner[in]; ok {
				return &ValidationError{App: s.Name, Field: "name", Reason: fmt.Sprintf("instance name %q collides with app %q", in, other)}
			}
			owner[in] = s.Name
		}
	}
	return nil
}

func valOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
