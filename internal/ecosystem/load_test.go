package ecosystem

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor/internal/process"
)

func TestLoadFile_Fixtures(t *testing.T) {
	for _, name := range []string{"ecosystem.json", "ecosystem.yaml", "ecosystem.toml"} {
		t.Run(name, func(t *testing.T) {
			specs, err := LoadFile(filepath.Join("testdata", name))
			require.NoError(t, err)
			require.Len(t, specs, 1)
			s := specs[0]

			assert.Equal(t, "podcastmarket", s.Name)
			assert.Equal(t, "run.py", s.EntryPoint)
			assert.Equal(t, "python3", s.Interpreter)
			assert.Equal(t, map[string]string{
				"FLASK_APP": "run.py",
				"FLASK_ENV": "development",
				"PORT":      "3000",
			}, s.Environment)
			assert.Equal(t, 3000, s.Port)
			assert.False(t, s.Watch)
			assert.Equal(t, 1, s.Instances)
			assert.Equal(t, ExecModeFork, s.ExecutionMode)
			assert.True(t, s.AutoRestart)
			assert.Equal(t, 10, s.MaxRestarts)
			assert.Equal(t, 10*time.Second, s.MinUptime)
			assert.Equal(t, DefaultKillTimeout, s.KillTimeout)

			abs, _ := filepath.Abs("testdata")
			assert.Equal(t, abs, s.Cwd)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	specs, err := Load([]byte(`{"apps":[{"script":"server.js"}]}`), FormatJSON)
	require.NoError(t, err)
	s := specs[0]
	assert.Equal(t, "server", s.Name)
	assert.Equal(t, "node", s.Interpreter)
	assert.Equal(t, DefaultInstances, s.Instances)
	assert.Equal(t, DefaultMaxRestarts, s.MaxRestarts)
	assert.Equal(t, DefaultMinUptime, s.MinUptime)
	assert.Equal(t, ExecModeFork, s.ExecutionMode)
	assert.True(t, s.AutoRestart)
	assert.Equal(t, 0, s.Port)
	assert.NotNil(t, s.Environment)
}

func TestLoad_SingleAppObject(t *testing.T) {
	specs, err := Load([]byte("name: worker\nscript: worker.sh\n"), FormatYAML)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "bash", specs[0].Interpreter)
}

func TestLoad_SupplementedFields(t *testing.T) {
	data := `
apps:
  - name: api
    script: app.py
    interpreter: /usr/bin/python3
    interpreter_args: -u
    args: ["--port", 8000, "--debug"]
    cwd: srv
    ignore_watch: ["*.log", "tmp"]
    watch: true
    restart_delay: 250
    kill_timeout: 3s
    min_uptime: 1500
    exec_mode: cluster_mode
    instances: 2
    pid_file: /tmp/api.pid
    out_file: logs/api.out
    error_file: logs/api.err
`
	specs, err := Load([]byte(data), FormatYAML)
	require.NoError(t, err)
	s := specs[0]
	assert.Equal(t, "/usr/bin/python3", s.Interpreter)
	assert.Equal(t, []string{"-u"}, s.InterpreterArgs)
	assert.Equal(t, []string{"--port", "8000", "--debug"}, s.Args)
	assert.Equal(t, "srv", s.Cwd)
	assert.Equal(t, []string{"*.log", "tmp"}, s.IgnoreWatch)
	assert.True(t, s.Watch)
	assert.Equal(t, 250*time.Millisecond, s.RestartDelay)
	assert.Equal(t, 3*time.Second, s.KillTimeout)
	assert.Equal(t, 1500*time.Millisecond, s.MinUptime)
	assert.Equal(t, ExecModeCluster, s.ExecutionMode)
	assert.Equal(t, []string{"api-1", "api-2"}, s.InstanceNames())
	assert.Equal(t, "/tmp/api.pid", s.PIDFile)
	assert.Equal(t, "logs/api.out", s.OutFile)
	assert.Equal(t, "logs/api.err", s.ErrorFile)
}

func TestLoad_PortFromTopLevel(t *testing.T) {
	specs, err := Load([]byte(`{"apps":[{"name":"a","script":"a.py","port":8080}]}`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 8080, specs[0].Port)
	assert.Equal(t, "8080", specs[0].Environment["PORT"])

	specs, err = Load([]byte(`{"apps":[{"name":"a","script":"a.py","port":8080,"env":{"PORT":"8080"}}]}`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 8080, specs[0].Port)
}

func TestLoad_KeyCasePreserved(t *testing.T) {
	specs, err := Load([]byte("[[apps]]\nname=\"a\"\nscript=\"a.rb\"\n[apps.env]\nMixedCase=\"1\"\n"), FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, "1", specs[0].Environment["MixedCase"])
	assert.Equal(t, "ruby", specs[0].Interpreter)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		json  string
		field string
	}{
		{"missing entry point", `{"name":"a"}`, "script"},
		{"missing entry point and name", `{"interpreter":"python3"}`, "script"},
		{"unknown interpreter", `{"name":"a","script":"a.x","interpreter":"cobol"}`, "interpreter"},
		{"unknown interpreter path", `{"name":"a","script":"a.x","interpreter":"/opt/bin/cobol"}`, "interpreter"},
		{"port too high", `{"name":"a","script":"a.py","port":65536}`, "port"},
		{"port negative", `{"name":"a","script":"a.py","port":-1}`, "port"},
		{"env port too high", `{"name":"a","script":"a.py","env":{"PORT":"70000"}}`, "port"},
		{"env port not integer", `{"name":"a","script":"a.py","env":{"PORT":"http"}}`, "env.PORT"},
		{"port conflict", `{"name":"a","script":"a.py","port":1,"env":{"PORT":"2"}}`, "port"},
		{"zero instances", `{"name":"a","script":"a.py","instances":0}`, "instances"},
		{"bad exec mode", `{"name":"a","script":"a.py","exec_mode":"swarm"}`, "exec_mode"},
		{"negative max restarts", `{"name":"a","script":"a.py","max_restarts":-1}`, "max_restarts"},
		{"negative min uptime", `{"name":"a","script":"a.py","min_uptime":"-1s"}`, "min_uptime"},
		{"bad name", `{"name":"a b","script":"a.py"}`, "name"},
		{"bad duration", `{"name":"a","script":"a.py","min_uptime":"soon"}`, "apps[0]"},
		{"fractional port", `{"name":"a","script":"a.py","port":3000.5}`, "port"},
		{"huge port", `{"name":"a","script":"a.py","port":1e300}`, "port"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load([]byte(`{"apps":[`+c.json+`]}`), FormatJSON)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, c.field, ve.Field)
		})
	}
}

func TestLoad_IntegralFloatPortAllFormats(t *testing.T) {
	docs := map[Format]string{
		FormatJSON: `{"apps":[{"name":"web","script":"web.py","port":3000.0}]}`,
		FormatYAML: "apps:\n  - name: web\n    script: web.py\n    port: 3000.0\n",
		FormatTOML: "[[apps]]\nname = \"web\"\nscript = \"web.py\"\nport = 3000.0\n",
	}
	for format, doc := range docs {
		specs, err := Load([]byte(doc), format)
		require.NoError(t, err, format)
		require.Len(t, specs, 1)
		assert.Equal(t, 3000, specs[0].Port, format)
		assert.Equal(t, "3000", specs[0].Environment["PORT"], format)
	}
}

func TestLoad_DurationOutOfRange(t *testing.T) {
	_, err := Load([]byte(`{"apps":[{"name":"a","script":"a.py","min_uptime":1e300}]}`), FormatJSON)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	assert.Contains(t, ve.Reason, "out of range")
	assert.NotContains(t, ve.Reason, "negative")
}

func TestLoad_DuplicateNames(t *testing.T) {
	_, err := Load([]byte(`{"apps":[{"name":"a","script":"a.py"},{"name":"a","script":"b.py"}]}`), FormatJSON)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "duplicate")

	_, err = Load([]byte(`{"apps":[{"name":"web","script":"a.py","instances":2},{"name":"web-2","script":"b.py"}]}`), FormatJSON)
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "collides")
}

func TestLoad_NoApps(t *testing.T) {
	for _, doc := range []string{`{}`, `{"apps":[]}`, `{"apps":null}`, `{"server":{"listen":":8080"}}`} {
		_, err := Load([]byte(doc), FormatJSON)
		assert.ErrorIs(t, err, ErrNoApps, doc)
	}
}

func TestLoad_SyntaxError(t *testing.T) {
	_, err := Load([]byte(`{"apps":[`), FormatJSON)
	require.Error(t, err)
	var ve *ValidationError
	assert.False(t, errors.As(err, &ve))
	assert.True(t, strings.Contains(err.Error(), "parse json"))
}

func TestLoadFile_UnsupportedFormat(t *testing.T) {
	_, err := LoadFile("ecosystem.config.cjs")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadFile_RelativeCwd(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "apps.yaml")
	data := "apps:\n  - name: a\n    script: a.py\n    cwd: sub\n  - name: b\n    script: b.py\n    cwd: /srv/b\n"
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))
	specs, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub"), specs[0].Cwd)
	assert.Equal(t, "/srv/b", specs[1].Cwd)
}

func TestLoad_Idempotent(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "ecosystem.yaml"))
	require.NoError(t, err)
	a, err := Load(data, FormatYAML)
	require.NoError(t, err)
	b, err := Load(data, FormatYAML)
	require.NoError(t, err)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("load is not idempotent:\n%+v\n%+v", a, b)
	}
}

func TestKnownInterpreter(t *testing.T) {
	assert.True(t, KnownInterpreter("python3"))
	assert.True(t, KnownInterpreter("/usr/local/bin/node"))
	assert.True(t, KnownInterpreter(InterpreterNone))
	assert.False(t, KnownInterpreter(""))
	assert.False(t, KnownInterpreter("java"))
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   any
		want time.Duration
	}{
		{"10s", 10 * time.Second},
		{"1500", 1500 * time.Millisecond},
		{1000, time.Second},
		{int64(5), 5 * time.Millisecond},
		{2.5, 2500 * time.Microsecond},
		{"", 0},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
	for _, bad := range []any{true, 1e300, "1e300", uint64(math.MaxUint64), int64(math.MaxInt64), math.NaN()} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestInterpreterNone_RunsEntryDirectly(t *testing.T) {
	specs, err := Load([]byte(`{"apps":[{"name":"srv","script":"srv","args":"-v"}]}`), FormatJSON)
	require.NoError(t, err)
	require.Equal(t, InterpreterNone, specs[0].Interpreter)

	argv := process.Spec{Interpreter: specs[0].Interpreter, Entry: specs[0].EntryPoint, Args: specs[0].Args}.Argv()
	assert.Equal(t, []string{"." + string(filepath.Separator) + "srv", "-v"}, argv)
}
