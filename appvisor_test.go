package appvisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestLoadFacade(t *testing.T) {
	specs, err := Load([]byte(`{"apps":[{"name":"api","script":"server.js","instances":2,"exec_mode":"cluster"}]}`), FormatJSON)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, ExecModeCluster, specs[0].ExecutionMode)
	assert.Equal(t, []string{"api-1", "api-2"}, specs[0].InstanceNames())

	_, err = Load([]byte(`{"apps":[]}`), FormatJSON)
	assert.True(t, errors.Is(err, ErrNoApps), "got %v", err)

	_, err = Load([]byte(`{"apps":[{"script":"x.js"}]}`), FormatJSON)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve), "got %v", err)
}

func TestManagerFacadeLifecycle(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.sh"), []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	m := New()
	t.Cleanup(func() { _ = m.Shutdown() })
	require.NoError(t, m.Add(Spec{
		Name:          "loop",
		EntryPoint:    "loop.sh",
		Interpreter:   "sh",
		Cwd:           dir,
		Instances:     1,
		ExecutionMode: ExecModeFork,
		AutoRestart:   true,
		MaxRestarts:   3,
		MinUptime:     time.Second,
		KillTimeout:   500 * time.Millisecond,
	}))
	assert.True(t, errors.Is(m.Add(Spec{Name: "loop"}), ErrAppExists))

	require.NoError(t, m.Start("loop"))
	require.Eventually(t, func() bool {
		sts, err := m.Status("loop")
		return err == nil && len(sts) == 1 && sts[0].Running()
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, errors.Is(m.Start("loop"), ErrAppRunning))

	require.NoError(t, m.Stop("loop", time.Second))
	sts, err := m.Status("loop")
	require.NoError(t, err)
	assert.False(t, sts[0].Running())

	_, err = m.Status("ghost")
	assert.True(t, errors.Is(err, ErrUnknownApp))
}

func TestManagerFacadeApply(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "appvisor.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
env:
  - REGION=eu
watch:
  debounce: 200ms
apps:
  - name: web
    script: web.py
  - name: worker
    script: worker.sh
    instances: 3
`), 0o644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)

	m := New()
	require.NoError(t, m.Apply(cfg))
	specs := m.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "web", specs[0].Name)
	assert.Equal(t, "python3", specs[0].Interpreter)
	assert.Len(t, m.StatusAll(), 4)
}

func TestMetricsFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))

	m := New()
	require.NoError(t, m.EnableUsage(context.Background(), UsageConfig{Enabled: true, Interval: 50 * time.Millisecond}, reg))
	require.NoError(t, m.Shutdown())

	srv, err := ServeMetrics("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ShutdownServer(srv, time.Second) }()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerFacade(t *testing.T) {
	h, err := Handler(ServerOptions{BasePath: "/api", Framework: "echo"}, New())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
