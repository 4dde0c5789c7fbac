//go:build !windows

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor/internal/ecosystem"
	"github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/policy"
)

// newTestManager declares one long running sh app called "sleeper".
func newTestManager(tb testing.TB) *manager.Manager {
	tb.Helper()
	gin.SetMode(gin.TestMode)
	dir := tb.TempDir()
	require.NoError(tb, os.WriteFile(filepath.Join(dir, "sleeper.sh"), []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))
	m := manager.NewManager()
	require.NoError(tb, m.Add(ecosystem.ManagedProcessSpec{
		Name:          "sleeper",
		EntryPoint:    "sleeper.sh",
		Interpreter:   "sh",
		Cwd:           dir,
		Environment:   map[string]string{"SECRET": "hunter2"},
		Instances:     2,
		ExecutionMode: ecosystem.ExecModeCluster,
		AutoRestart:   true,
		MaxRestarts:   3,
		MinUptime:     time.Second,
		KillTimeout:   500 * time.Millisecond,
	}))
	tb.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// frontends runs fn against the gin and the echo handler.
func frontends(t *testing.T, base string, fn func(t *testing.T, m *manager.Manager, h http.Handler)) {
	for _, fw := range []string{FrameworkGin, FrameworkEcho} {
		t.Run(fw, func(t *testing.T) {
			m := newTestManager(t)
			h, err := HandlerFor(Options{BasePath: base, Framework: fw}, m)
			require.NoError(t, err)
			fn(t, m, h)
		})
	}
}

func TestRouter_StatusBeforeStart(t *testing.T) {
	frontends(t, "/api", func(t *testing.T, _ *manager.Manager, h http.Handler) {
		rec := doReq(t, h, http.MethodGet, "/api/status")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		sts := decode[[]manager.InstanceStatus](t, rec)
		require.Len(t, sts, 2)
		assert.Equal(t, "sleeper-1", sts[0].Name)
		assert.Equal(t, policy.StateStoppedManual, sts[0].State)
		assert.Equal(t, "not started", sts[0].Reason)
	})
}

func TestRouter_Lifecycle(t *testing.T) {
	frontends(t, "/api", func(t *testing.T, _ *manager.Manager, h http.Handler) {
		rec := doReq(t, h, http.MethodPost, "/api/start?name=sleeper")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		require.Eventually(t, func() bool {
			rec := doReq(t, h, http.MethodGet, "/api/status?name=sleeper")
			sts := decode[[]manager.InstanceStatus](t, rec)
			return len(sts) == 2 && sts[0].State == policy.StateRunning && sts[1].State == policy.StateRunning
		}, 5*time.Second, 20*time.Millisecond)

		rec = doReq(t, h, http.MethodPost, "/api/start?name=sleeper")
		assert.Equal(t, http.StatusConflict, rec.Code, "second start is rejected")

		rec = doReq(t, h, http.MethodPost, "/api/reload?name=sleeper")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Eventually(t, func() bool {
			sts := decode[[]manager.InstanceStatus](t, doReq(t, h, http.MethodGet, "/api/status?name=sleeper"))
			return sts[0].State == policy.StateRunning && sts[0].Restarts == 1
		}, 5*time.Second, 20*time.Millisecond)

		rec = doReq(t, h, http.MethodPost, "/api/stop?name=sleeper&wait=1s")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		sts := decode[[]manager.InstanceStatus](t, doReq(t, h, http.MethodGet, "/api/status?name=sleeper"))
		for _, st := range sts {
			assert.Equal(t, policy.StateStoppedManual, st.State)
			assert.Zero(t, st.PID)
		}

		rec = doReq(t, h, http.MethodPost, "/api/restart?name=all")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Eventually(t, func() bool {
			sts := decode[[]manager.InstanceStatus](t, doReq(t, h, http.MethodGet, "/api/status?name=all"))
			return sts[0].State == policy.StateRunning && sts[0].Restarts == 0
		}, 5*time.Second, 20*time.Millisecond)
	})
}

func TestRouter_Apps(t *testing.T) {
	frontends(t, "", func(t *testing.T, _ *manager.Manager, h http.Handler) {
		rec := doReq(t, h, http.MethodGet, "/apps")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "hunter2", "env values are not exposed")
		apps := decode[[]AppInfo](t, rec)
		require.Len(t, apps, 1)
		assert.Equal(t, "sleeper", apps[0].Name)
		assert.Equal(t, ecosystem.ExecModeCluster, apps[0].ExecMode)
		assert.Equal(t, []string{"sleeper-1", "sleeper-2"}, apps[0].InstanceNames)
		assert.Equal(t, "1s", apps[0].MinUptime)
	})
}

func TestRouter_Errors(t *testing.T) {
	cases := []struct {
		method, path string
		code         int
	}{
		{http.MethodPost, "/api/start", http.StatusBadRequest},
		{http.MethodPost, "/api/start?name=nope", http.StatusNotFound},
		{http.MethodPost, "/api/stop?name=../x", http.StatusBadRequest},
		{http.MethodPost, "/api/stop?name=sleeper&wait=soon", http.StatusBadRequest},
		{http.MethodPost, "/api/restart?name=nope", http.StatusNotFound},
		{http.MethodPost, "/api/reload?name=nope", http.StatusNotFound},
		{http.MethodGet, "/api/status?name=nope", http.StatusNotFound},
		{http.MethodGet, "/api/status?name=a/b", http.StatusBadRequest},
	}
	frontends(t, "/api", func(t *testing.T, _ *manager.Manager, h http.Handler) {
		for _, tc := range cases {
			rec := doReq(t, h, tc.method, tc.path)
			assert.Equal(t, tc.code, rec.Code, "%s %s", tc.method, tc.path)
			body := decode[map[string]string](t, rec)
			assert.NotEmpty(t, body["error"], "%s %s", tc.method, tc.path)
		}
	})
}

func TestRouter_MetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("appvisor_up 1\n"))
	})
	for _, fw := range []string{FrameworkGin, FrameworkEcho} {
		h, err := HandlerFor(Options{BasePath: "/api", Framework: fw, Metrics: metrics}, newTestManager(t))
		require.NoError(t, err)
		rec := doReq(t, h, http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code, fw)
		assert.Contains(t, rec.Body.String(), "appvisor_up", fw)
	}
}

func TestHandlerFor_UnknownFramework(t *testing.T) {
	_, err := HandlerFor(Options{Framework: "chi"}, manager.NewManager())
	assert.Error(t, err)
}

func TestNewServer_ServesAndShutsDown(t *testing.T) {
	srv, err := NewServer(Options{Listen: "127.0.0.1:0", BasePath: "/api"}, newTestManager(t))
	require.NoError(t, err)
	defer func() { _ = Shutdown(srv, time.Second) }()

	resp, err := http.Get("http://" + srv.Addr + "/api/apps")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, Shutdown(srv, time.Second))
	_, err = http.Get("http://" + srv.Addr + "/api/apps")
	assert.Error(t, err)
}

// FuzzStatusQuery checks that arbitrary names never crash the router and
// never produce a 5xx.
func FuzzStatusQuery(f *testing.F) {
	f.Add("web")
	f.Add("all")
	f.Add("../x")
	f.Add("%00")

	h := NewRouter(newTestManager(f), "/api").Handler()
	f.Fuzz(func(t *testing.T, name string) {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		q := req.URL.Query()
		q.Set("name", name)
		req.URL.RawQuery = q.Encode()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code >= 500 {
			t.Fatalf("status %d for name %q", rec.Code, name)
		}
	})
}
