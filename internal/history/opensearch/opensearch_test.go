package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor/internal/history"
)

type captured struct {
	method, path, user, pass string
	body                     map[string]any
}

func captureServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method, got.path = r.Method, r.URL.Path
		got.user, got.pass, _ = r.BasicAuth()
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got.body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestSink_Send(t *testing.T) {
	srv, got := captureServer(t, http.StatusCreated)
	sink := New(Options{BaseURL: srv.URL + "/", Index: "events", Username: "ops", Password: "pw"})

	occurred := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, sink.Send(context.Background(), history.Event{
		Type:       history.EventExit,
		OccurredAt: occurred,
		Record:     history.Record{App: "web", Instance: "web-3", PID: 12345, State: "exited", ExitCode: 1, Unstable: 2},
	}))

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/events/_doc", got.path)
	assert.Equal(t, "ops", got.user)
	assert.Equal(t, "pw", got.pass)
	assert.Equal(t, "exit", got.body["event"])
	assert.Equal(t, "web-3", got.body["instance"], "record fields are flattened")
	assert.Equal(t, float64(2), got.body["unstable_restarts"])
	assert.Equal(t, "2026-03-04T05:06:07Z", got.body["@timestamp"])
}

func TestSink_DailyIndex(t *testing.T) {
	srv, got := captureServer(t, http.StatusCreated)
	sink := New(Options{BaseURL: srv.URL, Daily: true})

	ts := time.Date(2026, 10, 16, 23, 30, 0, 0, time.FixedZone("KST", 9*3600))
	assert.Equal(t, "app-history-2026.10.16", sink.IndexFor(ts))
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventStart, OccurredAt: ts}))
	assert.Equal(t, "/app-history-2026.10.16/_doc", got.path)
	assert.Empty(t, got.user)
}

func TestSink_SendError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadRequest)
	err := New(Options{BaseURL: srv.URL}).Send(context.Background(), history.Event{Type: history.EventStart})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "created", "response body is included")
}

func TestSink_Unreachable(t *testing.T) {
	sink := New(Options{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	assert.Error(t, sink.Send(context.Background(), history.Event{Type: history.EventStop}))
}
