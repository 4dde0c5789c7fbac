// Package opensearch indexes lifecycle events through the OpenSearch (or
// Elasticsearch) document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/appvisor/internal/history"
)

const DefaultIndex = "app-history"

// Options configures the sink. With Daily set, events go to
// <Index>-YYYY.MM.DD by the event's UTC date.
type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Daily    bool
	Timeout  time.Duration
}

type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

// document is the indexed shape: the record flattened next to the event
// fields so dashboards can filter on app/instance directly.
type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Event     history.EventType `json:"event"`
	history.Record
}

// IndexFor returns the index an event occurring at ts is written to.
func (s *Sink) IndexFor(ts time.Time) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + ts.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(document{Timestamp: ts.UTC(), Event: e.Type, Record: e.Record})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.opts.BaseURL, s.IndexFor(ts))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.IndexFor(ts), resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
