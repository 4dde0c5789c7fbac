// Package clickhouse ships lifecycle events to ClickHouse over the native
// protocol.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/appvisor/internal/history"
)

// Options configures the connection. Empty Database and Username mean
// "default"; an empty Table means history.Table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

type Sink struct {
	conn  driver.Conn
	table string
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// New connects, pings and creates the MergeTree table when missing.
func New(opts Options) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: orDefault(opts.Database, "default"),
			Username: orDefault(opts.Username, "default"),
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open %s: %w", opts.Addr, err)
	}
	s := &Sink{conn: conn, table: orDefault(opts.Table, history.Table)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", opts.Addr, err)
	}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse table %s: %w", s.table, err)
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(3, 'UTC'),
		event LowCardinality(String),
		app LowCardinality(String),
		instance String,
		pid Int64,
		state LowCardinality(String),
		exit_code Int32,
		uptime_ms Int64,
		restarts UInt32,
		unstable_restarts UInt32,
		reason String
	) ENGINE = MergeTree
	ORDER BY (app, instance, occurred_at)`, s.table))
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return err
	}
	if err := batch.Append(
		e.OccurredAt.UTC(), string(e.Type), r.App, r.Instance, int64(r.PID), r.State,
		int32(r.ExitCode), r.UptimeMS, uint32(r.Restarts), uint32(r.Unstable), r.Reason,
	); err != nil {
		_ = batch.Abort()
		return err
	}
	return batch.Send()
}

func (s *Sink) Close() error { return s.conn.Close() }
