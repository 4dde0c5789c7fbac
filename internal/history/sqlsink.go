package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Table is the relational history table shared by the SQL sinks.
const Table = "app_history"

// Dialect holds what differs between the SQL backends.
type Dialect struct {
	Name        string
	TimeType    string
	BigIntType  string
	Placeholder func(n int) string
}

var (
	SQLite = Dialect{
		Name:        "sqlite",
		TimeType:    "TIMESTAMP",
		BigIntType:  "INTEGER",
		Placeholder: func(int) string { return "?" },
	}
	Postgres = Dialect{
		Name:        "postgres",
		TimeType:    "TIMESTAMPTZ",
		BigIntType:  "BIGINT",
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

var sqlColumns = []string{
	"occurred_at", "event", "app", "instance", "pid", "state",
	"exit_code", "uptime_ms", "restarts", "unstable_restarts", "reason",
}

// SQLSink appends one row per event to Table.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	insert  string
}

// NewSQLSink creates the table and its app index when missing. The sink
// takes ownership of db.
func NewSQLSink(ctx context.Context, db *sql.DB, d Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: d}
	ph := make([]string, len(sqlColumns))
	for i := range ph {
		ph[i] = d.Placeholder(i + 1)
	}
	s.insert = fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s)", Table, strings.Join(sqlColumns, ", "), strings.Join(ph, ", "))

	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("%s history schema: %w", d.Name, err)
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			app TEXT NOT NULL,
			instance TEXT NOT NULL,
			pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			uptime_ms %s NOT NULL,
			restarts INTEGER NOT NULL,
			unstable_restarts INTEGER NOT NULL,
			reason TEXT NULL
		)`, Table, s.dialect.TimeType, s.dialect.BigIntType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_app ON %s(app, occurred_at)`, Table, Table),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	r := e.Record
	reason := sql.NullString{String: r.Reason, Valid: r.Reason != ""}
	_, err := s.db.ExecContext(ctx, s.insert,
		e.OccurredAt.UTC(), string(e.Type), r.App, r.Instance, r.PID, r.State,
		r.ExitCode, r.UptimeMS, r.Restarts, r.Unstable, reason)
	return err
}

// DB exposes the handle for queries over the recorded history.
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) Close() error { return s.db.Close() }
