// Package sqlite opens the SQL history sink on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/appvisor/internal/history"
)

// New accepts "sqlite:///path/app.db", "sqlite://:memory:", a bare path
// or ":memory:".
func New(dsn string) (*history.SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection: :memory: stays a single database and writers queue
	db.SetMaxOpenConns(1)

	s, err := history.NewSQLSink(context.Background(), db, history.SQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
