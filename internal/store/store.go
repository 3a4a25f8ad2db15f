// Package store persists tasks, comments, audit events and the
// notification queue. It speaks two dialects through one sqlx code
// path: embedded sqlite for single-box installs and postgres for
// multi-instance ones. All timestamps are stored as unix milliseconds
// so both dialects compare and sort them identically.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"opsbot/internal/eventbus"
	"opsbot/internal/taskflow"
	"opsbot/pkg/logx"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// wakeChannel is the postgres NOTIFY channel used to fan the worker
// wake-up signal across instances.
const wakeChannel = "opsbot_notify_wake"

type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only
}

type Store struct {
	db      *sqlx.DB
	dialect string
	bus     eventbus.Bus
	log     logx.Logger
}

// Open connects, applies pragmas/migrations and returns a ready store.
func Open(ctx context.Context, cfg Config, bus eventbus.Bus, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "store"))

	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		db, err = openSQLite(ctx, cfg)
	case DriverPostgres:
		db, err = sqlx.ConnectContext(ctx, "pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}

	dialect := cfg.Driver
	if dialect == "" {
		dialect = DriverSQLite
	}
	s := &Store{db: db, dialect: dialect, bus: bus, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("store ready", logx.String("driver", dialect))
	return s, nil
}

func openSQLite(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "opsbot.db"
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqlitePragmas(busy)
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writers anyway; a single connection
	// avoids SQLITE_BUSY on overlapping transactions.
	db.SetMaxOpenConns(1)
	return db, nil
}

func sqlitePragmas(busy time.Duration) string {
	v := url.Values{}
	v.Add("_pragma", "journal_mode(WAL)")
	v.Add("_pragma", "foreign_keys(ON)")
	v.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	return v.Encode()
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Dialect() string { return s.dialect }

// WithTx runs fn inside one transaction and commits on nil return.
func (s *Store) WithTx(ctx context.Context, fn func(tx taskflow.Tx) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	q := &queries{ext: txx, dialect: s.dialect}
	if err := fn(q); err != nil {
		if rbErr := txx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("tx rollback failed", logx.Err(rbErr))
		}
		return err
	}
	if err := txx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// Wake nudges the delivery worker: always through the in-process bus,
// and additionally via NOTIFY on postgres so sibling instances hear it.
func (s *Store) Wake(ctx context.Context) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyWake, Time: time.Now()})
	}
	if s.dialect != DriverPostgres {
		return
	}
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, '')`, wakeChannel); err != nil {
		s.log.Warn("pg_notify failed", logx.Err(err))
	}
}
