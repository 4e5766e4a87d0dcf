// Package sqlite provides the default durable store: the in-memory
// transactional store whose change log is written to a local SQLite file
// before each commit becomes visible.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"labqueue/internal/infra/persistence/memory"
	"labqueue/internal/infra/persistence/tables"
	"labqueue/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	driverName         = "sqlite"
	defaultPath        = "labqueue.db"
	defaultBusyTimeout = 5 * time.Second
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists every committed transaction to SQLite while serving reads from memory.
type Store struct {
	*memory.Store
	conn *tables.Conn
	path string
}

// Option customises a Store.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets how long SQLite waits on a locked database before
// reporting SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// NewStore opens (creating if necessary) the database at path, ensures the
// schema and hydrates the in-memory state from it.
func NewStore(path string, engine *domain.RulesEngine, opts ...Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	cfg := options{busyTimeout: defaultBusyTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	dsn := buildDSN(path, cfg.busyTimeout)
	conn := tables.NewConn(func() (*sql.DB, error) {
		openMu.Lock()
		open := sqlOpen
		openMu.Unlock()
		db, err := open(driverName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}, IsBusy)

	ctx := context.Background()
	var snapshot domain.Snapshot
	err := conn.Do(ctx, "load", func(db *sql.DB) error {
		if err := tables.EnsureSchema(ctx, db, tables.SQLite); err != nil {
			return err
		}
		var err error
		snapshot, err = tables.Load(ctx, db)
		return err
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, conn: conn, path: path}, nil
}

func buildDSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, busyTimeout.Milliseconds())
}

// RunInTransaction applies fn and writes its changes to SQLite before the
// new state becomes visible. A failed write leaves both memory and disk unchanged.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	return s.Store.RunInTransactionWithHook(ctx, fn, func(ctx context.Context, changes []domain.Change) error {
		return s.conn.Persist(ctx, tables.SQLite, changes)
	})
}

// Conn exposes the retrying handle for integration hooks.
func (s *Store) Conn() *tables.Conn { return s.conn }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.conn.Close() }

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
