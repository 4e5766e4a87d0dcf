// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics while writing every change log to the relational tables.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"labqueue/internal/infra/persistence/memory"
	"labqueue/internal/infra/persistence/tables"
	"labqueue/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/labqueue?sslmode=disable"
)

// SQLSTATE codes treated as transient contention.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	conn *tables.Conn
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the schema exists and hydrates the in-memory store from the tables.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	conn := tables.NewConn(func() (*sql.DB, error) {
		openMu.Lock()
		open := sqlOpen
		openMu.Unlock()
		db, err := open(defaultDriver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}, IsBusy)

	ctx := context.Background()
	var snapshot domain.Snapshot
	err := conn.Do(ctx, "load", func(db *sql.DB) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		if err := tables.EnsureSchema(ctx, db, tables.Postgres); err != nil {
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
	return &Store{Store: mem, conn: conn}, nil
}

// RunInTransaction applies fn and writes its changes to Postgres before the new state becomes visible.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	return s.Store.RunInTransactionWithHook(ctx, fn, func(ctx context.Context, changes []domain.Change) error {
		return s.conn.Persist(ctx, tables.Postgres, changes)
	})
}

// Conn exposes the retrying handle for integration hooks.
func (s *Store) Conn() *tables.Conn { return s.conn }

// Close releases the database handle.
func (s *Store) Close() error { return s.conn.Close() }

// IsBusy reports whether err carries a serialization, deadlock or lock-timeout SQLSTATE.
func IsBusy(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	default:
		return false
	}
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
