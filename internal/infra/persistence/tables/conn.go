package tables

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"labqueue/pkg/domain"
)

// Conn owns a lazily opened database handle. Operations run through Do get
// one retry on a busy error, after the handle is closed and reopened.
type Conn struct {
	mu     sync.Mutex
	db     *sql.DB
	open   func() (*sql.DB, error)
	isBusy func(error) bool
	opens  int
}

// NewConn wraps open. isBusy classifies transient contention errors; nil
// treats every error as permanent.
func NewConn(open func() (*sql.DB, error), isBusy func(error) bool) *Conn {
	if isBusy == nil {
		isBusy = func(error) bool { return false }
	}
	return &Conn{open: open, isBusy: isBusy}
}

// DB returns the current handle, opening one if needed.
func (c *Conn) DB() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	db, err := c.open()
	if err != nil {
		return nil, err
	}
	c.db = db
	c.opens++
	return db, nil
}

// Invalidate closes and drops the cached handle.
func (c *Conn) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}
}

// Opens reports how many handles have been opened.
func (c *Conn) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Close releases the handle.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Do runs fn at most twice. Failures surface as domain.StorageBusyError when
// the last attempt was busy and domain.StorageError otherwise.
func (c *Conn) Do(ctx context.Context, op string, fn func(*sql.DB) error) error {
	err := c.attempt(fn)
	if err != nil && c.isBusy(err) && ctx.Err() == nil {
		c.Invalidate()
		err = c.attempt(fn)
	}
	switch {
	case err == nil:
		return nil
	case c.isBusy(err):
		return domain.StorageBusyError{Op: op, Err: err}
	default:
		return domain.StorageError{Op: op, Err: err}
	}
}

func (c *Conn) attempt(fn func(*sql.DB) error) error {
	db, err := c.DB()
	if err != nil {
		return err
	}
	return fn(db)
}

// Persist applies changes in a single database transaction.
func (c *Conn) Persist(ctx context.Context, d Dialect, changes []domain.Change) error {
	return c.Do(ctx, "persist", func(db *sql.DB) (retErr error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() {
			if retErr != nil {
				retErr = errors.Join(retErr, rollback(tx))
			}
		}()
		if err := Apply(ctx, tx, d, changes); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func rollback(tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
