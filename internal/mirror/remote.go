package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultTable is the remote table the queue is mirrored into.
const DefaultTable = "load_queue"

// QueueRow is one row of the remote queue table. LoadStart and LoadEnd are
// filled in by technicians on the remote side.
type QueueRow struct {
	LoadID      int64      `gorm:"column:load_id;primaryKey;autoIncrement:false"`
	Status      string     `gorm:"column:status;size:50"`
	TestingArea string     `gorm:"column:testing_area;size:50"`
	Priority    int        `gorm:"column:priority"`
	LoadStart   *time.Time `gorm:"column:load_start"`
	LoadEnd     *time.Time `gorm:"column:load_end"`
}

// Remote is the external copy of the active queue.
type Remote interface {
	// Rows returns every row currently in the remote table.
	Rows(ctx context.Context) ([]QueueRow, error)
	// Replace swaps the remote table contents for rows.
	Replace(ctx context.Context, rows []QueueRow) error
}

// GormRemote stores the queue in a Postgres table through gorm.
type GormRemote struct {
	db    *gorm.DB
	table string
}

// OpenPostgres connects to dsn and returns a remote for table.
func OpenPostgres(dsn, table string) (*GormRemote, error) {
	if dsn == "" {
		return nil, errors.New("mirror: dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("mirror: open: %w", err)
	}
	return NewGormRemote(db, table), nil
}

// NewGormRemote wraps an existing gorm handle. An empty table selects
// DefaultTable.
func NewGormRemote(db *gorm.DB, table string) *GormRemote {
	if table == "" {
		table = DefaultTable
	}
	return &GormRemote{db: db, table: table}
}

// Table returns the remote table name.
func (r *GormRemote) Table() string { return r.table }

// EnsureTable creates the remote table when it does not exist.
func (r *GormRemote) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Table(r.table).AutoMigrate(&QueueRow{}); err != nil {
		return fmt.Errorf("mirror: migrate %s: %w", r.table, err)
	}
	return nil
}

func (r *GormRemote) Rows(ctx context.Context) ([]QueueRow, error) {
	var rows []QueueRow
	if err := r.db.WithContext(ctx).Table(r.table).Order("load_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("mirror: read %s: %w", r.table, err)
	}
	return rows, nil
}

func (r *GormRemote) Replace(ctx context.Context, rows []QueueRow) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(r.table).Where("1 = 1").Delete(&QueueRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Table(r.table).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("mirror: replace %s: %w", r.table, err)
	}
	return nil
}
