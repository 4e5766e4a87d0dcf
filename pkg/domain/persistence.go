package domain

import "context"

// Transaction exposes the record operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	FindAssignment(loadID LoadID) (Assignment, bool)
	CreateAssignment(Assignment) (Assignment, error)
	UpdateAssignment(loadID LoadID, mutator func(*Assignment) error) (Assignment, error)
	// DeleteAssignment reports whether a row was removed.
	DeleteAssignment(loadID LoadID) (bool, error)
	FindSchedule(loadID LoadID) (Schedule, bool)
	CreateSchedule(Schedule) (Schedule, error)
	UpdateSchedule(loadID LoadID, mutator func(*Schedule) error) (Schedule, error)
}

// TransactionView provides read-only access to snapshot data for rules and queries.
type TransactionView interface {
	ListAssignments() []Assignment
	ListSchedules() []Schedule
	FindAssignment(loadID LoadID) (Assignment, bool)
	FindSchedule(loadID LoadID) (Schedule, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	ExportState() Snapshot
}
