package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is against the typed errors below.
var (
	ErrNotAssigned = errors.New("load not assigned")
	ErrNotFound    = errors.New("record not found")
	ErrValidation  = errors.New("invalid input")
	ErrStorageBusy = errors.New("storage busy")
	ErrStorage     = errors.New("storage failure")
)

// NotAssignedError is returned when a status transition targets a load without an Assignment.
type NotAssignedError struct {
	LoadID LoadID
}

func (e NotAssignedError) Error() string {
	return fmt.Sprintf("load %d is not assigned to a testing area", e.LoadID)
}

// Is matches ErrNotAssigned.
func (e NotAssignedError) Is(target error) bool { return target == ErrNotAssigned }

// NotFoundError is returned when a record addressed by load id does not exist.
type NotFoundError struct {
	Entity EntityType
	LoadID LoadID
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s for load %d not found", e.Entity, e.LoadID)
}

// Is matches ErrNotFound.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Is matches ErrValidation.
func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// StorageBusyError reports transient contention in the backing store.
type StorageBusyError struct {
	Op  string
	Err error
}

func (e StorageBusyError) Error() string {
	return fmt.Sprintf("%s: storage busy: %v", e.Op, e.Err)
}

// Is matches ErrStorageBusy.
func (e StorageBusyError) Is(target error) bool { return target == ErrStorageBusy }

func (e StorageBusyError) Unwrap() error { return e.Err }

// StorageError reports any non-transient persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Is matches ErrStorage.
func (e StorageError) Is(target error) bool { return target == ErrStorage }

func (e StorageError) Unwrap() error { return e.Err }

// IsBusy reports whether err is (or wraps) a StorageBusyError.
func IsBusy(err error) bool {
	return errors.Is(err, ErrStorageBusy)
}
