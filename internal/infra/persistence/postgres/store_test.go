package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"labqueue/internal/infra/persistence/postgres/testutil"
	"labqueue/pkg/domain"
)

func openStub(t *testing.T) *testutil.StubConn {
	t.Helper()
	_, stub := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return sql.Open(stub.Name, "") })
	t.Cleanup(restore)
	return stub
}

func TestNewStoreAppliesDDLAndLoadsRows(t *testing.T) {
	stub := openStub(t)
	assigned := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	stub.Tables["assignments"] = []map[string]any{{
		"load_id": int64(11), "id": int64(3), "testing_area": "FullBench", "status": "Backlog",
		"priority": int64(104), "assigned_date": assigned,
	}}

	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	snapshot := store.ExportState()
	if len(snapshot.Assignments) != 1 || snapshot.Assignments[0].Priority != 104 {
		t.Fatalf("expected assignment hydrated from table, got %+v", snapshot.Assignments)
	}
	var sawDDL bool
	for _, stmt := range stub.Execs {
		if strings.Contains(stmt, "TIMESTAMPTZ") {
			sawDDL = true
			break
		}
	}
	if !sawDDL {
		t.Fatalf("expected postgres DDL to be applied, got execs: %v", stub.Execs)
	}
}

func TestRunInTransactionPersistsState(t *testing.T) {
	stub := openStub(t)
	store, err := NewStore("ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateAssignment(domain.Assignment{LoadID: 21, TestingArea: domain.AreaQuarterBench, Status: domain.StatusBacklog, Priority: 100})
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	rows := stub.Tables["assignments"]
	if len(rows) != 1 || rows[0]["load_id"] != int64(21) {
		t.Fatalf("expected assignment row, got %v", rows)
	}
	if stub.Commits != 1 {
		t.Fatalf("expected one commit, got %d", stub.Commits)
	}
}

func TestRunInTransactionRetriesSerializationFailureOnce(t *testing.T) {
	stub := openStub(t)
	store, err := NewStore("ignored", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stub.ExecErr = &pgconn.PgError{Code: codeSerializationFailure, Message: "could not serialize access"}
	stub.FailExecs = 1
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateAssignment(domain.Assignment{LoadID: 22, TestingArea: domain.AreaFullBench, Status: domain.StatusBacklog, Priority: 100})
		return err
	}); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if got := store.Conn().Opens(); got != 2 {
		t.Fatalf("expected one reopen, got %d opens", got)
	}
}

func TestPersistFailureKeepsMemoryUnchanged(t *testing.T) {
	stub := openStub(t)
	store, err := NewStore("ignored", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	stub.FailCommit = true
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateAssignment(domain.Assignment{LoadID: 23, TestingArea: domain.AreaFullBench, Status: domain.StatusBacklog, Priority: 100})
		return err
	})
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if len(store.ExportState().Assignments) != 0 {
		t.Fatalf("memory must not diverge from the database")
	}
	if len(stub.Tables["assignments"]) != 0 {
		t.Fatalf("failed commit must not leave rows")
	}
}

func TestNewStorePingFailure(t *testing.T) {
	stub := openStub(t)
	stub.FailPing = true
	if _, err := NewStore("ignored", nil); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestIsBusyCodes(t *testing.T) {
	for code, want := range map[string]bool{
		codeSerializationFailure: true,
		codeDeadlockDetected:     true,
		codeLockNotAvailable:     true,
		"23505":                  false,
	} {
		err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: code})
		if got := IsBusy(err); got != want {
			t.Fatalf("IsBusy(%s) = %v, want %v", code, got, want)
		}
	}
	if IsBusy(errors.New("database is locked")) {
		t.Fatalf("plain errors are not postgres contention")
	}
}
