package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"labqueue/pkg/domain"
)

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindAssignment(1); ok {
			t.Fatalf("expected missing assignment lookup")
		}
		created, err := tx.CreateAssignment(domain.Assignment{LoadID: 1, TestingArea: domain.AreaFullBench, Status: domain.StatusBacklog, Priority: 100})
		if err != nil {
			return err
		}
		if created.ID != 1 {
			t.Fatalf("expected first row id, got %d", created.ID)
		}
		if len(tx.Snapshot().ListAssignments()) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	snapshot := store.ExportState()
	if len(snapshot.Assignments) != 1 {
		t.Fatalf("expected persisted assignment")
	}
	store.ImportState(domain.Snapshot{})
	if len(store.ExportState().Assignments) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if len(store.ExportState().Assignments) != 1 {
		t.Fatalf("expected restored state")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
}

func TestStoreRuleViolationDiscardsState(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateAssignment(domain.Assignment{LoadID: 7, TestingArea: domain.AreaQuarterBench, Status: domain.StatusBacklog})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ExportState().Assignments) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Message: "blocked"}}}, nil
}

func TestCommitHookFailureLeavesStateUntouched(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	hookErr := errors.New("disk full")
	var seen []domain.Change
	_, err := store.RunInTransactionWithHook(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateAssignment(domain.Assignment{LoadID: 3, TestingArea: domain.AreaFullBench, Status: domain.StatusInReactor})
		return err
	}, func(_ context.Context, changes []domain.Change) error {
		seen = changes
		return hookErr
	})
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if len(seen) != 1 || seen[0].Action != domain.ActionCreate {
		t.Fatalf("expected one create change, got %+v", seen)
	}
	if len(store.ExportState().Assignments) != 0 {
		t.Fatalf("state must not change when hook fails")
	}

	calls := 0
	if _, err := store.RunInTransactionWithHook(ctx, func(domain.Transaction) error { return nil }, func(context.Context, []domain.Change) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("empty transaction: %v", err)
	}
	if calls != 0 {
		t.Fatalf("hook must not run for empty change sets")
	}
}

func TestUpdateAndDeleteRecords(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	start := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.UpdateAssignment(9, func(*domain.Assignment) error { return nil }); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := tx.UpdateSchedule(9, func(*domain.Schedule) error { return nil }); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := tx.CreateAssignment(domain.Assignment{LoadID: 9, TestingArea: domain.AreaFullBench, Status: domain.StatusBacklog, Priority: 100}); err != nil {
			return err
		}
		if _, err := tx.CreateAssignment(domain.Assignment{LoadID: 9}); err == nil {
			t.Fatalf("expected duplicate assignment error")
		}
		updated, err := tx.UpdateAssignment(9, func(a *domain.Assignment) error {
			a.ID = 99
			a.Priority = 105
			return nil
		})
		if err != nil {
			return err
		}
		if updated.ID != 1 || updated.Priority != 105 {
			t.Fatalf("unexpected update result %+v", updated)
		}
		if _, err := tx.CreateSchedule(domain.Schedule{LoadID: 9, LoadStart: &start}); err != nil {
			return err
		}
		_, err = tx.UpdateSchedule(9, func(s *domain.Schedule) error {
			reactor := "R1"
			s.Reactor = &reactor
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	var deleted, missing bool
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		if deleted, err = tx.DeleteAssignment(9); err != nil {
			return err
		}
		missing, err = tx.DeleteAssignment(9)
		return err
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted || missing {
		t.Fatalf("expected first delete to hit and second to miss, got %v %v", deleted, missing)
	}
	err = store.View(ctx, func(v domain.TransactionView) error {
		if _, ok := v.FindAssignment(9); ok {
			t.Fatalf("expected assignment removed")
		}
		s, ok := v.FindSchedule(9)
		if !ok || s.Reactor == nil || *s.Reactor != "R1" {
			t.Fatalf("expected schedule to survive unassign, got %+v", s)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestViewIsolatedFromCallerMutation(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	start := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateSchedule(domain.Schedule{LoadID: 2, LoadStart: &start})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		s, _ := v.FindSchedule(2)
		*s.LoadStart = start.Add(time.Hour)
		return nil
	})
	got := store.ExportState().Schedules[0]
	if !got.LoadStart.Equal(start) {
		t.Fatalf("view mutation leaked into store: %v", got.LoadStart)
	}
}

func TestImportStateNormalizesRows(t *testing.T) {
	store := NewStore(nil)
	end := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)
	store.ImportState(domain.Snapshot{
		Assignments: []domain.Assignment{
			{ID: 4, LoadID: 1, TestingArea: domain.AreaFullBench, Status: domain.StatusBacklog, Priority: 100},
			{ID: 5, LoadID: 1, TestingArea: domain.AreaFullBench, Status: domain.StatusBacklog, Priority: 101},
			{ID: 6, LoadID: 2, TestingArea: "Basement", Status: domain.StatusBacklog},
			{ID: 7, LoadID: 3, TestingArea: domain.AreaQuarterBench, Status: "Lost"},
		},
		Schedules: []domain.Schedule{{ID: 2, LoadID: 1, LoadEnd: &end}},
	})
	snapshot := store.ExportState()
	if len(snapshot.Assignments) != 1 || snapshot.Assignments[0].Priority != 100 {
		t.Fatalf("unexpected assignments after import: %+v", snapshot.Assignments)
	}
	if s := snapshot.Schedules[0]; s.LoadStart == nil || !s.LoadStart.Equal(end) {
		t.Fatalf("expected start backfilled from end, got %+v", s)
	}
	var next domain.Assignment
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		next, err = tx.CreateAssignment(domain.Assignment{LoadID: 8, TestingArea: domain.AreaFullBench, Status: domain.StatusBacklog})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if next.ID != 5 {
		t.Fatalf("expected id counter to resume after imported rows, got %d", next.ID)
	}
}

func TestExportStateUsesClock(t *testing.T) {
	store := NewStore(nil)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	store.SetNowFunc(nil)
	if got := store.ExportState().TakenAt; !got.Equal(fixed) {
		t.Fatalf("expected fixed snapshot time, got %v", got)
	}
}
