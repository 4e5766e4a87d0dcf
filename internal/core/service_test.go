package core_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"labqueue/internal/core"
	"labqueue/pkg/domain"
)

func TestAssignAppendsToEmptyBacklog(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, res, err := svc.Assign(ctx, core.AssignRequest{LoadID: 101, TestingArea: domain.AreaQuarterBench})
	if err != nil {
		t.Fatalf("assign 101: %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("unexpected violations: %+v", res.Violations)
	}
	if first.Status != domain.StatusBacklog || first.Priority != 100 {
		t.Fatalf("expected Backlog at 100, got %s at %d", first.Status, first.Priority)
	}
	if !first.AssignedDate.Equal(time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected assigned date %s", first.AssignedDate)
	}

	second := mustAssign(t, svc, 102, domain.AreaQuarterBench)
	if second.Priority != 101 {
		t.Fatalf("expected 101 for second load, got %d", second.Priority)
	}

	next, err := svc.NextBacklogPriority(ctx, domain.AreaQuarterBench)
	if err != nil {
		t.Fatalf("next priority: %v", err)
	}
	if next != 102 {
		t.Fatalf("expected next priority 102, got %d", next)
	}
	if next, _ := svc.NextBacklogPriority(ctx, domain.AreaFullBench); next != domain.PriorityFloor {
		t.Fatalf("expected floor for empty area, got %d", next)
	}
	if _, err := svc.NextBacklogPriority(ctx, "Bench9"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown area, got %v", err)
	}
}

func TestAssignPriorityResolution(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAssign(t, svc, 101, domain.AreaQuarterBench)
	mustAssign(t, svc, 102, domain.AreaQuarterBench)

	inReactor, _, err := svc.Assign(ctx, core.AssignRequest{
		LoadID:      101,
		TestingArea: domain.AreaQuarterBench,
		Status:      domain.StatusInReactor,
		Reactor:     strPtr("R2"),
	})
	if err != nil {
		t.Fatalf("assign in reactor: %v", err)
	}
	if inReactor.Priority != 100 {
		t.Fatalf("expected priority carried over, got %d", inReactor.Priority)
	}
	sched, err := svc.GetSchedule(ctx, 101)
	if err != nil {
		t.Fatalf("schedule for 101: %v", err)
	}
	if sched.LoadStart == nil || !sched.LoadStart.Equal(baseTime) || sched.Reactor == nil || *sched.Reactor != "R2" {
		t.Fatalf("unexpected schedule %+v", sched)
	}

	done, res, err := svc.Assign(ctx, core.AssignRequest{LoadID: 300, TestingArea: domain.AreaFullBench, Status: domain.StatusTestComplete})
	if err != nil {
		t.Fatalf("assign completed: %v", err)
	}
	if done.Priority != domain.PriorityFloor {
		t.Fatalf("expected floor for new non-backlog load, got %d", done.Priority)
	}
	if !hasRule(res, "completion_recorded") {
		t.Fatalf("expected completion_recorded warning, got %+v", res.Violations)
	}
	if _, err := svc.GetSchedule(ctx, 300); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("assign must not touch schedule for completed status, got %v", err)
	}

	explicit := 150
	manual, _, err := svc.Assign(ctx, core.AssignRequest{LoadID: 103, TestingArea: domain.AreaQuarterBench, Priority: &explicit})
	if err != nil {
		t.Fatalf("assign explicit: %v", err)
	}
	if manual.Priority != 150 {
		t.Fatalf("expected explicit priority, got %d", manual.Priority)
	}
}

func TestAssignExplicitCollisionIsBlocked(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAssign(t, svc, 101, domain.AreaQuarterBench)

	taken := 100
	_, _, err := svc.Assign(ctx, core.AssignRequest{LoadID: 102, TestingArea: domain.AreaQuarterBench, Priority: &taken})
	violation, ok := asRuleViolation(err)
	if !ok {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if violation.Result.Violations[0].Rule != "backlog_priority_unique" {
		t.Fatalf("unexpected violations: %+v", violation.Result.Violations)
	}
	if _, err := svc.GetAssignment(ctx, 102); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("blocked assignment must not be stored, got %v", err)
	}
}

func TestAssignRejectsMalformedInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	zero := 0
	cases := []core.AssignRequest{
		{LoadID: 0, TestingArea: domain.AreaQuarterBench},
		{LoadID: 1, TestingArea: "Somewhere"},
		{LoadID: 1, TestingArea: domain.AreaQuarterBench, Status: "Lost"},
		{LoadID: 1, TestingArea: domain.AreaQuarterBench, Priority: &zero},
	}
	for _, req := range cases {
		if _, _, err := svc.Assign(ctx, req); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}

func TestTransitionScheduleLifecycle(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	mustAssign(t, svc, 101, domain.AreaQuarterBench)

	if _, _, err := svc.Transition(ctx, 101, domain.StatusInReactor, strPtr("R1")); err != nil {
		t.Fatalf("transition in reactor: %v", err)
	}
	sched, err := svc.GetSchedule(ctx, 101)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if sched.LoadStart == nil || !sched.LoadStart.Equal(baseTime) {
		t.Fatalf("expected start at %s, got %+v", baseTime, sched.LoadStart)
	}
	if sched.Reactor == nil || *sched.Reactor != "R1" || sched.LoadEnd != nil {
		t.Fatalf("unexpected schedule %+v", sched)
	}

	clock.Advance(time.Hour)
	if _, _, err := svc.Transition(ctx, 101, domain.StatusInReactor, strPtr("R9")); err != nil {
		t.Fatalf("second in reactor: %v", err)
	}
	again, _ := svc.GetSchedule(ctx, 101)
	if !again.LoadStart.Equal(baseTime) || *again.Reactor != "R1" {
		t.Fatalf("re-entering reactor must not reset start: %+v", again)
	}

	clock.Advance(2 * time.Hour)
	if _, _, err := svc.Transition(ctx, 101, domain.StatusTestComplete, nil); err != nil {
		t.Fatalf("transition test complete: %v", err)
	}
	done, _ := svc.GetSchedule(ctx, 101)
	if done.ID != sched.ID || !done.LoadStart.Equal(baseTime) {
		t.Fatalf("completion must update the same row without touching start: %+v", done)
	}
	if done.LoadEnd == nil || !done.LoadEnd.Equal(baseTime.Add(3*time.Hour)) {
		t.Fatalf("unexpected end %+v", done.LoadEnd)
	}

	clock.Advance(time.Hour)
	if _, _, err := svc.Transition(ctx, 101, domain.StatusQCComplete, nil); err != nil {
		t.Fatalf("transition qc complete: %v", err)
	}
	qc, _ := svc.GetSchedule(ctx, 101)
	if !qc.LoadEnd.Equal(*done.LoadEnd) {
		t.Fatalf("first completion timestamp must stick, got %s", qc.LoadEnd)
	}
}

func TestTransitionCompletionWithoutReactorBackfills(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAssign(t, svc, 101, domain.AreaFullBench)

	if _, _, err := svc.Transition(ctx, 101, domain.StatusReportDelivered, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	sched, err := svc.GetSchedule(ctx, 101)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if sched.LoadStart == nil || sched.LoadEnd == nil || !sched.LoadStart.Equal(*sched.LoadEnd) {
		t.Fatalf("expected degenerate start=end backfill, got %+v", sched)
	}
}

func TestTransitionPriorityRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAssign(t, svc, 101, domain.AreaQuarterBench)
	mustAssign(t, svc, 102, domain.AreaQuarterBench)

	moved, _, err := svc.Transition(ctx, 101, domain.StatusInReactor, nil)
	if err != nil {
		t.Fatalf("in reactor: %v", err)
	}
	if moved.Priority != 100 {
		t.Fatalf("leaving backlog must keep priority, got %d", moved.Priority)
	}
	if _, _, err := svc.Transition(ctx, 101, domain.StatusReportDelivered, nil); err != nil {
		t.Fatalf("report delivered: %v", err)
	}
	back, _, err := svc.Transition(ctx, 101, domain.StatusBacklog, nil)
	if err != nil {
		t.Fatalf("regress to backlog: %v", err)
	}
	if back.Priority != 102 {
		t.Fatalf("re-entering backlog must append to tail, got %d", back.Priority)
	}
	same, _, err := svc.Transition(ctx, 102, domain.StatusBacklog, nil)
	if err != nil {
		t.Fatalf("backlog to backlog: %v", err)
	}
	if same.Priority != 101 {
		t.Fatalf("backlog to backlog must keep priority, got %d", same.Priority)
	}
}

func TestTransitionRequiresAssignment(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.Transition(context.Background(), 999, domain.StatusBacklog, nil)
	if !errors.Is(err, domain.ErrNotAssigned) {
		t.Fatalf("expected not assigned error, got %v", err)
	}
	var typed domain.NotAssignedError
	if !errors.As(err, &typed) || typed.LoadID != 999 {
		t.Fatalf("expected typed error for 999, got %#v", err)
	}
	if _, _, err := svc.Transition(context.Background(), 1, "Paused", nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

type blockSchedules struct{}

func (blockSchedules) Name() string { return "no_schedules" }

func (blockSchedules) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	for _, c := range changes {
		if c.Entity == domain.EntitySchedule {
			return domain.Result{Violations: []domain.Violation{{Rule: "no_schedules", Severity: domain.SeverityBlock, Message: "schedules frozen"}}}, nil
		}
	}
	return domain.Result{}, nil
}

func TestTransitionIsAtomic(t *testing.T) {
	engine := core.NewDefaultRulesEngine()
	engine.Register(blockSchedules{})
	svc := core.NewInMemoryService(engine)
	ctx := context.Background()
	mustAssign(t, svc, 101, domain.AreaQuarterBench)

	if _, _, err := svc.Transition(ctx, 101, domain.StatusInReactor, nil); err == nil {
		t.Fatalf("expected schedule write to be blocked")
	}
	a, err := svc.GetAssignment(ctx, 101)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != domain.StatusBacklog {
		t.Fatalf("assignment update must roll back with the schedule, got %s", a.Status)
	}
}

func TestTransitionManySkipsMissingLoads(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAssign(t, svc, 101, domain.AreaQuarterBench)
	mustAssign(t, svc, 102, domain.AreaQuarterBench)

	out, _, err := svc.TransitionMany(ctx, map[domain.LoadID]domain.Status{
		101: domain.StatusInReactor,
		102: domain.StatusTestComplete,
		999: domain.StatusTestComplete,
	}, strPtr("R1"))
	if err != nil {
		t.Fatalf("transition many: %v", err)
	}
	if out.Applied != 2 || !reflect.DeepEqual(out.Skipped, []domain.LoadID{999}) {
		t.Fatalf("unexpected batch result %+v", out)
	}
	running, _ := svc.GetSchedule(ctx, 101)
	if !running.Running() || *running.Reactor != "R1" {
		t.Fatalf("expected 101 running in R1, got %+v", running)
	}
	finished, _ := svc.GetSchedule(ctx, 102)
	if finished.LoadEnd == nil {
		t.Fatalf("expected 102 finished, got %+v", finished)
	}

	if _, _, err := svc.TransitionMany(ctx, nil, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty batch, got %v", err)
	}
	if _, _, err := svc.TransitionMany(ctx, map[domain.LoadID]domain.Status{101: "Nope"}, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for bad status, got %v", err)
	}
}

func TestAssignManyConsecutivePriorities(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	out, _, err := svc.AssignMany(ctx, core.AssignManyRequest{
		LoadIDs:     []domain.LoadID{201, 202, 203},
		TestingArea: domain.AreaFullBench,
		Status:      domain.StatusBacklog,
	})
	if err != nil {
		t.Fatalf("assign many: %v", err)
	}
	if out.Applied != 3 {
		t.Fatalf("expected 3 applied, got %d", out.Applied)
	}
	want := map[domain.LoadID]int{201: 100, 202: 101, 203: 102}
	if got := backlogPriorities(t, svc, domain.AreaFullBench); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected priorities %v", got)
	}
}

func TestAssignManyKeepsQueuedLoads(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAssign(t, svc, 201, domain.AreaFullBench)
	mustAssign(t, svc, 301, domain.AreaQuarterBench)

	if _, _, err := svc.AssignMany(ctx, core.AssignManyRequest{
		LoadIDs:     []domain.LoadID{202, 201, 301},
		TestingArea: domain.AreaFullBench,
	}); err != nil {
		t.Fatalf("assign many: %v", err)
	}
	want := map[domain.LoadID]int{201: 100, 202: 101, 301: 102}
	if got := backlogPriorities(t, svc, domain.AreaFullBench); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected priorities %v", got)
	}
	if got := backlogPriorities(t, svc, domain.AreaQuarterBench); len(got) != 0 {
		t.Fatalf("moved load must leave its old backlog, got %v", got)
	}

	_, _, err := svc.AssignMany(ctx, core.AssignManyRequest{LoadIDs: []domain.LoadID{1, 1}, TestingArea: domain.AreaFullBench})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for duplicate ids, got %v", err)
	}
	if _, _, err := svc.AssignMany(ctx, core.AssignManyRequest{TestingArea: domain.AreaFullBench}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty batch, got %v", err)
	}
}

func TestAssignManyInReactorStartsSchedules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, _, err := svc.AssignMany(ctx, core.AssignManyRequest{
		LoadIDs:     []domain.LoadID{7, 8},
		TestingArea: domain.AreaQuarterBench,
		Status:      domain.StatusInReactor,
		Reactor:     strPtr("R3"),
	}); err != nil {
		t.Fatalf("assign many: %v", err)
	}
	for _, id := range []domain.LoadID{7, 8} {
		sched, err := svc.GetSchedule(ctx, id)
		if err != nil || !sched.Running() {
			t.Fatalf("expected running schedule for %d, got %+v (%v)", id, sched, err)
		}
	}
}

func TestUnassignKeepsSchedule(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAssign(t, svc, 101, domain.AreaQuarterBench)
	if _, _, err := svc.Transition(ctx, 101, domain.StatusInReactor, strPtr("R1")); err != nil {
		t.Fatalf("transition: %v", err)
	}
	before, _ := svc.GetSchedule(ctx, 101)

	if _, err := svc.Unassign(ctx, 101); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if _, err := svc.GetAssignment(ctx, 101); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected assignment gone, got %v", err)
	}
	after, err := svc.GetSchedule(ctx, 101)
	if err != nil {
		t.Fatalf("schedule after unassign: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("schedule changed by unassign: %+v -> %+v", before, after)
	}

	_, err = svc.Unassign(ctx, 101)
	var notFound domain.NotFoundError
	if !errors.As(err, &notFound) || notFound.Entity != domain.EntityAssignment {
		t.Fatalf("expected not found on second unassign, got %v", err)
	}
}

func TestUnassignManyCountsDeleted(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAssign(t, svc, 101, domain.AreaQuarterBench)
	mustAssign(t, svc, 102, domain.AreaQuarterBench)

	out, _, err := svc.UnassignMany(ctx, []domain.LoadID{101, 999, 102})
	if err != nil {
		t.Fatalf("unassign many: %v", err)
	}
	if out.Applied != 2 || !reflect.DeepEqual(out.Skipped, []domain.LoadID{999}) {
		t.Fatalf("unexpected batch result %+v", out)
	}
	if _, _, err := svc.UnassignMany(ctx, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty batch, got %v", err)
	}
}

func TestNewServiceExposesStoreAndEngine(t *testing.T) {
	svc := core.NewInMemoryService(nil)
	if svc.Store() == nil {
		t.Fatalf("expected store")
	}
	if svc.RulesEngine() == nil || len(svc.RulesEngine().Rules()) != 5 {
		t.Fatalf("expected default rule set")
	}
}
