package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseStatusAcceptsNamesAndLabels(t *testing.T) {
	cases := map[string]Status{
		"Backlog":          StatusBacklog,
		"backlog":          StatusBacklog,
		"InReactor":        StatusInReactor,
		"In Reactor":       StatusInReactor,
		"in_reactor":       StatusInReactor,
		"Test Complete":    StatusTestComplete,
		"QC Complete":      StatusQCComplete,
		"qccomplete":       StatusQCComplete,
		"Report Delivered": StatusReportDelivered,
		" Cancelled ":      StatusCancelled,
	}
	for raw, want := range cases {
		got, err := ParseStatus(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", raw, want, got)
		}
	}
	if _, err := ParseStatus("Queued"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

func TestParseTestingArea(t *testing.T) {
	for raw, want := range map[string]TestingArea{
		"QuarterBench":  AreaQuarterBench,
		"Quarter Bench": AreaQuarterBench,
		"full bench":    AreaFullBench,
		"Cancelled":     AreaCancelled,
	} {
		got, err := ParseTestingArea(raw)
		if err != nil || got != want {
			t.Fatalf("parse %q: expected %s, got %s (%v)", raw, want, got, err)
		}
	}
	if _, err := ParseTestingArea("Half Bench"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	completed := 0
	for _, s := range Statuses {
		if !s.Valid() {
			t.Fatalf("expected %s to be valid", s)
		}
		if s.IsCompleted() {
			completed++
		}
	}
	if completed != 3 {
		t.Fatalf("expected 3 completed statuses, got %d", completed)
	}
	if StatusInReactor.Label() != "In Reactor" {
		t.Fatalf("unexpected label %q", StatusInReactor.Label())
	}
	if Status("Unknown").Valid() {
		t.Fatalf("expected unknown status to be invalid")
	}
	if AreaFullBench.Label() != "Full Bench" {
		t.Fatalf("unexpected area label %q", AreaFullBench.Label())
	}
}

func TestAssignmentAndScheduleHelpers(t *testing.T) {
	a := Assignment{LoadID: 1, TestingArea: AreaFullBench, Status: StatusBacklog}
	if !a.InBacklog(AreaFullBench) || a.InBacklog(AreaQuarterBench) {
		t.Fatalf("unexpected backlog membership for %+v", a)
	}
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	s := Schedule{LoadID: 1, LoadStart: &start}
	if !s.Running() {
		t.Fatalf("expected started schedule to be running")
	}
	end := start.Add(time.Hour)
	s.LoadEnd = &end
	if s.Running() {
		t.Fatalf("expected finished schedule to stop running")
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cause := errors.New("database is locked")
	cases := []struct {
		err      error
		sentinel error
	}{
		{NotAssignedError{LoadID: 5}, ErrNotAssigned},
		{NotFoundError{Entity: EntityAssignment, LoadID: 5}, ErrNotFound},
		{ValidationError{Field: "edits", Message: "empty"}, ErrValidation},
		{StorageBusyError{Op: "persist", Err: cause}, ErrStorageBusy},
		{StorageError{Op: "persist", Err: cause}, ErrStorage},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Fatalf("expected %T to match %v", tc.err, tc.sentinel)
		}
		if tc.err.Error() == "" {
			t.Fatalf("expected message for %T", tc.err)
		}
	}
	if !errors.Is(StorageBusyError{Op: "persist", Err: cause}, cause) {
		t.Fatalf("expected busy error to unwrap cause")
	}
	if !IsBusy(fmt.Errorf("wrap: %w", StorageBusyError{Op: "x", Err: cause})) {
		t.Fatalf("expected IsBusy to detect wrapped busy error")
	}
	if IsBusy(StorageError{Op: "x", Err: cause}) {
		t.Fatalf("storage error must not be busy")
	}
}
