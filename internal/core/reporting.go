package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"labqueue/pkg/domain"
)

// GetAssignment returns the assignment for loadID.
func (s *Service) GetAssignment(ctx context.Context, loadID LoadID) (Assignment, error) {
	var out Assignment
	err := s.view(ctx, "get_assignment", func(view TransactionView) error {
		a, ok := view.FindAssignment(loadID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityAssignment, LoadID: loadID}
		}
		out = a
		return nil
	})
	return out, err
}

// GetSchedule returns the schedule row for loadID.
func (s *Service) GetSchedule(ctx context.Context, loadID LoadID) (Schedule, error) {
	var out Schedule
	err := s.view(ctx, "get_schedule", func(view TransactionView) error {
		sc, ok := view.FindSchedule(loadID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntitySchedule, LoadID: loadID}
		}
		out = sc
		return nil
	})
	return out, err
}

// ListBacklog returns area's backlog in queue order.
func (s *Service) ListBacklog(ctx context.Context, area TestingArea) ([]Assignment, error) {
	if err := validateArea(area); err != nil {
		return nil, err
	}
	var out []Assignment
	err := s.view(ctx, "list_backlog", func(view TransactionView) error {
		out = sortedBacklog(view, area)
		return nil
	})
	return out, err
}

// ListAssignments returns assignments ordered by load id. An empty area
// matches every area; no statuses matches every status.
func (s *Service) ListAssignments(ctx context.Context, area TestingArea, statuses ...Status) ([]Assignment, error) {
	if area != "" {
		if err := validateArea(area); err != nil {
			return nil, err
		}
	}
	wanted := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		if err := validateStatus(st); err != nil {
			return nil, err
		}
		wanted[st] = struct{}{}
	}
	var out []Assignment
	err := s.view(ctx, "list_assignments", func(view TransactionView) error {
		for _, a := range view.ListAssignments() {
			if area != "" && a.TestingArea != area {
				continue
			}
			if _, ok := wanted[a.Status]; len(wanted) > 0 && !ok {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// UnscheduledLoads filters candidates down to the loads that have no
// assignment yet, sorted and without duplicates.
func (s *Service) UnscheduledLoads(ctx context.Context, candidates []LoadID) ([]LoadID, error) {
	var out []LoadID
	err := s.view(ctx, "unscheduled_loads", func(view TransactionView) error {
		seen := make(map[LoadID]struct{}, len(candidates))
		for _, id := range candidates {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if _, ok := view.FindAssignment(id); !ok {
				out = append(out, id)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

// ActiveLoad is an assignment together with its running schedule.
type ActiveLoad struct {
	Assignment Assignment `json:"assignment"`
	Schedule   Schedule   `json:"schedule"`
}

// CurrentInReactor returns the load most recently started in a reactor that
// has not finished. ok is false when no load is running.
func (s *Service) CurrentInReactor(ctx context.Context) (ActiveLoad, bool, error) {
	var (
		out   ActiveLoad
		found bool
	)
	err := s.view(ctx, "current_in_reactor", func(view TransactionView) error {
		for _, sc := range view.ListSchedules() {
			if !sc.Running() {
				continue
			}
			a, ok := view.FindAssignment(sc.LoadID)
			if !ok || a.Status.IsCompleted() || a.Status == domain.StatusCancelled {
				continue
			}
			if !found || sc.LoadStart.After(*out.Schedule.LoadStart) {
				out, found = ActiveLoad{Assignment: a, Schedule: sc}, true
			}
		}
		return nil
	})
	return out, found, err
}

// CompletionReport counts loads finished within a time range.
type CompletionReport struct {
	From   time.Time           `json:"from"`
	To     time.Time           `json:"to"`
	Total  int                 `json:"total"`
	ByArea map[TestingArea]int `json:"by_area"`
}

// Completions counts completed loads whose schedule end falls in [from, to].
func (s *Service) Completions(ctx context.Context, from, to time.Time) (CompletionReport, error) {
	if to.Before(from) {
		return CompletionReport{}, domain.ValidationError{Field: "range", Message: "end precedes start"}
	}
	report := CompletionReport{From: from, To: to, ByArea: make(map[TestingArea]int)}
	err := s.view(ctx, "completions", func(view TransactionView) error {
		for _, sc := range view.ListSchedules() {
			if sc.LoadEnd == nil || sc.LoadEnd.Before(from) || sc.LoadEnd.After(to) {
				continue
			}
			a, ok := view.FindAssignment(sc.LoadID)
			if !ok || !a.Status.IsCompleted() {
				continue
			}
			report.Total++
			report.ByArea[a.TestingArea]++
		}
		return nil
	})
	return report, err
}

// WeekRange returns the Monday-to-Sunday week containing now, shifted back by
// weeksAgo weeks. to is the last instant of Sunday.
func WeekRange(now time.Time, weeksAgo int) (from, to time.Time) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := (int(day.Weekday()) + 6) % 7
	from = day.AddDate(0, 0, -offset-7*weeksAgo)
	to = from.AddDate(0, 0, 7).Add(-time.Nanosecond)
	return from, to
}

// MonthRange returns the calendar month containing now, shifted back by
// monthsAgo months. to is the last instant of the month.
func MonthRange(now time.Time, monthsAgo int) (from, to time.Time) {
	from = time.Date(now.Year(), now.Month()-time.Month(monthsAgo), 1, 0, 0, 0, 0, now.Location())
	to = from.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return from, to
}

// TimestampUpdate carries technician-recorded times for one load.
type TimestampUpdate struct {
	LoadID LoadID     `json:"load_id"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
}

// RecordTimestamps fills in missing schedule times. A recorded start is never
// replaced; an end is set once and only when it does not precede the start.
// Updates that change nothing are reported as skipped.
func (s *Service) RecordTimestamps(ctx context.Context, updates []TimestampUpdate) (BatchResult, Result, error) {
	if len(updates) == 0 {
		return BatchResult{}, Result{}, domain.ValidationError{Field: "updates", Message: "no timestamps given"}
	}
	var out BatchResult
	count := 0
	res, err := s.run(ctx, "record_timestamps", opMeta{count: &count}, func(tx Transaction) error {
		out = BatchResult{}
		for _, upd := range updates {
			applied, err := recordTimestamp(tx, upd)
			if err != nil {
				return err
			}
			if !applied {
				out.Skipped = append(out.Skipped, upd.LoadID)
				continue
			}
			out.Applied++
		}
		count = out.Applied
		return nil
	})
	if err != nil {
		return BatchResult{}, res, err
	}
	return out, res, nil
}

func recordTimestamp(tx Transaction, upd TimestampUpdate) (bool, error) {
	current, exists := tx.FindSchedule(upd.LoadID)
	next := current
	if next.LoadStart == nil && upd.Start != nil {
		start := upd.Start.UTC()
		next.LoadStart = &start
	}
	if next.LoadEnd == nil && upd.End != nil && next.LoadStart != nil && !upd.End.Before(*next.LoadStart) {
		end := upd.End.UTC()
		next.LoadEnd = &end
	}
	if sameTime(current.LoadStart, next.LoadStart) && sameTime(current.LoadEnd, next.LoadEnd) {
		return false, nil
	}
	if !exists {
		next.LoadID = upd.LoadID
		_, err := tx.CreateSchedule(next)
		return err == nil, err
	}
	_, err := tx.UpdateSchedule(upd.LoadID, func(sc *Schedule) error {
		sc.LoadStart, sc.LoadEnd = next.LoadStart, next.LoadEnd
		return nil
	})
	return err == nil, err
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Snapshot returns a copy of both tables.
func (s *Service) Snapshot() Snapshot {
	return s.store.ExportState()
}

// RestoreSnapshot replaces every assignment with those in snapshot and writes
// its schedule rows over the current ones. Schedules absent from snapshot are
// kept.
func (s *Service) RestoreSnapshot(ctx context.Context, snapshot Snapshot) (Result, error) {
	seen := make(map[LoadID]struct{}, len(snapshot.Assignments))
	for _, a := range snapshot.Assignments {
		if a.LoadID <= 0 || !a.TestingArea.Valid() || !a.Status.Valid() {
			return Result{}, domain.ValidationError{Field: "assignments", Message: fmt.Sprintf("invalid assignment for load %d", a.LoadID)}
		}
		if _, dup := seen[a.LoadID]; dup {
			return Result{}, domain.ValidationError{Field: "assignments", Message: fmt.Sprintf("load %d listed twice", a.LoadID)}
		}
		seen[a.LoadID] = struct{}{}
	}
	for _, sc := range snapshot.Schedules {
		if sc.LoadID <= 0 {
			return Result{}, domain.ValidationError{Field: "schedules", Message: fmt.Sprintf("invalid schedule for load %d", sc.LoadID)}
		}
	}
	count := len(snapshot.Assignments)
	return s.run(ctx, "restore_snapshot", opMeta{count: &count}, func(tx Transaction) error {
		for _, a := range tx.Snapshot().ListAssignments() {
			if _, err := tx.DeleteAssignment(a.LoadID); err != nil {
				return err
			}
		}
		for _, a := range snapshot.Assignments {
			if _, err := tx.CreateAssignment(a); err != nil {
				return err
			}
		}
		for _, sc := range snapshot.Schedules {
			if _, ok := tx.FindSchedule(sc.LoadID); !ok {
				if _, err := tx.CreateSchedule(sc); err != nil {
					return err
				}
				continue
			}
			restored := sc
			if _, err := tx.UpdateSchedule(sc.LoadID, func(current *Schedule) error {
				current.LoadStart, current.LoadEnd, current.Reactor = restored.LoadStart, restored.LoadEnd, restored.Reactor
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
