package core

import (
	"context"
	"fmt"

	"labqueue/pkg/domain"
)

// NewScheduleChronologyRule blocks schedule rows with an end but no start, or
// an end before the start.
func NewScheduleChronologyRule() domain.Rule {
	return scheduleChronologyRule{}
}

type scheduleChronologyRule struct{}

func (scheduleChronologyRule) Name() string { return "schedule_chronology" }

func (r scheduleChronologyRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntitySchedule {
			continue
		}
		s, ok := change.After.(domain.Schedule)
		if !ok || s.LoadEnd == nil {
			continue
		}
		var msg string
		switch {
		case s.LoadStart == nil:
			msg = fmt.Sprintf("load %d has an end time without a start time", s.LoadID)
		case s.LoadEnd.Before(*s.LoadStart):
			msg = fmt.Sprintf("load %d ends at %s before it starts at %s", s.LoadID,
				s.LoadEnd.Format("2006-01-02 15:04:05"), s.LoadStart.Format("2006-01-02 15:04:05"))
		default:
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntitySchedule,
			LoadID:   s.LoadID,
		})
	}
	return res, nil
}

// NewInReactorStartedRule blocks assignments written as InReactor without a
// schedule start.
func NewInReactorStartedRule() domain.Rule {
	return inReactorStartedRule{}
}

type inReactorStartedRule struct{}

func (inReactorStartedRule) Name() string { return "in_reactor_started" }

func (r inReactorStartedRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, a := range changedAssignments(changes) {
		if a.Status != domain.StatusInReactor {
			continue
		}
		if s, ok := view.FindSchedule(a.LoadID); ok && s.LoadStart != nil {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("load %d is in a reactor without a recorded start", a.LoadID),
			Entity:   domain.EntityAssignment,
			LoadID:   a.LoadID,
		})
	}
	return res, nil
}

// NewCompletionRecordedRule warns when an assignment is written with a
// completed status but its schedule has no end.
func NewCompletionRecordedRule() domain.Rule {
	return completionRecordedRule{}
}

type completionRecordedRule struct{}

func (completionRecordedRule) Name() string { return "completion_recorded" }

func (r completionRecordedRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, a := range changedAssignments(changes) {
		if !a.Status.IsCompleted() {
			continue
		}
		if s, ok := view.FindSchedule(a.LoadID); ok && s.LoadEnd != nil {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityWarn,
			Message:  fmt.Sprintf("load %d is %s without a recorded end", a.LoadID, a.Status.Label()),
			Entity:   domain.EntityAssignment,
			LoadID:   a.LoadID,
		})
	}
	return res, nil
}
