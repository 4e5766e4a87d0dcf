package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"labqueue/pkg/domain"
)

// BatchResult reports the outcome of a bulk operation. Skipped lists load ids
// that were ignored because they had no Assignment.
type BatchResult struct {
	Applied int      `json:"applied"`
	Skipped []LoadID `json:"skipped,omitempty"`
}

// assignedDay truncates now to the calendar day recorded as assigned_date.
func assignedDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func validateStatus(status Status) error {
	if !status.Valid() {
		return domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	return nil
}

// transitionTx overwrites the status of an existing assignment. Moving into
// Backlog from any other status appends the load to the tail of its area.
func transitionTx(tx Transaction, loadID LoadID, status Status, reactor *string, now time.Time) (Assignment, error) {
	current, ok := tx.FindAssignment(loadID)
	if !ok {
		return Assignment{}, domain.NotAssignedError{LoadID: loadID}
	}
	priority := current.Priority
	if status == domain.StatusBacklog && current.Status != domain.StatusBacklog {
		priority = nextBacklogPriority(tx.Snapshot(), current.TestingArea, loadID)
	}
	updated, err := tx.UpdateAssignment(loadID, func(a *Assignment) error {
		a.Status = status
		a.Priority = priority
		a.AssignedDate = assignedDay(now)
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	if err := applyScheduleEffect(tx, loadID, status, reactor, now); err != nil {
		return Assignment{}, err
	}
	return updated, nil
}

// Transition sets the status of an assigned load and applies the schedule side
// effect in the same transaction. Any status may follow any other.
func (s *Service) Transition(ctx context.Context, loadID LoadID, status Status, reactor *string) (Assignment, Result, error) {
	if err := validateStatus(status); err != nil {
		return Assignment{}, Result{}, err
	}
	now := s.now()
	var updated Assignment
	res, err := s.run(ctx, "transition", opMeta{loadID: loadID}, func(tx Transaction) error {
		var err error
		updated, err = transitionTx(tx, loadID, status, reactor, now)
		return err
	})
	return updated, res, err
}

// TransitionMany applies Transition to every entry as one unit of work. Loads
// without an Assignment are skipped and reported rather than failing the batch.
// Entries are processed in ascending load id order.
func (s *Service) TransitionMany(ctx context.Context, updates map[LoadID]Status, reactor *string) (BatchResult, Result, error) {
	if len(updates) == 0 {
		return BatchResult{}, Result{}, domain.ValidationError{Field: "updates", Message: "no loads given"}
	}
	ids := make([]LoadID, 0, len(updates))
	for id, status := range updates {
		if err := validateStatus(status); err != nil {
			return BatchResult{}, Result{}, err
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := s.now()
	var out BatchResult
	count := 0
	res, err := s.run(ctx, "transition_many", opMeta{count: &count}, func(tx Transaction) error {
		out = BatchResult{}
		for _, id := range ids {
			if _, ok := tx.FindAssignment(id); !ok {
				out.Skipped = append(out.Skipped, id)
				continue
			}
			if _, err := transitionTx(tx, id, updates[id], reactor, now); err != nil {
				return err
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
