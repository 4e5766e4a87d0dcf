package core

import (
	"context"
	"fmt"
	"time"

	"labqueue/pkg/domain"
)

// AssignRequest places one load on a bench. Status defaults to Backlog.
// Priority, when set, overrides the computed queue position.
type AssignRequest struct {
	LoadID      LoadID
	TestingArea TestingArea
	Status      Status
	Priority    *int
	Reactor     *string
}

func (r *AssignRequest) normalize() error {
	if r.LoadID <= 0 {
		return domain.ValidationError{Field: "load_id", Message: "must be positive"}
	}
	if err := validateArea(r.TestingArea); err != nil {
		return err
	}
	if r.Status == "" {
		r.Status = domain.StatusBacklog
	}
	if err := validateStatus(r.Status); err != nil {
		return err
	}
	if r.Priority != nil && *r.Priority <= 0 {
		return domain.ValidationError{Field: "priority", Message: "must be positive"}
	}
	return nil
}

// resolvePriority picks the stored priority: explicit value, else the backlog
// tail for Backlog, else the existing priority, else the floor.
func resolvePriority(existing *Assignment, status Status, explicit *int, backlogTail func() int) int {
	switch {
	case explicit != nil:
		return *explicit
	case status == domain.StatusBacklog:
		return backlogTail()
	case existing != nil:
		return existing.Priority
	default:
		return domain.PriorityFloor
	}
}

func upsertAssignment(tx Transaction, loadID LoadID, area TestingArea, status Status, priority int, now time.Time) (Assignment, error) {
	if _, ok := tx.FindAssignment(loadID); ok {
		return tx.UpdateAssignment(loadID, func(a *Assignment) error {
			a.TestingArea = area
			a.Status = status
			a.Priority = priority
			a.AssignedDate = assignedDay(now)
			return nil
		})
	}
	return tx.CreateAssignment(Assignment{
		LoadID:       loadID,
		TestingArea:  area,
		Status:       status,
		Priority:     priority,
		AssignedDate: assignedDay(now),
	})
}

// Assign creates or overwrites the Assignment for a load. Entering InReactor
// also stamps the schedule start.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (Assignment, Result, error) {
	if err := req.normalize(); err != nil {
		return Assignment{}, Result{}, err
	}
	now := s.now()
	var assigned Assignment
	res, err := s.run(ctx, "assign", opMeta{loadID: req.LoadID, area: req.TestingArea}, func(tx Transaction) error {
		var existing *Assignment
		if current, ok := tx.FindAssignment(req.LoadID); ok {
			existing = &current
		}
		priority := resolvePriority(existing, req.Status, req.Priority, func() int {
			return nextBacklogPriority(tx.Snapshot(), req.TestingArea, req.LoadID)
		})
		var err error
		if assigned, err = upsertAssignment(tx, req.LoadID, req.TestingArea, req.Status, priority, now); err != nil {
			return err
		}
		if req.Status == domain.StatusInReactor {
			return applyScheduleEffect(tx, req.LoadID, req.Status, req.Reactor, now)
		}
		return nil
	})
	return assigned, res, err
}

// AssignManyRequest places several loads on the same bench with one status.
type AssignManyRequest struct {
	LoadIDs     []LoadID
	TestingArea TestingArea
	Status      Status
	Reactor     *string
}

// AssignMany assigns every load in input order within one transaction. The
// backlog tail is read once; each load that needs a new queue slot takes the
// next consecutive value. Loads already queued in the same area keep their slot.
func (s *Service) AssignMany(ctx context.Context, req AssignManyRequest) (BatchResult, Result, error) {
	if len(req.LoadIDs) == 0 {
		return BatchResult{}, Result{}, domain.ValidationError{Field: "load_ids", Message: "no loads given"}
	}
	seen := make(map[LoadID]struct{}, len(req.LoadIDs))
	for _, id := range req.LoadIDs {
		single := AssignRequest{LoadID: id, TestingArea: req.TestingArea, Status: req.Status}
		if err := single.normalize(); err != nil {
			return BatchResult{}, Result{}, err
		}
		if _, dup := seen[id]; dup {
			return BatchResult{}, Result{}, domain.ValidationError{Field: "load_ids", Message: fmt.Sprintf("load %d listed twice", id)}
		}
		seen[id] = struct{}{}
	}
	if req.Status == "" {
		req.Status = domain.StatusBacklog
	}

	now := s.now()
	var out BatchResult
	count := 0
	res, err := s.run(ctx, "assign_many", opMeta{area: req.TestingArea, count: &count}, func(tx Transaction) error {
		out = BatchResult{}
		next := nextBacklogPriority(tx.Snapshot(), req.TestingArea, 0)
		for _, id := range req.LoadIDs {
			var existing *Assignment
			if current, ok := tx.FindAssignment(id); ok {
				existing = &current
			}
			var priority int
			if req.Status == domain.StatusBacklog && existing != nil && existing.InBacklog(req.TestingArea) {
				priority = existing.Priority
			} else {
				priority = resolvePriority(existing, req.Status, nil, func() int {
					p := next
					next++
					return p
				})
			}
			if _, err := upsertAssignment(tx, id, req.TestingArea, req.Status, priority, now); err != nil {
				return err
			}
			if req.Status == domain.StatusInReactor {
				if err := applyScheduleEffect(tx, id, req.Status, req.Reactor, now); err != nil {
					return err
				}
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

// Unassign deletes the Assignment for a load. The Schedule row is kept.
func (s *Service) Unassign(ctx context.Context, loadID LoadID) (Result, error) {
	return s.run(ctx, "unassign", opMeta{loadID: loadID}, func(tx Transaction) error {
		deleted, err := tx.DeleteAssignment(loadID)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.NotFoundError{Entity: domain.EntityAssignment, LoadID: loadID}
		}
		return nil
	})
}

// UnassignMany deletes the Assignments for all given loads in one transaction
// and reports how many rows were removed. Missing loads are listed as skipped.
func (s *Service) UnassignMany(ctx context.Context, loadIDs []LoadID) (BatchResult, Result, error) {
	if len(loadIDs) == 0 {
		return BatchResult{}, Result{}, domain.ValidationError{Field: "load_ids", Message: "no loads given"}
	}
	var out BatchResult
	count := 0
	res, err := s.run(ctx, "unassign_many", opMeta{count: &count}, func(tx Transaction) error {
		out = BatchResult{}
		for _, id := range loadIDs {
			deleted, err := tx.DeleteAssignment(id)
			if err != nil {
				return err
			}
			if !deleted {
				out.Skipped = append(out.Skipped, id)
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
