package core

import (
	"context"

	"labqueue/pkg/domain"
)

// nextBacklogPriority returns one past the highest backlog priority in area,
// or the floor when the backlog is empty. exclude is left out of the scan so a
// load being re-queued does not count against itself.
func nextBacklogPriority(view TransactionView, area TestingArea, exclude LoadID) int {
	highest, found := 0, false
	for _, a := range view.ListAssignments() {
		if a.LoadID == exclude || !a.InBacklog(area) {
			continue
		}
		if !found || a.Priority > highest {
			highest, found = a.Priority, true
		}
	}
	if !found {
		return domain.PriorityFloor
	}
	return highest + 1
}

// NextBacklogPriority reports the priority the next load appended to area's
// backlog would receive.
func (s *Service) NextBacklogPriority(ctx context.Context, area TestingArea) (int, error) {
	if err := validateArea(area); err != nil {
		return 0, err
	}
	var next int
	err := s.view(ctx, "next_backlog_priority", func(view TransactionView) error {
		next = nextBacklogPriority(view, area, 0)
		return nil
	})
	return next, err
}
