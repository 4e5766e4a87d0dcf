package core

import (
	"context"
	"fmt"
	"sort"

	"labqueue/pkg/domain"
)

// NewBacklogPriorityUniqueRule blocks transactions that leave two backlog
// rows of the same area holding one priority.
func NewBacklogPriorityUniqueRule() domain.Rule {
	return backlogPriorityUniqueRule{}
}

type backlogPriorityUniqueRule struct{}

func (backlogPriorityUniqueRule) Name() string { return "backlog_priority_unique" }

func (r backlogPriorityUniqueRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	areas := touchedAreas(changes)
	res := domain.Result{}
	if len(areas) == 0 {
		return res, nil
	}
	holders := make(map[domain.TestingArea]map[int][]domain.LoadID)
	for _, a := range view.ListAssignments() {
		if a.Status != domain.StatusBacklog {
			continue
		}
		if _, ok := areas[a.TestingArea]; !ok {
			continue
		}
		if holders[a.TestingArea] == nil {
			holders[a.TestingArea] = make(map[int][]domain.LoadID)
		}
		holders[a.TestingArea][a.Priority] = append(holders[a.TestingArea][a.Priority], a.LoadID)
	}
	for _, area := range domain.TestingAreas {
		byPriority := holders[area]
		priorities := make([]int, 0, len(byPriority))
		for p := range byPriority {
			priorities = append(priorities, p)
		}
		sort.Ints(priorities)
		for _, p := range priorities {
			ids := byPriority[p]
			if len(ids) < 2 {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s backlog priority %d held by loads %v", area.Label(), p, ids),
				Entity:   domain.EntityAssignment,
				LoadID:   ids[len(ids)-1],
			})
		}
	}
	return res, nil
}
