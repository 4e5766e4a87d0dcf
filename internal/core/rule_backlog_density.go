package core

import (
	"context"
	"fmt"

	"labqueue/pkg/domain"
)

// NewBacklogDensityRule warns when a touched backlog has gaps between
// consecutive priorities. CompactBacklog repairs them.
func NewBacklogDensityRule() domain.Rule {
	return backlogDensityRule{}
}

type backlogDensityRule struct{}

func (backlogDensityRule) Name() string { return "backlog_density" }

func (r backlogDensityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	areas := touchedAreas(changes)
	for _, area := range domain.TestingAreas {
		if _, ok := areas[area]; !ok {
			continue
		}
		backlog := sortedBacklog(view, area)
		for i := 1; i < len(backlog); i++ {
			prev, cur := backlog[i-1].Priority, backlog[i].Priority
			if cur-prev <= 1 {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("%s backlog skips priorities %d..%d", area.Label(), prev+1, cur-1),
				Entity:   domain.EntityAssignment,
				LoadID:   backlog[i].LoadID,
			})
			break
		}
	}
	return res, nil
}
