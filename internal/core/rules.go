package core

import "labqueue/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in queue and
// schedule invariants.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewBacklogPriorityUniqueRule())
	engine.Register(NewScheduleChronologyRule())
	engine.Register(NewInReactorStartedRule())
	engine.Register(NewCompletionRecordedRule())
	engine.Register(NewBacklogDensityRule())
	return engine
}

// touchedAreas collects the testing areas of every assignment written by changes.
func touchedAreas(changes []domain.Change) map[domain.TestingArea]struct{} {
	areas := make(map[domain.TestingArea]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityAssignment {
			continue
		}
		for _, payload := range []any{change.Before, change.After} {
			if a, ok := payload.(domain.Assignment); ok {
				areas[a.TestingArea] = struct{}{}
			}
		}
	}
	return areas
}

// changedAssignments returns the post-change value of created and updated assignments.
func changedAssignments(changes []domain.Change) []domain.Assignment {
	var out []domain.Assignment
	for _, change := range changes {
		if change.Entity != domain.EntityAssignment || change.Action == domain.ActionDelete {
			continue
		}
		if a, ok := change.After.(domain.Assignment); ok {
			out = append(out, a)
		}
	}
	return out
}
