package core

import (
	"context"
	"fmt"
	"sort"

	"labqueue/pkg/domain"
)

// PriorityEdit is a user-entered rank change for one backlog row.
// OldPriority is the priority the user saw; NewPriority is where they moved it.
type PriorityEdit struct {
	LoadID      LoadID `json:"load_id"`
	OldPriority int    `json:"old_priority"`
	NewPriority int    `json:"new_priority"`
}

// PriorityAssignment pairs a backlog load with its queue position.
type PriorityAssignment struct {
	LoadID   LoadID `json:"load_id"`
	Priority int    `json:"priority"`
}

// sortedBacklog returns area's backlog ordered by priority, then load id.
func sortedBacklog(view TransactionView, area TestingArea) []Assignment {
	var backlog []Assignment
	for _, a := range view.ListAssignments() {
		if a.InBacklog(area) {
			backlog = append(backlog, a)
		}
	}
	sort.SliceStable(backlog, func(i, j int) bool {
		if backlog[i].Priority != backlog[j].Priority {
			return backlog[i].Priority < backlog[j].Priority
		}
		return backlog[i].LoadID < backlog[j].LoadID
	})
	return backlog
}

// Reorder applies edits to a backlog and returns every row with its new
// priority, ordered by priority.
//
// Edits are applied one after another in the order given, each against the
// ranking left by the previous ones. Moving a row toward the front shifts the
// rows it passes back by one slot; moving it toward the back shifts them
// forward. The result reuses exactly the priority values of the input backlog,
// so a dense backlog stays dense. A NewPriority outside the current range is
// clamped to the first or last slot. When two edits target the same slot the
// later one takes it and the earlier row moves one slot back.
//
// OldPriority must match the row's priority in backlog; a mismatch means the
// caller edited a stale view and the whole batch is rejected.
func Reorder(backlog []Assignment, edits []PriorityEdit) ([]PriorityAssignment, error) {
	if len(edits) == 0 {
		return nil, domain.ValidationError{Field: "edits", Message: "no edits given"}
	}
	ordered := append([]Assignment(nil), backlog...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].LoadID < ordered[j].LoadID
	})

	values := make([]int, len(ordered))
	order := make([]LoadID, len(ordered))
	stored := make(map[LoadID]int, len(ordered))
	for i, a := range ordered {
		values[i] = a.Priority
		order[i] = a.LoadID
		stored[a.LoadID] = a.Priority
	}

	seen := make(map[LoadID]struct{}, len(edits))
	for _, edit := range edits {
		if _, dup := seen[edit.LoadID]; dup {
			return nil, domain.ValidationError{Field: "edits", Message: fmt.Sprintf("load %d edited twice", edit.LoadID)}
		}
		seen[edit.LoadID] = struct{}{}
		current, ok := stored[edit.LoadID]
		if !ok {
			return nil, domain.ValidationError{Field: "edits", Message: fmt.Sprintf("load %d is not in the backlog", edit.LoadID)}
		}
		if current != edit.OldPriority {
			return nil, domain.ValidationError{
				Field:   "edits",
				Message: fmt.Sprintf("load %d has priority %d, not %d", edit.LoadID, current, edit.OldPriority),
			}
		}
		if edit.NewPriority <= 0 {
			return nil, domain.ValidationError{Field: "edits", Message: fmt.Sprintf("load %d: priority must be positive", edit.LoadID)}
		}
	}

	for _, edit := range edits {
		if edit.NewPriority == edit.OldPriority {
			continue
		}
		from := indexOf(order, edit.LoadID)
		to := slotFor(values, edit.NewPriority)
		order = moveLoad(order, from, to)
	}

	out := make([]PriorityAssignment, len(order))
	for i, id := range order {
		out[i] = PriorityAssignment{LoadID: id, Priority: values[i]}
	}
	return out, nil
}

func indexOf(order []LoadID, id LoadID) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

// slotFor returns the index of the largest value not above priority, or 0
// when priority is below every value.
func slotFor(values []int, priority int) int {
	idx := sort.SearchInts(values, priority+1) - 1
	if idx < 0 {
		return 0
	}
	return idx
}

func moveLoad(order []LoadID, from, to int) []LoadID {
	if from == to {
		return order
	}
	id := order[from]
	if from < to {
		copy(order[from:to], order[from+1:to+1])
	} else {
		copy(order[to+1:from+1], order[to:from])
	}
	order[to] = id
	return order
}

// Reorder computes the new ranking of area's backlog without persisting it.
func (s *Service) Reorder(ctx context.Context, area TestingArea, edits []PriorityEdit) ([]PriorityAssignment, error) {
	if err := validateArea(area); err != nil {
		return nil, err
	}
	var out []PriorityAssignment
	err := s.view(ctx, "reorder", func(view TransactionView) error {
		var err error
		out, err = Reorder(sortedBacklog(view, area), edits)
		return err
	})
	return out, err
}

func validatePriorities(assignments []PriorityAssignment) error {
	if len(assignments) == 0 {
		return domain.ValidationError{Field: "assignments", Message: "no priorities given"}
	}
	seen := make(map[LoadID]struct{}, len(assignments))
	for _, pa := range assignments {
		if _, dup := seen[pa.LoadID]; dup {
			return domain.ValidationError{Field: "assignments", Message: fmt.Sprintf("load %d listed twice", pa.LoadID)}
		}
		seen[pa.LoadID] = struct{}{}
		if pa.Priority <= 0 {
			return domain.ValidationError{Field: "assignments", Message: fmt.Sprintf("load %d: priority must be positive", pa.LoadID)}
		}
	}
	return nil
}

// savePriorities writes every pair; each load must be in area's backlog.
func savePriorities(tx Transaction, area TestingArea, assignments []PriorityAssignment) error {
	for _, pa := range assignments {
		current, ok := tx.FindAssignment(pa.LoadID)
		if !ok || !current.InBacklog(area) {
			return domain.ValidationError{
				Field:   "assignments",
				Message: fmt.Sprintf("load %d is not in the %s backlog", pa.LoadID, area.Label()),
			}
		}
		priority := pa.Priority
		if _, err := tx.UpdateAssignment(pa.LoadID, func(a *Assignment) error {
			a.Priority = priority
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// SavePriorities writes all priorities for area's backlog in one transaction.
// Either every row reflects the new order or none does.
func (s *Service) SavePriorities(ctx context.Context, area TestingArea, assignments []PriorityAssignment) (int, Result, error) {
	if err := validateArea(area); err != nil {
		return 0, Result{}, err
	}
	if err := validatePriorities(assignments); err != nil {
		return 0, Result{}, err
	}
	count := len(assignments)
	res, err := s.run(ctx, "save_priorities", opMeta{area: area, count: &count}, func(tx Transaction) error {
		return savePriorities(tx, area, assignments)
	})
	if err != nil {
		return 0, res, err
	}
	return count, res, nil
}

// ReorderAndSave reads area's backlog, applies edits and persists the result
// in a single transaction.
func (s *Service) ReorderAndSave(ctx context.Context, area TestingArea, edits []PriorityEdit) ([]PriorityAssignment, Result, error) {
	if err := validateArea(area); err != nil {
		return nil, Result{}, err
	}
	var out []PriorityAssignment
	count := 0
	res, err := s.run(ctx, "reorder_and_save", opMeta{area: area, count: &count}, func(tx Transaction) error {
		reordered, err := Reorder(sortedBacklog(tx.Snapshot(), area), edits)
		if err != nil {
			return err
		}
		if err := savePriorities(tx, area, reordered); err != nil {
			return err
		}
		out, count = reordered, len(reordered)
		return nil
	})
	if err != nil {
		return nil, res, err
	}
	return out, res, nil
}

// CompactBacklog renumbers area's backlog densely from the floor, keeping
// its order. Rows that already hold their target value are not rewritten.
func (s *Service) CompactBacklog(ctx context.Context, area TestingArea) ([]PriorityAssignment, Result, error) {
	if err := validateArea(area); err != nil {
		return nil, Result{}, err
	}
	var out []PriorityAssignment
	count := 0
	res, err := s.run(ctx, "compact_backlog", opMeta{area: area, count: &count}, func(tx Transaction) error {
		backlog := sortedBacklog(tx.Snapshot(), area)
		out = make([]PriorityAssignment, len(backlog))
		var changed []PriorityAssignment
		for i, a := range backlog {
			out[i] = PriorityAssignment{LoadID: a.LoadID, Priority: domain.PriorityFloor + i}
			if a.Priority != out[i].Priority {
				changed = append(changed, out[i])
			}
		}
		count = len(changed)
		return savePriorities(tx, area, changed)
	})
	if err != nil {
		return nil, res, err
	}
	return out, res, nil
}

func validateArea(area TestingArea) error {
	if !area.Valid() {
		return domain.ValidationError{Field: "testing_area", Message: fmt.Sprintf("unknown testing area %q", area)}
	}
	return nil
}
