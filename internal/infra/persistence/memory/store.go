// Package memory provides an in-memory implementation of the labqueue
// persistence store used for tests, ephemeral environments, and as the
// transactional core of the durable drivers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"labqueue/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Assignment aliases domain.Assignment for in-memory persistence operations.
	Assignment = domain.Assignment
	// Schedule aliases domain.Schedule.
	Schedule = domain.Schedule
	// Snapshot aliases domain.Snapshot.
	Snapshot = domain.Snapshot
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// CommitHook receives the change log of a transaction that passed rule
// evaluation. Returning an error aborts the commit and leaves the store
// state untouched.
type CommitHook func(ctx context.Context, changes []Change) error

type memoryState struct {
	assignments      map[domain.LoadID]Assignment
	schedules        map[domain.LoadID]Schedule
	nextAssignmentID int64
	nextScheduleID   int64
}

func newMemoryState() memoryState {
	return memoryState{
		assignments:      make(map[domain.LoadID]Assignment),
		schedules:        make(map[domain.LoadID]Schedule),
		nextAssignmentID: 1,
		nextScheduleID:   1,
	}
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{
		assignments:      make(map[domain.LoadID]Assignment, len(s.assignments)),
		schedules:        make(map[domain.LoadID]Schedule, len(s.schedules)),
		nextAssignmentID: s.nextAssignmentID,
		nextScheduleID:   s.nextScheduleID,
	}
	for k, v := range s.assignments {
		cloned.assignments[k] = v
	}
	for k, v := range s.schedules {
		cloned.schedules[k] = cloneSchedule(v)
	}
	return cloned
}

func cloneSchedule(s Schedule) Schedule {
	if s.LoadStart != nil {
		t := *s.LoadStart
		s.LoadStart = &t
	}
	if s.LoadEnd != nil {
		t := *s.LoadEnd
		s.LoadEnd = &t
	}
	if s.Reactor != nil {
		r := *s.Reactor
		s.Reactor = &r
	}
	return s
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	view := transactionView{state: &state}
	return Snapshot{
		Assignments: view.ListAssignments(),
		Schedules:   view.ListSchedules(),
	}
}

// migrateSnapshot normalizes imported rows: unknown statuses or areas and
// duplicate load ids are dropped, and an end time recorded without a start
// collapses to a zero-length run.
func migrateSnapshot(snapshot Snapshot) memoryState {
	state := newMemoryState()
	for _, a := range snapshot.Assignments {
		if a.LoadID == 0 || !a.Status.Valid() || !a.TestingArea.Valid() {
			continue
		}
		if _, dup := state.assignments[a.LoadID]; dup {
			continue
		}
		if a.ID <= 0 {
			a.ID = state.nextAssignmentID
		}
		if a.ID >= state.nextAssignmentID {
			state.nextAssignmentID = a.ID + 1
		}
		state.assignments[a.LoadID] = a
	}
	for _, s := range snapshot.Schedules {
		if s.LoadID == 0 {
			continue
		}
		if _, dup := state.schedules[s.LoadID]; dup {
			continue
		}
		s = cloneSchedule(s)
		if s.LoadStart == nil && s.LoadEnd != nil {
			start := *s.LoadEnd
			s.LoadStart = &start
		}
		if s.ID <= 0 {
			s.ID = state.nextScheduleID
		}
		if s.ID >= state.nextScheduleID {
			state.nextScheduleID = s.ID + 1
		}
		state.schedules[s.LoadID] = s
	}
	return state
}

// Store provides an in-memory transactional store for the labqueue domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := snapshotFromMemoryState(s.state)
	snapshot.TakenAt = s.nowFn()
	return snapshot
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = migrateSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine so callers can register rules.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the clock used to stamp exported snapshots.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// transaction represents a mutation set applied to a clone of the store state.
type transaction struct {
	state   memoryState
	changes []Change
}

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListAssignments returns all assignments ordered by load id.
func (v transactionView) ListAssignments() []Assignment {
	out := make([]Assignment, 0, len(v.state.assignments))
	for _, a := range v.state.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadID < out[j].LoadID })
	return out
}

// ListSchedules returns all schedules ordered by load id.
func (v transactionView) ListSchedules() []Schedule {
	out := make([]Schedule, 0, len(v.state.schedules))
	for _, s := range v.state.schedules {
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadID < out[j].LoadID })
	return out
}

func (v transactionView) FindAssignment(loadID domain.LoadID) (Assignment, bool) {
	a, ok := v.state.assignments[loadID]
	return a, ok
}

func (v transactionView) FindSchedule(loadID domain.LoadID) (Schedule, bool) {
	s, ok := v.state.schedules[loadID]
	if !ok {
		return Schedule{}, false
	}
	return cloneSchedule(s), true
}

// RunInTransaction executes fn within a transactional scope and commits on success.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	return s.RunInTransactionWithHook(ctx, fn, nil)
}

// RunInTransactionWithHook behaves like RunInTransaction but invokes hook with
// the change log after rules pass and before the new state becomes visible.
// A hook failure discards the transaction.
func (s *Store) RunInTransactionWithHook(ctx context.Context, fn func(tx Transaction) error, hook CommitHook) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if hook != nil && len(tx.changes) > 0 {
		if err := hook(ctx, tx.changes); err != nil {
			return result, err
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindAssignment exposes assignment lookup within the transaction scope.
func (tx *transaction) FindAssignment(loadID domain.LoadID) (Assignment, bool) {
	a, ok := tx.state.assignments[loadID]
	return a, ok
}

// CreateAssignment stores a new assignment, allocating its row id.
func (tx *transaction) CreateAssignment(a Assignment) (Assignment, error) {
	if _, exists := tx.state.assignments[a.LoadID]; exists {
		return Assignment{}, fmt.Errorf("assignment for load %d already exists", a.LoadID)
	}
	a.ID = tx.state.nextAssignmentID
	tx.state.nextAssignmentID++
	tx.state.assignments[a.LoadID] = a
	tx.recordChange(Change{Entity: domain.EntityAssignment, Action: domain.ActionCreate, After: a})
	return a, nil
}

// UpdateAssignment mutates an assignment using the provided mutator function.
func (tx *transaction) UpdateAssignment(loadID domain.LoadID, mutator func(*Assignment) error) (Assignment, error) {
	current, ok := tx.state.assignments[loadID]
	if !ok {
		return Assignment{}, domain.NotFoundError{Entity: domain.EntityAssignment, LoadID: loadID}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Assignment{}, err
	}
	current.ID = before.ID
	current.LoadID = loadID
	tx.state.assignments[loadID] = current
	tx.recordChange(Change{Entity: domain.EntityAssignment, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteAssignment removes an assignment, reporting whether one existed.
func (tx *transaction) DeleteAssignment(loadID domain.LoadID) (bool, error) {
	current, ok := tx.state.assignments[loadID]
	if !ok {
		return false, nil
	}
	delete(tx.state.assignments, loadID)
	tx.recordChange(Change{Entity: domain.EntityAssignment, Action: domain.ActionDelete, Before: current})
	return true, nil
}

// FindSchedule exposes schedule lookup within the transaction scope.
func (tx *transaction) FindSchedule(loadID domain.LoadID) (Schedule, bool) {
	s, ok := tx.state.schedules[loadID]
	if !ok {
		return Schedule{}, false
	}
	return cloneSchedule(s), true
}

// CreateSchedule stores a new schedule, allocating its row id.
func (tx *transaction) CreateSchedule(s Schedule) (Schedule, error) {
	if _, exists := tx.state.schedules[s.LoadID]; exists {
		return Schedule{}, fmt.Errorf("schedule for load %d already exists", s.LoadID)
	}
	s = cloneSchedule(s)
	s.ID = tx.state.nextScheduleID
	tx.state.nextScheduleID++
	tx.state.schedules[s.LoadID] = s
	tx.recordChange(Change{Entity: domain.EntitySchedule, Action: domain.ActionCreate, After: cloneSchedule(s)})
	return cloneSchedule(s), nil
}

// UpdateSchedule mutates a schedule using the provided mutator function.
func (tx *transaction) UpdateSchedule(loadID domain.LoadID, mutator func(*Schedule) error) (Schedule, error) {
	current, ok := tx.state.schedules[loadID]
	if !ok {
		return Schedule{}, domain.NotFoundError{Entity: domain.EntitySchedule, LoadID: loadID}
	}
	before := cloneSchedule(current)
	current = cloneSchedule(current)
	if err := mutator(&current); err != nil {
		return Schedule{}, err
	}
	current.ID = before.ID
	current.LoadID = loadID
	tx.state.schedules[loadID] = cloneSchedule(current)
	tx.recordChange(Change{Entity: domain.EntitySchedule, Action: domain.ActionUpdate, Before: before, After: cloneSchedule(current)})
	return cloneSchedule(current), nil
}

