// Package domain defines the persistent scheduling records, value types, and
// rule evaluation primitives used by labqueue.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence tables.
const (
	// EntityAssignment identifies a load's bench assignment (load record).
	EntityAssignment EntityType = "assignment"
	// EntitySchedule identifies a load's start/end timing record.
	EntitySchedule EntityType = "schedule"
)

// LoadID references a reactor load owned by the external request-intake system.
type LoadID int64

// PriorityFloor is the first backlog slot of an empty bench.
const PriorityFloor = 100

// TestingArea names the physical bench (or the logical cancelled bucket) a load is queued on.
type TestingArea string

// Known testing areas.
const (
	AreaQuarterBench TestingArea = "QuarterBench"
	AreaFullBench    TestingArea = "FullBench"
	AreaCancelled    TestingArea = "Cancelled"
)

// TestingAreas lists the areas in display order.
var TestingAreas = []TestingArea{AreaQuarterBench, AreaFullBench, AreaCancelled}

var areaLabels = map[TestingArea]string{
	AreaQuarterBench: "Quarter Bench",
	AreaFullBench:    "Full Bench",
	AreaCancelled:    "Cancelled",
}

// Label returns the human readable bench name.
func (a TestingArea) Label() string {
	if label, ok := areaLabels[a]; ok {
		return label
	}
	return string(a)
}

// Valid reports whether a is one of the known testing areas.
func (a TestingArea) Valid() bool {
	_, ok := areaLabels[a]
	return ok
}

// ParseTestingArea accepts canonical names and display labels, case-insensitively.
func ParseTestingArea(raw string) (TestingArea, error) {
	key := normalizeLabel(raw)
	for area, label := range areaLabels {
		if key == normalizeLabel(string(area)) || key == normalizeLabel(label) {
			return area, nil
		}
	}
	return "", ValidationError{Field: "testing_area", Message: fmt.Sprintf("unknown testing area %q", raw)}
}

// Status is a position in the load lifecycle.
type Status string

// Lifecycle statuses. Backlog is the only status with queue semantics.
const (
	StatusBacklog         Status = "Backlog"
	StatusInReactor       Status = "InReactor"
	StatusTestComplete    Status = "TestComplete"
	StatusQCComplete      Status = "QCComplete"
	StatusReportDelivered Status = "ReportDelivered"
	StatusCancelled       Status = "Cancelled"
)

// Statuses lists the lifecycle in order.
var Statuses = []Status{
	StatusBacklog,
	StatusInReactor,
	StatusTestComplete,
	StatusQCComplete,
	StatusReportDelivered,
	StatusCancelled,
}

var statusLabels = map[Status]string{
	StatusBacklog:         "Backlog",
	StatusInReactor:       "In Reactor",
	StatusTestComplete:    "Test Complete",
	StatusQCComplete:      "QC Complete",
	StatusReportDelivered: "Report Delivered",
	StatusCancelled:       "Cancelled",
}

// Label returns the status as shown to technicians.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// IsCompleted reports whether s requires a recorded end time.
func (s Status) IsCompleted() bool {
	switch s {
	case StatusTestComplete, StatusQCComplete, StatusReportDelivered:
		return true
	default:
		return false
	}
}

// ParseStatus accepts canonical names and display labels, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	key := normalizeLabel(raw)
	for status, label := range statusLabels {
		if key == normalizeLabel(string(status)) || key == normalizeLabel(label) {
			return status, nil
		}
	}
	return "", ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", raw)}
}

func normalizeLabel(raw string) string {
	r := strings.NewReplacer(" ", "", "_", "", "-", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(raw)))
}

// Assignment places a load on a bench with a lifecycle status and, while
// backlogged, a queue priority. At most one Assignment exists per load.
type Assignment struct {
	ID           int64       `json:"id"`
	LoadID       LoadID      `json:"load_id"`
	TestingArea  TestingArea `json:"testing_area"`
	Status       Status      `json:"status"`
	Priority     int         `json:"priority"`
	AssignedDate time.Time   `json:"assigned_date"`
}

// InBacklog reports whether the assignment participates in area's queue.
func (a Assignment) InBacklog(area TestingArea) bool {
	return a.Status == StatusBacklog && a.TestingArea == area
}

// Schedule records when a load physically entered and left a reactor.
// LoadEnd is never set without LoadStart.
type Schedule struct {
	ID        int64      `json:"id"`
	LoadID    LoadID     `json:"load_id"`
	LoadStart *time.Time `json:"load_start,omitempty"`
	LoadEnd   *time.Time `json:"load_end,omitempty"`
	Reactor   *string    `json:"reactor,omitempty"`
}

// Running reports whether the load has started and not yet finished.
func (s Schedule) Running() bool {
	return s.LoadStart != nil && s.LoadEnd == nil
}

// Snapshot is a point-in-time copy of both record tables.
type Snapshot struct {
	Assignments []Assignment `json:"assignments"`
	Schedules   []Schedule   `json:"schedules"`
	TakenAt     time.Time    `json:"taken_at"`
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Change describes a mutation applied to a record during a transaction.
// Before and After hold Assignment or Schedule values depending on Entity.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in the change log.
const (
	// ActionCreate indicates a record was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates a record was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	LoadID   LoadID
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
