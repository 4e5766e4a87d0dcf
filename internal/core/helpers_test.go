package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"labqueue/internal/core"
	"labqueue/pkg/domain"
)

var baseTime = time.Date(2024, time.March, 4, 9, 30, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, opts ...core.ServiceOption) (*core.Service, *testClock) {
	t.Helper()
	clock := &testClock{now: baseTime}
	opts = append([]core.ServiceOption{core.WithClock(clock)}, opts...)
	return core.NewInMemoryService(nil, opts...), clock
}

func mustAssign(t *testing.T, svc *core.Service, id domain.LoadID, area domain.TestingArea) domain.Assignment {
	t.Helper()
	a, _, err := svc.Assign(context.Background(), core.AssignRequest{LoadID: id, TestingArea: area})
	if err != nil {
		t.Fatalf("assign %d: %v", id, err)
	}
	return a
}

func backlogPriorities(t *testing.T, svc *core.Service, area domain.TestingArea) map[domain.LoadID]int {
	t.Helper()
	backlog, err := svc.ListBacklog(context.Background(), area)
	if err != nil {
		t.Fatalf("list backlog: %v", err)
	}
	out := make(map[domain.LoadID]int, len(backlog))
	for _, a := range backlog {
		out[a.LoadID] = a.Priority
	}
	return out
}

func hasRule(res domain.Result, rule string) bool {
	for _, v := range res.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

func asRuleViolation(err error) (domain.RuleViolationError, bool) {
	var violation domain.RuleViolationError
	ok := errors.As(err, &violation)
	return violation, ok
}

func strPtr(v string) *string { return &v }
