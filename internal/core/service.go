package core

import (
	"context"
	"errors"
	"time"

	"labqueue/internal/idgen"
	"labqueue/internal/infra/persistence/memory"
	"labqueue/pkg/domain"
)

// Service exposes the queue and lifecycle operations over a persistent store.
// Every mutation runs inside exactly one store transaction.
type Service struct {
	store   PersistentStore
	engine  *RulesEngine
	clock   Clock
	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	newID   func() string
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	cfg := defaultServiceOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.newID == nil {
		cfg.newID = idgen.New
	}
	return &Service{
		store:   store,
		engine:  extractRulesEngine(store),
		clock:   cfg.clock,
		logger:  cfg.logger,
		audit:   cfg.audit,
		metrics: cfg.metrics,
		tracer:  cfg.tracer,
		newID:   cfg.newID,
	}
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine (the default rule set when nil).
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// RulesEngine returns the engine evaluated by the store, or nil when the
// store does not expose one.
func (s *Service) RulesEngine() *RulesEngine {
	return s.engine
}

func extractRulesEngine(store PersistentStore) *RulesEngine {
	if provider, ok := store.(interface{ RulesEngine() *RulesEngine }); ok {
		return provider.RulesEngine()
	}
	return nil
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}

// opMeta carries the identifying fields of an operation for logs and audit.
type opMeta struct {
	loadID LoadID
	area   TestingArea
	count  *int
}

func (m opMeta) logArgs() []any {
	var args []any
	if m.loadID != 0 {
		args = append(args, "load_id", int64(m.loadID))
	}
	if m.area != "" {
		args = append(args, "testing_area", string(m.area))
	}
	if m.count != nil {
		args = append(args, "count", *m.count)
	}
	return args
}

// run executes fn in a store transaction wrapped with tracing, metrics,
// logging and audit.
func (s *Service) run(ctx context.Context, op string, meta opMeta, fn func(tx Transaction) error) (Result, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	res, err := s.store.RunInTransaction(ctx, fn)
	elapsed := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)

	args := append([]any{"operation", op, "duration", elapsed}, meta.logArgs()...)
	for _, v := range res.Violations {
		if v.Severity == SeverityWarn {
			s.logger.Warn("rule warning", append(args, "rule", v.Rule, "message", v.Message)...)
		}
	}
	if err != nil {
		args = append(args, "error", err)
		if rejected(err) {
			s.logger.Warn("operation rejected", args...)
		} else {
			s.logger.Error("operation failed", args...)
		}
	} else {
		s.logger.Info("operation completed", args...)
		s.observeBacklog(ctx)
	}
	s.recordAudit(ctx, op, meta, err, elapsed)
	return res, err
}

func (s *Service) recordAudit(ctx context.Context, op string, meta opMeta, err error, elapsed time.Duration) {
	entry := AuditEntry{
		ID:          s.newID(),
		Operation:   op,
		Status:      AuditStatusSuccess,
		LoadID:      meta.loadID,
		TestingArea: meta.area,
		Duration:    elapsed,
		Timestamp:   s.now(),
	}
	if meta.count != nil {
		entry.Count = *meta.count
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

func (s *Service) observeBacklog(ctx context.Context) {
	observer, ok := s.metrics.(BacklogObserver)
	if !ok {
		return
	}
	depth := make(map[TestingArea]int, len(domain.TestingAreas))
	_ = s.store.View(ctx, func(view TransactionView) error {
		for _, a := range view.ListAssignments() {
			if a.Status == domain.StatusBacklog {
				depth[a.TestingArea]++
			}
		}
		return nil
	})
	for _, area := range domain.TestingAreas {
		observer.ObserveBacklog(ctx, area, depth[area])
	}
}

// view runs a read-only query with tracing and metrics.
func (s *Service) view(ctx context.Context, op string, fn func(TransactionView) error) error {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := s.store.View(ctx, fn)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, time.Since(started))
	switch {
	case err == nil:
	case rejected(err):
		s.logger.Warn("query rejected", "operation", op, "error", err)
	default:
		s.logger.Error("query failed", "operation", op, "error", err)
	}
	return err
}

// rejected reports errors caused by the request rather than the store.
func rejected(err error) bool {
	var violation RuleViolationError
	return errors.As(err, &violation) || errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrNotAssigned) || errors.Is(err, domain.ErrNotFound)
}
