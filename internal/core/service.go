package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"rackcore/internal/infra/persistence/memory"
	"rackcore/pkg/domain"
)

// Service exposes the inventory operations over a persistent store. Every
// mutation runs in its own transaction unless issued through a Batch.
type Service struct {
	store   PersistentStore
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	logger  Logger
	clock   Clock
	now     func() time.Time
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithAuditRecorder records an audit entry for every mutating operation.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithMetricsRecorder observes every operation.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer wraps every operation in a span.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source for audit entries and entity creation stamps.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

type rulesEngineProvider interface {
	RulesEngine() *domain.RulesEngine
}

type nowFuncProvider interface {
	NowFunc() func() time.Time
}

type nowFuncSetter interface {
	SetNowFunc(func() time.Time)
}

// Flusher is implemented by durable stores that can force a persist.
type Flusher interface {
	Flush(ctx context.Context) error
}

// NewService constructs a service backed by store.
func NewService(store PersistentStore, opts ...Option) *Service {
	svc := &Service{
		store:   store,
		audit:   noopAuditRecorder{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		logger:  noopLogger{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.now = selectNowFunc(store, svc.clock)
	if svc.clock != nil {
		if setter, ok := store.(nowFuncSetter); ok {
			setter.SetNowFunc(svc.now)
		}
	}
	return svc
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// RulesEngine returns the store's rules engine, or nil when the store has none.
func (s *Service) RulesEngine() *RulesEngine {
	return extractRulesEngine(s.store)
}

// Flush forces durable stores to persist their current state.
func (s *Service) Flush(ctx context.Context) error {
	return s.run(ctx, "flush", "", func(ctx context.Context) (string, error) {
		if f, ok := s.store.(Flusher); ok {
			return "", f.Flush(ctx)
		}
		return "", nil
	})
}

// Close releases the store when it holds external resources.
func (s *Service) Close() error {
	if c, ok := s.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func extractRulesEngine(store PersistentStore) *RulesEngine {
	if p, ok := store.(rulesEngineProvider); ok {
		return p.RulesEngine()
	}
	return nil
}

// selectNowFunc prefers an explicit clock, then the store's time provider, then the system clock.
func selectNowFunc(store PersistentStore, clock Clock) func() time.Time {
	if clock != nil {
		return func() time.Time { return clock.Now().UTC() }
	}
	if p, ok := store.(nowFuncProvider); ok {
		if fn := p.NowFunc(); fn != nil {
			return func() time.Time { return fn().UTC() }
		}
	}
	return func() time.Time { return time.Now().UTC() }
}

// operationActions maps audited operations to the change they represent.
var operationActions = map[string]Action{
	"create_entity":      ActionCreate,
	"get_or_create":      ActionCreate,
	"delete_entity":      ActionDelete,
	"add_attr":           ActionCreate,
	"set_attr":           ActionUpdate,
	"remove_attrs":       ActionDelete,
	"insert_member":      ActionCreate,
	"remove_member":      ActionDelete,
	"set_weight":         ActionUpdate,
	"set_default_weight": ActionUpdate,
	"allocate":           ActionCreate,
	"deallocate":         ActionDelete,
	"allocate_name":      ActionCreate,
	"set_property":       ActionUpdate,
	"batch":              ActionUpdate,
	"commit_batch":       ActionUpdate,
}

func (s *Service) recordAudit(ctx context.Context, operation, entityID string, duration time.Duration, err error) {
	action, ok := operationActions[operation]
	if !ok {
		return
	}
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Operation: operation,
		Action:    action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

func (s *Service) recordAuditSuccess(ctx context.Context, operation, entityID string, duration time.Duration) {
	s.recordAudit(ctx, operation, entityID, duration, nil)
}

// run wraps fn with tracing, metrics, logging, and audit. fn returns the ID
// of the entity the operation acted on.
func (s *Service) run(ctx context.Context, operation, subject string, fn func(context.Context) (string, error)) error {
	ctx, span := s.tracer.Start(ctx, operation)
	started := time.Now()
	entityID, err := fn(ctx)
	duration := time.Since(started)
	if entityID == "" {
		entityID = subject
	}
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, duration)
	s.recordAudit(ctx, operation, entityID, duration, err)
	if err != nil {
		var domainErr *domain.Error
		var ruleErr domain.RuleViolationError
		if errors.As(err, &domainErr) || errors.As(err, &ruleErr) || errors.Is(err, domain.ErrSessionClosed) {
			s.logger.Warn("operation rejected", "operation", operation, "entity", entityID, "error", err)
		} else {
			s.logger.Error("operation failed", "operation", operation, "entity", entityID, "error", err)
		}
		return err
	}
	s.logger.Debug("operation completed", "operation", operation, "entity", entityID, "duration", duration)
	return nil
}

// write runs fn in a fresh transaction.
func (s *Service) write(ctx context.Context, operation, subject string, fn func(*Tx) (string, error)) error {
	return s.run(ctx, operation, subject, func(ctx context.Context) (string, error) {
		var entityID string
		res, err := s.store.RunInTransaction(ctx, func(dtx Transaction) error {
			var err error
			entityID, err = fn(s.newTx(dtx))
			return err
		})
		s.logViolations(operation, res)
		return entityID, err
	})
}

// read runs fn against committed state.
func (s *Service) read(ctx context.Context, operation, subject string, fn func(Reader) error) error {
	return s.run(ctx, operation, subject, func(ctx context.Context) (string, error) {
		return "", s.store.View(ctx, func(view TransactionView) error {
			return fn(Reader{view: view})
		})
	})
}

func (s *Service) logViolations(operation string, res Result) {
	for _, v := range res.Violations {
		if v.Severity == SeverityBlock {
			continue
		}
		s.logger.Warn("rule violation", "operation", operation, "rule", v.Rule, "severity", string(v.Severity), "entity", v.EntityID, "message", v.Message)
	}
}

func (s *Service) newTx(dtx Transaction) *Tx {
	return &Tx{Reader: Reader{view: dtx}, tx: dtx}
}

// Batch runs fn in a single transaction; every change commits together or not at all.
func (s *Service) Batch(ctx context.Context, fn func(*Tx) error) (Result, error) {
	var res Result
	err := s.run(ctx, "batch", "", func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(dtx Transaction) error {
			return fn(s.newTx(dtx))
		})
		s.logViolations("batch", res)
		return "", err
	})
	return res, err
}

// Batch is an explicitly committed unit of work. While it is open the
// store serializes other writers behind it, so all mutations must go through
// the session's Tx.
type Batch struct {
	*Tx
	svc  *Service
	sess domain.Session
}

// Begin opens a batch session.
func (s *Service) Begin(ctx context.Context) (*Batch, error) {
	sess, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	return &Batch{Tx: s.newTx(sess), svc: s, sess: sess}, nil
}

// Commit applies every mutation made through the session.
func (b *Batch) Commit(ctx context.Context) (Result, error) {
	var res Result
	err := b.svc.run(ctx, "commit_batch", "", func(ctx context.Context) (string, error) {
		var err error
		res, err = b.sess.Commit(ctx)
		b.svc.logViolations("commit_batch", res)
		return "", err
	})
	return res, err
}

// Rollback discards the session; it is a no-op after Commit.
func (b *Batch) Rollback() {
	b.sess.Rollback()
}
