package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"

	"fieldaudit/pkg/audit/metrics"
	"fieldaudit/pkg/auditcontext"
	"fieldaudit/pkg/platform/tx"
)

// Store is the persistence contract the engine writes events through.
// Implementations must honor the transaction carried in ctx (pkg/platform/tx)
// so the event insert commits or rolls back with the underlying data write.
type Store interface {
	Create(ctx context.Context, event *Event) error
	CreateBatch(ctx context.Context, events []*Event) (int, error)

	// IterRecords streams pk and field values for every row of a bound
	// table. Used by default bootstrap iteration.
	IterRecords(ctx context.Context, binding Binding, fields []string, fn func(Record) error) error

	// IterRecordsMissingAudit streams rows of a bound table whose primary
	// key has no create- or bootstrap-flagged event for classPath.
	IterRecordsMissingAudit(ctx context.Context, binding Binding, fields []string, classPath string, fn func(Record) error) error
}

// Dispatcher resolves the attribution payload for an audited write. A nil
// result is persisted as an empty change context.
type Dispatcher interface {
	Dispatch(req *auditcontext.Request) ChangeContext
}

// Record is one row read during bootstrap iteration.
type Record struct {
	PK     any
	Values map[string]any
}

// RecordIterator is a caller-suppliable record iteration strategy for
// bootstrap operations.
type RecordIterator func(ctx context.Context, fn func(Record) error) error

// Service is the snapshot/delta engine. It owns one registry, one store and
// one auditor dispatcher and orchestrates audit cycles for tracked writes.
type Service struct {
	registry   *Registry
	store      Store
	dispatcher Dispatcher
	enabled    bool
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEnabledDefault sets the process-wide default for whether auditing is
// active; context overrides (auditcontext) take precedence per write.
func WithEnabledDefault(enabled bool) ServiceOption {
	return func(s *Service) { s.enabled = enabled }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs the engine. dispatcher may be nil, in which case
// every event carries an empty change context.
func NewService(registry *Registry, store Store, dispatcher Dispatcher, opts ...ServiceOption) *Service {
	s := &Service{
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		enabled:    true,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry the engine was built with.
func (s *Service) Registry() *Registry { return s.registry }

// Enabled resolves whether auditing is active for ctx, combining the
// process-wide default with any context-scoped override.
func (s *Service) Enabled(ctx context.Context) bool {
	return auditcontext.AuditEnabled(ctx, s.enabled)
}

// AttachInitialValues snapshots the current audited field values on inst.
// Call it exactly once, immediately after constructing or loading the
// instance; attaching over an existing snapshot is an error.
func (s *Service) AttachInitialValues(inst Auditable) error {
	reg, err := s.registry.ForInstance(inst)
	if err != nil {
		return err
	}
	return inst.AuditState().attachInitial(s.readFields(inst, reg.Fields))
}

// ResetInitialValues returns the previously attached snapshot and immediately
// re-attaches a fresh one reflecting the instance's current values, leaving
// the instance ready for its next write cycle.
func (s *Service) ResetInitialValues(inst Auditable) (map[string]any, error) {
	reg, err := s.registry.ForInstance(inst)
	if err != nil {
		return nil, err
	}
	values, err := inst.AuditState().takeInitial()
	if err != nil {
		return nil, err
	}
	if err := inst.AuditState().attachInitial(s.readFields(inst, reg.Fields)); err != nil {
		return nil, err
	}
	return values, nil
}

// CreateDelta diffs two field-value maps. Fields present only in newValues
// get {"new": v}; only in oldValues, {"old": v}; in both and unequal, the
// full pair; equal values are omitted. Both maps empty is an error.
func (s *Service) CreateDelta(oldValues, newValues map[string]any) (Delta, error) {
	if len(oldValues) == 0 && len(newValues) == 0 {
		return nil, ErrEmptyDiff
	}
	delta := make(Delta)
	switch {
	case len(oldValues) == 0:
		for field, v := range newValues {
			delta[field] = DiffNew(v)
		}
	case len(newValues) == 0:
		for field, v := range oldValues {
			delta[field] = DiffOld(v)
		}
	default:
		for field, newValue := range newValues {
			oldValue, ok := oldValues[field]
			if !ok {
				delta[field] = DiffNew(newValue)
				continue
			}
			if !reflect.DeepEqual(oldValue, newValue) {
				delta[field] = DiffChange(oldValue, newValue)
			}
		}
	}
	return delta, nil
}

// MakeEventFromInstance builds an unsaved event for one instance write, or
// nil when no audited field changed. It consumes and replaces the instance's
// snapshot as a side effect.
//
// objectPK must be supplied when isDelete is true (the instance may no longer
// carry its pre-delete key) and must be nil otherwise.
func (s *Service) MakeEventFromInstance(ctx context.Context, inst Auditable, isCreate, isDelete bool, objectPK any) (*Event, error) {
	if isCreate && isDelete {
		return nil, ErrConflictingKinds
	}
	if !isDelete {
		if objectPK != nil {
			return nil, ErrAmbiguousObjectPK
		}
		objectPK = inst.AuditPrimaryKey()
	} else if objectPK == nil {
		return nil, ErrMissingObjectPK
	}

	reg, err := s.registry.ForInstance(inst)
	if err != nil {
		return nil, err
	}
	initValues, err := s.ResetInitialValues(inst)
	if err != nil {
		return nil, err
	}

	oldValues := initValues
	if isCreate {
		oldValues = nil
	}
	var newValues map[string]any
	if !isDelete {
		newValues = s.readFields(inst, reg.Fields)
	}
	delta, err := s.CreateDelta(oldValues, newValues)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 {
		return nil, nil
	}
	return s.newEvent(ctx, reg.ClassPath, objectPK, delta, isCreate, isDelete), nil
}

// MakeEventFromValues builds an unsaved event from fetched old/new value
// maps, or nil when nothing changed. Empty oldValues means a create; empty
// newValues means a delete. Used by the bulk write interceptor.
func (s *Service) MakeEventFromValues(ctx context.Context, oldValues, newValues map[string]any, objectPK any, classPath string) (*Event, error) {
	delta, err := s.CreateDelta(oldValues, newValues)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 {
		return nil, nil
	}
	return s.newEvent(ctx, classPath, objectPK, delta, len(oldValues) == 0, len(newValues) == 0), nil
}

// AuditFieldChanges runs one audit cycle for a single instance write and
// persists the resulting event through the transaction carried in ctx. A
// write with no audited changes persists nothing.
//
// When auditing is disabled for ctx the snapshot is still consumed and
// refreshed, so re-enabling later never produces deltas that span disabled
// writes.
func (s *Service) AuditFieldChanges(ctx context.Context, inst Auditable, isCreate, isDelete bool, objectPK any) error {
	if !auditcontext.AuditEnabled(ctx, s.enabled) {
		if _, err := s.ResetInitialValues(inst); err != nil {
			return err
		}
		s.metrics.ObserveDisabled()
		return nil
	}
	event, err := s.MakeEventFromInstance(ctx, inst, isCreate, isDelete, objectPK)
	if err != nil {
		return err
	}
	if event == nil {
		s.metrics.ObserveNoop()
		return nil
	}
	if err := s.store.Create(ctx, event); err != nil {
		return fmt.Errorf("persist audit event: %w", err)
	}
	s.metrics.ObserveEvent(eventKind(event))
	return nil
}

// newEvent assembles the event record, resolving attribution once, after the
// underlying write but inside its transaction.
func (s *Service) newEvent(ctx context.Context, classPath string, objectPK any, delta Delta, isCreate, isDelete bool) *Event {
	var changeContext ChangeContext
	if s.dispatcher != nil {
		changeContext = s.dispatcher.Dispatch(auditcontext.RequestFrom(ctx))
	}
	if changeContext == nil {
		changeContext = ChangeContext{}
	}
	return &Event{
		ObjectClassPath: classPath,
		ObjectPK:        objectPK,
		ChangeContext:   changeContext,
		IsCreate:        isCreate,
		IsDelete:        isDelete,
		Delta:           delta,
	}
}

func (s *Service) readFields(inst Auditable, fields []string) map[string]any {
	values := make(map[string]any, len(fields))
	for _, f := range fields {
		values[f] = inst.AuditFieldValue(f)
	}
	return values
}

func eventKind(e *Event) string {
	switch {
	case e.IsCreate:
		return "create"
	case e.IsDelete:
		return "delete"
	case e.IsBootstrap:
		return "bootstrap"
	}
	return "update"
}

// -----------------------------------------------------------------------------
// Lifecycle hook points for host persistence integrations
// -----------------------------------------------------------------------------

// AfterInit is the construction hook: attach the initial snapshot as soon as
// the instance exists, so the "before" state is captured even for instances
// loaded from storage and mutated later.
func (s *Service) AfterInit(inst Auditable) error {
	return s.AttachInitialValues(inst)
}

// SaveAudited wraps a host save in a transaction that also contains delta
// computation and event insertion. write performs the actual row write using
// the transaction carried in its ctx. Any failure rolls back both the write
// and the event.
func (s *Service) SaveAudited(ctx context.Context, db *sql.DB, inst Auditable, isCreate bool, write func(ctx context.Context) error) error {
	return tx.Run(ctx, db, func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			return err
		}
		return s.AuditFieldChanges(ctx, inst, isCreate, false, nil)
	})
}

// DeleteAudited wraps a host delete the same way. objectPK must be captured
// before the delete, since the instance no longer references it afterwards.
func (s *Service) DeleteAudited(ctx context.Context, db *sql.DB, inst Auditable, objectPK any, write func(ctx context.Context) error) error {
	return tx.Run(ctx, db, func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			return err
		}
		return s.AuditFieldChanges(ctx, inst, false, true, objectPK)
	})
}

// RefreshAudited is the refresh hook: reload the instance from storage via
// refresh, then replace the snapshot so it reflects the refreshed values
// instead of going stale.
func (s *Service) RefreshAudited(inst Auditable, refresh func() error) error {
	if err := refresh(); err != nil {
		return err
	}
	_, err := s.ResetInitialValues(inst)
	return err
}
