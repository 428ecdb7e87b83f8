package audit

import (
	"context"
	"fmt"

	"fieldaudit/pkg/auditcontext"
)

// M2MAction identifies a relationship mutation.
type M2MAction int

const (
	M2MAdd M2MAction = iota + 1
	M2MRemove
	M2MClear
)

// PrepareM2MClear snapshots the current related keys of a relationship field
// immediately before a clear operation. The host integration supplies the
// membership; after the clear completes, AuditM2MChange with M2MClear emits
// the removal delta from this snapshot.
//
// Unaudited fields are ignored.
func (s *Service) PrepareM2MClear(inst Auditable, field string, currentPKs []any) error {
	reg, err := s.registry.ForInstance(inst)
	if err != nil {
		return err
	}
	if !reg.HasM2MField(field) {
		return nil
	}
	inst.AuditState().setInitialM2M(field, currentPKs)
	return nil
}

// AuditM2MChange records a relationship add/remove/clear after it completed.
// Relationship deltas skip the scalar old/new shape and emit membership
// changes directly: {"add": [...]} or {"remove": [...]}. A no-op mutation
// (empty key set) produces no event.
func (s *Service) AuditM2MChange(ctx context.Context, inst Auditable, field string, action M2MAction, pks []any) error {
	reg, err := s.registry.ForInstance(inst)
	if err != nil {
		return err
	}
	if !reg.HasM2MField(field) {
		return nil
	}
	if !auditcontext.AuditEnabled(ctx, s.enabled) {
		s.metrics.ObserveDisabled()
		return nil
	}

	var diff FieldDiff
	switch action {
	case M2MAdd:
		diff = FieldDiff{"add": pks}
	case M2MRemove:
		diff = FieldDiff{"remove": pks}
	case M2MClear:
		removed, ok := inst.AuditState().takeInitialM2M(field)
		if !ok {
			return fmt.Errorf("%w: no pre-clear snapshot for field %q", ErrValuesNeverAttached, field)
		}
		diff = FieldDiff{"remove": removed}
		pks = removed
	default:
		return fmt.Errorf("invalid m2m action: %d", action)
	}
	if len(pks) == 0 {
		s.metrics.ObserveNoop()
		return nil
	}

	event := s.newEvent(ctx, reg.ClassPath, inst.AuditPrimaryKey(), Delta{field: diff}, false, false)
	if err := s.store.Create(ctx, event); err != nil {
		return fmt.Errorf("persist m2m audit event: %w", err)
	}
	s.metrics.ObserveEvent("update")
	return nil
}
