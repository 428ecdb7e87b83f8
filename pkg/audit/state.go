package audit

import "fmt"

// Auditable is the contract a tracked entity must satisfy. Host integrations
// typically embed State in the entity struct and implement the two accessors
// against their own field storage.
type Auditable interface {
	// AuditState returns the entity's transient audit state. Must return the
	// same *State for the lifetime of the instance.
	AuditState() *State

	// AuditFieldValue returns the persistence-level value of a named field.
	AuditFieldValue(field string) any

	// AuditPrimaryKey returns the entity's primary key value, or nil if the
	// entity has not been assigned one yet.
	AuditPrimaryKey() any
}

// State holds the per-instance "initial values" snapshot consumed by the
// delta engine on every write. The zero value is ready for use; embed it in
// audited entity structs.
//
// State is instance-local and not synchronized: concurrent writes to the same
// entity instance are serialized by the storage engine's row locking, not
// here.
type State struct {
	initial    map[string]any
	initialM2M map[string][]any
}

// attachInitial stores a snapshot of field values. It refuses to clobber an
// existing snapshot; that would silently lose the "before" state of a write.
func (s *State) attachInitial(values map[string]any) error {
	if s.initial != nil {
		return fmt.Errorf("%w: refusing to overwrite snapshot", ErrValuesAlreadyAttached)
	}
	s.initial = values
	return nil
}

// takeInitial returns and clears the current snapshot.
func (s *State) takeInitial() (map[string]any, error) {
	if s.initial == nil {
		return nil, fmt.Errorf("%w: cannot reset values that were never set", ErrValuesNeverAttached)
	}
	values := s.initial
	s.initial = nil
	return values, nil
}

// setInitialM2M records the pre-change membership of a relationship field.
// Unlike scalar snapshots this is keyed per field and freely overwritten: the
// relationship path snapshots immediately before each clear operation.
func (s *State) setInitialM2M(field string, pks []any) {
	if s.initialM2M == nil {
		s.initialM2M = make(map[string][]any)
	}
	s.initialM2M[field] = pks
}

// takeInitialM2M returns and clears the pre-change membership for a field.
func (s *State) takeInitialM2M(field string) ([]any, bool) {
	pks, ok := s.initialM2M[field]
	if ok {
		delete(s.initialM2M, field)
	}
	return pks, ok
}
