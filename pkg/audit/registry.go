package audit

import (
	"fmt"
	"reflect"
	"sync"
)

// Binding ties a registered type to its SQL table so bulk auditing and
// default bootstrap iteration can read and write rows directly.
type Binding struct {
	Table    string
	PKColumn string

	// PKType is the SQL type of the primary key column (e.g. "bigint").
	// When set, top-up subqueries cast the schema-flexible object_pk value
	// to it; otherwise both sides are compared as text.
	PKType string
}

func (b Binding) isZero() bool { return b.Table == "" || b.PKColumn == "" }

// RegisterOptions configures one audited type.
type RegisterOptions struct {
	// Fields are the scalar field names to audit. Required.
	Fields []string

	// M2MFields are relationship fields audited through the add/remove path
	// rather than the scalar snapshot path.
	M2MFields []string

	// ClassPath overrides the logical type identifier stored as
	// object_class_path. Defaults to the type's package path and name.
	ClassPath string

	// Binding is the SQL binding for the type. Required when EnableBulkAudit
	// is set, and for default bootstrap iteration.
	Binding Binding

	// EnableBulkAudit opts the type into collection-level auditing via
	// bulk.Manager.
	EnableBulkAudit bool
}

// Registration is the immutable record of one audited type.
type Registration struct {
	ClassPath string
	Fields    []string
	M2MFields []string
	Binding   Binding
	BulkAudit bool
}

// HasField reports whether a scalar field is in the audited set.
func (r *Registration) HasField(name string) bool {
	for _, f := range r.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// HasM2MField reports whether a relationship field is in the audited set.
func (r *Registration) HasM2MField(name string) bool {
	for _, f := range r.M2MFields {
		if f == name {
			return true
		}
	}
	return false
}

// Registry maps audited entity types to their registrations. It is an
// explicit, injectable service rather than package-level state so tests can
// construct and discard registries freely.
//
// Registrations are immutable once made; registering the same type or class
// path twice is an error.
type Registry struct {
	mu      sync.RWMutex
	byPath  map[string]*Registration
	byType  map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPath: make(map[string]*Registration),
		byType: make(map[reflect.Type]string),
	}
}

// Register enables auditing for the entity type of prototype. The prototype
// must implement Auditable; only its type is retained.
func (r *Registry) Register(prototype any, opts RegisterOptions) (*Registration, error) {
	inst, ok := prototype.(Auditable)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotAuditable, prototype)
	}
	t := reflect.TypeOf(inst)
	classPath := opts.ClassPath
	if classPath == "" {
		classPath = defaultClassPath(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byType[t]; dup {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAudited, t)
	}
	reg, err := r.registerLocked(classPath, opts)
	if err != nil {
		return nil, err
	}
	r.byType[t] = classPath
	return reg, nil
}

// RegisterBinding enables auditing for a class path without a Go type. It
// exists for offline administration (bootstrap commands) where only the SQL
// binding is known; instance-based auditing requires Register.
func (r *Registry) RegisterBinding(classPath string, opts RegisterOptions) (*Registration, error) {
	if classPath == "" {
		return nil, fmt.Errorf("%w: empty class path", ErrNotAuditable)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(classPath, opts)
}

func (r *Registry) registerLocked(classPath string, opts RegisterOptions) (*Registration, error) {
	if len(opts.Fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFields, classPath)
	}
	if opts.EnableBulkAudit && opts.Binding.isZero() {
		return nil, fmt.Errorf("%w: %s", ErrBulkNeedsBinding, classPath)
	}
	if _, dup := r.byPath[classPath]; dup {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAudited, classPath)
	}
	reg := &Registration{
		ClassPath: classPath,
		Fields:    append([]string(nil), opts.Fields...),
		M2MFields: append([]string(nil), opts.M2MFields...),
		Binding:   opts.Binding,
		BulkAudit: opts.EnableBulkAudit,
	}
	r.byPath[classPath] = reg
	return reg, nil
}

// ForInstance returns the registration for an entity instance's type.
func (r *Registry) ForInstance(inst Auditable) (*Registration, error) {
	t := reflect.TypeOf(inst)
	r.mu.RLock()
	defer r.mu.RUnlock()
	classPath, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, t)
	}
	return r.byPath[classPath], nil
}

// ForClassPath returns the registration for a logical class path.
func (r *Registry) ForClassPath(classPath string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byPath[classPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, classPath)
	}
	return reg, nil
}

// ClassPaths lists registered class paths, for admin tooling.
func (r *Registry) ClassPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.byPath))
	for p := range r.byPath {
		paths = append(paths, p)
	}
	return paths
}

func defaultClassPath(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
