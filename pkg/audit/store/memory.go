package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fieldaudit/pkg/audit"
)

// InMemoryStore keeps events in a slice. It backs unit tests and local
// experiments; it has no table to iterate, so bootstrap iteration requires a
// caller-supplied RecordIterator.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	events []audit.Event
	now    func() time.Time
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{nextID: 1, now: func() time.Time { return time.Now().UTC() }}
}

// Create validates and appends one event, assigning its ID.
func (s *InMemoryStore) Create(_ context.Context, event *audit.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.EventDate.IsZero() {
		event.EventDate = s.now()
	}
	if event.ChangeContext == nil {
		event.ChangeContext = audit.ChangeContext{}
	}
	event.ID = s.nextID
	s.nextID++
	s.events = append(s.events, *event)
	return nil
}

// CreateBatch appends events one by one; a validation failure stops the batch
// and returns the count inserted so far.
func (s *InMemoryStore) CreateBatch(ctx context.Context, events []*audit.Event) (int, error) {
	for i, event := range events {
		if err := s.Create(ctx, event); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

// IterRecords is unsupported: there is no bound table in memory.
func (s *InMemoryStore) IterRecords(context.Context, audit.Binding, []string, func(audit.Record) error) error {
	return fmt.Errorf("in-memory store cannot iterate table records")
}

// IterRecordsMissingAudit is unsupported for the same reason.
func (s *InMemoryStore) IterRecordsMissingAudit(context.Context, audit.Binding, []string, string, func(audit.Record) error) error {
	return fmt.Errorf("in-memory store cannot iterate table records")
}

// All returns a copy of every stored event in insertion order.
func (s *InMemoryStore) All() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByClassPath returns stored events for one class path, in insertion order.
func (s *InMemoryStore) ByClassPath(classPath string) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.ObjectClassPath == classPath {
			out = append(out, e)
		}
	}
	return out
}

// Clear discards all stored events.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.nextID = 1
}
