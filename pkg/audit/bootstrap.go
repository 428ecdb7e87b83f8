package audit

import (
	"context"
	"fmt"
)

// BootstrapExistingRecords generates one is_bootstrap event per existing
// record of the registered classPath, each carrying only {"new": value}
// deltas — there is no "old" state for a bootstrap.
//
// fields defaults to the registration's audited fields. iter defaults to
// reading every row of the registration's SQL binding. Events are written in
// bulk inserts of batchSize rows; batchSize <= 0 disables batching and writes
// everything in one insert. Each batch is its own insert: a mid-bootstrap
// failure leaves prior batches committed, which is safe because
// BootstrapTopUp fills gaps idempotently.
//
// Returns the number of bootstrap events created.
func (s *Service) BootstrapExistingRecords(ctx context.Context, classPath string, fields []string, batchSize int, iter RecordIterator) (int, error) {
	reg, err := s.registry.ForClassPath(classPath)
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		fields = reg.Fields
	}
	if iter == nil {
		if reg.Binding.isZero() {
			return 0, fmt.Errorf("%w: default bootstrap iteration for %s", ErrBulkNeedsBinding, classPath)
		}
		iter = func(ctx context.Context, fn func(Record) error) error {
			return s.store.IterRecords(ctx, reg.Binding, fields, fn)
		}
	}
	// Attribution is resolved once for the whole run; bootstrap has no
	// request context, so the system auditors answer.
	var changeContext ChangeContext
	if s.dispatcher != nil {
		changeContext = s.dispatcher.Dispatch(nil)
	}
	if changeContext == nil {
		changeContext = ChangeContext{}
	}

	total := 0
	var batch []*Event
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.store.CreateBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert bootstrap batch: %w", err)
		}
		total += n
		s.metrics.ObserveBootstrap(n)
		batch = batch[:0]
		return nil
	}

	err = iter(ctx, func(record Record) error {
		delta := make(Delta, len(fields))
		for _, f := range fields {
			delta[f] = DiffNew(record.Values[f])
		}
		batch = append(batch, &Event{
			ObjectClassPath: classPath,
			ObjectPK:        record.PK,
			ChangeContext:   changeContext,
			IsBootstrap:     true,
			Delta:           delta,
		})
		if batchSize > 0 && len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}
	s.log.Info("bootstrap completed", "class_path", classPath, "events", total)
	return total, nil
}

// BootstrapTopUp bootstraps only records of classPath whose primary key has
// no create- or bootstrap-flagged event yet. Safe to re-run: a second pass
// over a fully bootstrapped table creates nothing.
func (s *Service) BootstrapTopUp(ctx context.Context, classPath string, fields []string, batchSize int) (int, error) {
	reg, err := s.registry.ForClassPath(classPath)
	if err != nil {
		return 0, err
	}
	if reg.Binding.isZero() {
		return 0, fmt.Errorf("%w: top-up iteration for %s", ErrBulkNeedsBinding, classPath)
	}
	if len(fields) == 0 {
		fields = reg.Fields
	}
	iter := func(ctx context.Context, fn func(Record) error) error {
		return s.store.IterRecordsMissingAudit(ctx, reg.Binding, fields, classPath, fn)
	}
	return s.BootstrapExistingRecords(ctx, classPath, fields, batchSize, iter)
}
