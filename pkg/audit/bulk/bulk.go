// Package bulk intercepts collection-level writes on audited tables. Every
// bulk operation must state its auditing intent explicitly; the zero-valued
// action is rejected before any row is touched.
package bulk

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"fieldaudit/pkg/audit"
	"fieldaudit/pkg/audit/store"
	"fieldaudit/pkg/platform/tx"
)

// Manager performs audited bulk writes against one registered type's bound
// table. Row writes and their audit events share a transaction.
type Manager struct {
	svc   *audit.Service
	store *store.SQLStore
	reg   *audit.Registration
}

// NewManager binds a manager to a registered class path. The registration
// must have bulk auditing enabled, which implies a SQL binding.
func NewManager(svc *audit.Service, st *store.SQLStore, classPath string) (*Manager, error) {
	reg, err := svc.Registry().ForClassPath(classPath)
	if err != nil {
		return nil, err
	}
	if !reg.BulkAudit {
		return nil, fmt.Errorf("%w: %s", audit.ErrBulkNeedsBinding, classPath)
	}
	return &Manager{svc: svc, store: st, reg: reg}, nil
}

// CreateBatch inserts rows and, under ActionAudit, emits one create event per
// row. Rows must all carry the same column set; the primary key column may be
// omitted when the database assigns keys, since each insert reads the key
// back with RETURNING. Returns the number of rows inserted.
func (m *Manager) CreateBatch(ctx context.Context, action audit.Action, rows []map[string]any) (int, error) {
	if err := audit.CheckAction(action); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := store.ValidIdent(m.reg.Binding.Table); err != nil {
		return 0, err
	}
	if err := store.ValidIdent(m.reg.Binding.PKColumn); err != nil {
		return 0, err
	}
	columns, err := rowColumns(rows)
	if err != nil {
		return 0, err
	}

	inserted := 0
	err = tx.Run(ctx, m.store.DB(), func(ctx context.Context) error {
		exec := tx.ExecutorFrom(ctx, m.store.DB())
		placeholders := make([]string, len(columns))
		for i := range columns {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			m.reg.Binding.Table, strings.Join(columns, ", "),
			strings.Join(placeholders, ", "), m.reg.Binding.PKColumn)
		query = m.store.Flavor().Rebind(query)

		var events []*audit.Event
		for _, row := range rows {
			args := make([]any, len(columns))
			for i, c := range columns {
				args[i] = row[c]
			}
			var pk any
			if err := exec.QueryRowContext(ctx, query, args...).Scan(&pk); err != nil {
				return fmt.Errorf("bulk insert: %w", err)
			}
			inserted++

			if action != audit.ActionAudit || !m.svc.Enabled(ctx) {
				continue
			}
			event, err := m.svc.MakeEventFromValues(ctx, nil, m.auditedValues(row), normalize(pk), m.reg.ClassPath)
			if err != nil {
				return err
			}
			if event != nil {
				events = append(events, event)
			}
		}
		if len(events) > 0 {
			if _, err := m.store.CreateBatch(ctx, events); err != nil {
				return fmt.Errorf("persist bulk audit events: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// UpdateWhere updates matching rows and, under ActionAudit, emits one update
// event per changed row. set maps columns to literal values; setExpr maps
// columns to raw SQL expressions (e.g. "flight_hours + 100"). where uses $N
// placeholders numbered from 1 against args. Post-write values are re-read
// from the table, so expression updates audit the values the engine actually
// computed. Returns the number of rows updated.
func (m *Manager) UpdateWhere(ctx context.Context, action audit.Action, set map[string]any, setExpr map[string]string, where string, args ...any) (int, error) {
	if err := audit.CheckAction(action); err != nil {
		return 0, err
	}
	if len(set) == 0 && len(setExpr) == 0 {
		return 0, fmt.Errorf("update without assignments")
	}
	for col := range setExpr {
		if err := store.ValidIdent(col); err != nil {
			return 0, err
		}
	}

	updated := 0
	err := tx.Run(ctx, m.store.DB(), func(ctx context.Context) error {
		exec := tx.ExecutorFrom(ctx, m.store.DB())
		auditing := action == audit.ActionAudit && m.svc.Enabled(ctx)

		var before map[any]map[string]any
		var pks []any
		if auditing {
			var err error
			before, pks, err = m.fetchWhere(ctx, where, args)
			if err != nil {
				return err
			}
		}

		var (
			assignments []string
			updateArgs  []any
		)
		cols := make([]string, 0, len(set))
		for col := range set {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			if err := store.ValidIdent(col); err != nil {
				return err
			}
			updateArgs = append(updateArgs, set[col])
			assignments = append(assignments, fmt.Sprintf("%s = $%d", col, len(updateArgs)))
		}
		exprCols := make([]string, 0, len(setExpr))
		for col := range setExpr {
			exprCols = append(exprCols, col)
		}
		sort.Strings(exprCols)
		for _, col := range exprCols {
			assignments = append(assignments, fmt.Sprintf("%s = %s", col, setExpr[col]))
		}

		query := fmt.Sprintf("UPDATE %s SET %s", m.reg.Binding.Table, strings.Join(assignments, ", "))
		if where != "" {
			query += " WHERE " + shiftPlaceholders(where, len(updateArgs))
			updateArgs = append(updateArgs, args...)
		}
		result, err := exec.ExecContext(ctx, m.store.Flavor().Rebind(query), updateArgs...)
		if err != nil {
			return fmt.Errorf("bulk update: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			updated = int(n)
		}

		if !auditing || len(pks) == 0 {
			return nil
		}
		after, err := m.fetchByPKs(ctx, pks)
		if err != nil {
			return err
		}
		var events []*audit.Event
		for _, pk := range pks {
			newValues, ok := after[pk]
			if !ok {
				continue
			}
			event, err := m.svc.MakeEventFromValues(ctx, before[pk], newValues, pk, m.reg.ClassPath)
			if err != nil {
				return err
			}
			if event != nil {
				events = append(events, event)
			}
		}
		if len(events) > 0 {
			if _, err := m.store.CreateBatch(ctx, events); err != nil {
				return fmt.Errorf("persist bulk audit events: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// DeleteWhere deletes matching rows and, under ActionAudit, emits one delete
// event per row with its pre-delete audited values. Returns the number of
// rows deleted.
func (m *Manager) DeleteWhere(ctx context.Context, action audit.Action, where string, args ...any) (int, error) {
	if err := audit.CheckAction(action); err != nil {
		return 0, err
	}

	deleted := 0
	err := tx.Run(ctx, m.store.DB(), func(ctx context.Context) error {
		exec := tx.ExecutorFrom(ctx, m.store.DB())
		auditing := action == audit.ActionAudit && m.svc.Enabled(ctx)

		var before map[any]map[string]any
		var pks []any
		if auditing {
			var err error
			before, pks, err = m.fetchWhere(ctx, where, args)
			if err != nil {
				return err
			}
		}

		query := "DELETE FROM " + m.reg.Binding.Table
		if where != "" {
			query += " WHERE " + where
		}
		result, err := exec.ExecContext(ctx, m.store.Flavor().Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("bulk delete: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			deleted = int(n)
		}

		if !auditing {
			return nil
		}
		var events []*audit.Event
		for _, pk := range pks {
			event, err := m.svc.MakeEventFromValues(ctx, before[pk], nil, pk, m.reg.ClassPath)
			if err != nil {
				return err
			}
			if event != nil {
				events = append(events, event)
			}
		}
		if len(events) > 0 {
			if _, err := m.store.CreateBatch(ctx, events); err != nil {
				return fmt.Errorf("persist bulk audit events: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// fetchWhere reads pk plus audited fields for rows matching the caller's
// predicate, keyed by pk, preserving pk order.
func (m *Manager) fetchWhere(ctx context.Context, where string, args []any) (map[any]map[string]any, []any, error) {
	query, err := m.selectQuery(where)
	if err != nil {
		return nil, nil, err
	}
	return m.fetch(ctx, query, args)
}

// fetchByPKs re-reads rows by primary key after an update.
func (m *Manager) fetchByPKs(ctx context.Context, pks []any) (map[any]map[string]any, error) {
	placeholders := make([]string, len(pks))
	for i := range pks {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query, err := m.selectQuery(m.reg.Binding.PKColumn + " IN (" + strings.Join(placeholders, ", ") + ")")
	if err != nil {
		return nil, err
	}
	rows, _, err := m.fetch(ctx, query, pks)
	return rows, err
}

func (m *Manager) selectQuery(where string) (string, error) {
	if err := store.ValidIdent(m.reg.Binding.Table); err != nil {
		return "", err
	}
	if err := store.ValidIdent(m.reg.Binding.PKColumn); err != nil {
		return "", err
	}
	for _, f := range m.reg.Fields {
		if err := store.ValidIdent(f); err != nil {
			return "", err
		}
	}
	cols := append([]string{m.reg.Binding.PKColumn}, m.reg.Fields...)
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), m.reg.Binding.Table)
	if where != "" {
		query += " WHERE " + where
	}
	return query + " ORDER BY " + m.reg.Binding.PKColumn, nil
}

func (m *Manager) fetch(ctx context.Context, query string, args []any) (map[any]map[string]any, []any, error) {
	rows, err := tx.ExecutorFrom(ctx, m.store.DB()).QueryContext(ctx, m.store.Flavor().Rebind(query), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch rows: %w", err)
	}
	defer rows.Close()

	byPK := make(map[any]map[string]any)
	var pks []any
	for rows.Next() {
		dest := make([]any, len(m.reg.Fields)+1)
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		pk := normalize(*dest[0].(*any))
		values := make(map[string]any, len(m.reg.Fields))
		for i, f := range m.reg.Fields {
			values[f] = normalize(*dest[i+1].(*any))
		}
		byPK[pk] = values
		pks = append(pks, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return byPK, pks, nil
}

// auditedValues projects a row onto the registered field set.
func (m *Manager) auditedValues(row map[string]any) map[string]any {
	values := make(map[string]any, len(m.reg.Fields))
	for _, f := range m.reg.Fields {
		if v, ok := row[f]; ok {
			values[f] = v
		}
	}
	return values
}

func rowColumns(rows []map[string]any) ([]string, error) {
	columns := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		if err := store.ValidIdent(c); err != nil {
			return nil, err
		}
		columns = append(columns, c)
	}
	sort.Strings(columns)
	for i, row := range rows[1:] {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has a different column set", i+1)
		}
		for _, c := range columns {
			if _, ok := row[c]; !ok {
				return nil, fmt.Errorf("row %d missing column %q", i+1, c)
			}
		}
	}
	return columns, nil
}

var wherePlaceholder = regexp.MustCompile(`\$(\d+)`)

// shiftPlaceholders renumbers $N placeholders in a caller-supplied predicate
// so they follow the assignment placeholders that precede them in the query.
func shiftPlaceholders(expr string, offset int) string {
	return wherePlaceholder.ReplaceAllStringFunc(expr, func(match string) string {
		n, _ := strconv.Atoi(match[1:])
		return "$" + strconv.Itoa(n+offset)
	})
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
