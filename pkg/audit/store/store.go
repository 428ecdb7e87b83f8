// Package store persists audit events. The SQL store speaks PostgreSQL
// (production) and SQLite (development and tests); both flavors return
// identical result sets for the same data, differing only in how the
// structured attribution payload is matched.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"fieldaudit/pkg/audit"
	"fieldaudit/pkg/platform/tx"
)

// Flavor identifies the SQL engine behind a SQLStore.
type Flavor int

const (
	FlavorPostgres Flavor = iota
	FlavorSQLite
)

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// Rebind rewrites $N placeholders for engines that use ?. Queries are written
// in PostgreSQL style with arguments in ascending placeholder order.
func (f Flavor) Rebind(query string) string {
	if f == FlavorPostgres {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?")
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent rejects table/column names that cannot be safely interpolated.
func ValidIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid SQL identifier: %q", name)
	}
	return nil
}

// SQLStore is the append-only audit event store. Writes join the transaction
// carried in ctx (pkg/platform/tx) when one is present.
type SQLStore struct {
	db     *sql.DB
	flavor Flavor
	now    func() time.Time
}

// NewPostgres builds a store backed by PostgreSQL.
func NewPostgres(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, flavor: FlavorPostgres, now: func() time.Time { return time.Now().UTC() }}
}

// NewSQLite builds a store backed by SQLite.
func NewSQLite(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, flavor: FlavorSQLite, now: func() time.Time { return time.Now().UTC() }}
}

// DB exposes the underlying handle for callers that need to wrap writes and
// audit inserts in one transaction.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Flavor reports the store's SQL engine.
func (s *SQLStore) Flavor() Flavor { return s.flavor }

const insertEvent = `
	INSERT INTO audit_events (
		event_date, object_class_path, object_pk, change_context,
		is_create, is_delete, is_bootstrap, delta
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id
`

// Create inserts one event and fills in its assigned ID. The event is
// validated first so invariant violations fail before reaching the check
// constraint.
func (s *SQLStore) Create(ctx context.Context, event *audit.Event) error {
	args, err := s.insertArgs(event)
	if err != nil {
		return err
	}
	exec := tx.ExecutorFrom(ctx, s.db)
	if err := exec.QueryRowContext(ctx, s.flavor.Rebind(insertEvent), args...).Scan(&event.ID); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// createBatchChunk keeps multi-row inserts well under engine parameter
// limits (8 parameters per row).
const createBatchChunk = 500

// CreateBatch bulk-inserts events in chunks and returns the number inserted.
func (s *SQLStore) CreateBatch(ctx context.Context, events []*audit.Event) (int, error) {
	exec := tx.ExecutorFrom(ctx, s.db)
	total := 0
	for start := 0; start < len(events); start += createBatchChunk {
		end := start + createBatchChunk
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		var (
			values strings.Builder
			args   = make([]any, 0, len(chunk)*8)
		)
		for i, event := range chunk {
			eventArgs, err := s.insertArgs(event)
			if err != nil {
				return total, err
			}
			if i > 0 {
				values.WriteString(", ")
			}
			base := i * 8
			fmt.Fprintf(&values, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
			args = append(args, eventArgs...)
		}
		query := fmt.Sprintf(`
			INSERT INTO audit_events (
				event_date, object_class_path, object_pk, change_context,
				is_create, is_delete, is_bootstrap, delta
			)
			VALUES %s`, values.String())
		if _, err := exec.ExecContext(ctx, s.flavor.Rebind(query), args...); err != nil {
			return total, fmt.Errorf("insert audit event batch: %w", err)
		}
		total += len(chunk)
	}
	return total, nil
}

func (s *SQLStore) insertArgs(event *audit.Event) ([]any, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if event.EventDate.IsZero() {
		event.EventDate = s.now()
	}
	objectPK, err := json.Marshal(event.ObjectPK)
	if err != nil {
		return nil, fmt.Errorf("marshal object pk: %w", err)
	}
	changeContext := event.ChangeContext
	if changeContext == nil {
		changeContext = audit.ChangeContext{}
	}
	ccJSON, err := json.Marshal(changeContext)
	if err != nil {
		return nil, fmt.Errorf("marshal change context: %w", err)
	}
	deltaJSON, err := json.Marshal(event.Delta)
	if err != nil {
		return nil, fmt.Errorf("marshal delta: %w", err)
	}
	return []any{
		event.EventDate,
		event.ObjectClassPath,
		string(objectPK),
		string(ccJSON),
		event.IsCreate,
		event.IsDelete,
		event.IsBootstrap,
		string(deltaJSON),
	}, nil
}

// Filter narrows event queries. Zero-valued fields are ignored.
type Filter struct {
	ClassPath string
	UserType  string
	UserTypes []string
	Username  string
	Since     time.Time
	Until     time.Time
	Limit     int
}

const selectEvents = `
	SELECT id, event_date, object_class_path, object_pk, change_context,
	       is_create, is_delete, is_bootstrap, delta
	FROM audit_events
`

// List returns events matching the filter, oldest first.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]audit.Event, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ClassPath != "" {
		conds = append(conds, "object_class_path = "+arg(filter.ClassPath))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "event_date >= "+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "event_date < "+arg(filter.Until))
	}
	if filter.UserType != "" && filter.Username != "" {
		cond, err := s.attributionCond(arg, filter.UserType, filter.Username)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	} else if len(filter.UserTypes) > 0 && filter.Username != "" {
		conds = append(conds, s.attributionInCond(arg, filter.UserTypes, filter.Username))
	}

	query := selectEvents
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := tx.ExecutorFrom(ctx, s.db).QueryContext(ctx, s.flavor.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// attributionCond matches the structured attribution payload. PostgreSQL uses
// JSONB containment; SQLite does not support it, so flat equality on the two
// sub-fields stands in. Both produce identical result sets for the payloads
// the auditors write.
func (s *SQLStore) attributionCond(arg func(any) string, userType, username string) (string, error) {
	if s.flavor == FlavorPostgres {
		probe, err := json.Marshal(map[string]string{
			"user_type": userType,
			"username":  username,
		})
		if err != nil {
			return "", fmt.Errorf("marshal attribution probe: %w", err)
		}
		return "change_context @> " + arg(string(probe)) + "::jsonb", nil
	}
	return "json_extract(change_context, '$.user_type') = " + arg(userType) +
		" AND json_extract(change_context, '$.username') = " + arg(username), nil
}

func (s *SQLStore) attributionInCond(arg func(any) string, userTypes []string, username string) string {
	if s.flavor == FlavorPostgres {
		return "change_context->>'user_type' = ANY(" + arg(pq.Array(userTypes)) + ")" +
			" AND change_context->>'username' = " + arg(username)
	}
	placeholders := make([]string, len(userTypes))
	for i, ut := range userTypes {
		placeholders[i] = arg(ut)
	}
	return "json_extract(change_context, '$.user_type') IN (" + strings.Join(placeholders, ", ") + ")" +
		" AND json_extract(change_context, '$.username') = " + arg(username)
}

// ByClassPath returns all events for one registered logical type.
func (s *SQLStore) ByClassPath(ctx context.Context, classPath string) ([]audit.Event, error) {
	return s.List(ctx, Filter{ClassPath: classPath})
}

// ByTypeAndUsername returns events whose attribution matches the given
// user_type/username pair.
func (s *SQLStore) ByTypeAndUsername(ctx context.Context, userType, username string) ([]audit.Event, error) {
	return s.List(ctx, Filter{UserType: userType, Username: username})
}

// BySystemUser returns events attributed to either system auditor for the
// given username.
func (s *SQLStore) BySystemUser(ctx context.Context, username string) ([]audit.Event, error) {
	return s.List(ctx, Filter{
		UserTypes: []string{audit.UserTypeTTY, audit.UserTypeProcess},
		Username:  username,
	})
}

// ByTTYUser returns events attributed to the terminal owner auditor.
func (s *SQLStore) ByTTYUser(ctx context.Context, username string) ([]audit.Event, error) {
	return s.ByTypeAndUsername(ctx, audit.UserTypeTTY, username)
}

// ByProcessUser returns events attributed to the process owner auditor.
func (s *SQLStore) ByProcessUser(ctx context.Context, username string) ([]audit.Event, error) {
	return s.ByTypeAndUsername(ctx, audit.UserTypeProcess, username)
}

// ByRequestUser returns events attributed to an authenticated request user.
func (s *SQLStore) ByRequestUser(ctx context.Context, username string) ([]audit.Event, error) {
	return s.ByTypeAndUsername(ctx, audit.UserTypeRequest, username)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event     audit.Event
			pkJSON    []byte
			ccJSON    []byte
			deltaJSON []byte
		)
		err := rows.Scan(
			&event.ID,
			&event.EventDate,
			&event.ObjectClassPath,
			&pkJSON,
			&ccJSON,
			&event.IsCreate,
			&event.IsDelete,
			&event.IsBootstrap,
			&deltaJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal(pkJSON, &event.ObjectPK); err != nil {
			return nil, fmt.Errorf("unmarshal object pk: %w", err)
		}
		if err := json.Unmarshal(ccJSON, &event.ChangeContext); err != nil {
			return nil, fmt.Errorf("unmarshal change context: %w", err)
		}
		if err := json.Unmarshal(deltaJSON, &event.Delta); err != nil {
			return nil, fmt.Errorf("unmarshal delta: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// -----------------------------------------------------------------------------
// Bootstrap record iteration
// -----------------------------------------------------------------------------

// IterRecords streams pk and field values for every row of a bound table,
// ordered by primary key.
func (s *SQLStore) IterRecords(ctx context.Context, binding audit.Binding, fields []string, fn func(audit.Record) error) error {
	query, err := s.recordQuery(binding, fields, "")
	if err != nil {
		return err
	}
	return s.iterRecords(ctx, query, nil, fields, fn)
}

// IterRecordsMissingAudit streams rows of a bound table whose primary key has
// no create- or bootstrap-flagged event for classPath. The schema-flexible
// object_pk value is cast to the binding's PK type when one is declared;
// otherwise both sides are compared as text.
func (s *SQLStore) IterRecordsMissingAudit(ctx context.Context, binding audit.Binding, fields []string, classPath string, fn func(audit.Record) error) error {
	notIn, err := s.castObjectPKsCond(binding)
	if err != nil {
		return err
	}
	query, err := s.recordQuery(binding, fields, notIn)
	if err != nil {
		return err
	}
	return s.iterRecords(ctx, query, []any{classPath}, fields, fn)
}

// castObjectPKsCond builds the NOT IN condition over the audit subquery.
func (s *SQLStore) castObjectPKsCond(binding audit.Binding) (string, error) {
	const kinds = "object_class_path = $1 AND (is_create OR is_bootstrap)"
	switch {
	case s.flavor == FlavorSQLite:
		// SQLite's dynamic typing makes json_extract comparable to the
		// native pk column directly.
		return fmt.Sprintf(
			"%s NOT IN (SELECT json_extract(object_pk, '$') FROM audit_events WHERE %s)",
			binding.PKColumn, kinds), nil
	case binding.PKType != "":
		if !pkTypePattern.MatchString(binding.PKType) {
			return "", fmt.Errorf("invalid pk type: %q", binding.PKType)
		}
		return fmt.Sprintf(
			"%s NOT IN (SELECT (object_pk #>> '{}')::%s FROM audit_events WHERE %s)",
			binding.PKColumn, binding.PKType, kinds), nil
	default:
		return fmt.Sprintf(
			"%s::text NOT IN (SELECT object_pk #>> '{}' FROM audit_events WHERE %s)",
			binding.PKColumn, kinds), nil
	}
}

func (s *SQLStore) recordQuery(binding audit.Binding, fields []string, cond string) (string, error) {
	if err := ValidIdent(binding.Table); err != nil {
		return "", err
	}
	if err := ValidIdent(binding.PKColumn); err != nil {
		return "", err
	}
	for _, f := range fields {
		if err := ValidIdent(f); err != nil {
			return "", err
		}
	}
	cols := append([]string{binding.PKColumn}, fields...)
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), binding.Table)
	if cond != "" {
		query += " WHERE " + cond
	}
	return query + " ORDER BY " + binding.PKColumn, nil
}

func (s *SQLStore) iterRecords(ctx context.Context, query string, args []any, fields []string, fn func(audit.Record) error) error {
	rows, err := tx.ExecutorFrom(ctx, s.db).QueryContext(ctx, s.flavor.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		dest := make([]any, len(fields)+1)
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		record := audit.Record{
			PK:     normalizeValue(*dest[0].(*any)),
			Values: make(map[string]any, len(fields)),
		}
		for i, f := range fields {
			record.Values[f] = normalizeValue(*dest[i+1].(*any))
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	return nil
}

// normalizeValue keeps raw driver values JSON-friendly: byte slices would
// otherwise marshal as base64.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
