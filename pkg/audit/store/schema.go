package store

import (
	"context"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// Default primary key column definitions for the audit_events table.
const (
	defaultPostgresPK = "BIGSERIAL PRIMARY KEY"
	defaultSQLitePK   = "INTEGER PRIMARY KEY AUTOINCREMENT"
)

var pkTypePattern = regexp.MustCompile(`^[A-Za-z0-9_() ]+$`)

// SchemaOption customizes schema creation.
type SchemaOption func(*schemaConfig)

type schemaConfig struct {
	eventPK string
}

// WithEventPKColumn overrides the column definition of the audit_events
// primary key (e.g. "UUID PRIMARY KEY DEFAULT gen_random_uuid()").
func WithEventPKColumn(def string) SchemaOption {
	return func(c *schemaConfig) { c.eventPK = def }
}

// EnsureSchema applies the embedded migrations for the store's flavor.
// Statements are idempotent (CREATE IF NOT EXISTS), so re-running is safe.
func (s *SQLStore) EnsureSchema(ctx context.Context, opts ...SchemaOption) error {
	cfg := schemaConfig{eventPK: defaultPostgresPK}
	if s.flavor == FlavorSQLite {
		cfg.eventPK = defaultSQLitePK
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !pkTypePattern.MatchString(cfg.eventPK) {
		return fmt.Errorf("invalid event pk column definition: %q", cfg.eventPK)
	}

	dir := "migrations/postgres"
	if s.flavor == FlavorSQLite {
		dir = "migrations/sqlite"
	}
	entries, err := migrationFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile(dir + "/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		ddl := string(raw)
		if strings.Contains(ddl, "%s") {
			ddl = fmt.Sprintf(ddl, cfg.eventPK)
		}
		// One statement per Exec: the pgx stdlib driver rejects
		// multi-statement strings under the extended protocol.
		for _, stmt := range strings.Split(ddl, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
	}
	return nil
}
