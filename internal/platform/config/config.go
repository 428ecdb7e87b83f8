// Package config loads runtime configuration for the fieldaudit CLI. Values
// come from a config file, environment variables (FIELDAUDIT_*) and flags,
// merged by viper, so main stays lean.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"fieldaudit/pkg/audit"
)

type Config struct {
	Database Database
	Server   Server
	Audit    Audit
}

type Database struct {
	// Flavor is "postgres" or "sqlite".
	Flavor string
	DSN    string
}

type Server struct {
	Addr          string
	JWTSigningKey string
	JWTIssuer     string
}

type Audit struct {
	// Enabled is the process-wide default; context overrides win per write.
	Enabled bool

	// Auditors are the attribution chain names, in order ("request", "system").
	Auditors []string

	BootstrapBatchSize int

	// EventPKColumn overrides the audit_events primary key column definition
	// at migration time.
	EventPKColumn string

	// Registrations are the audited table bindings known to the server, so
	// the query API can list them and scope bootstrap defaults.
	Registrations []Registration
}

// Registration binds a logical class path to its audited SQL table.
type Registration struct {
	ClassPath string   `mapstructure:"class_path"`
	Table     string   `mapstructure:"table"`
	PKColumn  string   `mapstructure:"pk_column"`
	PKType    string   `mapstructure:"pk_type"`
	Fields    []string `mapstructure:"fields"`
}

// SetDefaults registers defaults on v before binding flags or reading files.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.flavor", "sqlite")
	v.SetDefault("database.dsn", "file:fieldaudit.db?_pragma=foreign_keys(1)")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.jwt_issuer", "fieldaudit")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.auditors", []string{"request", "system"})
	v.SetDefault("audit.bootstrap_batch_size", audit.BootstrapBatchSize)
}

// Load materializes and validates the config from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Database: Database{
			Flavor: strings.ToLower(v.GetString("database.flavor")),
			DSN:    v.GetString("database.dsn"),
		},
		Server: Server{
			Addr:          v.GetString("server.addr"),
			JWTSigningKey: v.GetString("server.jwt_signing_key"),
			JWTIssuer:     v.GetString("server.jwt_issuer"),
		},
		Audit: Audit{
			Enabled:            v.GetBool("audit.enabled"),
			Auditors:           v.GetStringSlice("audit.auditors"),
			BootstrapBatchSize: v.GetInt("audit.bootstrap_batch_size"),
			EventPKColumn:      v.GetString("audit.event_pk_column"),
		},
	}
	if err := v.UnmarshalKey("audit.registrations", &cfg.Audit.Registrations); err != nil {
		return nil, fmt.Errorf("parse audit.registrations: %w", err)
	}
	if cfg.Database.Flavor != "postgres" && cfg.Database.Flavor != "sqlite" {
		return nil, fmt.Errorf("unsupported database flavor: %q", cfg.Database.Flavor)
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	return cfg, nil
}
