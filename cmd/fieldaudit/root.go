// Command fieldaudit is the admin CLI for the field auditing service:
// schema migration, bootstrap/top-up of existing tables, and the event
// query server.
package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"fieldaudit/internal/platform/config"
	"fieldaudit/internal/platform/logger"
	"fieldaudit/pkg/audit"
	"fieldaudit/pkg/audit/auditors"
	auditmetrics "fieldaudit/pkg/audit/metrics"
	"fieldaudit/pkg/audit/store"
)

type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "fieldaudit",
		Short:         "Field-level change auditing: migrations, bootstrap and event queries",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file path")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.Bool("log-json", false, "emit JSON logs instead of tinted terminal output")
	pf.String("db-flavor", "", "database flavor (postgres or sqlite)")
	pf.String("db-dsn", "", "database DSN")

	root.AddCommand(
		newMigrateCmd(a),
		newBootstrapCmd(a),
		newTopUpCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	config.SetDefaults(a.v)
	a.v.SetEnvPrefix("FIELDAUDIT")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	// Flags override file and env only when explicitly set.
	if cmd.Flags().Changed("db-flavor") {
		flavor, _ := cmd.Flags().GetString("db-flavor")
		a.v.Set("database.flavor", flavor)
	}
	if cmd.Flags().Changed("db-dsn") {
		dsn, _ := cmd.Flags().GetString("db-dsn")
		a.v.Set("database.dsn", dsn)
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := cmd.Flags().GetString("log-level")
	json, _ := cmd.Flags().GetBool("log-json")
	a.log = logger.New(logger.ParseLevel(level), json)
	slog.SetDefault(a.log)
	return nil
}

// openStore opens the configured database and wraps it in the matching store
// flavor. The caller owns the returned handle.
func (a *app) openStore() (*sql.DB, *store.SQLStore, error) {
	driver := "pgx"
	if a.cfg.Database.Flavor == "sqlite" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if a.cfg.Database.Flavor == "sqlite" {
		return db, store.NewSQLite(db), nil
	}
	return db, store.NewPostgres(db), nil
}

// buildRegistry registers the bindings declared under audit.registrations.
func (a *app) buildRegistry() (*audit.Registry, error) {
	reg := audit.NewRegistry()
	for _, r := range a.cfg.Audit.Registrations {
		_, err := reg.RegisterBinding(r.ClassPath, audit.RegisterOptions{
			Fields: r.Fields,
			Binding: audit.Binding{
				Table:    r.Table,
				PKColumn: r.PKColumn,
				PKType:   r.PKType,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", r.ClassPath, err)
		}
	}
	return reg, nil
}

// buildService assembles the audit engine from configuration.
func (a *app) buildService(st *store.SQLStore, m *auditmetrics.Metrics) (*audit.Service, error) {
	registry, err := a.buildRegistry()
	if err != nil {
		return nil, err
	}
	dispatcher, err := auditors.FromNames(a.cfg.Audit.Auditors)
	if err != nil {
		return nil, err
	}
	opts := []audit.ServiceOption{
		audit.WithEnabledDefault(a.cfg.Audit.Enabled),
		audit.WithLogger(a.log),
	}
	if m != nil {
		opts = append(opts, audit.WithMetrics(m))
	}
	return audit.NewService(registry, st, dispatcher, opts...), nil
}
