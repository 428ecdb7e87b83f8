package main

import (
	"github.com/spf13/cobra"

	"fieldaudit/pkg/audit"
)

// bindingFlags are shared by bootstrap and topup: they describe the audited
// table without requiring a Go type.
type bindingFlags struct {
	classPath string
	table     string
	pkColumn  string
	pkType    string
	fields    []string
	batchSize int
}

func (f *bindingFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.classPath, "class-path", "", "logical type identifier stored as object_class_path")
	cmd.Flags().StringVar(&f.table, "table", "", "audited table name")
	cmd.Flags().StringVar(&f.pkColumn, "pk-column", "", "primary key column of the audited table")
	cmd.Flags().StringVar(&f.pkType, "pk-type", "", "SQL type of the primary key column, used to match stored pks")
	cmd.Flags().StringSliceVar(&f.fields, "fields", nil, "audited field names")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "events per insert batch (0 uses the configured default)")
	for _, name := range []string{"class-path", "table", "pk-column", "fields"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (f *bindingFlags) registerBinding(reg *audit.Registry) error {
	_, err := reg.RegisterBinding(f.classPath, audit.RegisterOptions{
		Fields: f.fields,
		Binding: audit.Binding{
			Table:    f.table,
			PKColumn: f.pkColumn,
			PKType:   f.pkType,
		},
	})
	return err
}

func newBootstrapCmd(a *app) *cobra.Command {
	var flags bindingFlags
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create a bootstrap event for every existing row of an audited table",
		Long: `Bootstrap backfills audit coverage for a table that existed before
auditing was enabled: every current row gets one is_bootstrap event whose
delta carries only new values. Run topup afterwards to fill gaps from an
interrupted run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, st, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			svc, err := a.buildService(st, nil)
			if err != nil {
				return err
			}
			if err := flags.registerBinding(svc.Registry()); err != nil {
				return err
			}
			batchSize := flags.batchSize
			if batchSize == 0 {
				batchSize = a.cfg.Audit.BootstrapBatchSize
			}
			n, err := svc.BootstrapExistingRecords(cmd.Context(), flags.classPath, nil, batchSize, nil)
			if err != nil {
				return err
			}
			a.log.Info("bootstrap finished", "class_path", flags.classPath, "events", n)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
