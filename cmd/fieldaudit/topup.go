package main

import (
	"github.com/spf13/cobra"
)

func newTopUpCmd(a *app) *cobra.Command {
	var flags bindingFlags
	cmd := &cobra.Command{
		Use:   "topup",
		Short: "Bootstrap only rows that have no create or bootstrap event yet",
		Long: `Topup is the idempotent counterpart of bootstrap: it skips rows whose
primary key already has a create- or bootstrap-flagged event, so re-running
after a partial bootstrap only fills the gaps.`,
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
			n, err := svc.BootstrapTopUp(cmd.Context(), flags.classPath, nil, batchSize)
			if err != nil {
				return err
			}
			a.log.Info("top-up finished", "class_path", flags.classPath, "events", n)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
