package cmd

import (
	"github.com/spf13/cobra"
	"github.com/surajsub/etl-run-portal/db"
)

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := db.Migrate(cmd.Context(), e.gdb, e.cfg.DB); err != nil {
				return err
			}
			e.log.Info("schema up to date")
			return nil
		},
	}
}
