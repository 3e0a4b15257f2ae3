package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/surajsub/etl-run-portal/models"
	"github.com/surajsub/etl-run-portal/reconcile"
	"github.com/surajsub/etl-run-portal/workers"
)

// NewSyncCommand reconciles one run from the command line, bypassing
// per-user permissions.
func NewSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <run_id>",
		Short: "Pull the orchestrator state of one run into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			e, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.close()
			client, _, err := e.orchestratorClient(cmd.Context(), false)
			if err != nil {
				return err
			}

			syncer := reconcile.NewSyncer(e.store, client, e.cfg.Orchestrator.Timeout, e.log.Named("sync"))
			res, err := syncer.SyncRun(cmd.Context(), uint(runID))
			if err != nil && !(res != nil && errors.Is(err, models.ErrStaleTransition)) {
				return err
			}
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func NewPollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run a single sync sweep over every active run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.close()
			client, _, err := e.orchestratorClient(cmd.Context(), false)
			if err != nil {
				return err
			}

			syncer := reconcile.NewSyncer(e.store, client, e.cfg.Orchestrator.Timeout, e.log.Named("sync"))
			p := workers.NewPoller(e.store, syncer, e.cfg.Poller.RateLimit, e.cfg.Poller.BatchSize, e.log.Named("poller"))
			st := p.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d synced=%d stale=%d failed=%d\n", st.Checked, st.Synced, st.Stale, st.Failed)
			return nil
		},
	}
}
