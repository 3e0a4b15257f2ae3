// Package cmd wires the portal core into the etl-portal command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/surajsub/etl-run-portal/config"
	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/logger"
	"github.com/surajsub/etl-run-portal/orchestrator"
	"github.com/surajsub/etl-run-portal/providers"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "etl-portal",
		Short:         "Run authorization and orchestrator sync for the ETL portal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to config.yaml (default ./config.yaml or ./config/config.yaml)")

	root.AddCommand(NewServeCommand())
	root.AddCommand(NewMigrateCommand())
	root.AddCommand(NewSeedCommand())
	root.AddCommand(NewSyncCommand())
	root.AddCommand(NewPollCommand())
	return root
}

// env is what every subcommand starts from.
type env struct {
	cfg   *config.Config
	log   *zap.Logger
	gdb   *gorm.DB
	store *db.Store
}

func setup(ctx context.Context, cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Path)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if err := providers.LoadSecrets(ctx, cfg, log); err != nil {
		return nil, err
	}
	gdb, err := db.InitDB(cfg.DB)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, gdb: gdb, store: db.NewStore(gdb)}, nil
}

func (e *env) close() {
	if sqlDB, err := e.gdb.DB(); err == nil {
		sqlDB.Close()
	}
	_ = e.log.Sync()
}

func temporalOptions(cfg *config.Config) orchestrator.TemporalOptions {
	t := cfg.Orchestrator.Temporal
	return orchestrator.TemporalOptions{
		HostPort:     t.HostPort,
		Namespace:    t.Namespace,
		TaskQueue:    t.TaskQueue,
		WorkflowType: t.WorkflowType,
	}
}

// orchestratorClient returns the configured client. The Temporal client
// is dialed once when persistent is false and kept connected in the
// background otherwise.
func (e *env) orchestratorClient(ctx context.Context, persistent bool) (orchestrator.Client, orchestrator.Pinger, error) {
	oc := e.cfg.Orchestrator
	switch oc.Kind {
	case "http":
		c := orchestrator.NewHTTPClient(oc.HTTP.BaseURL, oc.HTTP.Token)
		return c, c, nil
	case "temporal", "":
		opts := temporalOptions(e.cfg)
		dial := orchestrator.DialTemporal(opts, e.log)
		if persistent {
			t := orchestrator.NewTemporal(nil, opts, e.log)
			t.Connect(ctx, dial)
			return t, t, nil
		}
		c, err := dial()
		if err != nil {
			return nil, nil, fmt.Errorf("temporal: %w", err)
		}
		t := orchestrator.NewTemporal(c, opts, e.log)
		return t, t, nil
	default:
		return nil, nil, fmt.Errorf("unsupported orchestrator kind %q", oc.Kind)
	}
}
