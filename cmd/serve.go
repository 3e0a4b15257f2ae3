package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/surajsub/etl-run-portal/auth"
	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/handlers"
	"github.com/surajsub/etl-run-portal/permissions"
	"github.com/surajsub/etl-run-portal/reconcile"
	"github.com/surajsub/etl-run-portal/runs"
	"github.com/surajsub/etl-run-portal/workers"
	"go.uber.org/zap"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API and, when enabled, the status poller",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.close()
	cfg, log := e.cfg, e.log
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := db.Migrate(ctx, e.gdb, cfg.DB); err != nil {
		return err
	}

	client, pinger, err := e.orchestratorClient(ctx, true)
	if err != nil {
		return err
	}

	engine, err := auth.NewEngine(e.store,
		auth.WithPolicy(auth.Policy{MaxAttempts: cfg.Auth.MaxAttempts, LockoutDuration: cfg.Auth.LockoutDuration}),
		auth.WithLogger(log.Named("auth")),
	)
	if err != nil {
		return err
	}
	resolver := permissions.NewResolver(e.store, log.Named("permissions"))
	syncer := reconcile.NewSyncer(e.store, client, cfg.Orchestrator.Timeout, log.Named("sync"))
	manager := runs.NewManager(e.store, resolver, client, syncer, cfg.Orchestrator.Timeout, log.Named("runs"))

	if cfg.Poller.Enabled {
		poller := workers.NewPoller(e.store, syncer, cfg.Poller.RateLimit, cfg.Poller.BatchSize, log.Named("poller"))
		if err := poller.Start(ctx, cfg.Poller.Schedule); err != nil {
			return err
		}
		defer poller.Stop()
	}

	srv := echo.New()
	srv.HideBanner = true
	srv.Use(middleware.Recover())
	handlers.RegisterRoutes(srv, &handlers.API{
		Engine:   engine,
		Tokens:   auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Users:    e.store,
		Resolver: resolver,
		Runs:     manager,
		Checks: map[string]handlers.Checker{
			"database":     e.store,
			"orchestrator": pinger,
		},
		Log:        log.Named("http"),
		LoginRate:  cfg.Server.LoginRate,
		LoginBurst: cfg.Server.LoginBurst,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down gracefully")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
