// Package reconcile pulls execution state from the orchestrator and merges
// it into stored runs, steps and logs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/models"
	"github.com/surajsub/etl-run-portal/orchestrator"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

// Result describes one completed sync.
type Result struct {
	RunID         uint              `json:"run_id"`
	CorrelationID string            `json:"dagster_run_id"`
	Status        models.RunStatus  `json:"status"`
	Transition    models.Transition `json:"-"`
	StepsUpdated  int               `json:"steps_updated"`
	LogsAppended  int64             `json:"logs_appended"`
	Anomalies     []string          `json:"anomalies,omitempty"`
}

type Syncer struct {
	store   *db.Store
	client  orchestrator.Client
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func NewSyncer(store *db.Store, client orchestrator.Client, timeout time.Duration, log *zap.Logger) *Syncer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{store: store, client: client, timeout: timeout, log: log, now: time.Now}
}

// Sync reconciles the run linked to correlationID.
func (s *Syncer) Sync(ctx context.Context, correlationID string) (*Result, error) {
	const op = "sync"
	run, err := s.store.GetRunByCorrelationID(ctx, correlationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.NewError(models.KindNotFound, op, nil)
	}
	if err != nil {
		return nil, models.Internal(op, err)
	}
	return s.sync(ctx, run.ID, correlationID)
}

// SyncRun reconciles a run by id. A run without a correlation id is first
// located through the orchestrator. An existing id is never replaced.
func (s *Syncer) SyncRun(ctx context.Context, runID uint) (*Result, error) {
	const op = "sync run"
	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.NewError(models.KindNotFound, op, nil)
	}
	if err != nil {
		return nil, models.Internal(op, err)
	}

	cid := run.CorrelationID()
	if cid == "" {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		cid, err = s.client.Locate(cctx, run.ID)
		cancel()
		if err != nil {
			return nil, s.classify(op, run.ID, err)
		}
		if err := s.link(ctx, run.ID, cid); err != nil {
			return nil, err
		}
	}
	return s.sync(ctx, run.ID, cid)
}

// Reject fails a run the orchestrator definitively refused to start. Only
// a pending run that was never linked to an execution is touched; the
// stored run is returned either way.
func (s *Syncer) Reject(ctx context.Context, runID uint, cause error) (*db.Run, error) {
	const op = "reject run"
	var run *db.Run
	err := s.store.Transaction(ctx, func(tx *db.Store) error {
		r, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		run = r
		if r.CorrelationID() != "" || r.Status != models.StatusPending {
			return nil
		}
		msg := cause.Error()
		finished := s.now().UTC()
		ok, err := tx.AdvanceRun(ctx, runID, db.StatusUpdate{
			Status:       models.StatusFailure,
			FinishedAt:   &finished,
			ErrorMessage: &msg,
		})
		if err != nil || !ok {
			return err
		}
		r.Status = models.StatusFailure
		r.FinishedAt = &finished
		r.ErrorMessage = msg
		return nil
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.NewError(models.KindNotFound, op, nil)
	}
	if err != nil {
		s.log.Error("failing rejected run failed", zap.Uint("run_id", runID), zap.Error(err))
		return nil, models.Internal(op, err)
	}
	s.log.Warn("orchestrator rejected run", zap.Uint("run_id", runID), zap.String("status", string(run.Status)), zap.Error(cause))
	return run, nil
}

// link stores cid on the run unless another id got there first.
func (s *Syncer) link(ctx context.Context, runID uint, cid string) error {
	const op = "link run"
	ok, err := s.store.SetCorrelationID(ctx, runID, cid)
	if err != nil {
		s.log.Error("storing correlation id failed", zap.Uint("run_id", runID), zap.String("dagster_run_id", cid), zap.Error(err))
		return models.Internal(op, err)
	}
	if ok {
		s.log.Info("run linked", zap.Uint("run_id", runID), zap.String("dagster_run_id", cid))
		return nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return models.Internal(op, err)
	}
	if run.CorrelationID() != cid {
		s.log.Error("run already linked to a different execution",
			zap.Uint("run_id", runID), zap.String("stored", run.CorrelationID()), zap.String("located", cid))
		return models.Internal(op, fmt.Errorf("run %d is linked to %q, orchestrator reports %q", runID, run.CorrelationID(), cid))
	}
	return nil
}

func (s *Syncer) sync(ctx context.Context, runID uint, cid string) (*Result, error) {
	const op = "sync"
	since, err := s.store.LastLogTime(ctx, runID)
	if err != nil {
		return nil, models.Internal(op, err)
	}

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	report, err := s.client.FetchStatus(fctx, cid, since)
	cancel()
	if err != nil {
		return nil, s.classify(op, runID, err)
	}
	if report.CorrelationID != "" && report.CorrelationID != cid {
		return nil, s.classify(op, runID, &orchestrator.ParseError{
			Err: fmt.Errorf("report for %q names execution %q", cid, report.CorrelationID),
		})
	}
	report.CorrelationID = cid

	var (
		res   = &Result{RunID: runID, CorrelationID: cid}
		plan  *Plan
		stale bool
	)
	err = s.store.Transaction(ctx, func(tx *db.Store) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		wf, err := tx.GetWorkflow(ctx, run.WorkflowID)
		if err != nil {
			return err
		}
		declared := []string(wf.Steps)
		if err := tx.EnsureSteps(ctx, runID, StepLabels(declared, report)); err != nil {
			return err
		}
		steps, err := tx.ListSteps(ctx, runID)
		if err != nil {
			return err
		}
		plan, err = Merge(run, steps, declared, report, s.now().UTC())
		if err != nil {
			return err
		}

		res.Status = run.Status
		res.Transition = plan.Transition
		stale = run.Status.IsTerminal()
		if plan.Run != nil {
			ok, err := tx.AdvanceRun(ctx, runID, *plan.Run)
			if err != nil {
				return err
			}
			if ok {
				res.Status = plan.Run.Status
			}
		}
		for _, sc := range plan.Steps {
			ok, err := tx.AdvanceStep(ctx, sc.StepID, sc.Update)
			if err != nil {
				return err
			}
			if ok {
				res.StepsUpdated++
			}
		}
		res.LogsAppended, err = tx.AppendLogs(ctx, plan.Logs)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, s.classify(op, runID, ctxErr)
		}
		s.log.Error("sync write failed", zap.Uint("run_id", runID), zap.String("dagster_run_id", cid), zap.Error(err))
		return nil, models.Internal(op, err)
	}

	for _, a := range plan.Anomalies {
		res.Anomalies = append(res.Anomalies, a.String())
		s.log.Warn("sync anomaly",
			zap.Uint("run_id", runID),
			zap.String("dagster_run_id", cid),
			zap.String("step", a.Step),
			zap.String("stored", string(a.Current)),
			zap.String("reported", a.Reported),
			zap.String("reason", a.Reason))
	}
	s.log.Info("run synced",
		zap.Uint("run_id", runID),
		zap.String("status", string(res.Status)),
		zap.Int("steps_updated", res.StepsUpdated),
		zap.Int64("logs_appended", res.LogsAppended))

	if stale {
		return res, models.NewError(models.KindStaleTransition, op, fmt.Errorf("run %d is already %s", runID, res.Status))
	}
	return res, nil
}

// classify turns an orchestrator failure into SyncFailed. Nothing has been
// written when this is called.
func (s *Syncer) classify(op string, runID uint, err error) error {
	var (
		reason models.SyncReason
		perr   *orchestrator.ParseError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = models.SyncTimeout
	case errors.As(err, &perr):
		reason = models.SyncParseError
	default:
		reason = models.SyncTransport
	}
	s.log.Warn("sync failed", zap.Uint("run_id", runID), zap.String("reason", string(reason)), zap.Error(err))
	return models.SyncFailed(op, reason, err)
}
