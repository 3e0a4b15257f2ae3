// Package runs owns the run lifecycle: triggering, reading and listing
// runs, each gated by the caller's permission on the workflow.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/models"
	"github.com/surajsub/etl-run-portal/orchestrator"
	"github.com/surajsub/etl-run-portal/permissions"
	"github.com/surajsub/etl-run-portal/reconcile"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// TriggerInput is the caller-supplied part of a run.
type TriggerInput struct {
	InputFilePath string         `json:"input_file_path" yaml:"input_file_path"`
	Parameters    map[string]any `json:"parameters" yaml:"parameters"`
}

// Detail is a run with its steps (by id) and logs (by timestamp, id).
type Detail struct {
	Run   db.Run          `json:"run"`
	Steps []db.StepStatus `json:"steps"`
	Logs  []db.Log        `json:"logs"`
}

type ListFilter struct {
	WorkflowID *uint
	Status     *models.RunStatus
	MinID      *uint
	MaxID      *uint
	Limit      int
	Offset     int
}

type Manager struct {
	store    *db.Store
	resolver *permissions.Resolver
	client   orchestrator.Client
	syncer   *reconcile.Syncer
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewManager(store *db.Store, resolver *permissions.Resolver, client orchestrator.Client, syncer *reconcile.Syncer, timeout time.Duration, log *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = reconcile.DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:    store,
		resolver: resolver,
		client:   client,
		syncer:   syncer,
		timeout:  timeout,
		log:      log,
		now:      time.Now,
	}
}

// Trigger creates a pending run and hands it to the orchestrator. When the
// submission outcome is unknown (timeout or transport error) the run stays
// pending without a correlation id and the first sync locates it; transport
// errors are also returned as SyncFailed next to the run. Only a definitive
// rejection fails the run, through the sync adapter.
func (m *Manager) Trigger(ctx context.Context, user *db.User, workflowID uint, in TriggerInput) (*db.Run, error) {
	const op = "trigger run"
	wf, _, err := m.resolver.Authorize(ctx, user, workflowID, models.PermissionWrite)
	if err != nil {
		return nil, err
	}
	if wf.DagStatus != models.DagReady {
		return nil, models.NewError(models.KindWorkflowNotReady, op, fmt.Errorf("workflow %d is %s", wf.ID, wf.DagStatus))
	}
	sub, err := submission(wf, in)
	if err != nil {
		m.log.Error("workflow config is not valid JSON", zap.Uint("workflow_id", wf.ID), zap.Error(err))
		return nil, models.Internal(op, err)
	}

	now := m.now().UTC()
	run := &db.Run{
		WorkflowID:    wf.ID,
		TriggeredBy:   user.ID,
		Status:        models.StatusPending,
		StartedAt:     &now,
		InputFilePath: in.InputFilePath,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		m.log.Error("create run failed", zap.Uint("workflow_id", wf.ID), zap.Error(err))
		return nil, models.Internal(op, err)
	}
	sub.RunID = run.ID

	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	cid, err := m.client.Submit(sctx, sub)
	cancel()

	// the caller may be gone; the outcome still has to be recorded
	wctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if _, err := m.store.SetCorrelationID(wctx, run.ID, cid); err != nil {
			m.log.Error("storing correlation id failed", zap.Uint("run_id", run.ID), zap.String("dagster_run_id", cid), zap.Error(err))
			return nil, models.Internal(op, err)
		}
		run.DagsterRunID = &cid
		m.log.Info("run triggered", zap.Uint("run_id", run.ID), zap.Uint("workflow_id", wf.ID), zap.String("dagster_run_id", cid))
		return run, nil

	case errors.Is(err, orchestrator.ErrRejected):
		failed, rerr := m.syncer.Reject(wctx, run.ID, err)
		if rerr != nil {
			return nil, rerr
		}
		return failed, models.SyncFailed(op, models.SyncTransport, err)

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		m.log.Warn("submission outcome unknown, run left pending",
			zap.Uint("run_id", run.ID), zap.Uint("workflow_id", wf.ID), zap.Error(err))
		return run, nil

	default:
		// the execution may have started anyway; the first sync locates it
		m.log.Warn("submission failed, run left pending",
			zap.Uint("run_id", run.ID), zap.Uint("workflow_id", wf.ID), zap.Error(err))
		return run, models.SyncFailed(op, models.SyncTransport, err)
	}
}

func submission(wf *db.Workflow, in TriggerInput) (orchestrator.Submission, error) {
	sub := orchestrator.Submission{
		WorkflowID:    wf.ID,
		WorkflowName:  wf.Name,
		Steps:         []string(wf.Steps),
		InputFilePath: in.InputFilePath,
	}
	params := map[string]any{}
	if len(wf.Parameters) > 0 {
		if err := json.Unmarshal(wf.Parameters, &params); err != nil {
			return sub, fmt.Errorf("workflow %d parameters: %w", wf.ID, err)
		}
	}
	maps.Copy(params, in.Parameters)
	if len(params) > 0 {
		sub.Parameters = params
	}
	if len(wf.Destination) > 0 {
		if err := json.Unmarshal(wf.Destination, &sub.Destination); err != nil {
			return sub, fmt.Errorf("workflow %d destination: %w", wf.ID, err)
		}
	}
	return sub, nil
}

// Get returns the run with its steps and logs. Runs on workflows the
// caller cannot read are reported as not found.
func (m *Manager) Get(ctx context.Context, user *db.User, runID uint) (*Detail, error) {
	const op = "get run"
	run, err := m.visibleRun(ctx, op, user, runID)
	if err != nil {
		return nil, err
	}
	steps, err := m.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, models.Internal(op, err)
	}
	logs, err := m.store.ListLogs(ctx, run.ID)
	if err != nil {
		return nil, models.Internal(op, err)
	}
	return &Detail{Run: *run, Steps: steps, Logs: logs}, nil
}

// List returns readable runs, newest first.
func (m *Manager) List(ctx context.Context, user *db.User, f ListFilter) ([]db.Run, error) {
	const op = "list runs"
	if !user.Role.Valid() {
		m.log.Error("user has unknown role", zap.Uint("user_id", user.ID), zap.String("role", string(user.Role)))
		return nil, models.Internal(op, fmt.Errorf("user %d: invalid role %q", user.ID, user.Role))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	runs, err := m.store.ListRuns(ctx, db.RunFilter{
		WorkflowID: f.WorkflowID,
		Status:     f.Status,
		MinID:      f.MinID,
		MaxID:      f.MaxID,
		GrantedTo:  permissions.ReadScope(user),
		Limit:      limit,
		Offset:     f.Offset,
	})
	if err != nil {
		return nil, models.Internal(op, err)
	}
	return runs, nil
}

// Sync reconciles one run on behalf of user, who needs read access.
func (m *Manager) Sync(ctx context.Context, user *db.User, runID uint) (*reconcile.Result, error) {
	if _, err := m.visibleRun(ctx, "sync run", user, runID); err != nil {
		return nil, err
	}
	return m.syncer.SyncRun(ctx, runID)
}

func (m *Manager) visibleRun(ctx context.Context, op string, user *db.User, runID uint) (*db.Run, error) {
	run, err := m.store.GetRun(ctx, runID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, models.NewError(models.KindNotFound, op, nil)
	}
	if err != nil {
		return nil, models.Internal(op, err)
	}
	if _, _, err := m.resolver.Authorize(ctx, user, run.WorkflowID, models.PermissionRead); err != nil {
		if models.KindOf(err) == models.KindNotFound {
			return nil, models.NewError(models.KindNotFound, op, nil)
		}
		return nil, err
	}
	return run, nil
}
