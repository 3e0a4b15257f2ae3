package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surajsub/etl-run-portal/config"
	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/models"
	"github.com/surajsub/etl-run-portal/orchestrator"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClient struct {
	mu      sync.Mutex
	report  *orchestrator.Report
	err     error
	block   bool
	located map[uint]string
	since   []*time.Time
	onFetch func()
}

func (f *fakeClient) set(r *orchestrator.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.report = r
}

func (f *fakeClient) Submit(context.Context, orchestrator.Submission) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeClient) FetchStatus(ctx context.Context, id string, since *time.Time) (*orchestrator.Report, error) {
	f.mu.Lock()
	f.since = append(f.since, since)
	block, err, r := f.block, f.err, f.report
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch()
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	cp := *r
	cp.Steps = append([]orchestrator.StepReport(nil), r.Steps...)
	cp.Logs = append([]orchestrator.LogLine(nil), r.Logs...)
	return &cp, nil
}

func (f *fakeClient) Locate(_ context.Context, runID uint) (string, error) {
	if id, ok := f.located[runID]; ok {
		return id, nil
	}
	return "", orchestrator.ErrNotFound
}

type env struct {
	store  *db.Store
	client *fakeClient
	syncer *Syncer
	logs   *observer.ObservedLogs
	run    *db.Run
}

var base = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, cid string) *env {
	t.Helper()
	ctx := context.Background()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	gdb, err := db.OpenSQLite("file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, gdb, config.DBConfig{Driver: "sqlite"}))
	store := db.NewStore(gdb)

	u := &db.User{Email: "u@example.com", PasswordHash: "x", Role: models.RoleUser}
	require.NoError(t, store.CreateUser(ctx, u))
	wf := &db.Workflow{Name: "orders", OwnerID: u.ID, DagStatus: models.DagReady, Steps: []string{"extract", "load"}}
	require.NoError(t, store.CreateWorkflow(ctx, wf))
	started := base
	run := &db.Run{WorkflowID: wf.ID, TriggeredBy: u.ID, Status: models.StatusPending, StartedAt: &started}
	if cid != "" {
		run.DagsterRunID = &cid
	}
	require.NoError(t, store.CreateRun(ctx, run))

	core, logs := observer.New(zap.InfoLevel)
	client := &fakeClient{located: map[uint]string{}}
	s := NewSyncer(store, client, 50*time.Millisecond, zap.New(core))
	s.now = func() time.Time { return base.Add(time.Hour) }
	return &env{store: store, client: client, syncer: s, logs: logs, run: run}
}

func (e *env) reload(t *testing.T) *db.Run {
	t.Helper()
	r, err := e.store.GetRun(context.Background(), e.run.ID)
	require.NoError(t, err)
	return r
}

func runningReport() *orchestrator.Report {
	return &orchestrator.Report{
		Status: "RUNNING",
		Steps: []orchestrator.StepReport{
			{Label: "extract", Status: "STARTED"},
		},
		Logs: []orchestrator.LogLine{
			{Level: "INFO", Message: "execution started", Timestamp: base.Add(time.Second)},
			{StepLabel: "extract", Level: "INFO", Message: "step started", Timestamp: base.Add(2 * time.Second)},
		},
	}
}

func successReport() *orchestrator.Report {
	r := runningReport()
	r.Status = "COMPLETED"
	r.OutputPath = "s3://bucket/out.parquet"
	r.Steps = []orchestrator.StepReport{
		{Label: "extract", Status: "COMPLETED"},
		{Label: "load", Status: "COMPLETED"},
	}
	r.Logs = append(r.Logs, orchestrator.LogLine{Level: "INFO", Message: "execution completed", Timestamp: base.Add(time.Minute)})
	return r
}

func TestSuccessThenStaleRunningKeepsSuccess(t *testing.T) {
	e := newEnv(t, "dag-1")
	ctx := context.Background()

	e.client.set(runningReport())
	res, err := e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, res.Status)

	e.client.set(successReport())
	res, err = e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 2, res.StepsUpdated)

	e.client.set(runningReport())
	res, err = e.syncer.Sync(ctx, "dag-1")
	require.ErrorIs(t, err, models.ErrStaleTransition)
	require.NotNil(t, res)
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.NotEmpty(t, res.Anomalies)

	got := e.reload(t)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Equal(t, "s3://bucket/out.parquet", got.OutputFilePath)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, base.Add(time.Hour), got.FinishedAt.UTC())
	assert.Equal(t, 2, e.logs.FilterMessage("sync anomaly").Len())
}

func TestRepeatedSyncDoesNotDuplicateLogs(t *testing.T) {
	e := newEnv(t, "dag-1")
	ctx := context.Background()
	e.client.set(runningReport())

	res, err := e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.LogsAppended)

	res, err = e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.LogsAppended)
	assert.Equal(t, models.TransitionNoop, res.Transition)

	logs, err := e.store.ListLogs(ctx, e.run.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Nil(t, logs[0].StepLabel)
	assert.Equal(t, "extract", *logs[1].StepLabel)
	assert.Equal(t, "dag-1", logs[0].DagsterRunID)

	// the second fetch asks only for lines from the newest stored one on
	require.Len(t, e.client.since, 2)
	assert.Nil(t, e.client.since[0])
	require.NotNil(t, e.client.since[1])
	assert.True(t, e.client.since[1].Equal(base.Add(2*time.Second)))
}

func TestStepsAreCreatedLazily(t *testing.T) {
	e := newEnv(t, "dag-1")
	ctx := context.Background()

	steps, err := e.store.ListSteps(ctx, e.run.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	r := runningReport()
	r.Steps = append(r.Steps, orchestrator.StepReport{Label: "notify", Status: "SCHEDULED"})
	e.client.set(r)
	res, err := e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)

	steps, err = e.store.ListSteps(ctx, e.run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []string{"extract", "load", "notify"}, []string{steps[0].StepLabel, steps[1].StepLabel, steps[2].StepLabel})
	assert.Equal(t, models.StatusRunning, steps[0].Status)
	assert.Equal(t, models.StatusPending, steps[1].Status)
	assert.Contains(t, strings.Join(res.Anomalies, ";"), "unknown_step")
}

func TestBackwardAndUnknownReportsAreIgnored(t *testing.T) {
	e := newEnv(t, "dag-1")
	ctx := context.Background()
	e.client.set(runningReport())
	_, err := e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)

	e.client.set(&orchestrator.Report{Status: "QUEUED", Steps: []orchestrator.StepReport{{Label: "extract", Status: "SCHEDULED"}}})
	res, err := e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)
	assert.Equal(t, models.TransitionBackward, res.Transition)
	assert.Len(t, res.Anomalies, 2)

	e.client.set(&orchestrator.Report{Status: "PAUSED"})
	res, err = e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)
	assert.Contains(t, res.Anomalies[0], "unknown_status")
	assert.Equal(t, models.StatusRunning, e.reload(t).Status)
}

func TestUnnamedStepDoesNotBlockRun(t *testing.T) {
	e := newEnv(t, "dag-1")
	ctx := context.Background()

	r := runningReport()
	r.Steps = append(r.Steps, orchestrator.StepReport{Label: "", Status: "STARTED"})
	e.client.set(r)
	res, err := e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, res.Status)
	assert.Contains(t, strings.Join(res.Anomalies, ";"), "unnamed_step")

	done := successReport()
	done.Steps = append([]orchestrator.StepReport{{Label: "", Status: "COMPLETED"}}, done.Steps...)
	e.client.set(done)
	res, err = e.syncer.Sync(ctx, "dag-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 2, res.StepsUpdated)

	steps, err := e.store.ListSteps(ctx, e.run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, st := range steps {
		assert.NotEmpty(t, st.StepLabel)
		assert.Equal(t, models.StatusSuccess, st.Status)
	}
	assert.Equal(t, models.StatusSuccess, e.reload(t).Status)
}

func TestFailureReportStoresError(t *testing.T) {
	e := newEnv(t, "dag-1")
	e.client.set(&orchestrator.Report{
		Status: "FAILED",
		Error:  "bad row",
		Steps:  []orchestrator.StepReport{{Label: "extract", Status: "FAILED", Error: "bad row"}},
	})
	res, err := e.syncer.Sync(context.Background(), "dag-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, res.Status)

	got := e.reload(t)
	assert.Equal(t, "bad row", got.ErrorMessage)
	steps, err := e.store.ListSteps(context.Background(), e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, steps[0].Status)
	assert.Equal(t, "bad row", steps[0].ErrorMessage)
	require.NotNil(t, steps[0].StartedAt)
}

func TestTransportFailuresLeaveRowsUnchanged(t *testing.T) {
	e := newEnv(t, "dag-1")
	ctx := context.Background()

	e.client.block = true
	_, err := e.syncer.Sync(ctx, "dag-1")
	assert.ErrorIs(t, err, &models.Error{Kind: models.KindSyncFailed, Reason: models.SyncTimeout})

	e.client.block = false
	e.client.err = &orchestrator.ParseError{Err: errors.New("unexpected EOF")}
	_, err = e.syncer.Sync(ctx, "dag-1")
	assert.ErrorIs(t, err, &models.Error{Kind: models.KindSyncFailed, Reason: models.SyncParseError})

	e.client.err = errors.New("connection refused")
	_, err = e.syncer.Sync(ctx, "dag-1")
	assert.ErrorIs(t, err, &models.Error{Kind: models.KindSyncFailed, Reason: models.SyncTransport})

	assert.Equal(t, models.StatusPending, e.reload(t).Status)
	logs, err := e.store.ListLogs(ctx, e.run.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCanceledSyncWritesNothing(t *testing.T) {
	e := newEnv(t, "dag-1")
	e.client.set(successReport())
	ctx, cancel := context.WithCancel(context.Background())
	// cancel after the fetch, before anything is written
	e.client.onFetch = cancel

	_, err := e.syncer.Sync(ctx, "dag-1")
	require.Error(t, err)
	assert.Equal(t, models.KindSyncFailed, models.KindOf(err))

	assert.Equal(t, models.StatusPending, e.reload(t).Status)
	logs, err := e.store.ListLogs(context.Background(), e.run.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSyncRunLocatesMissingCorrelationID(t *testing.T) {
	e := newEnv(t, "")
	ctx := context.Background()
	e.client.set(runningReport())

	_, err := e.syncer.SyncRun(ctx, e.run.ID)
	assert.ErrorIs(t, err, &models.Error{Kind: models.KindSyncFailed, Reason: models.SyncTransport})

	e.client.located[e.run.ID] = "dag-9"
	res, err := e.syncer.SyncRun(ctx, e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, "dag-9", res.CorrelationID)
	assert.Equal(t, "dag-9", e.reload(t).CorrelationID())

	// a later, different id is not adopted
	e.client.located[e.run.ID] = "dag-10"
	res, err = e.syncer.SyncRun(ctx, e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, "dag-9", res.CorrelationID)

	_, err = e.syncer.SyncRun(ctx, 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = e.syncer.Sync(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRejectFailsOnlyUnlinkedPendingRun(t *testing.T) {
	e := newEnv(t, "")
	ctx := context.Background()

	got, err := e.syncer.Reject(ctx, e.run.ID, errors.New("unknown task queue"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, got.Status)
	stored := e.reload(t)
	assert.Equal(t, models.StatusFailure, stored.Status)
	assert.Equal(t, "unknown task queue", stored.ErrorMessage)
	require.NotNil(t, stored.FinishedAt)

	linked := newEnv(t, "dag-1")
	got, err = linked.syncer.Reject(ctx, linked.run.ID, errors.New("late"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, models.StatusPending, linked.reload(t).Status)

	_, err = e.syncer.Reject(ctx, 9999, errors.New("x"))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLinkRejectsDifferentID(t *testing.T) {
	e := newEnv(t, "dag-1")
	err := e.syncer.link(context.Background(), e.run.ID, "dag-2")
	assert.ErrorIs(t, err, models.ErrInternal)
}

func TestRandomReportSequencesNeverMoveBackward(t *testing.T) {
	e := newEnv(t, "dag-1")
	ctx := context.Background()
	vocab := []string{"QUEUED", "STARTED", "RUNNING", "SUCCESS", "FAILURE", "CANCELED", "PAUSED", ""}
	rng := rand.New(rand.NewSource(7))

	rank := map[models.RunStatus]int{models.StatusPending: 0, models.StatusRunning: 1}
	prev := 0
	var terminal models.RunStatus
	for i := 0; i < 40; i++ {
		e.client.set(&orchestrator.Report{Status: vocab[rng.Intn(len(vocab))]})
		_, err := e.syncer.Sync(ctx, "dag-1")
		if err != nil {
			require.ErrorIs(t, err, models.ErrStaleTransition)
		}
		cur := e.reload(t).Status
		r, ok := rank[cur]
		if !ok {
			r = 2
			if terminal == "" {
				terminal = cur
			}
			assert.Equal(t, terminal, cur)
		}
		assert.GreaterOrEqual(t, r, prev)
		prev = r
	}
}
