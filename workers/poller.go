// Package workers runs background reconciliation of unfinished runs. It
// uses the same sync path as caller-initiated syncs.
package workers

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/models"
	"github.com/surajsub/etl-run-portal/reconcile"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RunSource interface {
	ListActiveRuns(ctx context.Context, limit int) ([]db.Run, error)
}

type RunSyncer interface {
	SyncRun(ctx context.Context, runID uint) (*reconcile.Result, error)
}

// SweepStats summarises one pass over the active runs.
type SweepStats struct {
	ID      string
	Checked int
	Synced  int
	Stale   int
	Failed  int
}

type Poller struct {
	source  RunSource
	syncer  RunSyncer
	limiter *rate.Limiter
	batch   int
	log     *zap.Logger

	mu        sync.Mutex
	cron      *cron.Cron
	entry     cron.EntryID
	sweeps    int
	lastSweep SweepStats
}

// NewPoller paces sync calls at perSecond (unlimited when <= 0) and looks
// at up to batch runs per sweep.
func NewPoller(source RunSource, syncer RunSyncer, perSecond float64, batch int, log *zap.Logger) *Poller {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		source:  source,
		syncer:  syncer,
		limiter: rate.NewLimiter(limit, 1),
		batch:   batch,
		log:     log,
	}
}

// Start schedules Sweep on a cron expression such as "@every 30s". Overlapping
// sweeps are skipped. The schedule stops when ctx is done.
func (p *Poller) Start(ctx context.Context, schedule string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron != nil {
		p.log.Info("poller is already running")
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(p.log))),
	))
	id, err := c.AddFunc(schedule, func() { p.Sweep(ctx) })
	if err != nil {
		return err
	}
	c.Start()
	p.cron = c
	p.entry = id
	p.log.Info("poller started", zap.String("schedule", schedule), zap.Int("batch", p.batch))

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.log.Info("poller stopped")
}

// Sweep syncs every active run once.
func (p *Poller) Sweep(ctx context.Context) SweepStats {
	stats := SweepStats{ID: uuid.NewString()}
	runs, err := p.source.ListActiveRuns(ctx, p.batch)
	if err != nil {
		p.log.Error("listing active runs failed", zap.String("sweep_id", stats.ID), zap.Error(err))
		return stats
	}

	for _, run := range runs {
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}
		stats.Checked++
		_, err := p.syncer.SyncRun(ctx, run.ID)
		switch {
		case err == nil:
			stats.Synced++
		case errors.Is(err, models.ErrStaleTransition):
			stats.Stale++
		default:
			stats.Failed++
		}
	}

	p.mu.Lock()
	p.sweeps++
	p.lastSweep = stats
	p.mu.Unlock()

	p.log.Info("sweep finished",
		zap.String("sweep_id", stats.ID),
		zap.Int("checked", stats.Checked),
		zap.Int("synced", stats.Synced),
		zap.Int("stale", stats.Stale),
		zap.Int("failed", stats.Failed))
	return stats
}

// Sweeps returns how many sweeps completed and the latest one.
func (p *Poller) Sweeps() (int, SweepStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweeps, p.lastSweep
}
