package db

import (
	"context"
	"time"

	"github.com/surajsub/etl-run-portal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RunFilter narrows ListRuns. Nil fields are ignored.
type RunFilter struct {
	WorkflowID *uint
	Status     *models.RunStatus
	MinID      *uint
	MaxID      *uint
	// GrantedTo restricts the result to workflows the user holds an
	// explicit grant on.
	GrantedTo *uint
	Limit     int
	Offset    int
}

// StatusUpdate is a forward transition plus the fields that travel with it.
type StatusUpdate struct {
	Status         models.RunStatus
	StartedAt      *time.Time
	FinishedAt     *time.Time
	ErrorMessage   *string
	OutputFilePath *string
}

func (u StatusUpdate) columns() map[string]any {
	cols := map[string]any{"status": u.Status}
	if u.StartedAt != nil {
		cols["started_at"] = *u.StartedAt
	}
	if u.FinishedAt != nil {
		cols["finished_at"] = *u.FinishedAt
	}
	if u.ErrorMessage != nil {
		cols["error_message"] = *u.ErrorMessage
	}
	if u.OutputFilePath != nil {
		cols["output_file_path"] = *u.OutputFilePath
	}
	return cols
}

func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

func (s *Store) GetRun(ctx context.Context, id uint) (*Run, error) {
	var r Run
	if err := s.db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// LockRun loads the run under a row lock. Only meaningful inside
// Transaction.
func (s *Store) LockRun(ctx context.Context, id uint) (*Run, error) {
	var r Run
	if err := s.forUpdate(s.db.WithContext(ctx)).First(&r, id).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *Store) GetRunByCorrelationID(ctx context.Context, correlationID string) (*Run, error) {
	var r Run
	if err := s.db.WithContext(ctx).Where("dagster_run_id = ?", correlationID).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// ListRuns returns runs newest first: started_at descending, then id
// descending.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	q := s.db.WithContext(ctx).Model(&Run{})
	if f.WorkflowID != nil {
		q = q.Where("workflow_id = ?", *f.WorkflowID)
	}
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.MinID != nil {
		q = q.Where("id >= ?", *f.MinID)
	}
	if f.MaxID != nil {
		q = q.Where("id <= ?", *f.MaxID)
	}
	if f.GrantedTo != nil {
		granted := s.db.Model(&WorkflowPermission{}).Select("workflow_id").Where("user_id = ?", *f.GrantedTo)
		q = q.Where("workflow_id IN (?)", granted)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var runs []Run
	err := q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "started_at"}, Desc: true},
		{Column: clause.Column{Name: "id"}, Desc: true},
	}}).Find(&runs).Error
	return runs, err
}

// ListActiveRuns returns non-terminal runs, oldest first.
func (s *Store) ListActiveRuns(ctx context.Context, limit int) ([]Run, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ?", []models.RunStatus{models.StatusPending, models.StatusRunning}).
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []Run
	return runs, q.Find(&runs).Error
}

// SetCorrelationID stores the orchestrator id if the run has none yet.
// It reports false when the run already carries an id.
func (s *Store) SetCorrelationID(ctx context.Context, runID uint, correlationID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND dagster_run_id IS NULL", runID).
		Update("dagster_run_id", correlationID)
	return res.RowsAffected > 0, translate(res.Error)
}

// AdvanceRun applies upd only if the stored status is a legal
// predecessor. It reports whether the row changed.
func (s *Store) AdvanceRun(ctx context.Context, runID uint, upd StatusUpdate) (bool, error) {
	return advance(s.db.WithContext(ctx).Model(&Run{}), runID, upd)
}

func (s *Store) AdvanceStep(ctx context.Context, stepID uint, upd StatusUpdate) (bool, error) {
	return advance(s.db.WithContext(ctx).Model(&StepStatus{}), stepID, upd)
}

func advance(q *gorm.DB, id uint, upd StatusUpdate) (bool, error) {
	preds := models.Predecessors(upd.Status)
	if len(preds) == 0 {
		return false, nil
	}
	res := q.Where("id = ? AND status IN ?", id, preds).Updates(upd.columns())
	return res.RowsAffected > 0, res.Error
}

func (s *Store) ListSteps(ctx context.Context, runID uint) ([]StepStatus, error) {
	var steps []StepStatus
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id").Find(&steps).Error
	return steps, err
}

// EnsureSteps creates a pending row for each label that has none yet.
func (s *Store) EnsureSteps(ctx context.Context, runID uint, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	rows := make([]StepStatus, 0, len(labels))
	for _, l := range labels {
		rows = append(rows, StepStatus{RunID: runID, StepLabel: l, Status: models.StatusPending})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "step_label"}},
		DoNothing: true,
	}).Create(&rows).Error
}

// AppendLogs inserts lines whose dedup key is new and returns how many
// were written.
func (s *Store) AppendLogs(ctx context.Context, logs []Log) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}
	for i := range logs {
		if logs[i].DedupKey == "" {
			logs[i].DedupKey = LogDedupKey(logs[i].RunID, logs[i].Timestamp, logs[i].Message)
		}
		logs[i].Timestamp = logs[i].Timestamp.UTC()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoNothing: true,
	}).Create(&logs)
	return res.RowsAffected, res.Error
}

// ListLogs orders by timestamp, then insertion id.
func (s *Store) ListLogs(ctx context.Context, runID uint) ([]Log, error) {
	var logs []Log
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order(`"timestamp", id`).Find(&logs).Error
	return logs, err
}

// LastLogTime returns the newest stored log timestamp for the run, or nil.
func (s *Store) LastLogTime(ctx context.Context, runID uint) (*time.Time, error) {
	var l Log
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order(`"timestamp" DESC, id DESC`).Limit(1).Find(&l).Error
	if err != nil || l.ID == 0 {
		return nil, err
	}
	ts := l.Timestamp
	return &ts, nil
}
