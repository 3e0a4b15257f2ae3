package db

import (
	"context"
	"fmt"

	"github.com/surajsub/etl-run-portal/models"
	"gorm.io/gorm/clause"
)

func errInvalidEnum(field, value string) error {
	return fmt.Errorf("invalid %s %q", field, value)
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf.DagStatus == "" {
		wf.DagStatus = models.DagNotPublished
	}
	return translate(s.db.WithContext(ctx).Create(wf).Error)
}

func (s *Store) GetWorkflow(ctx context.Context, id uint) (*Workflow, error) {
	var wf Workflow
	if err := s.db.WithContext(ctx).First(&wf, id).Error; err != nil {
		return nil, translate(err)
	}
	return &wf, nil
}

func (s *Store) SetDagStatus(ctx context.Context, id uint, status models.DagStatus) error {
	res := s.db.WithContext(ctx).Model(&Workflow{}).Where("id = ?", id).Update("dag_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindPermissions returns every grant row for the pair. More than one row
// means the uniqueness invariant was broken and is left for the caller to
// report.
func (s *Store) FindPermissions(ctx context.Context, workflowID, userID uint) ([]WorkflowPermission, error) {
	var perms []WorkflowPermission
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND user_id = ?", workflowID, userID).
		Order("id").
		Find(&perms).Error
	return perms, err
}

// UpsertPermission creates the grant or replaces its level.
func (s *Store) UpsertPermission(ctx context.Context, p *WorkflowPermission) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"permission_level", "updated_at"}),
	}).Create(p).Error
	return translate(err)
}

// DeletePermission removes the grant and reports whether one existed.
func (s *Store) DeletePermission(ctx context.Context, workflowID, userID uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("workflow_id = ? AND user_id = ?", workflowID, userID).
		Delete(&WorkflowPermission{})
	return res.RowsAffected > 0, res.Error
}
