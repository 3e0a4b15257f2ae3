package db

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/surajsub/etl-run-portal/models"
	"gorm.io/datatypes"
)

// User is a portal account together with its lockout counters.
type User struct {
	ID                  uint        `gorm:"primaryKey" json:"id"`
	Email               string      `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash        string      `gorm:"size:255;not null" json:"-"`
	Role                models.Role `gorm:"type:varchar(16);not null;default:user" json:"role"`
	FailedLoginAttempts int         `gorm:"not null;default:0" json:"-"`
	IsLocked            bool        `gorm:"not null;default:false" json:"-"`
	LockedUntil         *time.Time  `json:"-"`
	LastLoginAt         *time.Time  `json:"last_login_at,omitempty"`
	LoginCount          int         `gorm:"not null;default:0" json:"login_count"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"-"`
}

// LockActive reports whether the stored lock still holds at now. A lock
// whose locked_until has passed no longer applies even if is_locked was
// never cleared.
func (u *User) LockActive(now time.Time) bool {
	return u.IsLocked && u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

type Workflow struct {
	ID          uint                        `gorm:"primaryKey" json:"id"`
	Name        string                      `gorm:"size:255;not null" json:"name"`
	OwnerID     uint                        `gorm:"index;not null" json:"owner_id"`
	DagStatus   models.DagStatus            `gorm:"type:varchar(16);not null;default:not_published" json:"dag_status"`
	Steps       datatypes.JSONSlice[string] `json:"steps"`
	Parameters  datatypes.JSON              `json:"parameters,omitempty"`
	Destination datatypes.JSON              `json:"destination,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// WorkflowPermission is an explicit grant. At most one row per
// (workflow, user).
type WorkflowPermission struct {
	ID              uint                   `gorm:"primaryKey" json:"id"`
	WorkflowID      uint                   `gorm:"not null;uniqueIndex:idx_workflow_user,priority:1" json:"workflow_id"`
	UserID          uint                   `gorm:"not null;uniqueIndex:idx_workflow_user,priority:2;index" json:"user_id"`
	PermissionLevel models.PermissionLevel `gorm:"type:varchar(16);not null" json:"permission_level"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Run is one execution attempt of a workflow. Rows are never deleted.
type Run struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	WorkflowID     uint             `gorm:"index;not null" json:"workflow_id"`
	TriggeredBy    uint             `gorm:"not null" json:"triggered_by"`
	DagsterRunID   *string          `gorm:"size:255;uniqueIndex" json:"dagster_run_id,omitempty"`
	Status         models.RunStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	StartedAt      *time.Time       `gorm:"index" json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	ErrorMessage   string           `gorm:"type:text" json:"error_message,omitempty"`
	InputFilePath  string           `gorm:"size:1024" json:"input_file_path,omitempty"`
	OutputFilePath string           `gorm:"size:1024" json:"output_file_path,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// CorrelationID returns the orchestrator id or "" when not yet known.
func (r *Run) CorrelationID() string {
	if r.DagsterRunID == nil {
		return ""
	}
	return *r.DagsterRunID
}

type StepStatus struct {
	ID           uint             `gorm:"primaryKey" json:"id"`
	RunID        uint             `gorm:"not null;uniqueIndex:idx_run_step,priority:1" json:"run_id"`
	StepLabel    string           `gorm:"size:255;not null;uniqueIndex:idx_run_step,priority:2" json:"step_label"`
	Status       models.RunStatus `gorm:"type:varchar(16);not null" json:"status"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	ErrorMessage string           `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"-"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Log is an append-only execution log line.
type Log struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	RunID        uint            `gorm:"not null;index:idx_run_log_order,priority:1" json:"run_id"`
	StepLabel    *string         `gorm:"size:255" json:"step_label,omitempty"`
	LogLevel     models.LogLevel `gorm:"type:varchar(16);not null" json:"log_level"`
	Message      string          `gorm:"type:text;not null" json:"message"`
	Timestamp    time.Time       `gorm:"not null;index:idx_run_log_order,priority:2" json:"timestamp"`
	DagsterRunID string          `gorm:"size:255" json:"dagster_run_id,omitempty"`
	DedupKey     string          `gorm:"size:64;uniqueIndex;not null" json:"-"`
}

// LogDedupKey identifies a log line by run, timestamp and message.
func LogDedupKey(runID uint, ts time.Time, message string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(uint64(runID), 10)))
	h.Write([]byte{0})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// AllModels lists every table managed by AutoMigrate.
func AllModels() []any {
	return []any{&User{}, &Workflow{}, &WorkflowPermission{}, &Run{}, &StepStatus{}, &Log{}}
}
