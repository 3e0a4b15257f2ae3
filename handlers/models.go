package handlers

import (
	"time"

	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/reconcile"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *db.User  `json:"user"`
}

type PermissionRequest struct {
	PermissionLevel string `json:"permission_level"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error             string     `json:"error"`
	RequestID         string     `json:"request_id,omitempty"`
	RemainingAttempts *int       `json:"remaining_attempts,omitempty"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	Run               *db.Run    `json:"run,omitempty"`
}

type RunList struct {
	Runs   []db.Run `json:"runs"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

type SyncResponse struct {
	*reconcile.Result
	Stale bool `json:"stale"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
