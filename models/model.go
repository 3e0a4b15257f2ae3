package models

import "fmt"

// Role is the global role of a portal user.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleViewer:
		return true
	}
	return false
}

// PermissionLevel is the effective access a user has on one workflow.
// Levels are ordered: none < read < write < admin.
type PermissionLevel string

const (
	PermissionNone  PermissionLevel = "none"
	PermissionRead  PermissionLevel = "read"
	PermissionWrite PermissionLevel = "write"
	PermissionAdmin PermissionLevel = "admin"
)

var permissionRank = map[PermissionLevel]int{
	PermissionNone:  0,
	PermissionRead:  1,
	PermissionWrite: 2,
	PermissionAdmin: 3,
}

// AtLeast reports whether p grants at least min. Unknown levels grant nothing.
func (p PermissionLevel) AtLeast(min PermissionLevel) bool {
	have, ok := permissionRank[p]
	if !ok {
		return false
	}
	return have >= permissionRank[min]
}

// Grantable reports whether p may be stored as an explicit grant.
func (p PermissionLevel) Grantable() bool {
	return p == PermissionRead || p == PermissionWrite || p == PermissionAdmin
}

// ParsePermissionLevel accepts the three grantable levels.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	p := PermissionLevel(s)
	if !p.Grantable() {
		return PermissionNone, fmt.Errorf("invalid permission level %q", s)
	}
	return p, nil
}

// DagStatus is the publication state of a workflow definition.
type DagStatus string

const (
	DagNotPublished DagStatus = "not_published"
	DagCreated      DagStatus = "created"
	DagReady        DagStatus = "ready"
)

// LogLevel of a run log line.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)
