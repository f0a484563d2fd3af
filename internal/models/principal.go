package models

import (
	"time"
)

// Role gates which operations a principal may perform.
type Role string

const (
	// RoleAdmin may do everything, including configuration mutation and
	// DLQ redrive.
	RoleAdmin Role = "admin"
	// RoleDeveloper may submit, cancel, and read within its tenant.
	RoleDeveloper Role = "developer"
	// RoleAnalyst is read-only.
	RoleAnalyst Role = "analyst"
	// RoleService is a machine principal: submit and read, no cancel.
	RoleService Role = "service"
)

// Operation classes used for role gating and rate bucket keys.
type Operation string

const (
	OpSubmit Operation = "submit"
	OpCancel Operation = "cancel"
	OpRead   Operation = "read"
	OpAdmin  Operation = "admin"
)

// Allows reports whether the role may perform the operation class.
func (r Role) Allows(op Operation) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleDeveloper:
		return op == OpSubmit || op == OpCancel || op == OpRead
	case RoleService:
		return op == OpSubmit || op == OpRead
	case RoleAnalyst:
		return op == OpRead
	}
	return false
}

// Principal is an authenticated caller: the identity behind an API key.
type Principal struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Role      Role      `json:"role"`
	KeyID     string    `json:"key_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the key behind this principal has passed its
// rotation lifetime.
func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}
