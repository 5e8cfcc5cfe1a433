package enforcer

import (
	"time"
)

// AccessLevel orders the access tiers. Each level subsumes the ones
// below it: full > write > execute > read > none.
type AccessLevel int

const (
	LevelNone AccessLevel = iota
	LevelRead
	LevelExecute
	LevelWrite
	LevelFull
)

// String returns the configuration spelling of the level.
func (l AccessLevel) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelExecute:
		return "execute"
	case LevelWrite:
		return "write"
	case LevelFull:
		return "full"
	default:
		return "none"
	}
}

// ParseLevel maps a configuration string to a level. Unknown strings
// parse as none, the safe floor.
func ParseLevel(s string) AccessLevel {
	switch s {
	case "read":
		return LevelRead
	case "execute":
		return LevelExecute
	case "write":
		return LevelWrite
	case "full":
		return LevelFull
	default:
		return LevelNone
	}
}

// Covers reports whether the level satisfies a requirement.
func (l AccessLevel) Covers(required AccessLevel) bool {
	return l >= required
}

// RoleAdmin is the top administrative role. Only it can approve
// cross-domain requests.
const RoleAdmin = "admin"

// DomainRequest is one access request to validate.
type DomainRequest struct {
	ID        string
	Role      string
	Tenant    string
	Operation string
	Resource  string
	Requester string
	Metadata  map[string]interface{}
	Time      time.Time
}

// ValidationResult is the enforcer's decision. Denials are results,
// never errors.
type ValidationResult struct {
	Allowed bool
	Reason  string

	// Violation marks a wrong-domain attempt: the operation belongs
	// to another tenant's exclusive set. It is distinct from a mere
	// permission shortfall.
	Violation bool

	// SuggestedTenant names the tenant that owns the operation when
	// Violation is set.
	SuggestedTenant string

	// UnmetRestrictions lists every restriction rule the request
	// failed, not just the first.
	UnmetRestrictions []string

	// AuditID references the audit entry recorded for this decision,
	// empty when auditing is disabled.
	AuditID string
}

// CrossDomainStatus tracks the lifecycle of a cross-domain request.
type CrossDomainStatus string

const (
	CrossDomainPending  CrossDomainStatus = "pending"
	CrossDomainApproved CrossDomainStatus = "approved"
)

// CrossDomainRequest asks for an exclusive operation of another
// tenant. Approval is permanent.
type CrossDomainRequest struct {
	ID         string
	Role       string
	Tenant     string
	Operation  string
	Reason     string
	Status     CrossDomainStatus
	CreatedAt  time.Time
	ApprovedBy string
	ApprovedAt time.Time
}

// Statistics aggregates validation decisions since startup.
type Statistics struct {
	Total      int64
	Allowed    int64
	Denied     int64
	Violations int64
	ByTenant   map[string]int64
	ByRole     map[string]int64
}

// DomainInfo summarizes one tenant's enforcement configuration.
type DomainInfo struct {
	Tenant              string
	RolesWithAccess     map[string]AccessLevel
	ExclusiveOperations []string
}
