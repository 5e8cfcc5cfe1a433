// Package enforcer validates requests against the tenant access
// matrix, the exclusive-operation sets, and the resource restriction
// rules, recording every decision in the audit trail. A denial is a
// result, never an error: errors are reserved for the enforcer itself
// being unable to decide.
package enforcer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/capmesh/capmesh/internal/audit"
	"github.com/capmesh/capmesh/internal/config"
	"github.com/capmesh/capmesh/internal/observability"
)

// Enforcer applies the domain access policy.
type Enforcer struct {
	logger observability.Logger
	tracer *observability.Tracer
	audit  *audit.Logger

	matrix       map[string]map[string]AccessLevel
	opLevels     map[string]AccessLevel
	exclusive    map[string][]string
	restrictions *restrictionSet
	auditEnabled bool

	mu         sync.Mutex
	crossReqs  map[string]*CrossDomainRequest
	stats      Statistics
}

// EnforcerOption is a functional option for configuring the enforcer.
type EnforcerOption func(*Enforcer)

// WithEnforcerLogger sets the logger.
func WithEnforcerLogger(logger observability.Logger) EnforcerOption {
	return func(e *Enforcer) {
		e.logger = logger
	}
}

// WithEnforcerTracer sets the tracer.
func WithEnforcerTracer(tracer *observability.Tracer) EnforcerOption {
	return func(e *Enforcer) {
		e.tracer = tracer
	}
}

// WithAuditLogger sets the audit trail destination.
func WithAuditLogger(al *audit.Logger) EnforcerOption {
	return func(e *Enforcer) {
		e.audit = al
	}
}

// New builds an enforcer from configuration. Restriction expressions
// are compiled here; a bad expression fails construction.
func New(cfg config.EnforcerConfig, opts ...EnforcerOption) (*Enforcer, error) {
	e := &Enforcer{
		logger:       observability.NopLogger(),
		tracer:       observability.NopTracer(),
		matrix:       make(map[string]map[string]AccessLevel, len(cfg.AccessMatrix)),
		opLevels:     make(map[string]AccessLevel, len(cfg.OperationLevels)),
		exclusive:    cfg.ExclusiveOperations,
		auditEnabled: cfg.AuditEnabled,
		crossReqs:    make(map[string]*CrossDomainRequest),
		stats: Statistics{
			ByTenant: make(map[string]int64),
			ByRole:   make(map[string]int64),
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	for role, tenants := range cfg.AccessMatrix {
		levels := make(map[string]AccessLevel, len(tenants))
		for tenant, level := range tenants {
			levels[tenant] = ParseLevel(level)
		}
		e.matrix[role] = levels
	}
	for op, level := range cfg.OperationLevels {
		e.opLevels[op] = ParseLevel(level)
	}

	restrictions, err := newRestrictionSet(cfg.Restrictions, e.logger)
	if err != nil {
		return nil, err
	}
	e.restrictions = restrictions

	return e, nil
}

// requiredLevel returns the level an operation demands. Operations
// missing from the table require execute.
func (e *Enforcer) requiredLevel(operation string) AccessLevel {
	if level, ok := e.opLevels[operation]; ok {
		return level
	}
	return LevelExecute
}

// exclusiveOwner returns the tenant whose exclusive set contains the
// operation, or "" when the operation is unrestricted.
func (e *Enforcer) exclusiveOwner(operation string) string {
	for tenant, ops := range e.exclusive {
		for _, op := range ops {
			if op == operation {
				return tenant
			}
		}
	}
	return ""
}

// ValidateRequest decides one request. The checks run in a fixed
// order: operation level lookup, matrix presence, exclusive-set
// ownership, level sufficiency, restriction rules. The decision is
// audited whether allowed or not.
func (e *Enforcer) ValidateRequest(ctx context.Context, req *DomainRequest) (*ValidationResult, error) {
	_, span := e.tracer.Start(ctx, "enforcer.ValidateRequest",
		trace.WithAttributes(
			attribute.String("role", req.Role),
			attribute.String("tenant", req.Tenant),
			attribute.String("operation", req.Operation),
		))
	defer span.End()

	if req.Role == "" || req.Tenant == "" || req.Operation == "" {
		return nil, fmt.Errorf("request requires role, tenant, and operation")
	}

	result := e.decide(req)
	e.record(req, result)
	return result, nil
}

// decide runs the validation sequence without side effects on the
// audit trail.
func (e *Enforcer) decide(req *DomainRequest) *ValidationResult {
	required := e.requiredLevel(req.Operation)

	have := LevelNone
	if tenants, ok := e.matrix[req.Role]; ok {
		have = tenants[req.Tenant]
	}

	if have == LevelNone {
		return &ValidationResult{
			Reason: fmt.Sprintf("role %q has no access to tenant %q", req.Role, req.Tenant),
		}
	}

	// A wrong-domain attempt outranks a permission shortfall: asking
	// the business domain for a deployment is flagged as a violation
	// even when the role's level would otherwise be too low anyway.
	if owner := e.exclusiveOwner(req.Operation); owner != "" && owner != req.Tenant {
		if !e.approvedCrossDomain(req.Role, req.Tenant, req.Operation) {
			return &ValidationResult{
				Reason: fmt.Sprintf("operation %q is exclusive to tenant %q and cannot run in tenant %q",
					req.Operation, owner, req.Tenant),
				Violation:       true,
				SuggestedTenant: owner,
			}
		}
	}

	if !have.Covers(required) {
		return &ValidationResult{
			Reason: fmt.Sprintf("insufficient access level: role %q has %q on tenant %q, operation %q requires %q",
				req.Role, have, req.Tenant, req.Operation, required),
		}
	}

	if unmet := e.restrictions.unmet(req); len(unmet) > 0 {
		return &ValidationResult{
			Reason:            fmt.Sprintf("restrictions not met: %s", strings.Join(unmet, ", ")),
			UnmetRestrictions: unmet,
		}
	}

	return &ValidationResult{Allowed: true, Reason: "allowed"}
}

// record updates statistics, the audit trail, and the logs for one
// decision. Violations are logged at elevated severity.
func (e *Enforcer) record(req *DomainRequest, result *ValidationResult) {
	e.mu.Lock()
	e.stats.Total++
	if result.Allowed {
		e.stats.Allowed++
	} else {
		e.stats.Denied++
	}
	if result.Violation {
		e.stats.Violations++
	}
	e.stats.ByTenant[req.Tenant]++
	e.stats.ByRole[req.Role]++
	e.mu.Unlock()

	recordValidation(req.Tenant, req.Role, result.Allowed, result.Violation)

	outcome := audit.OutcomeDenied
	if result.Allowed {
		outcome = audit.OutcomeAllowed
	}

	if e.audit != nil && e.auditEnabled {
		entry := e.audit.Record(audit.Entry{
			RequestID: req.ID,
			Role:      req.Role,
			Tenant:    req.Tenant,
			Operation: req.Operation,
			Outcome:   outcome,
			Reason:    result.Reason,
			Violation: result.Violation,
			Metadata:  auditMetadata(req, result),
		})
		result.AuditID = entry.ID
	}

	fields := []observability.Field{
		observability.String("role", req.Role),
		observability.String("tenant", req.Tenant),
		observability.String("operation", req.Operation),
		observability.String("reason", result.Reason),
	}
	switch {
	case result.Violation:
		e.logger.Error("domain violation", append(fields,
			observability.String("suggested_tenant", result.SuggestedTenant))...)
	case !result.Allowed:
		e.logger.Warn("request denied", fields...)
	default:
		e.logger.Debug("request allowed", fields...)
	}
}

func auditMetadata(req *DomainRequest, result *ValidationResult) map[string]string {
	md := map[string]string{}
	if req.Resource != "" {
		md["resource"] = req.Resource
	}
	if req.Requester != "" {
		md["requester"] = req.Requester
	}
	if result.SuggestedTenant != "" {
		md["suggested_tenant"] = result.SuggestedTenant
	}
	if len(result.UnmetRestrictions) > 0 {
		md["unmet_restrictions"] = strings.Join(result.UnmetRestrictions, ",")
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// CreateCrossDomainRequest files a pending request for an exclusive
// operation of another tenant.
func (e *Enforcer) CreateCrossDomainRequest(role, tenant, operation, reason string) *CrossDomainRequest {
	req := &CrossDomainRequest{
		ID:        uuid.New().String(),
		Role:      role,
		Tenant:    tenant,
		Operation: operation,
		Reason:    reason,
		Status:    CrossDomainPending,
		CreatedAt: time.Now(),
	}

	e.mu.Lock()
	e.crossReqs[req.ID] = req
	e.mu.Unlock()

	e.logger.Info("cross-domain request created",
		observability.String("id", req.ID),
		observability.String("role", role),
		observability.String("tenant", tenant),
		observability.String("operation", operation),
	)
	return req
}

// ApproveCrossDomainRequest approves a pending request. It returns
// true only when the approver holds the administrative role and the
// ID names a known pending request; every other case returns false
// without an error.
func (e *Enforcer) ApproveCrossDomainRequest(id, approver, approverRole string) bool {
	if approverRole != RoleAdmin {
		e.logger.Warn("cross-domain approval refused",
			observability.String("id", id),
			observability.String("approver", approver),
			observability.String("role", approverRole),
		)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.crossReqs[id]
	if !ok || req.Status != CrossDomainPending {
		return false
	}

	req.Status = CrossDomainApproved
	req.ApprovedBy = approver
	req.ApprovedAt = time.Now()

	e.logger.Info("cross-domain request approved",
		observability.String("id", id),
		observability.String("approver", approver),
	)
	return true
}

// CheckCrossDomainApproval reports whether an approved request covers
// the (role, tenant, operation) triple.
func (e *Enforcer) CheckCrossDomainApproval(role, tenant, operation string) bool {
	return e.approvedCrossDomain(role, tenant, operation)
}

func (e *Enforcer) approvedCrossDomain(role, tenant, operation string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, req := range e.crossReqs {
		if req.Status == CrossDomainApproved &&
			req.Role == role && req.Tenant == tenant && req.Operation == operation {
			return true
		}
	}
	return false
}

// CrossDomainRequests returns a copy of all filed requests.
func (e *Enforcer) CrossDomainRequests() []CrossDomainRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]CrossDomainRequest, 0, len(e.crossReqs))
	for _, req := range e.crossReqs {
		out = append(out, *req)
	}
	return out
}

// AuditLogs queries the audit trail. Nil when auditing is disabled.
func (e *Enforcer) AuditLogs(filter audit.Filter) []audit.Entry {
	if e.audit == nil {
		return nil
	}
	return e.audit.Query(filter)
}

// ClearAuditLogs removes audit entries older than the horizon and
// reports how many were removed.
func (e *Enforcer) ClearAuditLogs(olderThan time.Time) int {
	if e.audit == nil {
		return 0
	}
	return e.audit.Clear(olderThan)
}

// ValidationStatistics returns a copy of the decision counters.
func (e *Enforcer) ValidationStatistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.stats
	out.ByTenant = make(map[string]int64, len(e.stats.ByTenant))
	for k, v := range e.stats.ByTenant {
		out.ByTenant[k] = v
	}
	out.ByRole = make(map[string]int64, len(e.stats.ByRole))
	for k, v := range e.stats.ByRole {
		out.ByRole[k] = v
	}
	return out
}

// DomainSummary describes each tenant's roles and exclusive
// operations.
func (e *Enforcer) DomainSummary() map[string]DomainInfo {
	out := make(map[string]DomainInfo)

	ensure := func(tenant string) DomainInfo {
		info, ok := out[tenant]
		if !ok {
			info = DomainInfo{
				Tenant:          tenant,
				RolesWithAccess: make(map[string]AccessLevel),
			}
		}
		return info
	}

	for role, tenants := range e.matrix {
		for tenant, level := range tenants {
			if level == LevelNone {
				continue
			}
			info := ensure(tenant)
			info.RolesWithAccess[role] = level
			out[tenant] = info
		}
	}
	for tenant, ops := range e.exclusive {
		info := ensure(tenant)
		info.ExclusiveOperations = append(info.ExclusiveOperations, ops...)
		out[tenant] = info
	}
	return out
}
