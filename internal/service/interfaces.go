package service

import (
	"context"

	"github.com/meridianerp/be-approvals/internal/policy"
	"github.com/meridianerp/be-approvals/internal/repository"
)

// Store interfaces are declared here, on the consumer side, and satisfied by
// the concrete repositories. Tests substitute in-memory implementations.

// ChainStore persists approval chains.
type ChainStore interface {
	Create(ctx context.Context, chain *repository.ApprovalChain) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalChain, error)
	ListByOperationType(ctx context.Context, operationType string, activeOnly bool) ([]*repository.ApprovalChain, error)
	List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalChain, error)
	Update(ctx context.Context, chain *repository.ApprovalChain) error
	Delete(ctx context.Context, id string) error
	CountReferencing(ctx context.Context, id string) (int, error)
}

// RequestStore persists approval requests and their history.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest, action *repository.ApprovalAction) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	ApplyTransition(ctx context.Context, req *repository.ApprovalRequest, expectedVersion int, action *repository.ApprovalAction) error
	GetActions(ctx context.Context, requestID string) ([]*repository.ApprovalAction, error)
	ListOpen(ctx context.Context, limit int) ([]*repository.ApprovalRequest, error)
	ListPendingForApprover(ctx context.Context, approverID string, roles []string) ([]*repository.ApprovalRequest, error)
}

// GuardStore persists approval guards.
type GuardStore interface {
	Create(ctx context.Context, guard *repository.ApprovalGuard) error
	GetByOperationType(ctx context.Context, operationType string) (*repository.ApprovalGuard, error)
	List(ctx context.Context) ([]*repository.ApprovalGuard, error)
	Update(ctx context.Context, guard *repository.ApprovalGuard) error
	Delete(ctx context.Context, id string) error
}

// AuditStore appends to and reads the tamper-evident audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByCorrelationID(ctx context.Context, correlationID string) ([]*repository.AuditEntry, error)
	GetByEntity(ctx context.Context, entityType, entityID string) ([]*repository.AuditEntry, error)
	VerifyChain(ctx context.Context, correlationID string) (int, error)
}

// IdentityClient resolves user/role information from the identity service.
type IdentityClient interface {
	// GetUserRoles returns the role names a user holds.
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	// GetUsersWithRole returns user IDs holding the given role.
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
}

// Notifier publishes approval lifecycle events to collaborating modules.
// Implementations must be non-fatal: a failed publish never fails the
// approval operation that triggered it.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType string, req *repository.ApprovalRequest)
	PublishGuardBypass(ctx context.Context, reqCtx *policy.RequestContext, reason string)
}

// Event types published to collaborators.
const (
	EventRequestCreated      = "request_created"
	EventRequestApproved     = "request_approved"
	EventRequestRejected     = "request_rejected"
	EventRequestCancelled    = "request_cancelled"
	EventRequestEscalated    = "request_escalated"
	EventRequestAutoApproved = "request_auto_approved"
	EventRequestDelegated    = "request_delegated"
	EventGuardBypassed       = "guard_bypassed"
)
