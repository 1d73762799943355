package repository

import (
	"time"

	"github.com/meridianerp/be-approvals/internal/policy"
)

// ── Domain types for the approval engine ─────────────────────────────────────

// Request statuses. Approved, rejected and cancelled are terminal.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusEscalated = "escalated"
)

// History / audit actions recorded against a request.
const (
	ActionCreated      = "created"
	ActionApproved     = "approved"
	ActionRejected     = "rejected"
	ActionCancelled    = "cancelled"
	ActionEscalated    = "escalated"
	ActionAutoApproved = "auto_approved"
	ActionDelegated    = "delegated"
)

// Audit entry sources and risk levels.
const (
	SourceUser   = "user"
	SourceSystem = "system"

	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ApprovalChain is a configured approval policy for one operation type.
// Chains are administrator-owned; the request lifecycle never mutates them.
type ApprovalChain struct {
	ID                  string
	Name                string
	OperationType       string
	Priority            int // higher evaluated first
	MinApprovers        int
	RequireAllApprovers bool
	AmountThreshold     int64 // cents; chain triggers at amount >= threshold
	RoleRestrictions    policy.RoleSet
	ApproverRoles       policy.RoleSet
	Conditions          *policy.Condition
	AutoApproveAfterHrs *int
	EscalateAfterHrs    *int
	EscalationChainID   *string
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ApprovalRequest is one in-flight or resolved approval decision for one
// (entity_type, entity_id) pair.
type ApprovalRequest struct {
	ID                     string
	OperationType          string
	EntityType             string
	EntityID               string
	ChainID                string
	Amount                 int64
	Currency               string
	Description            string
	RequestData            map[string]any // opaque snapshot for audit replay
	Status                 string
	TotalRequiredApprovals int
	CurrentApprovals       int
	CurrentApproverLevel   int
	RequestedBy            string
	FinalApprovedBy        *string
	FinalRejectedBy        *string
	RejectionReason        *string
	EscalationReason       *string
	RequestedAt            time.Time
	ApprovedAt             *time.Time
	RejectedAt             *time.Time
	EscalatedAt            *time.Time
	AutoApprovalAt         *time.Time
	CorrelationID          string
	Version                int // optimistic concurrency token
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsTerminal reports whether the request can no longer change.
func (r *ApprovalRequest) IsTerminal() bool {
	switch r.Status {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsOpen reports whether the request still awaits resolution.
func (r *ApprovalRequest) IsOpen() bool {
	return r.Status == StatusPending || r.Status == StatusEscalated
}

// ApprovalAction is one entry in a request's ordered approval history.
type ApprovalAction struct {
	ID         string
	RequestID  string
	Actor      string
	Action     string
	Comment    *string
	DelegateTo *string // set only for delegation actions
	ActedAt    time.Time
}

// ApprovalGuard is a per-operation-type pre-flight safety policy, evaluated
// before any chain is consulted.
type ApprovalGuard struct {
	ID                     string
	OperationType          string
	IsActive               bool
	AmountThreshold        int64
	RoleExceptions         policy.RoleSet
	BlockIfNoApprover      bool
	AllowEmergencyOverride bool
	EmergencyOverrideRoles policy.RoleSet
	NotifyOnBypass         bool
	AuditAllAttempts       bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// AuditEntry is one immutable record in the audit log. Entries sharing a
// correlation id form a hash chain: each checksum covers the entry plus the
// previous entry's checksum, so any mutation is detectable by replay.
type AuditEntry struct {
	ID              string
	Action          string
	EntityType      string
	EntityID        string
	Actor           string
	ActorRole       string
	Source          string // user | system
	RiskLevel       string // low | medium | high
	ComplianceFlags []string
	PreviousValues  map[string]any
	NewValues       map[string]any
	CorrelationID   *string
	ParentAuditID   *string
	Checksum        string
	RecordedAt      time.Time
}
