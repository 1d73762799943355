package service

import (
	"context"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/logger"
	"github.com/meridianerp/be-approvals/internal/policy"
	"github.com/meridianerp/be-approvals/internal/repository"
)

// Decision outcomes.
const (
	OutcomeProceed         = "proceed"
	OutcomeRequireApproval = "require_approval"
	OutcomeBlocked         = "blocked"
)

// Decision is the result of a guard evaluation. When Outcome is
// require_approval, ChainID names the chain the caller must create a request
// under. Reason explains the outcome so the caller can report why an
// operation is gated or blocked.
type Decision struct {
	Outcome string `json:"outcome"`
	ChainID string `json:"chain_id,omitempty"`
	Reason  string `json:"reason"`
}

// GuardService evaluates pre-flight approval policy for protected operations.
type GuardService struct {
	guards   GuardStore
	registry *RegistryService
	audit    AuditStore
	notifier Notifier
	log      *logger.Logger
}

// NewGuardService creates a new GuardService.
func NewGuardService(guards GuardStore, registry *RegistryService, audit AuditStore, notifier Notifier, log *logger.Logger) *GuardService {
	return &GuardService{
		guards:   guards,
		registry: registry,
		audit:    audit,
		notifier: notifier,
		log:      log,
	}
}

// ── Configuration ─────────────────────────────────────────────────────────────

// CreateGuard validates and persists a new guard.
func (s *GuardService) CreateGuard(ctx context.Context, guard *repository.ApprovalGuard) error {
	if err := validateGuard(guard); err != nil {
		return err
	}
	return s.guards.Create(ctx, guard)
}

// UpdateGuard validates and persists changes to an existing guard.
func (s *GuardService) UpdateGuard(ctx context.Context, guard *repository.ApprovalGuard) error {
	if guard.ID == "" {
		return apperrors.InvalidInput("id", "guard id is required")
	}
	if err := validateGuard(guard); err != nil {
		return err
	}
	return s.guards.Update(ctx, guard)
}

// GetGuard returns the guard for an operation type, or nil.
func (s *GuardService) GetGuard(ctx context.Context, operationType string) (*repository.ApprovalGuard, error) {
	return s.guards.GetByOperationType(ctx, operationType)
}

// ListGuards returns all guards.
func (s *GuardService) ListGuards(ctx context.Context) ([]*repository.ApprovalGuard, error) {
	return s.guards.List(ctx)
}

// DeleteGuard removes a guard.
func (s *GuardService) DeleteGuard(ctx context.Context, id string) error {
	return s.guards.Delete(ctx, id)
}

func validateGuard(guard *repository.ApprovalGuard) error {
	if guard.OperationType == "" {
		return apperrors.InvalidInput("operation_type", "operation type is required")
	}
	if guard.AmountThreshold < 0 {
		return apperrors.InvalidInput("amount_threshold", "amount threshold cannot be negative")
	}
	if guard.AllowEmergencyOverride && guard.EmergencyOverrideRoles.IsEmpty() {
		return apperrors.InvalidInput("emergency_override_roles",
			"required when emergency override is allowed")
	}
	return nil
}

// ── Evaluation ────────────────────────────────────────────────────────────────

// Evaluate runs the pre-flight policy check for a protected operation.
// The decision ladder: disabled guard → chain decision; requester role
// excepted → proceed; a chain resolves → approval required; no chain and the
// amount is below the guard threshold → proceed; no chain and the guard does
// not block → proceed; no chain, blocking guard, eligible emergency
// override → proceed with a high-risk audit entry and bypass notification;
// otherwise → blocked.
//
// The guard threshold gates only the no-chain branches: a chain with a lower
// threshold still wins, so enabling a guard can never weaken chain policy.
//
// A blocked outcome is returned together with a guard_blocked error so
// callers cannot mistake it for permission to proceed.
func (s *GuardService) Evaluate(ctx context.Context, reqCtx *policy.RequestContext) (*Decision, error) {
	guard, err := s.guards.GetByOperationType(ctx, reqCtx.OperationType)
	if err != nil {
		return nil, err
	}

	if guard == nil || !guard.IsActive {
		return s.resolveChainDecision(ctx, guard, reqCtx)
	}

	if guard.RoleExceptions.Contains(reqCtx.RequesterRole) {
		decision := &Decision{
			Outcome: OutcomeProceed,
			Reason:  "requester role is excepted from approval",
		}
		s.auditAttempt(ctx, guard, reqCtx, "guard_role_exception", repository.RiskLow)
		return decision, nil
	}

	chain, err := s.registry.Resolve(ctx, reqCtx.OperationType, reqCtx)
	if err != nil {
		return nil, err
	}
	if chain != nil {
		decision := &Decision{
			Outcome: OutcomeRequireApproval,
			ChainID: chain.ID,
			Reason:  "operation requires approval under chain " + chain.Name,
		}
		s.auditAttempt(ctx, guard, reqCtx, "guard_approval_required", repository.RiskLow)
		return decision, nil
	}

	if reqCtx.Amount < guard.AmountThreshold {
		decision := &Decision{
			Outcome: OutcomeProceed,
			Reason:  "amount below guard threshold",
		}
		s.auditAttempt(ctx, guard, reqCtx, "guard_below_threshold", repository.RiskLow)
		return decision, nil
	}

	if !guard.BlockIfNoApprover {
		decision := &Decision{
			Outcome: OutcomeProceed,
			Reason:  "no approval chain configured; guard does not block",
		}
		s.auditAttempt(ctx, guard, reqCtx, "guard_no_chain_proceed", repository.RiskMedium)
		return decision, nil
	}

	if guard.AllowEmergencyOverride && guard.EmergencyOverrideRoles.Contains(reqCtx.RequesterRole) {
		decision := &Decision{
			Outcome: OutcomeProceed,
			Reason:  "emergency override by " + string(reqCtx.RequesterRole),
		}
		s.appendAudit(ctx, &repository.AuditEntry{
			Action:     "guard_emergency_bypass",
			EntityType: reqCtx.EntityType,
			EntityID:   reqCtx.EntityID,
			Actor:      reqCtx.RequesterID,
			ActorRole:  string(reqCtx.RequesterRole),
			RiskLevel:  repository.RiskHigh,
			NewValues: map[string]any{
				"operation_type": reqCtx.OperationType,
				"amount":         reqCtx.Amount,
				"reason":         decision.Reason,
			},
		})
		if guard.NotifyOnBypass {
			s.notifier.PublishGuardBypass(ctx, reqCtx, decision.Reason)
		}
		s.log.Warn().
			Str("operation_type", reqCtx.OperationType).
			Str("requester", reqCtx.RequesterID).
			Msg("Guard bypassed via emergency override")
		return decision, nil
	}

	reason := "no approver is configured for this operation and no override is available"
	s.appendAudit(ctx, &repository.AuditEntry{
		Action:     "guard_blocked",
		EntityType: reqCtx.EntityType,
		EntityID:   reqCtx.EntityID,
		Actor:      reqCtx.RequesterID,
		ActorRole:  string(reqCtx.RequesterRole),
		RiskLevel:  repository.RiskHigh,
		NewValues: map[string]any{
			"operation_type": reqCtx.OperationType,
			"amount":         reqCtx.Amount,
		},
	})
	return &Decision{Outcome: OutcomeBlocked, Reason: reason},
		apperrors.New(apperrors.ErrCodeGuardBlocked, reason)
}

// resolveChainDecision is the path with no active guard: a matching chain
// still gates the operation, anything else proceeds.
func (s *GuardService) resolveChainDecision(ctx context.Context, guard *repository.ApprovalGuard, reqCtx *policy.RequestContext) (*Decision, error) {
	chain, err := s.registry.Resolve(ctx, reqCtx.OperationType, reqCtx)
	if err != nil {
		return nil, err
	}
	if chain != nil {
		return &Decision{
			Outcome: OutcomeRequireApproval,
			ChainID: chain.ID,
			Reason:  "operation requires approval under chain " + chain.Name,
		}, nil
	}

	reason := "no guard is active for this operation"
	if guard != nil {
		reason = "guard is disabled"
	}
	return &Decision{Outcome: OutcomeProceed, Reason: reason}, nil
}

// auditAttempt records a guard decision when the guard asks for full attempt
// auditing.
func (s *GuardService) auditAttempt(ctx context.Context, guard *repository.ApprovalGuard, reqCtx *policy.RequestContext, action, riskLevel string) {
	if !guard.AuditAllAttempts {
		return
	}
	s.appendAudit(ctx, &repository.AuditEntry{
		Action:     action,
		EntityType: reqCtx.EntityType,
		EntityID:   reqCtx.EntityID,
		Actor:      reqCtx.RequesterID,
		ActorRole:  string(reqCtx.RequesterRole),
		RiskLevel:  riskLevel,
		NewValues: map[string]any{
			"operation_type": reqCtx.OperationType,
			"amount":         reqCtx.Amount,
		},
	})
}

// appendAudit writes an audit entry and logs a warning on failure.
func (s *GuardService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("action", entry.Action).
			Str("entity_id", entry.EntityID).
			Msg("Failed to write audit log entry")
	}
}
