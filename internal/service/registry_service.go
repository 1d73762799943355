package service

import (
	"context"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/logger"
	"github.com/meridianerp/be-approvals/internal/policy"
	"github.com/meridianerp/be-approvals/internal/repository"
)

// RegistryService owns approval chain configuration and resolves which chain
// governs a given request context.
type RegistryService struct {
	chains ChainStore
	log    *logger.Logger
}

// NewRegistryService creates a new RegistryService.
func NewRegistryService(chains ChainStore, log *logger.Logger) *RegistryService {
	return &RegistryService{chains: chains, log: log}
}

// ── Configuration ─────────────────────────────────────────────────────────────

// CreateChain validates and persists a new chain.
func (s *RegistryService) CreateChain(ctx context.Context, chain *repository.ApprovalChain) error {
	if err := s.validateChain(ctx, chain); err != nil {
		return err
	}
	if err := s.chains.Create(ctx, chain); err != nil {
		return err
	}

	s.log.Info().
		Str("chain_id", chain.ID).
		Str("operation_type", chain.OperationType).
		Int("priority", chain.Priority).
		Msg("Approval chain created")
	return nil
}

// UpdateChain validates and persists changes to an existing chain.
func (s *RegistryService) UpdateChain(ctx context.Context, chain *repository.ApprovalChain) error {
	if chain.ID == "" {
		return apperrors.InvalidInput("id", "chain id is required")
	}
	if err := s.validateChain(ctx, chain); err != nil {
		return err
	}
	return s.chains.Update(ctx, chain)
}

// GetChain retrieves one chain.
func (s *RegistryService) GetChain(ctx context.Context, id string) (*repository.ApprovalChain, error) {
	return s.chains.GetByID(ctx, id)
}

// ListChains returns chains, optionally filtered to one operation type.
func (s *RegistryService) ListChains(ctx context.Context, operationType string, activeOnly bool) ([]*repository.ApprovalChain, error) {
	if operationType != "" {
		return s.chains.ListByOperationType(ctx, operationType, activeOnly)
	}
	return s.chains.List(ctx, activeOnly)
}

// DeleteChain removes a chain unless another chain escalates to it.
func (s *RegistryService) DeleteChain(ctx context.Context, id string) error {
	count, err := s.chains.CountReferencing(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperrors.Newf(apperrors.ErrCodeValidation,
			"chain is the escalation target of %d other chain(s)", count)
	}
	return s.chains.Delete(ctx, id)
}

// validateChain checks structural rules and the escalation graph. Conditions
// and role sets are typed, so the only runtime checks left are bounds, the
// condition tree, and acyclicity.
func (s *RegistryService) validateChain(ctx context.Context, chain *repository.ApprovalChain) error {
	if chain.Name == "" {
		return apperrors.InvalidInput("name", "chain name is required")
	}
	if chain.OperationType == "" {
		return apperrors.InvalidInput("operation_type", "operation type is required")
	}
	if chain.MinApprovers < 1 {
		return apperrors.InvalidInput("min_approvers", "at least one approver is required")
	}
	if chain.AmountThreshold < 0 {
		return apperrors.InvalidInput("amount_threshold", "amount threshold cannot be negative")
	}
	if chain.AutoApproveAfterHrs != nil && *chain.AutoApproveAfterHrs <= 0 {
		return apperrors.InvalidInput("auto_approve_after_hours", "must be positive when set")
	}
	if chain.EscalateAfterHrs != nil && *chain.EscalateAfterHrs <= 0 {
		return apperrors.InvalidInput("escalate_after_hours", "must be positive when set")
	}
	if chain.EscalateAfterHrs != nil && chain.EscalationChainID == nil {
		return apperrors.InvalidInput("escalation_chain_id", "required when escalate_after_hours is set")
	}
	if chain.EscalationChainID != nil && chain.EscalateAfterHrs == nil {
		return apperrors.InvalidInput("escalate_after_hours", "required when escalation_chain_id is set")
	}
	if chain.Conditions != nil {
		if err := chain.Conditions.Validate(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid chain conditions")
		}
	}
	return s.validateEscalationGraph(ctx, chain)
}

// validateEscalationGraph walks the escalation edges from the chain being
// saved and rejects any cycle. The graph is validated here, at configuration
// time, so the scheduler never needs a runtime recursion guard.
func (s *RegistryService) validateEscalationGraph(ctx context.Context, chain *repository.ApprovalChain) error {
	if chain.EscalationChainID == nil {
		return nil
	}

	visited := map[string]bool{}
	if chain.ID != "" {
		visited[chain.ID] = true
	}

	nextID := chain.EscalationChainID
	for nextID != nil {
		if visited[*nextID] {
			return apperrors.Newf(apperrors.ErrCodeValidation,
				"escalation graph contains a cycle through chain %s", *nextID)
		}
		visited[*nextID] = true

		next, err := s.chains.GetByID(ctx, *nextID)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				return apperrors.Newf(apperrors.ErrCodeValidation,
					"escalation target chain %s does not exist", *nextID)
			}
			return err
		}
		nextID = next.EscalationChainID
	}
	return nil
}

// ── Resolution ────────────────────────────────────────────────────────────────

// Resolve returns the chain governing the given context, or nil when no chain
// triggers. Chains are evaluated by priority descending; a trigger requires
// the amount threshold, the role restriction, and the condition tree all to
// match. Two matching chains that tie on both priority and threshold fail
// closed: resolution returns nil and the guard decides.
func (s *RegistryService) Resolve(ctx context.Context, operationType string, reqCtx *policy.RequestContext) (*repository.ApprovalChain, error) {
	chains, err := s.chains.ListByOperationType(ctx, operationType, true)
	if err != nil {
		return nil, err
	}

	// Ordered by priority DESC, amount_threshold DESC: the first match is
	// the winner unless a same-priority, same-threshold chain also matches.
	for i, chain := range chains {
		if !chainTriggers(chain, reqCtx) {
			continue
		}
		for _, other := range chains[i+1:] {
			if other.Priority != chain.Priority {
				break
			}
			if other.AmountThreshold == chain.AmountThreshold && chainTriggers(other, reqCtx) {
				s.log.Warn().
					Str("operation_type", operationType).
					Str("chain_id", chain.ID).
					Str("conflicting_chain_id", other.ID).
					Msg("Ambiguous chain resolution; failing closed")
				return nil, nil
			}
		}
		return chain, nil
	}
	return nil, nil
}

// chainTriggers evaluates one chain's trigger against a request context.
func chainTriggers(chain *repository.ApprovalChain, reqCtx *policy.RequestContext) bool {
	if reqCtx.Amount < chain.AmountThreshold {
		return false
	}
	if !chain.RoleRestrictions.IsEmpty() && !chain.RoleRestrictions.Contains(reqCtx.RequesterRole) {
		return false
	}
	return chain.Conditions.Evaluate(reqCtx)
}
