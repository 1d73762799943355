package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/database"
	"github.com/meridianerp/be-approvals/internal/policy"
)

// ChainRepository handles CRUD for approval_chains.
type ChainRepository struct {
	db *database.DB
}

// NewChainRepository creates a new ChainRepository.
func NewChainRepository(db *database.DB) *ChainRepository {
	return &ChainRepository{db: db}
}

// Create inserts a new approval chain.
func (r *ChainRepository) Create(ctx context.Context, chain *ApprovalChain) error {
	conditionsJSON, err := chain.Conditions.MarshalJSONBytes()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal chain conditions")
	}

	query := `
		INSERT INTO approval_chains
		    (name, operation_type, priority,
		     min_approvers, require_all_approvers, amount_threshold,
		     role_restrictions, approver_roles, conditions,
		     auto_approve_after_hours, escalate_after_hours, escalation_chain_id,
		     is_active)
		VALUES ($1, $2, $3,
		        $4, $5, $6,
		        $7, $8, $9,
		        $10, $11, $12,
		        $13)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		chain.Name,
		chain.OperationType,
		chain.Priority,
		chain.MinApprovers,
		chain.RequireAllApprovers,
		chain.AmountThreshold,
		chain.RoleRestrictions.Strings(),
		chain.ApproverRoles.Strings(),
		conditionsJSON,
		chain.AutoApproveAfterHrs,
		chain.EscalateAfterHrs,
		chain.EscalationChainID,
		chain.IsActive,
	).Scan(&chain.ID, &chain.CreatedAt, &chain.UpdatedAt)
}

// GetByID retrieves a chain by primary key.
func (r *ChainRepository) GetByID(ctx context.Context, id string) (*ApprovalChain, error) {
	query := selectChain + ` WHERE id = $1`

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get approval chain")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, apperrors.NotFound("approval_chain", id)
	}
	return scanChain(rows)
}

// ListByOperationType returns chains for one operation type ordered so that
// resolution can take the first trigger match: priority descending, then
// amount threshold descending (more specific policy first).
func (r *ChainRepository) ListByOperationType(ctx context.Context, operationType string, activeOnly bool) ([]*ApprovalChain, error) {
	query := selectChain + ` WHERE operation_type = $1`
	if activeOnly {
		query += ` AND is_active = TRUE`
	}
	query += ` ORDER BY priority DESC, amount_threshold DESC, name ASC`

	return r.queryChains(ctx, query, operationType)
}

// List returns all chains, optionally active only.
func (r *ChainRepository) List(ctx context.Context, activeOnly bool) ([]*ApprovalChain, error) {
	query := selectChain
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY operation_type ASC, priority DESC, name ASC`

	return r.queryChains(ctx, query)
}

// Update persists changes to an existing chain.
func (r *ChainRepository) Update(ctx context.Context, chain *ApprovalChain) error {
	conditionsJSON, err := chain.Conditions.MarshalJSONBytes()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal chain conditions")
	}

	query := `
		UPDATE approval_chains
		SET name                     = $2,
		    operation_type           = $3,
		    priority                 = $4,
		    min_approvers            = $5,
		    require_all_approvers    = $6,
		    amount_threshold         = $7,
		    role_restrictions        = $8,
		    approver_roles           = $9,
		    conditions               = $10,
		    auto_approve_after_hours = $11,
		    escalate_after_hours     = $12,
		    escalation_chain_id      = $13,
		    is_active                = $14,
		    updated_at               = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		chain.ID,
		chain.Name,
		chain.OperationType,
		chain.Priority,
		chain.MinApprovers,
		chain.RequireAllApprovers,
		chain.AmountThreshold,
		chain.RoleRestrictions.Strings(),
		chain.ApproverRoles.Strings(),
		conditionsJSON,
		chain.AutoApproveAfterHrs,
		chain.EscalateAfterHrs,
		chain.EscalationChainID,
		chain.IsActive,
	).Scan(&chain.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_chain", chain.ID)
	}
	return err
}

// Delete removes a chain.
func (r *ChainRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_chains WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to delete approval chain")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_chain", id)
	}
	return nil
}

// CountReferencing returns how many chains escalate to the given chain.
func (r *ChainRepository) CountReferencing(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM approval_chains WHERE escalation_chain_id = $1`, id,
	).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to count referencing chains")
	}
	return count, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectChain = `
	SELECT id, name, operation_type, priority,
	       min_approvers, require_all_approvers, amount_threshold,
	       role_restrictions, approver_roles, conditions,
	       auto_approve_after_hours, escalate_after_hours, escalation_chain_id,
	       is_active, created_at, updated_at
	FROM approval_chains
`

func (r *ChainRepository) queryChains(ctx context.Context, query string, args ...any) ([]*ApprovalChain, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval chains")
	}
	defer rows.Close()

	var chains []*ApprovalChain
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, rows.Err()
}

func scanChain(rows pgx.Rows) (*ApprovalChain, error) {
	chain := &ApprovalChain{}
	var restrictions, approverRoles []string
	var conditionsJSON []byte

	err := rows.Scan(
		&chain.ID,
		&chain.Name,
		&chain.OperationType,
		&chain.Priority,
		&chain.MinApprovers,
		&chain.RequireAllApprovers,
		&chain.AmountThreshold,
		&restrictions,
		&approverRoles,
		&conditionsJSON,
		&chain.AutoApproveAfterHrs,
		&chain.EscalateAfterHrs,
		&chain.EscalationChainID,
		&chain.IsActive,
		&chain.CreatedAt,
		&chain.UpdatedAt,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval chain")
	}

	if chain.RoleRestrictions, err = policy.ParseRoleSet(restrictions); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "stored role restriction is invalid")
	}
	if chain.ApproverRoles, err = policy.ParseRoleSet(approverRoles); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "stored approver role is invalid")
	}
	if chain.Conditions, err = policy.ParseCondition(conditionsJSON); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "stored chain condition is invalid")
	}
	return chain, nil
}
