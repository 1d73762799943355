package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/database"
	"github.com/meridianerp/be-approvals/internal/policy"
)

// GuardRepository handles CRUD for approval_guards. Guards are keyed by
// operation type: at most one guard governs each protected operation.
type GuardRepository struct {
	db *database.DB
}

// NewGuardRepository creates a new GuardRepository.
func NewGuardRepository(db *database.DB) *GuardRepository {
	return &GuardRepository{db: db}
}

// Create inserts a new guard.
func (r *GuardRepository) Create(ctx context.Context, guard *ApprovalGuard) error {
	query := `
		INSERT INTO approval_guards
		    (operation_type, is_active, amount_threshold,
		     role_exceptions, block_if_no_approver,
		     allow_emergency_override, emergency_override_roles,
		     notify_on_bypass, audit_all_attempts)
		VALUES ($1, $2, $3,
		        $4, $5,
		        $6, $7,
		        $8, $9)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		guard.OperationType,
		guard.IsActive,
		guard.AmountThreshold,
		guard.RoleExceptions.Strings(),
		guard.BlockIfNoApprover,
		guard.AllowEmergencyOverride,
		guard.EmergencyOverrideRoles.Strings(),
		guard.NotifyOnBypass,
		guard.AuditAllAttempts,
	).Scan(&guard.ID, &guard.CreatedAt, &guard.UpdatedAt)

	if database.IsUniqueViolation(err) {
		return apperrors.Newf(apperrors.ErrCodeConflict,
			"a guard already exists for operation type %s", guard.OperationType)
	}
	return err
}

// GetByOperationType returns the guard for an operation type, or nil when
// none is configured.
func (r *GuardRepository) GetByOperationType(ctx context.Context, operationType string) (*ApprovalGuard, error) {
	query := selectGuard + ` WHERE operation_type = $1`

	rows, err := r.db.Query(ctx, query, operationType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get approval guard")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	return scanGuard(rows)
}

// List returns all guards.
func (r *GuardRepository) List(ctx context.Context) ([]*ApprovalGuard, error) {
	query := selectGuard + ` ORDER BY operation_type ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval guards")
	}
	defer rows.Close()

	var guards []*ApprovalGuard
	for rows.Next() {
		guard, err := scanGuard(rows)
		if err != nil {
			return nil, err
		}
		guards = append(guards, guard)
	}
	return guards, rows.Err()
}

// Update persists changes to an existing guard.
func (r *GuardRepository) Update(ctx context.Context, guard *ApprovalGuard) error {
	query := `
		UPDATE approval_guards
		SET is_active                = $2,
		    amount_threshold         = $3,
		    role_exceptions          = $4,
		    block_if_no_approver     = $5,
		    allow_emergency_override = $6,
		    emergency_override_roles = $7,
		    notify_on_bypass         = $8,
		    audit_all_attempts       = $9,
		    updated_at               = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		guard.ID,
		guard.IsActive,
		guard.AmountThreshold,
		guard.RoleExceptions.Strings(),
		guard.BlockIfNoApprover,
		guard.AllowEmergencyOverride,
		guard.EmergencyOverrideRoles.Strings(),
		guard.NotifyOnBypass,
		guard.AuditAllAttempts,
	).Scan(&guard.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_guard", guard.ID)
	}
	return err
}

// Delete removes a guard.
func (r *GuardRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_guards WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to delete approval guard")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_guard", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectGuard = `
	SELECT id, operation_type, is_active, amount_threshold,
	       role_exceptions, block_if_no_approver,
	       allow_emergency_override, emergency_override_roles,
	       notify_on_bypass, audit_all_attempts,
	       created_at, updated_at
	FROM approval_guards
`

func scanGuard(rows pgx.Rows) (*ApprovalGuard, error) {
	guard := &ApprovalGuard{}
	var exceptions, overrideRoles []string

	err := rows.Scan(
		&guard.ID,
		&guard.OperationType,
		&guard.IsActive,
		&guard.AmountThreshold,
		&exceptions,
		&guard.BlockIfNoApprover,
		&guard.AllowEmergencyOverride,
		&overrideRoles,
		&guard.NotifyOnBypass,
		&guard.AuditAllAttempts,
		&guard.CreatedAt,
		&guard.UpdatedAt,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval guard")
	}

	if guard.RoleExceptions, err = parseRoles(exceptions); err != nil {
		return nil, err
	}
	if guard.EmergencyOverrideRoles, err = parseRoles(overrideRoles); err != nil {
		return nil, err
	}
	return guard, nil
}

func parseRoles(values []string) (policy.RoleSet, error) {
	set, err := policy.ParseRoleSet(values)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "stored role is invalid")
	}
	return set, nil
}
