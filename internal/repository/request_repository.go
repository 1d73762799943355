package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/database"
)

// RequestRepository manages approval request rows and their action history.
//
// Two store-level mechanisms carry the engine's correctness guarantees:
// a partial unique index on (entity_type, entity_id) over open statuses makes
// duplicate open requests impossible across replicas, and a version column
// makes every mutation an optimistic conditional update.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request and its initial history action in one transaction.
// A second open request for the same entity violates the partial unique index
// and is returned as a conflict.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest, action *ApprovalAction) error {
	dataJSON, err := marshalValues(req.RequestData)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal request data")
	}

	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_requests
			    (operation_type, entity_type, entity_id, chain_id,
			     amount, currency, description, request_data,
			     status, total_required_approvals, current_approvals,
			     current_approver_level, requested_by,
			     auto_approval_at, correlation_id, version)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7, $8,
			        $9, $10, $11,
			        $12, $13,
			        $14, $15, 1)
			RETURNING id, requested_at, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.OperationType,
			req.EntityType,
			req.EntityID,
			req.ChainID,
			req.Amount,
			req.Currency,
			req.Description,
			dataJSON,
			req.Status,
			req.TotalRequiredApprovals,
			req.CurrentApprovals,
			req.CurrentApproverLevel,
			req.RequestedBy,
			req.AutoApprovalAt,
			req.CorrelationID,
		).Scan(&req.ID, &req.RequestedAt, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return err
		}
		req.Version = 1

		if action != nil {
			action.RequestID = req.ID
			return insertAction(ctx, tx, action)
		}
		return nil
	})

	if database.IsUniqueViolation(err) {
		return apperrors.Newf(apperrors.ErrCodeConflict,
			"an unresolved approval request already exists for %s/%s", req.EntityType, req.EntityID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := selectRequest + ` WHERE id = $1`

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get approval request")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return scanRequest(rows)
}

// ApplyTransition writes a mutated request back, conditioned on the version
// the caller read. A concurrent writer makes the update match zero rows; the
// caller must re-read and retry. The history action, if any, is recorded in
// the same transaction.
func (r *RequestRepository) ApplyTransition(ctx context.Context, req *ApprovalRequest, expectedVersion int, action *ApprovalAction) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET chain_id                 = $3,
			    status                   = $4,
			    total_required_approvals = $5,
			    current_approvals        = $6,
			    current_approver_level   = $7,
			    final_approved_by        = $8,
			    final_rejected_by        = $9,
			    rejection_reason         = $10,
			    escalation_reason        = $11,
			    approved_at              = $12,
			    rejected_at              = $13,
			    escalated_at             = $14,
			    auto_approval_at         = $15,
			    version                  = version + 1,
			    updated_at               = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.ID,
			expectedVersion,
			req.ChainID,
			req.Status,
			req.TotalRequiredApprovals,
			req.CurrentApprovals,
			req.CurrentApproverLevel,
			req.FinalApprovedBy,
			req.FinalRejectedBy,
			req.RejectionReason,
			req.EscalationReason,
			req.ApprovedAt,
			req.RejectedAt,
			req.EscalatedAt,
			req.AutoApprovalAt,
		).Scan(&req.Version, &req.UpdatedAt)
		if err == pgx.ErrNoRows {
			return apperrors.New(apperrors.ErrCodeConflict,
				"approval request was modified concurrently")
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval request")
		}

		if action != nil {
			action.RequestID = req.ID
			return insertAction(ctx, tx, action)
		}
		return nil
	})
}

// GetActions returns a request's approval history, oldest-first.
func (r *RequestRepository) GetActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	query := `
		SELECT id, request_id, actor, action, comment, delegate_to, acted_at
		FROM approval_actions
		WHERE request_id = $1
		ORDER BY acted_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	var actions []*ApprovalAction
	for rows.Next() {
		a := &ApprovalAction{}
		err := rows.Scan(&a.ID, &a.RequestID, &a.Actor, &a.Action, &a.Comment, &a.DelegateTo, &a.ActedAt)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval action")
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ListOpen returns open (pending or escalated) requests for the scheduler
// sweep, oldest-first.
func (r *RequestRepository) ListOpen(ctx context.Context, limit int) ([]*ApprovalRequest, error) {
	query := selectRequest + `
		WHERE status IN ('pending', 'escalated')
		ORDER BY requested_at ASC
		LIMIT $1
	`
	return r.queryRequests(ctx, query, limit)
}

// ListPendingForApprover returns open requests the given user can act on:
// requests whose governing chain names one of the user's roles (or restricts
// no roles), plus requests delegated to the user.
func (r *RequestRepository) ListPendingForApprover(ctx context.Context, approverID string, roles []string) ([]*ApprovalRequest, error) {
	query := selectRequestAliased + `
		JOIN approval_chains c ON c.id = r.chain_id
		WHERE r.status IN ('pending', 'escalated')
		  AND (cardinality(c.approver_roles) = 0
		       OR c.approver_roles && $1
		       OR EXISTS (
		           SELECT 1 FROM approval_actions a
		           WHERE a.request_id = r.id
		             AND a.action = 'delegated'
		             AND a.delegate_to = $2
		       ))
		ORDER BY r.requested_at ASC
	`
	return r.queryRequests(ctx, query, roles, approverID)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const requestColumns = `
	id, operation_type, entity_type, entity_id, chain_id,
	amount, currency, description, request_data,
	status, total_required_approvals, current_approvals,
	current_approver_level, requested_by,
	final_approved_by, final_rejected_by, rejection_reason, escalation_reason,
	requested_at, approved_at, rejected_at, escalated_at, auto_approval_at,
	correlation_id, version, created_at, updated_at
`

const selectRequest = `SELECT ` + requestColumns + ` FROM approval_requests`

const selectRequestAliased = `
	SELECT r.id, r.operation_type, r.entity_type, r.entity_id, r.chain_id,
	       r.amount, r.currency, r.description, r.request_data,
	       r.status, r.total_required_approvals, r.current_approvals,
	       r.current_approver_level, r.requested_by,
	       r.final_approved_by, r.final_rejected_by, r.rejection_reason, r.escalation_reason,
	       r.requested_at, r.approved_at, r.rejected_at, r.escalated_at, r.auto_approval_at,
	       r.correlation_id, r.version, r.created_at, r.updated_at
	FROM approval_requests r
`

func (r *RequestRepository) queryRequests(ctx context.Context, query string, args ...any) ([]*ApprovalRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func scanRequest(rows pgx.Rows) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var dataJSON []byte

	err := rows.Scan(
		&req.ID,
		&req.OperationType,
		&req.EntityType,
		&req.EntityID,
		&req.ChainID,
		&req.Amount,
		&req.Currency,
		&req.Description,
		&dataJSON,
		&req.Status,
		&req.TotalRequiredApprovals,
		&req.CurrentApprovals,
		&req.CurrentApproverLevel,
		&req.RequestedBy,
		&req.FinalApprovedBy,
		&req.FinalRejectedBy,
		&req.RejectionReason,
		&req.EscalationReason,
		&req.RequestedAt,
		&req.ApprovedAt,
		&req.RejectedAt,
		&req.EscalatedAt,
		&req.AutoApprovalAt,
		&req.CorrelationID,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval request")
	}

	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &req.RequestData); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal request data")
		}
	}
	return req, nil
}

func insertAction(ctx context.Context, tx pgx.Tx, action *ApprovalAction) error {
	query := `
		INSERT INTO approval_actions
		    (request_id, actor, action, comment, delegate_to)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, acted_at
	`
	err := tx.QueryRow(ctx, query,
		action.RequestID,
		action.Actor,
		action.Action,
		action.Comment,
		action.DelegateTo,
	).Scan(&action.ID, &action.ActedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to record approval action")
	}
	return nil
}
