package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/logger"
	"github.com/meridianerp/be-approvals/internal/policy"
	"github.com/meridianerp/be-approvals/internal/repository"
)

// maxTransitionRetries bounds optimistic-concurrency retries. Each retry
// re-reads the request, so a losing writer always acts on fresh state.
const maxTransitionRetries = 3

// RequestService is the approval request state machine. All mutations go
// through version-conditioned updates so concurrent approvers and scheduler
// replicas cannot double-count or double-transition a request.
type RequestService struct {
	requests RequestStore
	chains   ChainStore
	audit    AuditStore
	identity IdentityClient
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
}

// NewRequestService creates a new RequestService.
func NewRequestService(
	requests RequestStore,
	chains ChainStore,
	audit AuditStore,
	identity IdentityClient,
	notifier Notifier,
	log *logger.Logger,
) *RequestService {
	return &RequestService{
		requests: requests,
		chains:   chains,
		audit:    audit,
		identity: identity,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// ── Create ────────────────────────────────────────────────────────────────────

// Create opens a new approval request for a business entity under the given
// chain. At most one open request may exist per (entity_type, entity_id);
// a duplicate fails with a conflict enforced by the store, not by a check
// here, so it holds across service replicas.
func (s *RequestService) Create(ctx context.Context, reqCtx *policy.RequestContext, chainID string) (*repository.ApprovalRequest, error) {
	if reqCtx.EntityType == "" || reqCtx.EntityID == "" {
		return nil, apperrors.InvalidInput("entity", "entity type and id are required")
	}
	if reqCtx.RequesterID == "" {
		return nil, apperrors.InvalidInput("requester_id", "requester is required")
	}

	chain, err := s.chains.GetByID(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if !chain.IsActive {
		return nil, apperrors.Newf(apperrors.ErrCodeValidation, "chain %s is not active", chainID)
	}
	if chain.OperationType != reqCtx.OperationType {
		return nil, apperrors.Newf(apperrors.ErrCodeValidation,
			"chain %s governs %s, not %s", chainID, chain.OperationType, reqCtx.OperationType)
	}

	totalRequired, err := s.requiredApprovals(ctx, chain)
	if err != nil {
		return nil, err
	}

	req := &repository.ApprovalRequest{
		OperationType:          reqCtx.OperationType,
		EntityType:             reqCtx.EntityType,
		EntityID:               reqCtx.EntityID,
		ChainID:                chain.ID,
		Amount:                 reqCtx.Amount,
		Currency:               reqCtx.Currency,
		Description:            reqCtx.Description,
		RequestData:            reqCtx.RequestData,
		Status:                 repository.StatusPending,
		TotalRequiredApprovals: totalRequired,
		CurrentApprovals:       0,
		CurrentApproverLevel:   1,
		RequestedBy:            reqCtx.RequesterID,
		CorrelationID:          uuid.NewString(),
	}
	if chain.AutoApproveAfterHrs != nil {
		at := s.now().UTC().Add(time.Duration(*chain.AutoApproveAfterHrs) * time.Hour)
		req.AutoApprovalAt = &at
	}

	action := &repository.ApprovalAction{
		Actor:  reqCtx.RequesterID,
		Action: repository.ActionCreated,
	}
	if err := s.requests.Create(ctx, req, action); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, req, &repository.AuditEntry{
		Action:    "approval_requested",
		Actor:     reqCtx.RequesterID,
		ActorRole: string(reqCtx.RequesterRole),
		NewValues: map[string]any{
			"chain_id":                 chain.ID,
			"status":                   req.Status,
			"total_required_approvals": req.TotalRequiredApprovals,
			"amount":                   req.Amount,
		},
	})
	s.notifier.PublishApprovalEvent(ctx, EventRequestCreated, req)

	s.log.Info().
		Str("request_id", req.ID).
		Str("entity", req.EntityType+"/"+req.EntityID).
		Str("chain_id", chain.ID).
		Msg("Approval request created")
	return req, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve records one approver's approval. Repeat approvals from the same
// approver are no-ops. The request resolves to approved when the quorum is
// reached, or, for require-all chains, when every distinct eligible approver
// has approved.
func (s *RequestService) Approve(ctx context.Context, requestID, approverID, comment string) (*repository.ApprovalRequest, error) {
	var result *repository.ApprovalRequest

	err := s.withRetry(func() error {
		req, chain, actions, err := s.loadForAction(ctx, requestID)
		if err != nil {
			return err
		}

		roles, err := s.userRoles(ctx, approverID)
		if err != nil {
			return err
		}
		if !s.isEligible(chain, roles, actions, approverID) {
			return apperrors.Newf(apperrors.ErrCodeUnauthorized,
				"user %s is not an eligible approver for this request", approverID)
		}

		// Idempotent per approver: a second approval never double-counts,
		// but the attempt still lands in the history and the audit trail.
		for _, a := range actions {
			if a.Action == repository.ActionApproved && a.Actor == approverID {
				repeat := &repository.ApprovalAction{
					Actor:   approverID,
					Action:  repository.ActionApproved,
					Comment: optional("repeat approval; not counted"),
				}
				if err := s.requests.ApplyTransition(ctx, req, req.Version, repeat); err != nil {
					return err
				}
				s.appendAudit(ctx, req, &repository.AuditEntry{
					Action:    "approval_granted",
					Actor:     approverID,
					ActorRole: rolesLabel(roles),
					NewValues: map[string]any{
						"current_approvals": req.CurrentApprovals,
						"status":            req.Status,
						"counted":           false,
					},
				})
				result = req
				return nil
			}
		}

		expectedVersion := req.Version
		req.CurrentApprovals++

		resolved, err := s.isResolved(ctx, chain, actions, approverID, req)
		if err != nil {
			return err
		}
		if resolved {
			now := s.now().UTC()
			req.Status = repository.StatusApproved
			req.ApprovedAt = &now
			req.FinalApprovedBy = &approverID
		}

		action := &repository.ApprovalAction{
			Actor:   approverID,
			Action:  repository.ActionApproved,
			Comment: optional(comment),
		}
		if err := s.requests.ApplyTransition(ctx, req, expectedVersion, action); err != nil {
			return err
		}

		s.appendAudit(ctx, req, &repository.AuditEntry{
			Action:    "approval_granted",
			Actor:     approverID,
			ActorRole: rolesLabel(roles),
			NewValues: map[string]any{
				"current_approvals": req.CurrentApprovals,
				"status":            req.Status,
			},
		})
		if resolved {
			s.notifier.PublishApprovalEvent(ctx, EventRequestApproved, req)
		}
		result = req
		return nil
	})
	return result, err
}

// ── Reject ────────────────────────────────────────────────────────────────────

// Reject vetoes the request: a single rejection from any eligible approver is
// terminal.
func (s *RequestService) Reject(ctx context.Context, requestID, approverID, reason string) (*repository.ApprovalRequest, error) {
	if reason == "" {
		return nil, apperrors.InvalidInput("reason", "rejection reason is required")
	}

	var result *repository.ApprovalRequest
	err := s.withRetry(func() error {
		req, chain, actions, err := s.loadForAction(ctx, requestID)
		if err != nil {
			return err
		}

		roles, err := s.userRoles(ctx, approverID)
		if err != nil {
			return err
		}
		if !s.isEligible(chain, roles, actions, approverID) {
			return apperrors.Newf(apperrors.ErrCodeUnauthorized,
				"user %s is not an eligible approver for this request", approverID)
		}

		expectedVersion := req.Version
		now := s.now().UTC()
		req.Status = repository.StatusRejected
		req.RejectedAt = &now
		req.FinalRejectedBy = &approverID
		req.RejectionReason = &reason

		action := &repository.ApprovalAction{
			Actor:   approverID,
			Action:  repository.ActionRejected,
			Comment: &reason,
		}
		if err := s.requests.ApplyTransition(ctx, req, expectedVersion, action); err != nil {
			return err
		}

		s.appendAudit(ctx, req, &repository.AuditEntry{
			Action:    "approval_rejected",
			Actor:     approverID,
			ActorRole: rolesLabel(roles),
			NewValues: map[string]any{"status": req.Status, "reason": reason},
		})
		s.notifier.PublishApprovalEvent(ctx, EventRequestRejected, req)
		result = req
		return nil
	})
	return result, err
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel withdraws an open request. Only the original requester or an admin
// may cancel.
func (s *RequestService) Cancel(ctx context.Context, requestID, userID string) (*repository.ApprovalRequest, error) {
	var result *repository.ApprovalRequest
	err := s.withRetry(func() error {
		req, _, _, err := s.loadForAction(ctx, requestID)
		if err != nil {
			return err
		}

		if req.RequestedBy != userID {
			roles, err := s.userRoles(ctx, userID)
			if err != nil {
				return err
			}
			if !roles.Contains(policy.RoleAdmin) {
				return apperrors.New(apperrors.ErrCodeUnauthorized,
					"only the requester or an administrator can cancel a request")
			}
		}

		expectedVersion := req.Version
		req.Status = repository.StatusCancelled

		action := &repository.ApprovalAction{
			Actor:  userID,
			Action: repository.ActionCancelled,
		}
		if err := s.requests.ApplyTransition(ctx, req, expectedVersion, action); err != nil {
			return err
		}

		s.appendAudit(ctx, req, &repository.AuditEntry{
			Action:    "approval_cancelled",
			Actor:     userID,
			NewValues: map[string]any{"status": req.Status},
		})
		s.notifier.PublishApprovalEvent(ctx, EventRequestCancelled, req)
		result = req
		return nil
	})
	return result, err
}

// ── Delegate ──────────────────────────────────────────────────────────────────

// Delegate lets an eligible approver hand their approval to another user. The
// delegate becomes eligible to act; the request state is otherwise unchanged.
func (s *RequestService) Delegate(ctx context.Context, requestID, fromUser, toUser, reason string) error {
	if reason == "" {
		return apperrors.InvalidInput("reason", "delegation reason is required")
	}
	if toUser == "" {
		return apperrors.InvalidInput("delegate_to", "delegate user is required")
	}

	return s.withRetry(func() error {
		req, chain, actions, err := s.loadForAction(ctx, requestID)
		if err != nil {
			return err
		}

		roles, err := s.userRoles(ctx, fromUser)
		if err != nil {
			return err
		}
		if !s.isEligible(chain, roles, actions, fromUser) {
			return apperrors.Newf(apperrors.ErrCodeUnauthorized,
				"user %s is not an eligible approver for this request", fromUser)
		}

		action := &repository.ApprovalAction{
			Actor:      fromUser,
			Action:     repository.ActionDelegated,
			Comment:    &reason,
			DelegateTo: &toUser,
		}
		if err := s.requests.ApplyTransition(ctx, req, req.Version, action); err != nil {
			return err
		}

		s.appendAudit(ctx, req, &repository.AuditEntry{
			Action:    "approval_delegated",
			Actor:     fromUser,
			NewValues: map[string]any{"delegated_to": toUser, "reason": reason},
		})
		s.notifier.PublishApprovalEvent(ctx, EventRequestDelegated, req)
		return nil
	})
}

// ── Scheduler transitions ─────────────────────────────────────────────────────

// AutoApprove resolves a request whose auto-approval deadline has passed.
// Invoked by the scheduler only; the conditional update keyed on the version
// the sweep read makes concurrent sweeps idempotent.
func (s *RequestService) AutoApprove(ctx context.Context, req *repository.ApprovalRequest) error {
	if !req.IsOpen() {
		return apperrors.Newf(apperrors.ErrCodeInvalidState,
			"request %s is already %s", req.ID, req.Status)
	}
	if req.AutoApprovalAt == nil || s.now().Before(*req.AutoApprovalAt) {
		return apperrors.Newf(apperrors.ErrCodeInvalidState,
			"request %s is not due for auto-approval", req.ID)
	}

	expectedVersion := req.Version
	now := s.now().UTC()
	system := policy.SystemActor
	req.Status = repository.StatusApproved
	req.ApprovedAt = &now
	req.FinalApprovedBy = &system

	action := &repository.ApprovalAction{
		Actor:   policy.SystemActor,
		Action:  repository.ActionAutoApproved,
		Comment: optional("auto-approved after configured timeout"),
	}
	if err := s.requests.ApplyTransition(ctx, req, expectedVersion, action); err != nil {
		return err
	}

	s.appendAudit(ctx, req, &repository.AuditEntry{
		Action:    "approval_auto_approved",
		Actor:     policy.SystemActor,
		Source:    repository.SourceSystem,
		NewValues: map[string]any{"status": req.Status},
	})
	s.notifier.PublishApprovalEvent(ctx, EventRequestAutoApproved, req)

	s.log.Info().Str("request_id", req.ID).Msg("Request auto-approved")
	return nil
}

// Escalate moves an unresolved request onto its chain's escalation target:
// approvals reset, required approvals and the auto-approval deadline are
// recomputed from the new chain, and the approver level increments.
func (s *RequestService) Escalate(ctx context.Context, req *repository.ApprovalRequest, chain *repository.ApprovalChain) error {
	if !req.IsOpen() {
		return apperrors.Newf(apperrors.ErrCodeInvalidState,
			"request %s is already %s", req.ID, req.Status)
	}
	if chain.EscalationChainID == nil {
		return apperrors.Newf(apperrors.ErrCodeValidation,
			"chain %s has no escalation target", chain.ID)
	}

	target, err := s.chains.GetByID(ctx, *chain.EscalationChainID)
	if err != nil {
		return err
	}
	totalRequired, err := s.requiredApprovals(ctx, target)
	if err != nil {
		return err
	}

	expectedVersion := req.Version
	now := s.now().UTC()
	reason := fmt.Sprintf("no resolution within %dh under chain %s", *chain.EscalateAfterHrs, chain.Name)

	req.ChainID = target.ID
	req.Status = repository.StatusEscalated
	req.TotalRequiredApprovals = totalRequired
	req.CurrentApprovals = 0
	req.CurrentApproverLevel++
	req.EscalatedAt = &now
	req.EscalationReason = &reason
	req.AutoApprovalAt = nil
	if target.AutoApproveAfterHrs != nil {
		at := now.Add(time.Duration(*target.AutoApproveAfterHrs) * time.Hour)
		req.AutoApprovalAt = &at
	}

	action := &repository.ApprovalAction{
		Actor:   policy.SystemActor,
		Action:  repository.ActionEscalated,
		Comment: &reason,
	}
	if err := s.requests.ApplyTransition(ctx, req, expectedVersion, action); err != nil {
		return err
	}

	s.appendAudit(ctx, req, &repository.AuditEntry{
		Action: "approval_escalated",
		Actor:  policy.SystemActor,
		Source: repository.SourceSystem,
		NewValues: map[string]any{
			"status":                   req.Status,
			"chain_id":                 target.ID,
			"total_required_approvals": req.TotalRequiredApprovals,
			"current_approver_level":   req.CurrentApproverLevel,
		},
	})
	s.notifier.PublishApprovalEvent(ctx, EventRequestEscalated, req)

	s.log.Info().
		Str("request_id", req.ID).
		Str("escalated_to", target.ID).
		Msg("Request escalated")
	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest retrieves one request.
func (s *RequestService) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// GetHistory returns a request's ordered approval history.
func (s *RequestService) GetHistory(ctx context.Context, requestID string) ([]*repository.ApprovalAction, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.requests.GetActions(ctx, requestID)
}

// ListPendingForApprover returns open requests the user can act on.
func (s *RequestService) ListPendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error) {
	roles, err := s.identity.GetUserRoles(ctx, approverID)
	if err != nil {
		return nil, err
	}
	return s.requests.ListPendingForApprover(ctx, approverID, roles)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// withRetry reruns fn on optimistic-concurrency conflicts. fn must re-read
// all state it mutates.
func (s *RequestService) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		err = fn()
		if err == nil || !apperrors.HasCode(err, apperrors.ErrCodeConflict) {
			return err
		}
	}
	return err
}

// loadForAction fetches a request with its chain and history, rejecting
// terminal requests.
func (s *RequestService) loadForAction(ctx context.Context, requestID string) (*repository.ApprovalRequest, *repository.ApprovalChain, []*repository.ApprovalAction, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, nil, err
	}
	if req.IsTerminal() {
		return nil, nil, nil, apperrors.Newf(apperrors.ErrCodeInvalidState,
			"request is already %s", req.Status)
	}

	chain, err := s.chains.GetByID(ctx, req.ChainID)
	if err != nil {
		return nil, nil, nil, err
	}
	actions, err := s.requests.GetActions(ctx, requestID)
	if err != nil {
		return nil, nil, nil, err
	}
	return req, chain, actions, nil
}

// isEligible decides whether a user may act as approver: admins always,
// anyone when the chain restricts no roles, holders of an approver role, and
// users the request was delegated to.
func (s *RequestService) isEligible(chain *repository.ApprovalChain, roles policy.RoleSet, actions []*repository.ApprovalAction, userID string) bool {
	if roles.Contains(policy.RoleAdmin) {
		return true
	}
	if chain.ApproverRoles.IsEmpty() {
		return true
	}
	for _, r := range roles {
		if chain.ApproverRoles.Contains(r) {
			return true
		}
	}
	for _, a := range actions {
		if a.Action == repository.ActionDelegated && a.DelegateTo != nil && *a.DelegateTo == userID {
			return true
		}
	}
	return false
}

// isResolved decides whether this approval resolves the request. Quorum
// chains resolve on the numeric threshold. Require-all chains resolve only
// when every distinct user holding an approver role has approved; the
// required-approvals total is raised to the eligible headcount first, so the
// approval counter never overruns it. When the identity service cannot
// enumerate approvers, the numeric quorum is the fallback.
func (s *RequestService) isResolved(ctx context.Context, chain *repository.ApprovalChain, actions []*repository.ApprovalAction, approverID string, req *repository.ApprovalRequest) (bool, error) {
	if !chain.RequireAllApprovers {
		return req.CurrentApprovals >= req.TotalRequiredApprovals, nil
	}

	eligible, err := s.eligibleApprovers(ctx, chain)
	if err != nil {
		return false, err
	}
	if len(eligible) == 0 {
		s.log.Warn().
			Str("chain_id", chain.ID).
			Msg("Cannot enumerate eligible approvers; falling back to quorum")
		return req.CurrentApprovals >= req.TotalRequiredApprovals, nil
	}

	if len(eligible) > req.TotalRequiredApprovals {
		req.TotalRequiredApprovals = len(eligible)
	}

	approved := map[string]struct{}{approverID: {}}
	for _, a := range actions {
		if a.Action == repository.ActionApproved {
			approved[a.Actor] = struct{}{}
		}
	}
	for u := range eligible {
		if _, ok := approved[u]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// eligibleApprovers enumerates the distinct users holding any of the chain's
// approver roles. An empty set means the identity service knows no holders.
func (s *RequestService) eligibleApprovers(ctx context.Context, chain *repository.ApprovalChain) (map[string]struct{}, error) {
	eligible := map[string]struct{}{}
	for _, role := range chain.ApproverRoles {
		users, err := s.identity.GetUsersWithRole(ctx, string(role))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to enumerate eligible approvers")
		}
		for _, u := range users {
			eligible[u] = struct{}{}
		}
	}
	return eligible, nil
}

// requiredApprovals returns the approval total a chain demands. Require-all
// chains need every current holder of an approver role, so the total is the
// eligible headcount when that exceeds the configured minimum.
func (s *RequestService) requiredApprovals(ctx context.Context, chain *repository.ApprovalChain) (int, error) {
	total := chain.MinApprovers
	if !chain.RequireAllApprovers {
		return total, nil
	}
	eligible, err := s.eligibleApprovers(ctx, chain)
	if err != nil {
		return 0, err
	}
	if len(eligible) > total {
		total = len(eligible)
	}
	return total, nil
}

// userRoles fetches and parses a user's roles, dropping names outside the
// closed enumeration.
func (s *RequestService) userRoles(ctx context.Context, userID string) (policy.RoleSet, error) {
	names, err := s.identity.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to fetch user roles")
	}
	var roles policy.RoleSet
	for _, name := range names {
		if r, err := policy.ParseRole(name); err == nil && !roles.Contains(r) {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

// appendAudit writes a correlated audit entry and logs a warning on failure.
func (s *RequestService) appendAudit(ctx context.Context, req *repository.ApprovalRequest, entry *repository.AuditEntry) {
	entry.EntityType = req.EntityType
	entry.EntityID = req.EntityID
	entry.CorrelationID = &req.CorrelationID
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", req.ID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rolesLabel(roles policy.RoleSet) string {
	if len(roles) == 0 {
		return ""
	}
	return string(roles[0])
}
