package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/logger"
	"github.com/meridianerp/be-approvals/internal/policy"
	"github.com/meridianerp/be-approvals/internal/repository"
	"github.com/meridianerp/be-approvals/internal/service"
)

// HTTPHandler exposes the approval engine's REST surface.
type HTTPHandler struct {
	registry *service.RegistryService
	guards   *service.GuardService
	requests *service.RequestService
	audit    service.AuditStore
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	registry *service.RegistryService,
	guards *service.GuardService,
	requests *service.RequestService,
	audit service.AuditStore,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		registry: registry,
		guards:   guards,
		requests: requests,
		audit:    audit,
		log:      log,
	}
}

// ── Chain administration ──────────────────────────────────────────────────────

// chainPayload is the JSON form of a chain for create/update.
type chainPayload struct {
	ID                  string          `json:"id,omitempty"`
	Name                string          `json:"name"`
	OperationType       string          `json:"operation_type"`
	Priority            int             `json:"priority"`
	MinApprovers        int             `json:"min_approvers"`
	RequireAllApprovers bool            `json:"require_all_approvers"`
	AmountThreshold     int64           `json:"amount_threshold"`
	RoleRestrictions    []string        `json:"role_restrictions"`
	ApproverRoles       []string        `json:"approver_roles"`
	Conditions          json.RawMessage `json:"conditions,omitempty"`
	AutoApproveAfterHrs *int            `json:"auto_approve_after_hours,omitempty"`
	EscalateAfterHrs    *int            `json:"escalate_after_hours,omitempty"`
	EscalationChainID   *string         `json:"escalation_chain_id,omitempty"`
	IsActive            bool            `json:"is_active"`
}

func (p *chainPayload) toChain() (*repository.ApprovalChain, error) {
	restrictions, err := policy.ParseRoleSet(p.RoleRestrictions)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid role restriction")
	}
	approvers, err := policy.ParseRoleSet(p.ApproverRoles)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid approver role")
	}
	conditions, err := policy.ParseCondition(p.Conditions)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid conditions")
	}

	return &repository.ApprovalChain{
		ID:                  p.ID,
		Name:                p.Name,
		OperationType:       p.OperationType,
		Priority:            p.Priority,
		MinApprovers:        p.MinApprovers,
		RequireAllApprovers: p.RequireAllApprovers,
		AmountThreshold:     p.AmountThreshold,
		RoleRestrictions:    restrictions,
		ApproverRoles:       approvers,
		Conditions:          conditions,
		AutoApproveAfterHrs: p.AutoApproveAfterHrs,
		EscalateAfterHrs:    p.EscalateAfterHrs,
		EscalationChainID:   p.EscalationChainID,
		IsActive:            p.IsActive,
	}, nil
}

// CreateChain handles POST /api/v1/chains.
func (h *HTTPHandler) CreateChain(w http.ResponseWriter, r *http.Request) {
	var payload chainPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	chain, err := payload.toChain()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.registry.CreateChain(r.Context(), chain); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, chain)
}

// ListChains handles GET /api/v1/chains.
func (h *HTTPHandler) ListChains(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))
	chains, err := h.registry.ListChains(r.Context(), r.URL.Query().Get("operation_type"), activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chains)
}

// GetChain handles GET /api/v1/chains/get?id=.
func (h *HTTPHandler) GetChain(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, apperrors.InvalidInput("id", "chain id is required"))
		return
	}
	chain, err := h.registry.GetChain(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chain)
}

// UpdateChain handles PUT /api/v1/chains/update.
func (h *HTTPHandler) UpdateChain(w http.ResponseWriter, r *http.Request) {
	var payload chainPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	chain, err := payload.toChain()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.registry.UpdateChain(r.Context(), chain); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chain)
}

// DeleteChain handles DELETE /api/v1/chains/delete?id=.
func (h *HTTPHandler) DeleteChain(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, apperrors.InvalidInput("id", "chain id is required"))
		return
	}
	if err := h.registry.DeleteChain(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Guard administration & evaluation ─────────────────────────────────────────

type guardPayload struct {
	ID                     string   `json:"id,omitempty"`
	OperationType          string   `json:"operation_type"`
	IsActive               bool     `json:"is_active"`
	AmountThreshold        int64    `json:"amount_threshold"`
	RoleExceptions         []string `json:"role_exceptions"`
	BlockIfNoApprover      bool     `json:"block_if_no_approver"`
	AllowEmergencyOverride bool     `json:"allow_emergency_override"`
	EmergencyOverrideRoles []string `json:"emergency_override_roles"`
	NotifyOnBypass         bool     `json:"notify_on_bypass"`
	AuditAllAttempts       bool     `json:"audit_all_attempts"`
}

func (p *guardPayload) toGuard() (*repository.ApprovalGuard, error) {
	exceptions, err := policy.ParseRoleSet(p.RoleExceptions)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid role exception")
	}
	overrides, err := policy.ParseRoleSet(p.EmergencyOverrideRoles)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid emergency override role")
	}
	return &repository.ApprovalGuard{
		ID:                     p.ID,
		OperationType:          p.OperationType,
		IsActive:               p.IsActive,
		AmountThreshold:        p.AmountThreshold,
		RoleExceptions:         exceptions,
		BlockIfNoApprover:      p.BlockIfNoApprover,
		AllowEmergencyOverride: p.AllowEmergencyOverride,
		EmergencyOverrideRoles: overrides,
		NotifyOnBypass:         p.NotifyOnBypass,
		AuditAllAttempts:       p.AuditAllAttempts,
	}, nil
}

// CreateGuard handles POST /api/v1/guards.
func (h *HTTPHandler) CreateGuard(w http.ResponseWriter, r *http.Request) {
	var payload guardPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	guard, err := payload.toGuard()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.guards.CreateGuard(r.Context(), guard); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, guard)
}

// ListGuards handles GET /api/v1/guards. With ?operation_type= it returns the
// single guard for that operation.
func (h *HTTPHandler) ListGuards(w http.ResponseWriter, r *http.Request) {
	if opType := r.URL.Query().Get("operation_type"); opType != "" {
		guard, err := h.guards.GetGuard(r.Context(), opType)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if guard == nil {
			h.writeError(w, apperrors.NotFound("approval_guard", opType))
			return
		}
		h.writeJSON(w, http.StatusOK, guard)
		return
	}

	guards, err := h.guards.ListGuards(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, guards)
}

// UpdateGuard handles PUT /api/v1/guards/update.
func (h *HTTPHandler) UpdateGuard(w http.ResponseWriter, r *http.Request) {
	var payload guardPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	guard, err := payload.toGuard()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.guards.UpdateGuard(r.Context(), guard); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, guard)
}

// DeleteGuard handles DELETE /api/v1/guards/delete?id=.
func (h *HTTPHandler) DeleteGuard(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, apperrors.InvalidInput("id", "guard id is required"))
		return
	}
	if err := h.guards.DeleteGuard(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestContextPayload is the business context a caller supplies for guard
// evaluation and request creation.
type requestContextPayload struct {
	OperationType string         `json:"operation_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	RequesterID   string         `json:"requester_id"`
	RequesterRole string         `json:"requester_role"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	Department    string         `json:"department,omitempty"`
	Description   string         `json:"description,omitempty"`
	RequestData   map[string]any `json:"request_data,omitempty"`
}

func (p *requestContextPayload) toContext() (*policy.RequestContext, error) {
	role, err := policy.ParseRole(p.RequesterRole)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid requester role")
	}
	return &policy.RequestContext{
		OperationType: p.OperationType,
		EntityType:    p.EntityType,
		EntityID:      p.EntityID,
		RequesterID:   p.RequesterID,
		RequesterRole: role,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Department:    p.Department,
		Description:   p.Description,
		RequestData:   p.RequestData,
	}, nil
}

// EvaluateGuard handles POST /api/v1/guards/evaluate.
func (h *HTTPHandler) EvaluateGuard(w http.ResponseWriter, r *http.Request) {
	var payload requestContextPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	reqCtx, err := payload.toContext()
	if err != nil {
		h.writeError(w, err)
		return
	}

	decision, err := h.guards.Evaluate(r.Context(), reqCtx)
	if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeGuardBlocked) {
		h.writeError(w, err)
		return
	}
	// Blocked decisions are reported with the decision body, not a bare
	// error: the caller needs the reason to explain why the operation is
	// stopped.
	status := http.StatusOK
	if decision.Outcome == service.OutcomeBlocked {
		status = http.StatusForbidden
	}
	h.writeJSON(w, status, decision)
}

// ── Request lifecycle ─────────────────────────────────────────────────────────

type createRequestPayload struct {
	requestContextPayload
	ChainID string `json:"chain_id,omitempty"`
}

// CreateRequest handles POST /api/v1/requests. Without an explicit chain_id
// the guard is consulted first, so a caller gets back either a created
// request, a proceed decision, or a blocked error.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var payload createRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	reqCtx, err := payload.toContext()
	if err != nil {
		h.writeError(w, err)
		return
	}

	chainID := payload.ChainID
	if chainID == "" {
		decision, err := h.guards.Evaluate(r.Context(), reqCtx)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if decision.Outcome == service.OutcomeProceed {
			h.writeJSON(w, http.StatusOK, decision)
			return
		}
		chainID = decision.ChainID
	}

	req, err := h.requests.Create(r.Context(), reqCtx, chainID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// GetRequest handles GET /api/v1/requests/get?id=.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, apperrors.InvalidInput("id", "request id is required"))
		return
	}
	req, err := h.requests.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListPendingRequests handles GET /api/v1/requests/pending?approver_id=.
func (h *HTTPHandler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	approverID := r.URL.Query().Get("approver_id")
	if approverID == "" {
		h.writeError(w, apperrors.InvalidInput("approver_id", "approver id is required"))
		return
	}
	requests, err := h.requests.ListPendingForApprover(r.Context(), approverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

type actionPayload struct {
	RequestID  string `json:"request_id"`
	ApproverID string `json:"approver_id"`
	UserID     string `json:"user_id"`
	Comment    string `json:"comment,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DelegateTo string `json:"delegate_to,omitempty"`
}

// ApproveRequest handles POST /api/v1/requests/approve.
func (h *HTTPHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	req, err := h.requests.Approve(r.Context(), payload.RequestID, payload.ApproverID, payload.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// RejectRequest handles POST /api/v1/requests/reject.
func (h *HTTPHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	req, err := h.requests.Reject(r.Context(), payload.RequestID, payload.ApproverID, payload.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// CancelRequest handles POST /api/v1/requests/cancel.
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	req, err := h.requests.Cancel(r.Context(), payload.RequestID, payload.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// DelegateRequest handles POST /api/v1/requests/delegate.
func (h *HTTPHandler) DelegateRequest(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	err := h.requests.Delegate(r.Context(), payload.RequestID, payload.ApproverID, payload.DelegateTo, payload.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRequestHistory handles GET /api/v1/requests/history?id=.
func (h *HTTPHandler) GetRequestHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, apperrors.InvalidInput("id", "request id is required"))
		return
	}
	actions, err := h.requests.GetHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, actions)
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// GetAuditTrail handles GET /api/v1/audit?correlation_id= (or entity_type +
// entity_id).
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if correlationID := r.URL.Query().Get("correlation_id"); correlationID != "" {
		entries, err := h.audit.GetByCorrelationID(r.Context(), correlationID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, entries)
		return
	}

	entityType := r.URL.Query().Get("entity_type")
	entityID := r.URL.Query().Get("entity_id")
	if entityType == "" || entityID == "" {
		h.writeError(w, apperrors.InvalidInput("query", "correlation_id or entity_type+entity_id is required"))
		return
	}
	entries, err := h.audit.GetByEntity(r.Context(), entityType, entityID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// VerifyAuditChain handles GET /api/v1/audit/verify?correlation_id=.
func (h *HTTPHandler) VerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		h.writeError(w, apperrors.InvalidInput("correlation_id", "correlation id is required"))
		return
	}

	verified, err := h.audit.VerifyChain(r.Context(), correlationID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeIntegrity) {
			h.log.Error().
				Str("correlation_id", correlationID).
				Msg("Audit chain verification failed")
			h.writeJSON(w, http.StatusConflict, map[string]any{
				"intact":      false,
				"tampered_at": verified,
				"error":       err.Error(),
			})
			return
		}
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"intact": true, "entries_verified": verified})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decodeAction(w http.ResponseWriter, r *http.Request) (*actionPayload, bool) {
	var payload actionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return nil, false
	}
	if payload.RequestID == "" {
		h.writeError(w, apperrors.InvalidInput("request_id", "request id is required"))
		return nil, false
	}
	return &payload, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeValidation:
		status = http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeConflict, apperrors.ErrCodeInvalidState:
		status = http.StatusConflict
	case apperrors.ErrCodeUnauthorized, apperrors.ErrCodeGuardBlocked:
		status = http.StatusForbidden
	}

	h.writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    string(apperrors.CodeOf(err)),
			"message": err.Error(),
		},
	})
}
