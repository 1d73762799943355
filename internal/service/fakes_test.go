package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/logger"
	"github.com/meridianerp/be-approvals/internal/policy"
	"github.com/meridianerp/be-approvals/internal/repository"
)

// In-memory store fakes. They mirror the concrete repositories' contracts:
// Create enforces the single-open-request rule, ApplyTransition is a
// version-conditioned write, and reads hand back copies so service-side
// mutations only stick through a transition.

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zerolog.Nop()}
}

// ── chains ───────────────────────────────────────────────────────────────────

type fakeChainStore struct {
	chains map[string]*repository.ApprovalChain
}

func newFakeChainStore() *fakeChainStore {
	return &fakeChainStore{chains: map[string]*repository.ApprovalChain{}}
}

func (f *fakeChainStore) put(chain *repository.ApprovalChain) *repository.ApprovalChain {
	if chain.ID == "" {
		chain.ID = uuid.NewString()
	}
	f.chains[chain.ID] = chain
	return chain
}

func (f *fakeChainStore) Create(_ context.Context, chain *repository.ApprovalChain) error {
	f.put(chain)
	return nil
}

func (f *fakeChainStore) GetByID(_ context.Context, id string) (*repository.ApprovalChain, error) {
	chain, ok := f.chains[id]
	if !ok {
		return nil, apperrors.NotFound("approval chain", id)
	}
	cp := *chain
	return &cp, nil
}

func (f *fakeChainStore) ListByOperationType(_ context.Context, operationType string, activeOnly bool) ([]*repository.ApprovalChain, error) {
	var out []*repository.ApprovalChain
	for _, chain := range f.chains {
		if chain.OperationType != operationType {
			continue
		}
		if activeOnly && !chain.IsActive {
			continue
		}
		cp := *chain
		out = append(out, &cp)
	}
	sortChains(out)
	return out, nil
}

func (f *fakeChainStore) List(_ context.Context, activeOnly bool) ([]*repository.ApprovalChain, error) {
	var out []*repository.ApprovalChain
	for _, chain := range f.chains {
		if activeOnly && !chain.IsActive {
			continue
		}
		cp := *chain
		out = append(out, &cp)
	}
	sortChains(out)
	return out, nil
}

func (f *fakeChainStore) Update(_ context.Context, chain *repository.ApprovalChain) error {
	if _, ok := f.chains[chain.ID]; !ok {
		return apperrors.NotFound("approval chain", chain.ID)
	}
	cp := *chain
	f.chains[chain.ID] = &cp
	return nil
}

func (f *fakeChainStore) Delete(_ context.Context, id string) error {
	if _, ok := f.chains[id]; !ok {
		return apperrors.NotFound("approval chain", id)
	}
	delete(f.chains, id)
	return nil
}

func (f *fakeChainStore) CountReferencing(_ context.Context, id string) (int, error) {
	count := 0
	for _, chain := range f.chains {
		if chain.EscalationChainID != nil && *chain.EscalationChainID == id {
			count++
		}
	}
	return count, nil
}

// sortChains matches the repository's resolution order.
func sortChains(chains []*repository.ApprovalChain) {
	sort.Slice(chains, func(i, j int) bool {
		if chains[i].Priority != chains[j].Priority {
			return chains[i].Priority > chains[j].Priority
		}
		if chains[i].AmountThreshold != chains[j].AmountThreshold {
			return chains[i].AmountThreshold > chains[j].AmountThreshold
		}
		return chains[i].Name < chains[j].Name
	})
}

// ── requests ─────────────────────────────────────────────────────────────────

type fakeRequestStore struct {
	requests map[string]*repository.ApprovalRequest
	actions  map[string][]*repository.ApprovalAction
	clock    func() time.Time

	// forceConflicts makes the next N ApplyTransition calls fail with a
	// concurrency conflict, simulating a racing writer.
	forceConflicts int
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{
		requests: map[string]*repository.ApprovalRequest{},
		actions:  map[string][]*repository.ApprovalAction{},
		clock:    time.Now,
	}
}

func (f *fakeRequestStore) put(req *repository.ApprovalRequest) *repository.ApprovalRequest {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Version == 0 {
		req.Version = 1
	}
	cp := *req
	f.requests[req.ID] = &cp
	return req
}

// checkCounters mirrors the approval_requests CHECK constraint.
func checkCounters(req *repository.ApprovalRequest) error {
	if req.CurrentApprovals < 0 || req.CurrentApprovals > req.TotalRequiredApprovals {
		return apperrors.Newf(apperrors.ErrCodeInternal,
			"approval counter out of range: %d/%d", req.CurrentApprovals, req.TotalRequiredApprovals)
	}
	return nil
}

func (f *fakeRequestStore) Create(_ context.Context, req *repository.ApprovalRequest, action *repository.ApprovalAction) error {
	if err := checkCounters(req); err != nil {
		return err
	}
	for _, r := range f.requests {
		if r.EntityType == req.EntityType && r.EntityID == req.EntityID && r.IsOpen() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"an unresolved approval request already exists for %s/%s", req.EntityType, req.EntityID)
		}
	}
	req.ID = uuid.NewString()
	req.Version = 1
	if req.RequestedAt.IsZero() {
		req.RequestedAt = f.clock().UTC()
	}
	cp := *req
	f.requests[req.ID] = &cp

	a := *action
	a.RequestID = req.ID
	a.ActedAt = f.clock().UTC()
	f.actions[req.ID] = append(f.actions[req.ID], &a)
	return nil
}

func (f *fakeRequestStore) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, apperrors.NotFound("approval request", id)
	}
	cp := *req
	return &cp, nil
}

func (f *fakeRequestStore) ApplyTransition(_ context.Context, req *repository.ApprovalRequest, expectedVersion int, action *repository.ApprovalAction) error {
	if err := checkCounters(req); err != nil {
		return err
	}
	if f.forceConflicts > 0 {
		f.forceConflicts--
		return apperrors.New(apperrors.ErrCodeConflict, "approval request was modified concurrently")
	}

	stored, ok := f.requests[req.ID]
	if !ok {
		return apperrors.NotFound("approval request", req.ID)
	}
	if stored.Version != expectedVersion {
		return apperrors.New(apperrors.ErrCodeConflict, "approval request was modified concurrently")
	}

	req.Version = expectedVersion + 1
	cp := *req
	f.requests[req.ID] = &cp

	a := *action
	a.RequestID = req.ID
	a.ActedAt = f.clock().UTC()
	f.actions[req.ID] = append(f.actions[req.ID], &a)
	return nil
}

func (f *fakeRequestStore) GetActions(_ context.Context, requestID string) ([]*repository.ApprovalAction, error) {
	return append([]*repository.ApprovalAction(nil), f.actions[requestID]...), nil
}

func (f *fakeRequestStore) ListOpen(_ context.Context, limit int) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range f.requests {
		if !req.IsOpen() {
			continue
		}
		cp := *req
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRequestStore) ListPendingForApprover(_ context.Context, _ string, _ []string) ([]*repository.ApprovalRequest, error) {
	return f.ListOpen(context.Background(), 0)
}

// ── guards ───────────────────────────────────────────────────────────────────

type fakeGuardStore struct {
	guards map[string]*repository.ApprovalGuard // keyed by operation type
}

func newFakeGuardStore() *fakeGuardStore {
	return &fakeGuardStore{guards: map[string]*repository.ApprovalGuard{}}
}

func (f *fakeGuardStore) put(guard *repository.ApprovalGuard) *repository.ApprovalGuard {
	if guard.ID == "" {
		guard.ID = uuid.NewString()
	}
	f.guards[guard.OperationType] = guard
	return guard
}

func (f *fakeGuardStore) Create(_ context.Context, guard *repository.ApprovalGuard) error {
	if _, exists := f.guards[guard.OperationType]; exists {
		return apperrors.Newf(apperrors.ErrCodeConflict,
			"a guard already exists for operation type %s", guard.OperationType)
	}
	f.put(guard)
	return nil
}

func (f *fakeGuardStore) GetByOperationType(_ context.Context, operationType string) (*repository.ApprovalGuard, error) {
	guard, ok := f.guards[operationType]
	if !ok {
		return nil, nil
	}
	cp := *guard
	return &cp, nil
}

func (f *fakeGuardStore) List(_ context.Context) ([]*repository.ApprovalGuard, error) {
	var out []*repository.ApprovalGuard
	for _, guard := range f.guards {
		cp := *guard
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeGuardStore) Update(_ context.Context, guard *repository.ApprovalGuard) error {
	cp := *guard
	f.guards[guard.OperationType] = &cp
	return nil
}

func (f *fakeGuardStore) Delete(_ context.Context, id string) error {
	for op, guard := range f.guards {
		if guard.ID == id {
			delete(f.guards, op)
			return nil
		}
	}
	return apperrors.NotFound("approval guard", id)
}

// ── audit ────────────────────────────────────────────────────────────────────

type fakeAuditStore struct {
	entries []*repository.AuditEntry
}

func (f *fakeAuditStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	cp := *entry
	cp.ID = uuid.NewString()
	if cp.Source == "" {
		cp.Source = repository.SourceUser
	}
	if cp.RiskLevel == "" {
		cp.RiskLevel = repository.RiskLow
	}
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeAuditStore) GetByCorrelationID(_ context.Context, correlationID string) ([]*repository.AuditEntry, error) {
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.CorrelationID != nil && *e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) GetByEntity(_ context.Context, entityType, entityID string) ([]*repository.AuditEntry, error) {
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) VerifyChain(_ context.Context, _ string) (int, error) {
	return len(f.entries), nil
}

func (f *fakeAuditStore) actionsRecorded() []string {
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Action
	}
	return out
}

func (f *fakeAuditStore) lastEntry() *repository.AuditEntry {
	if len(f.entries) == 0 {
		return nil
	}
	return f.entries[len(f.entries)-1]
}

// ── identity ─────────────────────────────────────────────────────────────────

type fakeIdentityClient struct {
	rolesByUser map[string][]string
	usersByRole map[string][]string
	err         error
}

func newFakeIdentityClient() *fakeIdentityClient {
	return &fakeIdentityClient{
		rolesByUser: map[string][]string{},
		usersByRole: map[string][]string{},
	}
}

func (f *fakeIdentityClient) grant(userID string, roles ...string) {
	f.rolesByUser[userID] = roles
	for _, role := range roles {
		f.usersByRole[role] = append(f.usersByRole[role], userID)
	}
}

func (f *fakeIdentityClient) GetUserRoles(_ context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rolesByUser[userID], nil
}

func (f *fakeIdentityClient) GetUsersWithRole(_ context.Context, role string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.usersByRole[role], nil
}

// ── notifier ─────────────────────────────────────────────────────────────────

type publishedEvent struct {
	eventType string
	requestID string
}

type fakeNotifier struct {
	events   []publishedEvent
	bypasses []string
}

func (f *fakeNotifier) PublishApprovalEvent(_ context.Context, eventType string, req *repository.ApprovalRequest) {
	f.events = append(f.events, publishedEvent{eventType: eventType, requestID: req.ID})
}

func (f *fakeNotifier) PublishGuardBypass(_ context.Context, _ *policy.RequestContext, reason string) {
	f.bypasses = append(f.bypasses, reason)
}

func (f *fakeNotifier) eventTypes() []string {
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.eventType
	}
	return out
}

// intPtr and strPtr keep chain fixtures readable.
func intPtr(v int) *int              { return &v }
func strPtr(s string) *string        { return &s }
func timePtr(t time.Time) *time.Time { return &t }
