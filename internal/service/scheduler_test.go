package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianerp/be-approvals/internal/policy"
	"github.com/meridianerp/be-approvals/internal/repository"
)

type schedulerFixture struct {
	*requestFixture
	sched *Scheduler
}

func newSchedulerFixture() *schedulerFixture {
	fix := &schedulerFixture{requestFixture: newRequestFixture()}
	fix.sched = NewScheduler(fix.requests, fix.chains, fix.svc, time.Minute, 100, testLogger())
	fix.sched.now = fix.svc.now
	return fix
}

func TestSweepAction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	escalating := &repository.ApprovalChain{
		EscalateAfterHrs:  intPtr(48),
		EscalationChainID: strPtr("target"),
	}
	plain := &repository.ApprovalChain{}

	tests := []struct {
		name  string
		req   *repository.ApprovalRequest
		chain *repository.ApprovalChain
		want  string
	}{
		{
			name:  "terminal request untouched",
			req:   &repository.ApprovalRequest{Status: repository.StatusApproved, AutoApprovalAt: timePtr(now.Add(-time.Hour))},
			chain: escalating,
			want:  sweepNone,
		},
		{
			name:  "nothing due",
			req:   &repository.ApprovalRequest{Status: repository.StatusPending, RequestedAt: now.Add(-time.Hour)},
			chain: escalating,
			want:  sweepNone,
		},
		{
			name:  "auto-approval due",
			req:   &repository.ApprovalRequest{Status: repository.StatusPending, AutoApprovalAt: timePtr(now.Add(-time.Minute))},
			chain: plain,
			want:  sweepAutoApprove,
		},
		{
			name:  "auto-approval due exactly now",
			req:   &repository.ApprovalRequest{Status: repository.StatusPending, AutoApprovalAt: timePtr(now)},
			chain: plain,
			want:  sweepAutoApprove,
		},
		{
			name:  "escalation due",
			req:   &repository.ApprovalRequest{Status: repository.StatusPending, RequestedAt: now.Add(-49 * time.Hour)},
			chain: escalating,
			want:  sweepEscalate,
		},
		{
			name:  "escalation not due without target chain",
			req:   &repository.ApprovalRequest{Status: repository.StatusPending, RequestedAt: now.Add(-49 * time.Hour)},
			chain: plain,
			want:  sweepNone,
		},
		{
			name: "auto-approval wins when both are due",
			req: &repository.ApprovalRequest{
				Status:         repository.StatusPending,
				RequestedAt:    now.Add(-49 * time.Hour),
				AutoApprovalAt: timePtr(now.Add(-time.Hour)),
			},
			chain: escalating,
			want:  sweepAutoApprove,
		},
		{
			name: "escalation clock restarts at the last escalation",
			req: &repository.ApprovalRequest{
				Status:      repository.StatusEscalated,
				RequestedAt: now.Add(-100 * time.Hour),
				EscalatedAt: timePtr(now.Add(-time.Hour)),
			},
			chain: escalating,
			want:  sweepNone,
		},
		{
			name: "escalated request escalates again when due",
			req: &repository.ApprovalRequest{
				Status:      repository.StatusEscalated,
				RequestedAt: now.Add(-200 * time.Hour),
				EscalatedAt: timePtr(now.Add(-49 * time.Hour)),
			},
			chain: escalating,
			want:  sweepEscalate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sweepAction(tt.req, tt.chain, now))
		})
	}
}

func TestSweepAutoApproves(t *testing.T) {
	fix := newSchedulerFixture()
	ctx := context.Background()

	chain := fix.chains.put(&repository.ApprovalChain{
		Name:                "po-auto",
		OperationType:       "purchase_order.confirm",
		MinApprovers:        1,
		AutoApproveAfterHrs: intPtr(24),
		IsActive:            true,
	})

	req, err := fix.svc.Create(ctx, requestContext(), chain.ID)
	require.NoError(t, err)

	// Before the deadline nothing happens.
	fix.sched.Sweep(ctx)
	got, err := fix.requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, got.Status)

	fix.now = fix.now.Add(25 * time.Hour)
	fix.sched.Sweep(ctx)

	got, err = fix.requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)
	require.NotNil(t, got.FinalApprovedBy)
	assert.Equal(t, policy.SystemActor, *got.FinalApprovedBy)
	require.NotNil(t, got.ApprovedAt)

	entry := fix.audit.lastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "approval_auto_approved", entry.Action)
	assert.Equal(t, repository.SourceSystem, entry.Source)
	assert.Equal(t, policy.SystemActor, entry.Actor)

	assert.Equal(t,
		[]string{EventRequestCreated, EventRequestAutoApproved},
		fix.notifier.eventTypes())

	// A second sweep finds nothing open.
	fix.sched.Sweep(ctx)
	assert.Len(t, fix.notifier.events, 2)
}

func TestSweepEscalates(t *testing.T) {
	fix := newSchedulerFixture()
	ctx := context.Background()

	target := fix.chains.put(&repository.ApprovalChain{
		Name:                "po-management",
		OperationType:       "purchase_order.confirm",
		MinApprovers:        1,
		ApproverRoles:       policy.RoleSet{policy.RoleGeneralManager},
		AutoApproveAfterHrs: intPtr(24),
		IsActive:            true,
	})
	source := fix.chains.put(&repository.ApprovalChain{
		Name:              "po-standard",
		OperationType:     "purchase_order.confirm",
		MinApprovers:      2,
		ApproverRoles:     policy.RoleSet{policy.RoleFinanceManager},
		EscalateAfterHrs:  intPtr(48),
		EscalationChainID: &target.ID,
		IsActive:          true,
	})
	fix.identity.grant("fm-1", "finance_manager")

	req, err := fix.svc.Create(ctx, requestContext(), source.ID)
	require.NoError(t, err)
	_, err = fix.svc.Approve(ctx, req.ID, "fm-1", "")
	require.NoError(t, err)

	fix.now = fix.now.Add(49 * time.Hour)
	fix.sched.Sweep(ctx)

	got, err := fix.requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusEscalated, got.Status)
	assert.Equal(t, target.ID, got.ChainID)
	assert.Equal(t, 0, got.CurrentApprovals, "partial approvals reset on escalation")
	assert.Equal(t, 1, got.TotalRequiredApprovals, "required approvals follow the target chain")
	assert.Equal(t, 2, got.CurrentApproverLevel)
	require.NotNil(t, got.EscalatedAt)
	require.NotNil(t, got.EscalationReason)
	assert.Contains(t, *got.EscalationReason, "po-standard")
	require.NotNil(t, got.AutoApprovalAt)
	assert.Equal(t, fix.now.Add(24*time.Hour), *got.AutoApprovalAt,
		"auto-approval deadline recomputed from the target chain")

	entry := fix.audit.lastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "approval_escalated", entry.Action)
	assert.Equal(t, repository.SourceSystem, entry.Source)

	// The escalated request stays open and can resolve under the new chain.
	fix.identity.grant("gm-1", "general_manager")
	resolved, err := fix.svc.Approve(ctx, req.ID, "gm-1", "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, resolved.Status)
}

func TestSweepSkipsRequestWithMissingChain(t *testing.T) {
	fix := newSchedulerFixture()
	ctx := context.Background()

	fix.requests.put(&repository.ApprovalRequest{
		EntityType:     "purchase_order",
		EntityID:       "po-orphan",
		ChainID:        "deleted-chain",
		Status:         repository.StatusPending,
		AutoApprovalAt: timePtr(fix.now.Add(-time.Hour)),
	})

	// Must not panic or transition anything.
	fix.sched.Sweep(ctx)
	assert.Empty(t, fix.notifier.events)
}

func TestSweepLostRaceIsSilent(t *testing.T) {
	fix := newSchedulerFixture()
	ctx := context.Background()

	chain := fix.chains.put(&repository.ApprovalChain{
		Name:                "po-auto",
		OperationType:       "purchase_order.confirm",
		MinApprovers:        1,
		AutoApproveAfterHrs: intPtr(1),
		IsActive:            true,
	})
	_, err := fix.svc.Create(ctx, requestContext(), chain.ID)
	require.NoError(t, err)

	fix.now = fix.now.Add(2 * time.Hour)
	fix.requests.forceConflicts = 1

	// The conditional update loses; the sweep moves on without resolving.
	fix.sched.Sweep(ctx)
	assert.Equal(t, []string{EventRequestCreated}, fix.notifier.eventTypes())
}

func TestSchedulerRunStopsOnContextCancel(t *testing.T) {
	fix := newSchedulerFixture()
	fix.sched.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fix.sched.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancellation")
	}
}
