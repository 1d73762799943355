package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/logger"
	"github.com/meridianerp/be-approvals/internal/repository"
)

// Sweep actions.
const (
	sweepNone        = ""
	sweepAutoApprove = "auto_approve"
	sweepEscalate    = "escalate"
)

// Scheduler periodically sweeps open requests and fires the time-based
// transitions no external event can trigger: auto-approval and escalation.
// Multiple instances may run concurrently; every transition is a
// version-conditioned update, so a request is transitioned exactly once and
// losers of the race simply skip it.
type Scheduler struct {
	requests  RequestStore
	chains    ChainStore
	svc       *RequestService
	interval  time.Duration
	batchSize int
	log       *logger.Logger
	now       func() time.Time
}

// NewScheduler creates a new Scheduler.
func NewScheduler(requests RequestStore, chains ChainStore, svc *RequestService, interval time.Duration, batchSize int, log *logger.Logger) *Scheduler {
	return &Scheduler{
		requests:  requests,
		chains:    chains,
		svc:       svc,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
		now:       time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Msg("Starting escalation/auto-approval scheduler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of open requests.
func (s *Scheduler) Sweep(ctx context.Context) {
	sweepID := uuid.NewString()
	requests, err := s.requests.ListOpen(ctx, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Str("sweep_id", sweepID).Msg("Sweep failed to list open requests")
		return
	}

	var autoApproved, escalated int
	for _, req := range requests {
		chain, err := s.chains.GetByID(ctx, req.ChainID)
		if err != nil {
			s.log.Warn().Err(err).
				Str("request_id", req.ID).
				Msg("Sweep skipping request with unresolvable chain")
			continue
		}

		switch sweepAction(req, chain, s.now()) {
		case sweepAutoApprove:
			if err := s.svc.AutoApprove(ctx, req); err != nil {
				s.logTransitionErr(err, req.ID, "auto-approve")
				continue
			}
			autoApproved++
		case sweepEscalate:
			if err := s.svc.Escalate(ctx, req, chain); err != nil {
				s.logTransitionErr(err, req.ID, "escalate")
				continue
			}
			escalated++
		}
	}

	if autoApproved > 0 || escalated > 0 {
		s.log.Info().
			Str("sweep_id", sweepID).
			Int("scanned", len(requests)).
			Int("auto_approved", autoApproved).
			Int("escalated", escalated).
			Msg("Sweep completed")
	}
}

// logTransitionErr downgrades lost races to debug; another replica already
// transitioned the request.
func (s *Scheduler) logTransitionErr(err error, requestID, what string) {
	if apperrors.HasCode(err, apperrors.ErrCodeConflict) || apperrors.HasCode(err, apperrors.ErrCodeInvalidState) {
		s.log.Debug().Err(err).Str("request_id", requestID).Msgf("Sweep lost %s race", what)
		return
	}
	s.log.Error().Err(err).Str("request_id", requestID).Msgf("Sweep failed to %s request", what)
}

// sweepAction decides the time-based transition due for a request, if any.
// Auto-approval wins over escalation when both are due.
func sweepAction(req *repository.ApprovalRequest, chain *repository.ApprovalChain, now time.Time) string {
	if !req.IsOpen() {
		return sweepNone
	}

	if req.AutoApprovalAt != nil && !now.Before(*req.AutoApprovalAt) {
		return sweepAutoApprove
	}

	if chain.EscalateAfterHrs != nil && chain.EscalationChainID != nil {
		since := req.RequestedAt
		if req.EscalatedAt != nil {
			since = *req.EscalatedAt
		}
		if now.Sub(since) >= time.Duration(*chain.EscalateAfterHrs)*time.Hour {
			return sweepEscalate
		}
	}
	return sweepNone
}
