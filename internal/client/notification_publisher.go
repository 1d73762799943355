package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/meridianerp/be-approvals/internal/policy"
	"github.com/meridianerp/be-approvals/internal/repository"
)

// NotificationPublisher publishes approval lifecycle events to NATS for
// consumption by the notifications service and the originating business
// modules (purchasing, capital, shipping, user management).
//
// Subject convention: notifications.approvals.<event_type>
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// ApprovalEvent is the JSON schema published to NATS. EntityType/EntityID and
// CorrelationID let the originating module commit or unwind its protected
// operation.
type ApprovalEvent struct {
	EventType     string         `json:"event_type"`
	RequestID     string         `json:"request_id,omitempty"`
	OperationType string         `json:"operation_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Status        string         `json:"status,omitempty"`
	ActorID       string         `json:"actor_id,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// PublishApprovalEvent publishes a request lifecycle event.
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType string, req *repository.ApprovalRequest) {
	event := &ApprovalEvent{
		EventType:     eventType,
		RequestID:     req.ID,
		OperationType: req.OperationType,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		CorrelationID: req.CorrelationID,
		Status:        req.Status,
		Severity:      "info",
		Payload: map[string]any{
			"current_approvals":        req.CurrentApprovals,
			"total_required_approvals": req.TotalRequiredApprovals,
		},
	}
	if req.FinalApprovedBy != nil {
		event.ActorID = *req.FinalApprovedBy
	}
	if req.FinalRejectedBy != nil {
		event.ActorID = *req.FinalRejectedBy
	}

	p.publish(eventType, event)
}

// PublishGuardBypass publishes an emergency-bypass notification.
func (p *NotificationPublisher) PublishGuardBypass(ctx context.Context, reqCtx *policy.RequestContext, reason string) {
	p.publish("guard_bypassed", &ApprovalEvent{
		EventType:     "guard_bypassed",
		OperationType: reqCtx.OperationType,
		EntityType:    reqCtx.EntityType,
		EntityID:      reqCtx.EntityID,
		ActorID:       reqCtx.RequesterID,
		Severity:      "warning",
		Payload: map[string]any{
			"reason":         reason,
			"requester_role": string(reqCtx.RequesterRole),
			"amount":         reqCtx.Amount,
		},
	})
}

func (p *NotificationPublisher) publish(eventType string, event *ApprovalEvent) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("entity_id", event.EntityID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("entity_id", event.EntityID).
		Msg("notification: event published")
}
