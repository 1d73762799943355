package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// checksumPayload is the canonical byte form of an audit entry, excluding the
// checksum itself and the database-assigned id. All fields are fixed-order
// struct members; the value maps are normalized first, and json.Marshal sorts
// map keys, so marshaling is deterministic.
type checksumPayload struct {
	Action          string          `json:"action"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Actor           string          `json:"actor"`
	ActorRole       string          `json:"actor_role"`
	Source          string          `json:"source"`
	RiskLevel       string          `json:"risk_level"`
	ComplianceFlags []string        `json:"compliance_flags"`
	PreviousValues  json.RawMessage `json:"previous_values"`
	NewValues       json.RawMessage `json:"new_values"`
	CorrelationID   string          `json:"correlation_id"`
	ParentAuditID   string          `json:"parent_audit_id"`
	RecordedAt      string          `json:"recorded_at"`
	PrevChecksum    string          `json:"prev_checksum"`
}

// computeChecksum hashes the entry together with the previous checksum in its
// correlation chain. RecordedAt must already be truncated to microseconds
// (Postgres timestamp precision) or recomputation after a read-back will not
// match.
func computeChecksum(entry *AuditEntry, prevChecksum string) (string, error) {
	prevValues, err := canonicalValues(entry.PreviousValues)
	if err != nil {
		return "", fmt.Errorf("canonicalize previous values: %w", err)
	}
	newValues, err := canonicalValues(entry.NewValues)
	if err != nil {
		return "", fmt.Errorf("canonicalize new values: %w", err)
	}

	payload := checksumPayload{
		Action:          entry.Action,
		EntityType:      entry.EntityType,
		EntityID:        entry.EntityID,
		Actor:           entry.Actor,
		ActorRole:       entry.ActorRole,
		Source:          entry.Source,
		RiskLevel:       entry.RiskLevel,
		ComplianceFlags: entry.ComplianceFlags,
		PreviousValues:  prevValues,
		NewValues:       newValues,
		CorrelationID:   strOrEmpty(entry.CorrelationID),
		ParentAuditID:   strOrEmpty(entry.ParentAuditID),
		RecordedAt:      entry.RecordedAt.UTC().Format(time.RFC3339Nano),
		PrevChecksum:    prevChecksum,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal checksum payload: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalValues round-trips a value map through JSON so that the numeric
// types seen at append time (int64, int) hash identically to the float64
// forms produced by reading the JSONB column back.
func canonicalValues(values map[string]any) (json.RawMessage, error) {
	if values == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// verifyEntries replays a correlation chain oldest-first and recomputes every
// checksum. Returns the index of the first entry whose stored checksum does
// not match, or -1 when the chain is intact.
func verifyEntries(entries []*AuditEntry) (int, error) {
	prev := ""
	for i, entry := range entries {
		expected, err := computeChecksum(entry, prev)
		if err != nil {
			return i, err
		}
		if expected != entry.Checksum {
			return i, nil
		}
		prev = entry.Checksum
	}
	return -1, nil
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
