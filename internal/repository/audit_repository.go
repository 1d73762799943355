package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridianerp/be-approvals/internal/apperrors"
	"github.com/meridianerp/be-approvals/internal/database"
)

// AuditRepository appends and reads immutable audit log entries. The table
// has an update/delete prevention trigger, so Append is the only mutation.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry, computing its checksum over the entry plus
// the previous checksum in the same correlation chain. The previous entry is
// read under FOR UPDATE so concurrent appends to one chain serialize.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	// Postgres stores microseconds; anything finer would break verification.
	entry.RecordedAt = time.Now().UTC().Truncate(time.Microsecond)
	if entry.Source == "" {
		entry.Source = SourceUser
	}
	if entry.RiskLevel == "" {
		entry.RiskLevel = RiskLow
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		prev := ""
		if entry.CorrelationID != nil {
			query := `
				SELECT checksum
				FROM audit_log
				WHERE correlation_id = $1
				ORDER BY recorded_at DESC, id DESC
				LIMIT 1
				FOR UPDATE
			`
			err := tx.QueryRow(ctx, query, *entry.CorrelationID).Scan(&prev)
			if err != nil && err != pgx.ErrNoRows {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to read audit chain head")
			}
		}

		checksum, err := computeChecksum(entry, prev)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to compute audit checksum")
		}
		entry.Checksum = checksum

		prevJSON, err := marshalValues(entry.PreviousValues)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal previous values")
		}
		newJSON, err := marshalValues(entry.NewValues)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal new values")
		}

		query := `
			INSERT INTO audit_log
			    (action, entity_type, entity_id, actor, actor_role,
			     source, risk_level, compliance_flags,
			     previous_values, new_values,
			     correlation_id, parent_audit_id, checksum, recorded_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8,
			        $9, $10,
			        $11, $12, $13, $14)
			RETURNING id
		`

		return tx.QueryRow(ctx, query,
			entry.Action,
			entry.EntityType,
			entry.EntityID,
			entry.Actor,
			entry.ActorRole,
			entry.Source,
			entry.RiskLevel,
			entry.ComplianceFlags,
			prevJSON,
			newJSON,
			entry.CorrelationID,
			entry.ParentAuditID,
			entry.Checksum,
			entry.RecordedAt,
		).Scan(&entry.ID)
	})
}

// GetByCorrelationID returns all entries in one correlation chain,
// oldest-first.
func (r *AuditRepository) GetByCorrelationID(ctx context.Context, correlationID string) ([]*AuditEntry, error) {
	query := selectAudit + `
		WHERE correlation_id = $1
		ORDER BY recorded_at ASC, id ASC
	`
	return r.queryEntries(ctx, query, correlationID)
}

// GetByEntity returns the audit trail for one business entity, oldest-first.
func (r *AuditRepository) GetByEntity(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error) {
	query := selectAudit + `
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY recorded_at ASC, id ASC
	`
	return r.queryEntries(ctx, query, entityType, entityID)
}

// VerifyChain replays a correlation chain and recomputes every checksum.
// Returns the number of entries verified; a mismatch yields an integrity
// error naming the first tampered entry.
func (r *AuditRepository) VerifyChain(ctx context.Context, correlationID string) (int, error) {
	entries, err := r.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return 0, err
	}

	badIndex, err := verifyEntries(entries)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to recompute audit checksums")
	}
	if badIndex >= 0 {
		return badIndex, apperrors.Newf(apperrors.ErrCodeIntegrity,
			"audit chain %s tampered at position %d (entry %s)",
			correlationID, badIndex, entries[badIndex].ID)
	}
	return len(entries), nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectAudit = `
	SELECT id, action, entity_type, entity_id, actor, actor_role,
	       source, risk_level, compliance_flags,
	       previous_values, new_values,
	       correlation_id, parent_audit_id, checksum, recorded_at
	FROM audit_log
`

func (r *AuditRepository) queryEntries(ctx context.Context, query string, args ...any) ([]*AuditEntry, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to query audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanAuditEntry(rows pgx.Rows) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var prevJSON, newJSON []byte

	err := rows.Scan(
		&entry.ID,
		&entry.Action,
		&entry.EntityType,
		&entry.EntityID,
		&entry.Actor,
		&entry.ActorRole,
		&entry.Source,
		&entry.RiskLevel,
		&entry.ComplianceFlags,
		&prevJSON,
		&newJSON,
		&entry.CorrelationID,
		&entry.ParentAuditID,
		&entry.Checksum,
		&entry.RecordedAt,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
	}

	if entry.PreviousValues, err = unmarshalValues(prevJSON); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal previous values")
	}
	if entry.NewValues, err = unmarshalValues(newJSON); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal new values")
	}
	entry.RecordedAt = entry.RecordedAt.UTC()
	return entry, nil
}

func marshalValues(values map[string]any) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	return json.Marshal(values)
}

func unmarshalValues(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}
