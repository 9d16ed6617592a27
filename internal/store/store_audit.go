package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/models"
)

// AuditEntry is one persisted decision-trail record. Append-only.
type AuditEntry struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	TenantID      string       `db:"tenant_id" json:"tenant_id"`
	OpportunityID uuid.UUID    `db:"opportunity_id" json:"opportunity_id"`
	UserID        string       `db:"user_id" json:"user_id"`
	Trail         models.JSONB `db:"trail" json:"trail"`
	Lineage       models.JSONB `db:"lineage" json:"lineage"`
	RecordedAt    time.Time    `db:"recorded_at" json:"recorded_at"`
}

// LogEvaluation appends a decision trail + lineage record
func (s *Store) LogEvaluation(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluation_audit (id, tenant_id, opportunity_id, user_id, trail, lineage, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.TenantID, entry.OpportunityID, entry.UserID,
		entry.Trail, entry.Lineage, entry.RecordedAt)
	return err
}

// ListAuditEntries returns decision trails for an opportunity, newest first
func (s *Store) ListAuditEntries(ctx context.Context, tenantID string, opportunityID uuid.UUID, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []AuditEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, tenant_id, opportunity_id, user_id, trail, lineage, recorded_at
		FROM evaluation_audit
		WHERE tenant_id = $1 AND opportunity_id = $2
		ORDER BY recorded_at DESC
		LIMIT $3
	`, tenantID, opportunityID, limit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
