package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/models"
)

// CreateSnapshot appends an immutable evaluation snapshot. Snapshots are
// never updated or deleted by the engine.
func (s *Store) CreateSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_snapshots (id, opportunity_id, tenant_id, taken_at, global_score, revenue_at_risk, evaluation)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, snap.ID, snap.OpportunityID, snap.TenantID, snap.TakenAt,
		snap.GlobalScore, snap.RevenueAtRisk, snap.Evaluation)
	return err
}

// ListSnapshots returns snapshots for an opportunity ordered oldest first,
// optionally bounded by a date range
func (s *Store) ListSnapshots(ctx context.Context, tenantID string, opportunityID uuid.UUID, from, to *time.Time) ([]models.Snapshot, error) {
	query := `
		SELECT id, opportunity_id, tenant_id, taken_at, global_score, revenue_at_risk, evaluation
		FROM risk_snapshots
		WHERE tenant_id = $1 AND opportunity_id = $2
	`
	args := []interface{}{tenantID, opportunityID}

	if from != nil {
		args = append(args, *from)
		query += ` AND taken_at >= $3`
	}
	if to != nil {
		args = append(args, *to)
		if from != nil {
			query += ` AND taken_at <= $4`
		} else {
			query += ` AND taken_at <= $3`
		}
	}
	query += ` ORDER BY taken_at ASC`

	var snaps []models.Snapshot
	if err := s.db.SelectContext(ctx, &snaps, query, args...); err != nil {
		return nil, err
	}
	return snaps, nil
}

// SnapshotDigest aggregates a tenant's snapshot activity since a cutoff.
type SnapshotDigest struct {
	Evaluations        int     `db:"evaluations"`
	HighRiskDeals      int     `db:"high_risk_deals"`
	TotalRevenueAtRisk float64 `db:"total_revenue_at_risk"`
	AvgGlobalScore     float64 `db:"avg_global_score"`
}

// GetSnapshotDigest summarizes snapshots taken since the cutoff for one
// tenant. High-risk deals are counted per distinct opportunity whose latest
// score in the window crosses the threshold.
func (s *Store) GetSnapshotDigest(ctx context.Context, tenantID string, since time.Time, highRiskThreshold float64) (*SnapshotDigest, error) {
	var d SnapshotDigest
	err := s.db.GetContext(ctx, &d, `
		SELECT
			COUNT(*) AS evaluations,
			COUNT(DISTINCT opportunity_id) FILTER (WHERE global_score >= $3) AS high_risk_deals,
			COALESCE(SUM(revenue_at_risk), 0) AS total_revenue_at_risk,
			COALESCE(AVG(global_score), 0) AS avg_global_score
		FROM risk_snapshots
		WHERE tenant_id = $1 AND taken_at >= $2
	`, tenantID, since, highRiskThreshold)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// PruneSnapshots deletes snapshots older than the retention cutoff. Used
// only by the retention job, never by the engine itself.
func (s *Store) PruneSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM risk_snapshots WHERE taken_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
