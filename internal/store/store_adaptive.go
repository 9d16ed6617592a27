package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/models"
)

// GetAdaptiveWeights loads learned per-method weights for a tenant context
func (s *Store) GetAdaptiveWeights(ctx context.Context, tenantID, contextKey, domain string) (*models.AdaptiveWeights, error) {
	var w models.AdaptiveWeights
	err := s.db.GetContext(ctx, &w, `
		SELECT rules, historical, llm, ml
		FROM adaptive_weights
		WHERE tenant_id = $1 AND context_key = $2 AND domain = $3
	`, tenantID, contextKey, domain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// UpsertAdaptiveWeights writes learned weights for a tenant context
func (s *Store) UpsertAdaptiveWeights(ctx context.Context, tenantID, contextKey, domain string, w models.AdaptiveWeights) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adaptive_weights (tenant_id, context_key, domain, rules, historical, llm, ml, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, context_key, domain) DO UPDATE SET
			rules = EXCLUDED.rules,
			historical = EXCLUDED.historical,
			llm = EXCLUDED.llm,
			ml = EXCLUDED.ml,
			updated_at = EXCLUDED.updated_at
	`, tenantID, contextKey, domain, w.Rules, w.Historical, w.LLM, w.ML, time.Now())
	return err
}

// PredictionOutcome is one observed prediction/outcome pair used to train
// the adaptive weights
type PredictionOutcome struct {
	ID            uuid.UUID `db:"id"`
	TenantID      string    `db:"tenant_id"`
	ContextKey    string    `db:"context_key"`
	OpportunityID uuid.UUID `db:"opportunity_id"`
	Method        string    `db:"method"`
	Predicted     float64   `db:"predicted"`
	Outcome       string    `db:"outcome"`
	RecordedAt    time.Time `db:"recorded_at"`
}

// RecordPredictionOutcome appends an observed outcome for learning
func (s *Store) RecordPredictionOutcome(ctx context.Context, rec *PredictionOutcome) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prediction_outcomes (id, tenant_id, context_key, opportunity_id, method, predicted, outcome, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.TenantID, rec.ContextKey, rec.OpportunityID, rec.Method,
		rec.Predicted, rec.Outcome, rec.RecordedAt)
	return err
}

// GetResolutionStrategy loads the learned conflict-resolution strategy for
// a (tenant, context, method pair). Method pairs are stored ordered.
func (s *Store) GetResolutionStrategy(ctx context.Context, tenantID, contextKey, method1, method2 string) (string, error) {
	var strategy string
	err := s.db.GetContext(ctx, &strategy, `
		SELECT strategy FROM resolution_strategies
		WHERE tenant_id = $1 AND context_key = $2 AND method1 = $3 AND method2 = $4
	`, tenantID, contextKey, method1, method2)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return strategy, nil
}

// RecordResolution appends one observed conflict resolution for learning
func (s *Store) RecordResolution(ctx context.Context, tenantID, contextKey, method1, method2, strategy string, kept float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolution_history (id, tenant_id, context_key, method1, method2, strategy, kept_confidence, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), tenantID, contextKey, method1, method2, strategy, kept, time.Now())
	return err
}

// UpsertResolutionStrategy pins the learned strategy for a method pair
func (s *Store) UpsertResolutionStrategy(ctx context.Context, tenantID, contextKey, method1, method2, strategy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolution_strategies (tenant_id, context_key, method1, method2, strategy, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, context_key, method1, method2) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			updated_at = EXCLUDED.updated_at
	`, tenantID, contextKey, method1, method2, strategy, time.Now())
	return err
}
