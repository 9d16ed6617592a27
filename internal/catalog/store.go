package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dealscope/riskengine/internal/models"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type definitionRow struct {
	RiskID              string         `db:"risk_id"`
	Name                string         `db:"name"`
	Description         string         `db:"description"`
	Category            string         `db:"category"`
	DetectionRule       []byte         `db:"detection_rule"`
	SourceEntityTypes   pq.StringArray `db:"source_entity_types"`
	BaseWeight          float64        `db:"base_weight"`
	ExplanationTemplate string         `db:"explanation_template"`
	IsActive            bool           `db:"is_active"`
	Version             int            `db:"version"`
}

func (r *definitionRow) toDefinition() (models.RiskDefinition, error) {
	def := models.RiskDefinition{
		RiskID:              r.RiskID,
		Name:                r.Name,
		Description:         r.Description,
		Category:            models.RiskCategory(r.Category),
		SourceEntityTypes:   models.StringArray(r.SourceEntityTypes),
		BaseWeight:          r.BaseWeight,
		ExplanationTemplate: r.ExplanationTemplate,
		IsActive:            r.IsActive,
		Version:             r.Version,
	}
	if len(r.DetectionRule) > 0 {
		if err := json.Unmarshal(r.DetectionRule, &def.Rule); err != nil {
			return def, fmt.Errorf("parsing detection rule for %s: %w", r.RiskID, err)
		}
	}
	return def, nil
}

func (s *PostgresStore) ListActiveDefinitions(ctx context.Context, tenantID string) ([]models.RiskDefinition, error) {
	var rows []definitionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT risk_id, name, description, category, detection_rule, source_entity_types,
		       base_weight, explanation_template, is_active, version
		FROM risk_definitions
		WHERE is_active = true AND (tenant_id = $1 OR tenant_id = '')
		ORDER BY risk_id
	`, tenantID)
	if err != nil {
		return nil, err
	}

	defs := make([]models.RiskDefinition, 0, len(rows))
	for i := range rows {
		def, err := rows[i].toDefinition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s *PostgresStore) GetDefinition(ctx context.Context, riskID string) (*models.RiskDefinition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT risk_id, name, description, category, detection_rule, source_entity_types,
		       base_weight, explanation_template, is_active, version
		FROM risk_definitions WHERE risk_id = $1
	`, riskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	def, err := row.toDefinition()
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *PostgresStore) ListWeightOverrides(ctx context.Context, riskID, tenantID string) ([]WeightOverride, error) {
	var overrides []WeightOverride
	err := s.db.SelectContext(ctx, &overrides, `
		SELECT risk_id, tenant_id, industry, deal_size_bucket, weight, created_at
		FROM risk_weight_overrides
		WHERE risk_id = $1 AND tenant_id = $2
		ORDER BY created_at DESC
	`, riskID, tenantID)
	if err != nil {
		return nil, err
	}
	return overrides, nil
}
