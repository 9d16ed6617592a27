package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/dealscope/riskengine/internal/models"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// GetEntity loads an entity scoped to a tenant
func (s *Store) GetEntity(ctx context.Context, tenantID string, id uuid.UUID) (*models.Entity, error) {
	var entity models.Entity
	err := s.db.GetContext(ctx, &entity, `
		SELECT id, tenant_id, entity_type, name, description, stage, attributes,
		       created_at, updated_at, closed_at
		FROM entities WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entity, nil
}

// GetEntities loads a batch of entities by id, preserving tenant scoping
func (s *Store) GetEntities(ctx context.Context, tenantID string, ids []uuid.UUID) ([]models.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	query, args, err := sqlx.In(`
		SELECT id, tenant_id, entity_type, name, description, stage, attributes,
		       created_at, updated_at, closed_at
		FROM entities WHERE tenant_id = ? AND id IN (?)
	`, tenantID, strIDs)
	if err != nil {
		return nil, err
	}

	var entities []models.Entity
	if err := s.db.SelectContext(ctx, &entities, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return entities, nil
}

// UpsertEntity writes an entity record
func (s *Store) UpsertEntity(ctx context.Context, entity *models.Entity) error {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	now := time.Now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, tenant_id, entity_type, name, description, stage, attributes, created_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			stage = EXCLUDED.stage,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at
	`, entity.ID, entity.TenantID, entity.EntityType, entity.Name, entity.Description,
		entity.Stage, entity.Attributes, entity.CreatedAt, entity.UpdatedAt, entity.ClosedAt)
	return err
}

// SetEmbeddedEvaluation stores the latest evaluation on the opportunity
// entity. Latest wins; prior embedded evaluations are overwritten.
func (s *Store) SetEmbeddedEvaluation(ctx context.Context, tenantID string, id uuid.UUID, eval *models.RiskEvaluation) error {
	raw, err := json.Marshal(eval)
	if err != nil {
		return fmt.Errorf("marshaling evaluation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET evaluation = $3, updated_at = $4
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, raw, time.Now())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEmbeddedEvaluation reads the latest evaluation stored on an entity
func (s *Store) GetEmbeddedEvaluation(ctx context.Context, tenantID string, id uuid.UUID) (*models.RiskEvaluation, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `
		SELECT evaluation FROM entities WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	var eval models.RiskEvaluation
	if err := json.Unmarshal(raw, &eval); err != nil {
		return nil, fmt.Errorf("parsing embedded evaluation: %w", err)
	}
	return &eval, nil
}

// ListOpenOpportunities returns opportunities not yet closed, for scheduled
// re-evaluation
func (s *Store) ListOpenOpportunities(ctx context.Context, tenantID string, limit int) ([]models.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []models.Entity
	err := s.db.SelectContext(ctx, &entities, `
		SELECT id, tenant_id, entity_type, name, description, stage, attributes,
		       created_at, updated_at, closed_at
		FROM entities
		WHERE tenant_id = $1 AND entity_type = $2 AND closed_at IS NULL
		ORDER BY updated_at DESC
		LIMIT $3
	`, tenantID, models.EntityTypeOpportunity, limit)
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// ListTenants returns the distinct tenants that own at least one entity
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.SelectContext(ctx, &tenants, `
		SELECT DISTINCT tenant_id FROM entities ORDER BY tenant_id
	`)
	if err != nil {
		return nil, err
	}
	return tenants, nil
}
