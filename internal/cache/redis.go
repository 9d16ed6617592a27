package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dealscope/riskengine/internal/models"
)

// Redis is the shared Cache for multi-node deployments
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, tenantID string, opportunityID uuid.UUID) (*models.RiskEvaluation, error) {
	raw, err := r.client.Get(ctx, Key(tenantID, opportunityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached evaluation: %w", err)
	}

	var eval models.RiskEvaluation
	if err := json.Unmarshal(raw, &eval); err != nil {
		// A corrupt entry behaves like a miss so the caller re-evaluates.
		_ = r.client.Del(ctx, Key(tenantID, opportunityID)).Err()
		return nil, nil
	}
	return &eval, nil
}

func (r *Redis) Set(ctx context.Context, eval *models.RiskEvaluation, ttl time.Duration) error {
	if eval == nil || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(eval)
	if err != nil {
		return fmt.Errorf("encoding evaluation for cache: %w", err)
	}
	if err := r.client.Set(ctx, Key(eval.TenantID, eval.OpportunityID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("caching evaluation: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, tenantID string, opportunityID uuid.UUID) error {
	if err := r.client.Del(ctx, Key(tenantID, opportunityID)).Err(); err != nil {
		return fmt.Errorf("invalidating cached evaluation: %w", err)
	}
	return nil
}
