// Package cache provides short-lived storage for completed evaluations so
// repeated reads within the freshness window skip the detector pipeline.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/models"
)

// Cache stores evaluations by tenant and opportunity. A miss is not an
// error; Get returns (nil, nil) when nothing fresh is stored.
type Cache interface {
	Get(ctx context.Context, tenantID string, opportunityID uuid.UUID) (*models.RiskEvaluation, error)
	Set(ctx context.Context, eval *models.RiskEvaluation, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, opportunityID uuid.UUID) error
}

// Key builds the canonical cache key for an evaluation
func Key(tenantID string, opportunityID uuid.UUID) string {
	return fmt.Sprintf("riskeval:%s:%s", tenantID, opportunityID)
}

// Memory is an in-process Cache for single-node deployments and tests.
// Expired entries are dropped lazily on read.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	eval      models.RiskEvaluation
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(ctx context.Context, tenantID string, opportunityID uuid.UUID) (*models.RiskEvaluation, error) {
	m.mu.RLock()
	entry, ok := m.entries[Key(tenantID, opportunityID)]
	m.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	eval := entry.eval
	return &eval, nil
}

func (m *Memory) Set(ctx context.Context, eval *models.RiskEvaluation, ttl time.Duration) error {
	if eval == nil || ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	m.entries[Key(eval.TenantID, eval.OpportunityID)] = memoryEntry{
		eval:      *eval,
		expiresAt: time.Now().Add(ttl),
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, tenantID string, opportunityID uuid.UUID) error {
	m.mu.Lock()
	delete(m.entries, Key(tenantID, opportunityID))
	m.mu.Unlock()
	return nil
}
