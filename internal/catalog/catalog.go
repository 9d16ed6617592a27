package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dealscope/riskengine/internal/models"
)

var ErrNotFound = errors.New("risk definition not found")

// Provider returns the active risk catalog for a tenant and resolves
// per-context weight overrides (ponderations).
type Provider interface {
	GetCatalog(ctx context.Context, tenantID, industry string) ([]models.RiskDefinition, error)
	GetWeight(ctx context.Context, riskID, tenantID, industry, dealSizeBucket string) (float64, error)
}

// Store defines catalog persistence. Definitions are versioned and
// immutable; overrides are keyed by (risk, tenant, industry, bucket) with
// empty segments acting as wildcards.
type Store interface {
	ListActiveDefinitions(ctx context.Context, tenantID string) ([]models.RiskDefinition, error)
	GetDefinition(ctx context.Context, riskID string) (*models.RiskDefinition, error)
	ListWeightOverrides(ctx context.Context, riskID, tenantID string) ([]WeightOverride, error)
}

// WeightOverride replaces a definition's base weight for a tenant context
type WeightOverride struct {
	RiskID         string    `json:"risk_id" db:"risk_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	Industry       string    `json:"industry" db:"industry"`
	DealSizeBucket string    `json:"deal_size_bucket" db:"deal_size_bucket"`
	Weight         float64   `json:"weight" db:"weight"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// specificity ranks an override: more constrained contexts win
func (o WeightOverride) specificity() int {
	n := 0
	if o.Industry != "" {
		n++
	}
	if o.DealSizeBucket != "" {
		n++
	}
	return n
}

// CachedProvider wraps a Store with a short in-process catalog cache so
// the engine does not hit the database once per detector.
type CachedProvider struct {
	store Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]catalogEntry
}

type catalogEntry struct {
	defs    []models.RiskDefinition
	fetched time.Time
}

// NewProvider creates a catalog provider backed by the given store
func NewProvider(store Store, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedProvider{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]catalogEntry),
	}
}

// GetCatalog returns the active definitions for a tenant, filtered to the
// industry when the definition declares one in its attributes
func (p *CachedProvider) GetCatalog(ctx context.Context, tenantID, industry string) ([]models.RiskDefinition, error) {
	p.mu.RLock()
	entry, ok := p.entries[tenantID]
	p.mu.RUnlock()

	if !ok || time.Since(entry.fetched) > p.ttl {
		defs, err := p.store.ListActiveDefinitions(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("listing catalog for tenant %s: %w", tenantID, err)
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].RiskID < defs[j].RiskID })

		p.mu.Lock()
		p.entries[tenantID] = catalogEntry{defs: defs, fetched: time.Now()}
		p.mu.Unlock()

		entry = catalogEntry{defs: defs}
	}

	out := make([]models.RiskDefinition, 0, len(entry.defs))
	for _, d := range entry.defs {
		if !d.IsActive {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// GetWeight resolves the ponderation for a risk in a tenant context. The
// most specific matching override wins; absent any override the base
// weight applies.
func (p *CachedProvider) GetWeight(ctx context.Context, riskID, tenantID, industry, dealSizeBucket string) (float64, error) {
	def, err := p.store.GetDefinition(ctx, riskID)
	if err != nil {
		return 0, err
	}

	overrides, err := p.store.ListWeightOverrides(ctx, riskID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("listing weight overrides for %s: %w", riskID, err)
	}

	best := -1
	weight := def.BaseWeight
	for _, o := range overrides {
		if o.Industry != "" && !strings.EqualFold(o.Industry, industry) {
			continue
		}
		if o.DealSizeBucket != "" && o.DealSizeBucket != dealSizeBucket {
			continue
		}
		if s := o.specificity(); s > best {
			best = s
			weight = o.Weight
		}
	}

	return clamp01(weight), nil
}

// Invalidate drops the cached catalog for a tenant
func (p *CachedProvider) Invalidate(tenantID string) {
	p.mu.Lock()
	delete(p.entries, tenantID)
	p.mu.Unlock()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Index builds a lookup over a fetched catalog for merge-time resolution.
// AI-detector candidates must resolve against this index; unresolvable
// risks never surface.
type Index struct {
	byID   map[string]*models.RiskDefinition
	byName map[string]*models.RiskDefinition
}

// NewIndex indexes definitions by id and case-insensitive name
func NewIndex(defs []models.RiskDefinition) *Index {
	idx := &Index{
		byID:   make(map[string]*models.RiskDefinition, len(defs)),
		byName: make(map[string]*models.RiskDefinition, len(defs)),
	}
	for i := range defs {
		d := &defs[i]
		idx.byID[d.RiskID] = d
		idx.byName[strings.ToLower(d.Name)] = d
	}
	return idx
}

// ByID looks up a definition by its risk id
func (i *Index) ByID(riskID string) (*models.RiskDefinition, bool) {
	d, ok := i.byID[riskID]
	return d, ok
}

// ByName looks up a definition by case-insensitive name
func (i *Index) ByName(name string) (*models.RiskDefinition, bool) {
	d, ok := i.byName[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Contains reports whether a risk id exists in the catalog
func (i *Index) Contains(riskID string) bool {
	_, ok := i.byID[riskID]
	return ok
}
