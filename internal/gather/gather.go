package gather

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/graph"
	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/store"
)

// EntityStore loads persisted entities
type EntityStore interface {
	GetEntity(ctx context.Context, tenantID string, id uuid.UUID) (*models.Entity, error)
	GetEntities(ctx context.Context, tenantID string, ids []uuid.UUID) ([]models.Entity, error)
}

// RelationGraph resolves explicit entity links
type RelationGraph interface {
	RelatedIDs(ctx context.Context, tenantID string, id uuid.UUID, dir graph.Direction, typeFilter []string) ([]uuid.UUID, error)
}

// EvaluationContext is everything the detectors inspect for one run
type EvaluationContext struct {
	Opportunity *models.Entity
	Related     []models.Entity
	Quality     models.QualityReport
}

// RelatedTypes reports which entity types appear among the related entities
func (c *EvaluationContext) RelatedTypes() map[string]bool {
	types := make(map[string]bool, len(c.Related))
	for i := range c.Related {
		types[c.Related[i].EntityType] = true
	}
	return types
}

// RelatedOfType returns related entities matching a type tag
func (c *EvaluationContext) RelatedOfType(entityType string) []models.Entity {
	var out []models.Entity
	for i := range c.Related {
		if c.Related[i].EntityType == entityType {
			out = append(out, c.Related[i])
		}
	}
	return out
}

// Gatherer resolves the opportunity, its linked entities, and a data
// quality report for the evaluation.
type Gatherer struct {
	store  EntityStore
	graph  RelationGraph
	logger *slog.Logger

	requiredFields  []string
	requiredRelated []string
	staleAfterDays  int
	blockBelow      float64
}

// Option configures a Gatherer
type Option func(*Gatherer)

func WithRequiredFields(fields ...string) Option {
	return func(g *Gatherer) { g.requiredFields = fields }
}

func WithRequiredRelated(types ...string) Option {
	return func(g *Gatherer) { g.requiredRelated = types }
}

func WithStaleAfterDays(days int) Option {
	return func(g *Gatherer) { g.staleAfterDays = days }
}

// WithBlockBelowCompleteness sets the completeness floor under which the
// quality gate blocks instead of warning
func WithBlockBelowCompleteness(v float64) Option {
	return func(g *Gatherer) { g.blockBelow = v }
}

func New(store EntityStore, relGraph RelationGraph, logger *slog.Logger, opts ...Option) *Gatherer {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gatherer{
		store:           store,
		graph:           relGraph,
		logger:          logger,
		requiredFields:  []string{"value", "probability", "industry"},
		requiredRelated: []string{"contact", "document"},
		staleAfterDays:  30,
		blockBelow:      0.2,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Gather resolves the evaluation context for an opportunity. A missing or
// wrong-typed entity is the only fatal outcome; graph failures degrade to
// an empty related set.
func (g *Gatherer) Gather(ctx context.Context, tenantID string, opportunityID uuid.UUID) (*EvaluationContext, error) {
	opp, err := g.store.GetEntity(ctx, tenantID, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("resolving opportunity %s: %w", opportunityID, err)
	}
	if opp.EntityType != models.EntityTypeOpportunity {
		// Wrong-typed entities are indistinguishable from missing ones to
		// the caller.
		return nil, fmt.Errorf("%w: entity %s is %q, not an opportunity",
			store.ErrNotFound, opportunityID, opp.EntityType)
	}

	var related []models.Entity
	relatedIDs, err := g.graph.RelatedIDs(ctx, tenantID, opportunityID, graph.DirectionBoth, nil)
	if err != nil {
		g.logger.Warn("relationship graph unavailable, evaluating without related entities",
			"opportunity_id", opportunityID, "error", err)
	} else if len(relatedIDs) > 0 {
		related, err = g.store.GetEntities(ctx, tenantID, relatedIDs)
		if err != nil {
			g.logger.Warn("loading related entities failed",
				"opportunity_id", opportunityID, "error", err)
			related = nil
		}
	}

	ec := &EvaluationContext{
		Opportunity: opp,
		Related:     related,
	}
	ec.Quality = g.ValidateDataQuality(opp, related)

	return ec, nil
}

// ValidateDataQuality scores context completeness and staleness and decides
// the quality gate. Missing required fields or related types reduce
// completeness; a hard block only triggers on severely incomplete data.
func (g *Gatherer) ValidateDataQuality(opp *models.Entity, related []models.Entity) models.QualityReport {
	report := models.QualityReport{Gate: models.GatePass}

	var missing []string
	for _, f := range g.requiredFields {
		if _, ok := opp.Attributes[f]; !ok {
			missing = append(missing, f)
		}
	}
	report.MissingFields = missing

	present := make(map[string]bool, len(related))
	for i := range related {
		present[related[i].EntityType] = true
	}
	var missingRelated []string
	for _, t := range g.requiredRelated {
		if !present[t] {
			missingRelated = append(missingRelated, t)
		}
	}
	report.MissingRelated = missingRelated

	totalChecks := len(g.requiredFields) + len(g.requiredRelated)
	if totalChecks > 0 {
		satisfied := totalChecks - len(missing) - len(missingRelated)
		report.Completeness = float64(satisfied) / float64(totalChecks)
	} else {
		report.Completeness = 1.0
	}

	report.StalenessDays = int(time.Since(opp.UpdatedAt).Hours() / 24)

	// Quality score penalizes staleness on top of incompleteness
	stalePenalty := 0.0
	if g.staleAfterDays > 0 && report.StalenessDays > g.staleAfterDays {
		stalePenalty = 0.2
	}
	report.Score = report.Completeness * (1.0 - stalePenalty)

	switch {
	case report.Completeness < g.blockBelow:
		report.Gate = models.GateBlock
	case len(missing) > 0 || len(missingRelated) > 0 || stalePenalty > 0:
		report.Gate = models.GateWarn
	}

	return report
}
