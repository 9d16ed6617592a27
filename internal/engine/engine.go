// Package engine orchestrates risk evaluation: gather, detect, merge,
// score, persist, audit. It owns the freshness cache and the degradation
// rules that keep an evaluation usable when optional services are down.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/audit"
	"github.com/dealscope/riskengine/internal/cache"
	"github.com/dealscope/riskengine/internal/catalog"
	"github.com/dealscope/riskengine/internal/config"
	"github.com/dealscope/riskengine/internal/detect"
	"github.com/dealscope/riskengine/internal/gather"
	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/store"
	"github.com/dealscope/riskengine/internal/tasks"
)

var (
	// ErrNotFound means the opportunity does not exist for the tenant
	ErrNotFound = errors.New("opportunity not found")
	// ErrQualityGateBlocked means the context is too incomplete to
	// evaluate under the strict quality gate
	ErrQualityGateBlocked = errors.New("evaluation blocked by data quality gate")
)

// Options toggles the non-deterministic detection methods per request
type Options struct {
	ForceRefresh      bool
	IncludeHistorical bool
	IncludeAI         bool
	IncludeSemantic   bool
}

// DefaultOptions enables every method
func DefaultOptions() Options {
	return Options{IncludeHistorical: true, IncludeAI: true, IncludeSemantic: true}
}

// ContextGatherer resolves the evaluation context
type ContextGatherer interface {
	Gather(ctx context.Context, tenantID string, opportunityID uuid.UUID) (*gather.EvaluationContext, error)
}

// WeightSource supplies adaptive method weights per tenant context
type WeightSource interface {
	WeightsFor(ctx context.Context, tenantID, contextKey string) models.AdaptiveWeights
}

// EvalStore is the persistence slice the engine writes through
type EvalStore interface {
	SetEmbeddedEvaluation(ctx context.Context, tenantID string, id uuid.UUID, eval *models.RiskEvaluation) error
	GetEmbeddedEvaluation(ctx context.Context, tenantID string, id uuid.UUID) (*models.RiskEvaluation, error)
	GetEntity(ctx context.Context, tenantID string, id uuid.UUID) (*models.Entity, error)
	UpsertEntity(ctx context.Context, entity *models.Entity) error
	CreateSnapshot(ctx context.Context, snap *models.Snapshot) error
	ListSnapshots(ctx context.Context, tenantID string, opportunityID uuid.UUID, from, to *time.Time) ([]models.Snapshot, error)
	ListAuditEntries(ctx context.Context, tenantID string, opportunityID uuid.UUID, limit int) ([]store.AuditEntry, error)
}

// AuditRecorder persists decision trails and lineage
type AuditRecorder interface {
	Record(ctx context.Context, tenantID, userID string, opportunityID uuid.UUID, trail audit.DecisionTrail, lineage audit.DataLineage) error
}

// Notifier delivers high-risk alerts
type Notifier interface {
	NotifyHighRisk(ctx context.Context, opp *models.Entity, eval *models.RiskEvaluation) error
}

// OutcomeLearner feeds closed-deal outcomes back into adaptive state
type OutcomeLearner interface {
	WeightSource
	StrategyProvider
	LearnFromOutcome(ctx context.Context, tenantID, contextKey string, opportunityID uuid.UUID, eval *models.RiskEvaluation, outcome models.Outcome) error
	LearnFromResolution(ctx context.Context, tenantID, contextKey string, c models.Conflict, keptConfidence float64) error
}

// Engine is the evaluation orchestrator
type Engine struct {
	gatherer  ContextGatherer
	catalog   catalog.Provider
	detectors []detect.Detector
	learner   OutcomeLearner
	cache     cache.Cache
	store     EvalStore
	recorder  AuditRecorder
	notifier  Notifier
	tasks     *tasks.Runner
	cfg       config.EngineConfig
	logger    *slog.Logger

	now func() time.Time
}

// Deps wires an Engine
type Deps struct {
	Gatherer  ContextGatherer
	Catalog   catalog.Provider
	Detectors []detect.Detector
	Learner   OutcomeLearner
	Cache     cache.Cache
	Store     EvalStore
	Recorder  AuditRecorder
	Notifier  Notifier
	Tasks     *tasks.Runner
	Config    config.EngineConfig
	Logger    *slog.Logger
}

func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Tasks == nil {
		deps.Tasks = tasks.NewRunner(30*time.Second, logger)
	}
	return &Engine{
		gatherer:  deps.Gatherer,
		catalog:   deps.Catalog,
		detectors: deps.Detectors,
		learner:   deps.Learner,
		cache:     deps.Cache,
		store:     deps.Store,
		recorder:  deps.Recorder,
		notifier:  deps.Notifier,
		tasks:     deps.Tasks,
		cfg:       deps.Config,
		logger:    logger,
		now:       time.Now,
	}
}

// Evaluate runs the full pipeline for one opportunity. A fresh cached
// evaluation short-circuits everything unless ForceRefresh is set.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, opportunityID uuid.UUID, userID string, opts Options) (*models.RiskEvaluation, error) {
	if !opts.ForceRefresh && e.cache != nil {
		cached, err := e.cache.Get(ctx, tenantID, opportunityID)
		if err != nil {
			e.logger.Warn("cache read failed, evaluating fresh", "error", err)
		} else if cached != nil {
			e.logger.Debug("returning cached evaluation",
				"tenant", tenantID, "opportunity", opportunityID)
			return cached, nil
		}
	}

	ec, err := e.gatherer.Gather(ctx, tenantID, opportunityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, opportunityID)
		}
		return nil, err
	}

	// The gatherer decides the gate; strict mode decides whether a blocked
	// gate aborts or just flags the evaluation.
	if e.cfg.StrictQualityGate && ec.Quality.Gate == models.GateBlock {
		return nil, fmt.Errorf("%w: completeness %.2f (missing fields: %v)",
			ErrQualityGateBlocked, ec.Quality.Completeness, ec.Quality.MissingFields)
	}

	opp := ec.Opportunity
	industry := opp.StringAttr("industry")
	dealValue, _ := opp.FloatAttr("value")
	contextKey := models.ContextKey(industry, dealValue, opp.Stage)

	defs, err := e.catalog.GetCatalog(ctx, tenantID, industry)
	if err != nil {
		return nil, fmt.Errorf("loading risk catalog: %w", err)
	}

	input := &detect.Input{
		TenantID: tenantID,
		UserID:   userID,
		Eval:     ec,
		Catalog:  defs,
		Index:    catalog.NewIndex(defs),
		Weights:  e.resolveWeights(ctx, defs, tenantID, industry, models.DealSizeBucket(dealValue)),
	}

	runner := detect.NewRunner(e.enabledDetectors(opts), e.cfg.DetectorTimeout, e.logger)
	results := runner.Run(ctx, input)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	adaptiveWeights := models.DefaultAdaptiveWeights()
	if e.learner != nil {
		adaptiveWeights = e.learner.WeightsFor(ctx, tenantID, contextKey)
	}

	m := &merger{strategies: e.learner, threshold: e.cfg.ConflictThreshold, contextKey: contextKey}
	risks, conflicts := m.merge(ctx, tenantID, results)

	probability, _ := opp.FloatAttr("probability")
	score := aggregate(scoreInput{
		Risks:       risks,
		Weights:     adaptiveWeights,
		DealValue:   dealValue,
		Probability: probability,
	})

	eval := &models.RiskEvaluation{
		OpportunityID:  opportunityID,
		TenantID:       tenantID,
		EvaluatedAt:    e.now(),
		GlobalScore:    score.GlobalScore,
		CategoryScores: score.CategoryScores,
		RevenueAtRisk:  score.RevenueAtRisk,
		Risks:          risks,
		Conflicts:      conflicts,
		Assumptions:    buildAssumptions(ec, results),
		QualityScore:   &ec.Quality.Score,
	}
	eval.TrustLevel = e.trustLevel(eval)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e.persist(ctx, eval)

	// Audit is fire-and-forget: a failed trail write is logged by the
	// runner and never touches the returned evaluation.
	if e.recorder != nil {
		trail := audit.BuildTrail(results, eval, adaptiveWeights)
		lineage := audit.BuildLineage(ec, eval)
		e.tasks.Go("record-audit", func(taskCtx context.Context) error {
			return e.recorder.Record(taskCtx, tenantID, userID, opportunityID, trail, lineage)
		})
	}

	if e.learner != nil {
		for _, c := range conflicts {
			kept := keptConfidence(risks, c.RiskID)
			conflict := c
			e.tasks.Go("record-resolution", func(taskCtx context.Context) error {
				return e.learner.LearnFromResolution(taskCtx, tenantID, contextKey, conflict, kept)
			})
		}
	}

	if e.notifier != nil && eval.GlobalScore >= e.cfg.AlertThreshold {
		snapshot := *eval
		e.tasks.Go("high-risk-alert", func(taskCtx context.Context) error {
			return e.notifier.NotifyHighRisk(taskCtx, opp, &snapshot)
		})
	}

	return eval, nil
}

// EvaluateForJob adapts Evaluate for queue workers
func (e *Engine) EvaluateForJob(ctx context.Context, tenantID string, opportunityID uuid.UUID, userID string) error {
	opts := DefaultOptions()
	opts.ForceRefresh = true
	_, err := e.Evaluate(ctx, tenantID, opportunityID, userID, opts)
	return err
}

// GetCurrent returns the freshest stored evaluation without re-running the
// pipeline
func (e *Engine) GetCurrent(ctx context.Context, tenantID string, opportunityID uuid.UUID) (*models.RiskEvaluation, error) {
	if e.cache != nil {
		if cached, err := e.cache.Get(ctx, tenantID, opportunityID); err == nil && cached != nil {
			return cached, nil
		}
	}
	eval, err := e.store.GetEmbeddedEvaluation(ctx, tenantID, opportunityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return eval, nil
}

// GetEvolution builds the score trend from the snapshot series
func (e *Engine) GetEvolution(ctx context.Context, tenantID string, opportunityID uuid.UUID, from, to *time.Time) ([]models.TrendPoint, error) {
	snaps, err := e.store.ListSnapshots(ctx, tenantID, opportunityID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	points := make([]models.TrendPoint, 0, len(snaps))
	for _, snap := range snaps {
		point := models.TrendPoint{
			Date:        snap.TakenAt,
			GlobalScore: snap.GlobalScore,
		}
		var eval models.RiskEvaluation
		if raw, err := json.Marshal(snap.Evaluation); err == nil {
			if err := json.Unmarshal(raw, &eval); err == nil {
				point.CategoryScores = eval.CategoryScores
				point.RiskCount = len(eval.Risks)
			}
		}
		points = append(points, point)
	}
	return points, nil
}

// GetHistory returns the audit records for past evaluation runs
func (e *Engine) GetHistory(ctx context.Context, tenantID string, opportunityID uuid.UUID, limit int) ([]store.AuditEntry, error) {
	return e.store.ListAuditEntries(ctx, tenantID, opportunityID, limit)
}

// OnOutcome records a closed opportunity and feeds the learner. Learning
// failures are logged, never surfaced: closing a deal always succeeds.
func (e *Engine) OnOutcome(ctx context.Context, tenantID string, opportunityID uuid.UUID, outcome models.Outcome) error {
	opp, err := e.store.GetEntity(ctx, tenantID, opportunityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	now := e.now()
	opp.Stage = "closed_" + string(outcome)
	opp.ClosedAt = &now
	if err := e.store.UpsertEntity(ctx, opp); err != nil {
		return fmt.Errorf("closing opportunity: %w", err)
	}

	if e.cache != nil {
		_ = e.cache.Delete(ctx, tenantID, opportunityID)
	}

	if e.learner == nil {
		return nil
	}

	eval, err := e.store.GetEmbeddedEvaluation(ctx, tenantID, opportunityID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("loading evaluation for outcome learning failed",
				"opportunity", opportunityID, "error", err)
		}
		return nil
	}

	industry := opp.StringAttr("industry")
	dealValue, _ := opp.FloatAttr("value")
	contextKey := models.ContextKey(industry, dealValue, opp.Stage)

	e.tasks.Go("learn-outcome", func(taskCtx context.Context) error {
		return e.learner.LearnFromOutcome(taskCtx, tenantID, contextKey, opportunityID, eval, outcome)
	})
	return nil
}

func (e *Engine) enabledDetectors(opts Options) []detect.Detector {
	out := make([]detect.Detector, 0, len(e.detectors))
	for _, d := range e.detectors {
		switch d.Method() {
		case models.MethodHistorical:
			if !opts.IncludeHistorical {
				continue
			}
		case models.MethodSemantic:
			if !opts.IncludeSemantic {
				continue
			}
		case models.MethodAI:
			if !opts.IncludeAI {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// resolveWeights fetches the effective per-risk weight for this context.
// Override lookups fail open to the definition's base weight.
func (e *Engine) resolveWeights(ctx context.Context, defs []models.RiskDefinition, tenantID, industry, bucket string) map[string]float64 {
	weights := make(map[string]float64, len(defs))
	for i := range defs {
		def := &defs[i]
		w, err := e.catalog.GetWeight(ctx, def.RiskID, tenantID, industry, bucket)
		if err != nil {
			weights[def.RiskID] = def.BaseWeight
			continue
		}
		weights[def.RiskID] = w
	}
	return weights
}

// persist writes the embedded copy, the append-only snapshot, and the
// cache entry. Persistence failures degrade to warnings: the caller still
// gets the evaluation.
func (e *Engine) persist(ctx context.Context, eval *models.RiskEvaluation) {
	if err := e.store.SetEmbeddedEvaluation(ctx, eval.TenantID, eval.OpportunityID, eval); err != nil {
		e.logger.Warn("embedding evaluation failed",
			"opportunity", eval.OpportunityID, "error", err)
	}

	snap := &models.Snapshot{
		OpportunityID: eval.OpportunityID,
		TenantID:      eval.TenantID,
		TakenAt:       eval.EvaluatedAt,
		GlobalScore:   eval.GlobalScore,
		RevenueAtRisk: eval.RevenueAtRisk,
	}
	if raw, err := json.Marshal(eval); err == nil {
		var payload models.JSONB
		if err := json.Unmarshal(raw, &payload); err == nil {
			snap.Evaluation = payload
		}
	}
	if err := e.store.CreateSnapshot(ctx, snap); err != nil {
		e.logger.Warn("snapshot write failed",
			"opportunity", eval.OpportunityID, "error", err)
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, eval, e.cfg.CacheTTL); err != nil {
			e.logger.Warn("cache write failed",
				"opportunity", eval.OpportunityID, "error", err)
		}
	}
}

// buildAssumptions records which services answered and what the context
// was missing
func buildAssumptions(ec *gather.EvaluationContext, results []detect.Result) models.Assumptions {
	a := models.Assumptions{
		Completeness:     ec.Quality.Completeness,
		StalenessDays:    ec.Quality.StalenessDays,
		MissingRelated:   ec.Quality.MissingRelated,
		MissingFields:    ec.Quality.MissingFields,
		DataQualityScore: ec.Quality.Score,
		ServiceAvailability: map[string]bool{
			models.ServiceAI:           false,
			models.ServiceVectorSearch: false,
			models.ServiceHistorical:   false,
		},
	}

	for _, res := range results {
		switch res.Method {
		case models.MethodAI:
			a.ServiceAvailability[models.ServiceAI] = res.Available
			a.AIModelVersion = res.AIModelVersion
			a.AIContextTokens = res.AIContextTokens
			a.AIContextTruncated = res.AIContextTruncated
		case models.MethodHistorical:
			a.ServiceAvailability[models.ServiceHistorical] = res.Available
			if res.Available {
				a.ServiceAvailability[models.ServiceVectorSearch] = true
			}
		case models.MethodSemantic:
			if res.Available {
				a.ServiceAvailability[models.ServiceVectorSearch] = true
			}
		}
	}

	return a.Defaulted()
}

// trustLevel grades the evaluation from service availability and data
// quality
func (e *Engine) trustLevel(eval *models.RiskEvaluation) models.TrustLevel {
	down := 0
	for _, available := range eval.Assumptions.ServiceAvailability {
		if !available {
			down++
		}
	}

	switch {
	case down == 0 && eval.Assumptions.Completeness >= 0.8:
		return models.TrustHigh
	case down >= len(eval.Assumptions.ServiceAvailability) && eval.Assumptions.Completeness < 0.5:
		return models.TrustUnreliable
	case down >= 2 || eval.Assumptions.Completeness < 0.5:
		return models.TrustLow
	default:
		return models.TrustMedium
	}
}

func keptConfidence(risks []models.DetectedRisk, riskID string) float64 {
	for _, r := range risks {
		if r.RiskID == riskID {
			return r.Confidence
		}
	}
	return 0
}
