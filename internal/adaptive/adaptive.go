// Package adaptive learns per-tenant detection-method weights and conflict
// resolution strategies from closed opportunities and manual resolutions.
package adaptive

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/store"
)

// learningRate and the weight bounds keep single outcomes from swinging a
// context's weights violently.
const (
	learningRate = 0.05
	weightFloor  = 0.1
	weightCeil   = 1.5
)

const domainRiskEvaluation = "risk_evaluation"

// WeightStore is the persistence the learner needs
type WeightStore interface {
	GetAdaptiveWeights(ctx context.Context, tenantID, contextKey, domain string) (*models.AdaptiveWeights, error)
	UpsertAdaptiveWeights(ctx context.Context, tenantID, contextKey, domain string, w models.AdaptiveWeights) error
	RecordPredictionOutcome(ctx context.Context, rec *store.PredictionOutcome) error
	GetResolutionStrategy(ctx context.Context, tenantID, contextKey, method1, method2 string) (string, error)
	RecordResolution(ctx context.Context, tenantID, contextKey, method1, method2, strategy string, kept float64) error
	UpsertResolutionStrategy(ctx context.Context, tenantID, contextKey, method1, method2, strategy string) error
}

// Learner reads and updates adaptive state. All lookups degrade to defaults
// so evaluation never fails because learning state is unreachable.
type Learner struct {
	store  WeightStore
	logger *slog.Logger
}

func NewLearner(s WeightStore, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{store: s, logger: logger}
}

// WeightsFor returns the learned weights for a context, or defaults
func (l *Learner) WeightsFor(ctx context.Context, tenantID, contextKey string) models.AdaptiveWeights {
	if l == nil || l.store == nil {
		return models.DefaultAdaptiveWeights()
	}
	w, err := l.store.GetAdaptiveWeights(ctx, tenantID, contextKey, domainRiskEvaluation)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.logger.Warn("adaptive weight lookup failed, using defaults",
				"tenant", tenantID, "context", contextKey, "error", err)
		}
		return models.DefaultAdaptiveWeights()
	}
	return *w
}

// ResolutionStrategy returns the learned strategy for a method pair, or ""
// so the merge stage applies its default
func (l *Learner) ResolutionStrategy(ctx context.Context, tenantID, contextKey string, method1, method2 models.DetectionMethod) models.ResolutionMethod {
	if l == nil || l.store == nil {
		return ""
	}
	s, err := l.store.GetResolutionStrategy(ctx, tenantID, contextKey, string(method1), string(method2))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.logger.Warn("resolution strategy lookup failed",
				"tenant", tenantID, "context", contextKey, "error", err)
		}
		return ""
	}
	return models.ResolutionMethod(s)
}

// LearnFromOutcome adjusts the context's method weights after an
// opportunity closes. A win means the detected risks did not materialize,
// so the methods that asserted them lose weight proportional to how hard
// they asserted; a loss rewards them the same way.
func (l *Learner) LearnFromOutcome(ctx context.Context, tenantID, contextKey string, opportunityID uuid.UUID, eval *models.RiskEvaluation, outcome models.Outcome) error {
	if l == nil || l.store == nil || eval == nil {
		return nil
	}

	assertion := methodAssertions(eval.Risks)
	if len(assertion) == 0 {
		return nil
	}

	for method, predicted := range assertion {
		rec := &store.PredictionOutcome{
			TenantID:      tenantID,
			ContextKey:    contextKey,
			OpportunityID: opportunityID,
			Method:        string(method),
			Predicted:     predicted,
			Outcome:       string(outcome),
		}
		if err := l.store.RecordPredictionOutcome(ctx, rec); err != nil {
			l.logger.Warn("recording prediction outcome failed",
				"tenant", tenantID, "method", method, "error", err)
		}
	}

	weights := l.WeightsFor(ctx, tenantID, contextKey)
	direction := 1.0
	if outcome == models.OutcomeWon {
		direction = -1.0
	}
	for method, predicted := range assertion {
		adjusted := clampWeight(weights.ForMethod(method) + direction*learningRate*predicted)
		switch method {
		case models.MethodRule:
			weights.Rules = adjusted
		case models.MethodHistorical:
			weights.Historical = adjusted
		case models.MethodAI:
			weights.LLM = adjusted
		case models.MethodSemantic:
			weights.ML = adjusted
		}
	}

	return l.store.UpsertAdaptiveWeights(ctx, tenantID, contextKey, domainRiskEvaluation, weights)
}

// LearnFromResolution records how a conflict was settled
func (l *Learner) LearnFromResolution(ctx context.Context, tenantID, contextKey string, c models.Conflict, keptConfidence float64) error {
	if l == nil || l.store == nil {
		return nil
	}
	return l.store.RecordResolution(ctx, tenantID, contextKey,
		string(c.Method1), string(c.Method2), string(c.Method), keptConfidence)
}

// PinStrategy fixes the resolution strategy for a method pair, typically
// after a user manually overrides an automatic resolution
func (l *Learner) PinStrategy(ctx context.Context, tenantID, contextKey string, method1, method2 models.DetectionMethod, strategy models.ResolutionMethod) error {
	if l == nil || l.store == nil {
		return nil
	}
	return l.store.UpsertResolutionStrategy(ctx, tenantID, contextKey,
		string(method1), string(method2), string(strategy))
}

// methodAssertions averages detection confidence per method
func methodAssertions(risks []models.DetectedRisk) map[models.DetectionMethod]float64 {
	sums := make(map[models.DetectionMethod]float64)
	counts := make(map[models.DetectionMethod]int)
	for _, r := range risks {
		sums[r.Method] += r.Confidence
		counts[r.Method]++
	}
	out := make(map[models.DetectionMethod]float64, len(sums))
	for m, sum := range sums {
		out[m] = sum / float64(counts[m])
	}
	return out
}

func clampWeight(w float64) float64 {
	if w < weightFloor {
		return weightFloor
	}
	if w > weightCeil {
		return weightCeil
	}
	return w
}
