package adaptive

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/store"
)

type fakeWeightStore struct {
	weights    *models.AdaptiveWeights
	weightsErr error
	upserted   *models.AdaptiveWeights
	outcomes   []*store.PredictionOutcome
	strategy   string
}

func (f *fakeWeightStore) GetAdaptiveWeights(ctx context.Context, tenantID, contextKey, domain string) (*models.AdaptiveWeights, error) {
	if f.weightsErr != nil {
		return nil, f.weightsErr
	}
	if f.weights == nil {
		return nil, store.ErrNotFound
	}
	return f.weights, nil
}

func (f *fakeWeightStore) UpsertAdaptiveWeights(ctx context.Context, tenantID, contextKey, domain string, w models.AdaptiveWeights) error {
	f.upserted = &w
	return nil
}

func (f *fakeWeightStore) RecordPredictionOutcome(ctx context.Context, rec *store.PredictionOutcome) error {
	f.outcomes = append(f.outcomes, rec)
	return nil
}

func (f *fakeWeightStore) GetResolutionStrategy(ctx context.Context, tenantID, contextKey, method1, method2 string) (string, error) {
	if f.strategy == "" {
		return "", store.ErrNotFound
	}
	return f.strategy, nil
}

func (f *fakeWeightStore) RecordResolution(ctx context.Context, tenantID, contextKey, method1, method2, strategy string, kept float64) error {
	return nil
}

func (f *fakeWeightStore) UpsertResolutionStrategy(ctx context.Context, tenantID, contextKey, method1, method2, strategy string) error {
	f.strategy = strategy
	return nil
}

func TestWeightsForFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()

	l := NewLearner(&fakeWeightStore{}, nil)
	if got := l.WeightsFor(ctx, "t1", "all:small:all"); got != models.DefaultAdaptiveWeights() {
		t.Errorf("unlearned context weights = %+v, want defaults", got)
	}

	l = NewLearner(&fakeWeightStore{weightsErr: errors.New("db down")}, nil)
	if got := l.WeightsFor(ctx, "t1", "all:small:all"); got != models.DefaultAdaptiveWeights() {
		t.Errorf("store failure must fall back to defaults, got %+v", got)
	}

	learned := models.AdaptiveWeights{Rules: 1.2, Historical: 0.7, LLM: 0.5, ML: 0.9}
	l = NewLearner(&fakeWeightStore{weights: &learned}, nil)
	if got := l.WeightsFor(ctx, "t1", "all:small:all"); got != learned {
		t.Errorf("weights = %+v, want learned %+v", got, learned)
	}
}

func TestLearnFromOutcomeAdjustsWeights(t *testing.T) {
	ctx := context.Background()
	eval := &models.RiskEvaluation{
		Risks: []models.DetectedRisk{
			{RiskID: "r1", Method: models.MethodAI, Confidence: 0.8},
			{RiskID: "r2", Method: models.MethodAI, Confidence: 0.6},
			{RiskID: "r3", Method: models.MethodRule, Confidence: 0.7},
		},
	}

	// A win says the asserted risks did not materialize: weights drop.
	st := &fakeWeightStore{}
	l := NewLearner(st, nil)
	if err := l.LearnFromOutcome(ctx, "t1", "all:small:all", uuid.New(), eval, models.OutcomeWon); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if st.upserted == nil {
		t.Fatal("weights not persisted")
	}
	wantLLM := 0.8 - 0.05*0.7 // mean ai confidence 0.7
	if math.Abs(st.upserted.LLM-wantLLM) > 1e-9 {
		t.Errorf("llm weight = %v, want %v", st.upserted.LLM, wantLLM)
	}
	if st.upserted.Rules >= 1.0 {
		t.Errorf("rules weight = %v, want below default after a win", st.upserted.Rules)
	}
	if st.upserted.Historical != 0.9 {
		t.Errorf("historical weight = %v, must not change without assertions", st.upserted.Historical)
	}
	if len(st.outcomes) != 2 {
		t.Errorf("got %d prediction outcomes, want one per asserting method", len(st.outcomes))
	}

	// A loss confirms them: weights rise.
	st = &fakeWeightStore{}
	l = NewLearner(st, nil)
	if err := l.LearnFromOutcome(ctx, "t1", "all:small:all", uuid.New(), eval, models.OutcomeLost); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if st.upserted.LLM <= 0.8 {
		t.Errorf("llm weight = %v, want above default after a loss", st.upserted.LLM)
	}
}

func TestLearnFromOutcomeNoRisks(t *testing.T) {
	st := &fakeWeightStore{}
	l := NewLearner(st, nil)
	err := l.LearnFromOutcome(context.Background(), "t1", "k", uuid.New(), &models.RiskEvaluation{}, models.OutcomeWon)
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	if st.upserted != nil {
		t.Error("no assertions must not touch weights")
	}
}

func TestResolutionStrategyLookup(t *testing.T) {
	ctx := context.Background()

	l := NewLearner(&fakeWeightStore{}, nil)
	if got := l.ResolutionStrategy(ctx, "t1", "k", models.MethodRule, models.MethodAI); got != "" {
		t.Errorf("unlearned strategy = %q, want empty", got)
	}

	st := &fakeWeightStore{}
	l = NewLearner(st, nil)
	if err := l.PinStrategy(ctx, "t1", "k", models.MethodRule, models.MethodAI, models.ResolveRulePriority); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if got := l.ResolutionStrategy(ctx, "t1", "k", models.MethodRule, models.MethodAI); got != models.ResolveRulePriority {
		t.Errorf("strategy = %q, want rule_priority", got)
	}
}
