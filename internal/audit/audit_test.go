package audit

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/detect"
	"github.com/dealscope/riskengine/internal/gather"
	"github.com/dealscope/riskengine/internal/models"
)

func trailFixture() ([]detect.Result, *models.RiskEvaluation) {
	risk := models.DetectedRisk{
		RiskID:     "low_probability",
		Category:   models.CategoryCommercial,
		Method:     models.MethodRule,
		Weight:     1.0,
		Confidence: 0.7,
		Explanation: models.Explanation{Structured: &models.StructuredExplanation{
			Method:       models.MethodRule,
			Reasoning:    "probability below 30",
			MatchedRules: []string{"probability less_than 30"},
			Confidence:   0.7,
		}},
		SourceEntityIDs: []string{uuid.NewString()},
	}

	results := []detect.Result{
		{Method: models.MethodRule, Available: true, Risks: []models.DetectedRisk{risk}},
		{Method: models.MethodHistorical, Available: false, Err: errTest},
	}

	eval := &models.RiskEvaluation{
		OpportunityID: uuid.New(),
		TenantID:      "t1",
		GlobalScore:   0.7,
		RevenueAtRisk: 28000,
		Risks:         []models.DetectedRisk{risk},
		Conflicts: []models.Conflict{{
			RiskID: "low_probability", Method1: models.MethodRule, Method2: models.MethodAI,
			Method: models.ResolveHighestConfidence,
		}},
	}
	return results, eval
}

var errTest = errUnreachable{}

type errUnreachable struct{}

func (errUnreachable) Error() string { return "search unreachable" }

func TestBuildTrail(t *testing.T) {
	results, eval := trailFixture()

	trail := BuildTrail(results, eval, models.DefaultAdaptiveWeights())

	if len(trail.Methods) != 2 {
		t.Fatalf("got %d method records, want 2", len(trail.Methods))
	}
	rule := trail.Methods[0]
	if rule.Method != models.MethodRule || !rule.Available {
		t.Errorf("rule record = %+v", rule)
	}
	if len(rule.Risks) != 1 || rule.Risks[0].MatchedRules[0] != "probability less_than 30" {
		t.Errorf("rule risks = %+v, want matched condition recorded", rule.Risks)
	}
	if hist := trail.Methods[1]; hist.Available || hist.Error == "" {
		t.Errorf("failed method must record its error: %+v", hist)
	}
	if len(trail.Conflicts) != 1 {
		t.Errorf("conflicts = %+v, want carried through", trail.Conflicts)
	}

	// The score log ends with the global score and revenue steps, each
	// carrying its formula.
	if len(trail.ScoreSteps) < 3 {
		t.Fatalf("score steps = %+v, want raw total, per-risk and final steps", trail.ScoreSteps)
	}
	last := trail.ScoreSteps[len(trail.ScoreSteps)-1]
	if last.Formula == "" || last.Value != 28000 {
		t.Errorf("final step = %+v, want revenue at risk with formula", last)
	}
	global := trail.ScoreSteps[len(trail.ScoreSteps)-2]
	if math.Abs(global.Value-0.7) > 1e-9 {
		t.Errorf("global score step = %+v", global)
	}
}

func TestBuildLineage(t *testing.T) {
	oppID, relID := uuid.New(), uuid.New()
	ec := &gather.EvaluationContext{
		Opportunity: &models.Entity{
			ID: oppID, EntityType: models.EntityTypeOpportunity,
			Attributes: models.JSONB{"value": 100000.0, "probability": 40.0},
		},
		Related: []models.Entity{{ID: relID, EntityType: "contact"}},
	}
	eval := &models.RiskEvaluation{
		Assumptions: models.Assumptions{Completeness: 0.8, StalenessDays: 3, DataQualityScore: 0.75},
	}

	lineage := BuildLineage(ec, eval)

	if len(lineage.Sources) != 2 {
		t.Fatalf("sources = %+v, want subject + related", lineage.Sources)
	}
	if lineage.Sources[0].Role != "subject" || lineage.Sources[1].Role != "related" {
		t.Errorf("source roles = %+v", lineage.Sources)
	}
	if lineage.FieldProvenance["value"] != oppID.String() {
		t.Errorf("field provenance = %+v", lineage.FieldProvenance)
	}
	if lineage.QualityScore != 0.75 || lineage.Completeness != 0.8 || lineage.StalenessDays != 3 {
		t.Errorf("quality fields not carried: %+v", lineage)
	}
	if len(lineage.Transformations) == 0 {
		t.Error("transformation steps missing")
	}
}
