// Package audit reconstructs how an evaluation reached its conclusion: a
// decision trail covering every detection method and scoring step, and a
// data lineage record tracing where the inputs came from.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/detect"
	"github.com/dealscope/riskengine/internal/gather"
	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/store"
)

// DecisionTrail explains one evaluation run end to end
type DecisionTrail struct {
	Methods     []MethodRecord    `json:"methods"`
	Conflicts   []models.Conflict `json:"conflicts,omitempty"`
	ScoreSteps  []ScoreStep       `json:"score_steps"`
	Adjustments []string          `json:"confidence_adjustments,omitempty"`
}

// MethodRecord captures what one detection method saw and produced
type MethodRecord struct {
	Method    models.DetectionMethod `json:"method"`
	Available bool                   `json:"available"`
	Error     string                 `json:"error,omitempty"`
	Risks     []RiskRecord           `json:"risks,omitempty"`
}

// RiskRecord is one detection with its evidence
type RiskRecord struct {
	RiskID       string   `json:"risk_id"`
	Confidence   float64  `json:"confidence"`
	Weight       float64  `json:"weight"`
	Reasoning    string   `json:"reasoning,omitempty"`
	MatchedRules []string `json:"matched_rules,omitempty"`
	PatternRefs  []string `json:"pattern_refs,omitempty"`
	SemanticRefs []string `json:"semantic_refs,omitempty"`
	Sources      []string `json:"sources,omitempty"`
}

// ScoreStep is one arithmetic step of the aggregation, formula included
type ScoreStep struct {
	Description string  `json:"description"`
	Formula     string  `json:"formula"`
	Value       float64 `json:"value"`
}

// DataLineage traces evaluation inputs back to their sources
type DataLineage struct {
	Sources         []SourceRecord    `json:"sources"`
	Transformations []string          `json:"transformations"`
	FieldProvenance map[string]string `json:"field_provenance"`
	QualityScore    float64           `json:"quality_score"`
	Completeness    float64           `json:"completeness"`
	StalenessDays   int               `json:"staleness_days"`
}

// SourceRecord identifies one entity that fed the evaluation
type SourceRecord struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	Role       string `json:"role"`
}

// BuildTrail assembles the decision trail from the raw detector results
// and the merged, scored evaluation
func BuildTrail(results []detect.Result, eval *models.RiskEvaluation, weights models.AdaptiveWeights) DecisionTrail {
	trail := DecisionTrail{Conflicts: eval.Conflicts}

	for _, res := range results {
		rec := MethodRecord{Method: res.Method, Available: res.Available}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		for _, r := range res.Risks {
			rr := RiskRecord{
				RiskID:     r.RiskID,
				Confidence: r.Confidence,
				Weight:     r.Weight,
				Sources:    r.SourceEntityIDs,
			}
			if s := r.Explanation.Structured; s != nil {
				rr.Reasoning = s.Reasoning
				rr.MatchedRules = s.MatchedRules
				rr.PatternRefs = s.PatternRefs
				rr.SemanticRefs = s.SemanticRefs
			} else {
				rr.Reasoning = r.Explanation.Text()
			}
			rec.Risks = append(rec.Risks, rr)
		}
		trail.Methods = append(trail.Methods, rec)

		w := weights.ForMethod(res.Method)
		if w != 1.0 {
			trail.Adjustments = append(trail.Adjustments,
				fmt.Sprintf("%s confidence reweighted by adaptive factor %.2f", res.Method, w))
		}
	}

	trail.ScoreSteps = scoreSteps(eval, weights)
	return trail
}

// scoreSteps replays the aggregation arithmetic step by step
func scoreSteps(eval *models.RiskEvaluation, weights models.AdaptiveWeights) []ScoreStep {
	var steps []ScoreStep

	var totalRaw float64
	for _, r := range eval.Risks {
		totalRaw += r.Weight * clamp01(r.Confidence*weights.ForMethod(r.Method))
	}
	steps = append(steps, ScoreStep{
		Description: "total raw contribution",
		Formula:     "sum(weight * reweighted_confidence)",
		Value:       totalRaw,
	})

	for _, r := range eval.Risks {
		conf := clamp01(r.Confidence * weights.ForMethod(r.Method))
		raw := r.Weight * conf
		var normalized float64
		if totalRaw > 0 {
			normalized = raw / totalRaw
		}
		steps = append(steps, ScoreStep{
			Description: fmt.Sprintf("contribution of %s (%s)", r.RiskID, r.Method),
			Formula: fmt.Sprintf("%.2f * %.4f * (%.4f / %.4f)",
				r.Weight, conf, raw, totalRaw),
			Value: r.Weight * conf * normalized,
		})
	}

	steps = append(steps, ScoreStep{
		Description: "global score",
		Formula:     "clamp01(sum(weight * reweighted_confidence * normalized_contribution))",
		Value:       eval.GlobalScore,
	})
	steps = append(steps, ScoreStep{
		Description: "revenue at risk",
		Formula:     "deal_value * win_probability * global_score",
		Value:       eval.RevenueAtRisk,
	})
	return steps
}

// BuildLineage records where the evaluation's inputs came from
func BuildLineage(ec *gather.EvaluationContext, eval *models.RiskEvaluation) DataLineage {
	lineage := DataLineage{
		FieldProvenance: map[string]string{},
		Completeness:    eval.Assumptions.Completeness,
		StalenessDays:   eval.Assumptions.StalenessDays,
		QualityScore:    eval.Assumptions.DataQualityScore,
	}

	opp := ec.Opportunity
	lineage.Sources = append(lineage.Sources, SourceRecord{
		EntityID:   opp.ID.String(),
		EntityType: opp.EntityType,
		Role:       "subject",
	})
	for i := range ec.Related {
		rel := &ec.Related[i]
		lineage.Sources = append(lineage.Sources, SourceRecord{
			EntityID:   rel.ID.String(),
			EntityType: rel.EntityType,
			Role:       "related",
		})
	}

	for field := range opp.Attributes {
		lineage.FieldProvenance[field] = opp.ID.String()
	}

	lineage.Transformations = []string{
		"gather: opportunity and linked entities resolved",
		"detect: rule, historical, semantic and ai methods executed",
		"merge: duplicate detections reconciled in canonical method order",
		"score: contributions normalized and aggregated",
	}
	return lineage
}

// Recorder persists audit entries. Failures degrade the evaluation's trust
// level but never fail the run.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger
}

func NewRecorder(s *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// Record writes one trail + lineage pair. The returned error signals the
// caller to downgrade trust, not to abort.
func (r *Recorder) Record(ctx context.Context, tenantID, userID string, opportunityID uuid.UUID, trail DecisionTrail, lineage DataLineage) error {
	if r == nil || r.store == nil {
		return nil
	}

	trailJSON, err := toJSONB(trail)
	if err != nil {
		return fmt.Errorf("encoding decision trail: %w", err)
	}
	lineageJSON, err := toJSONB(lineage)
	if err != nil {
		return fmt.Errorf("encoding lineage: %w", err)
	}

	entry := &store.AuditEntry{
		TenantID:      tenantID,
		OpportunityID: opportunityID,
		UserID:        userID,
		Trail:         trailJSON,
		Lineage:       lineageJSON,
	}
	if err := r.store.LogEvaluation(ctx, entry); err != nil {
		return fmt.Errorf("persisting audit entry: %w", err)
	}
	return nil
}

func toJSONB(v interface{}) (models.JSONB, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out models.JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
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
