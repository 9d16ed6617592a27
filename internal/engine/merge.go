package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/dealscope/riskengine/internal/detect"
	"github.com/dealscope/riskengine/internal/models"
)

// StrategyProvider supplies the conflict resolution strategy for a risk,
// typically learned from past manual resolutions. Implementations fall back
// to highest_confidence when nothing has been learned.
type StrategyProvider interface {
	ResolutionStrategy(ctx context.Context, tenantID, contextKey string, method1, method2 models.DetectionMethod) models.ResolutionMethod
}

// mergeOrder fixes the order in which detector results are folded so that
// replays of the same inputs produce identical conflicts and resolutions,
// regardless of detector scheduling.
var mergeOrder = []models.DetectionMethod{
	models.MethodRule,
	models.MethodHistorical,
	models.MethodSemantic,
	models.MethodAI,
}

type merger struct {
	strategies StrategyProvider
	threshold  float64
	contextKey string
}

// merge folds detector results into one risk list. Duplicate detections of
// the same risk either corroborate each other (close confidences) or
// conflict (divergent ones), in which case a strategy picks the survivor.
func (m *merger) merge(ctx context.Context, tenantID string, results []detect.Result) ([]models.DetectedRisk, []models.Conflict) {
	byMethod := make(map[models.DetectionMethod][]models.DetectedRisk, len(results))
	for _, r := range results {
		byMethod[r.Method] = r.Risks
	}

	var (
		merged    []models.DetectedRisk
		conflicts []models.Conflict
		position  = make(map[string]int)
	)

	for _, method := range mergeOrder {
		for _, risk := range byMethod[method] {
			idx, seen := position[risk.RiskID]
			if !seen {
				position[risk.RiskID] = len(merged)
				merged = append(merged, risk)
				continue
			}

			existing := merged[idx]
			delta := existing.Confidence - risk.Confidence
			if delta < 0 {
				delta = -delta
			}

			if delta > m.threshold {
				resolved, conflict := m.resolveConflict(ctx, tenantID, existing, risk)
				merged[idx] = resolved
				conflicts = append(conflicts, conflict)
				continue
			}

			merged[idx] = corroborate(existing, risk)
		}
	}

	return merged, conflicts
}

// resolveConflict settles a confidence disagreement between two methods
func (m *merger) resolveConflict(ctx context.Context, tenantID string, a, b models.DetectedRisk) (models.DetectedRisk, models.Conflict) {
	strategy := models.ResolveHighestConfidence
	if m.strategies != nil {
		if s := m.strategies.ResolutionStrategy(ctx, tenantID, m.contextKey, a.Method, b.Method); s != "" {
			strategy = s
		}
	}

	var winner models.DetectedRisk
	switch strategy {
	case models.ResolveRulePriority:
		switch {
		case a.Method == models.MethodRule:
			winner = a
		case b.Method == models.MethodRule:
			winner = b
		default:
			winner = higherConfidence(a, b)
		}
	case models.ResolveMerged:
		// Same shape as corroboration: max confidence, both explanations.
		winner = corroborate(a, b)
	default:
		strategy = models.ResolveHighestConfidence
		winner = higherConfidence(a, b)
	}

	// The loser's evidence is still provenance for the audit trail.
	winner.SourceEntityIDs = unionIDs(a.SourceEntityIDs, b.SourceEntityIDs)

	conflict := models.Conflict{
		RiskID:  a.RiskID,
		Method1: a.Method,
		Method2: b.Method,
		Description: fmt.Sprintf("%s reported confidence %.2f, %s reported %.2f",
			a.Method, a.Confidence, b.Method, b.Confidence),
		Resolution: fmt.Sprintf("kept %s at confidence %.2f", winner.Method, winner.Confidence),
		Method:     strategy,
	}
	return winner, conflict
}

func higherConfidence(a, b models.DetectedRisk) models.DetectedRisk {
	if b.Confidence > a.Confidence {
		return b
	}
	return a
}

// corroborate combines two close detections of the same risk: strongest
// confidence wins, explanations and provenance are kept from both
func corroborate(a, b models.DetectedRisk) models.DetectedRisk {
	out := higherConfidence(a, b)
	out.Explanation = mergeExplanations(a, b, out)
	out.SourceEntityIDs = unionIDs(a.SourceEntityIDs, b.SourceEntityIDs)
	out.Contribution = out.Weight * out.Confidence
	return out
}

func mergeExplanations(a, b, winner models.DetectedRisk) models.Explanation {
	ea, eb := a.Explanation, b.Explanation

	if ea.IsStructured() && eb.IsStructured() {
		sa, sb := ea.Structured, eb.Structured
		merged := *winner.Explanation.Structured
		merged.Reasoning = joinNonEmpty(sa.Reasoning, sb.Reasoning)
		merged.MatchedRules = unionIDs(sa.MatchedRules, sb.MatchedRules)
		merged.PatternRefs = unionIDs(sa.PatternRefs, sb.PatternRefs)
		merged.SemanticRefs = unionIDs(sa.SemanticRefs, sb.SemanticRefs)
		return models.Explanation{Structured: &merged}
	}

	return models.Explanation{Legacy: joinNonEmpty(ea.Text(), eb.Text())}
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && !contains(kept, p) {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func unionIDs(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, id := range b {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
