package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/search"
)

const (
	historicalTopK      = 20
	historicalKeep      = 10
	historicalCalibrate = 0.8
)

// HistoricalDetector mines closed opportunities for risks that preceded a
// loss. Similar lost deals transfer their recorded risks with a confidence
// discounted by similarity.
type HistoricalDetector struct {
	searcher search.Searcher
	minScore float64
	logger   *slog.Logger
}

func NewHistoricalDetector(searcher search.Searcher, minScore float64, logger *slog.Logger) *HistoricalDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoricalDetector{searcher: searcher, minScore: minScore, logger: logger}
}

func (d *HistoricalDetector) Method() models.DetectionMethod {
	return models.MethodHistorical
}

func (d *HistoricalDetector) Detect(ctx context.Context, in *Input) Result {
	res := Result{Method: models.MethodHistorical}

	if d.searcher == nil || !d.searcher.Available(ctx) {
		res.Err = search.ErrUnavailable
		return res
	}

	opp := in.Eval.Opportunity
	query := strings.TrimSpace(opp.Name + " " + opp.Description)
	if query == "" {
		res.Available = true
		return res
	}

	matches, err := d.searcher.Search(ctx, query, search.Filter{
		TenantID:    in.TenantID,
		EntityTypes: []string{opp.EntityType},
		ExcludeIDs:  []uuid.UUID{opp.ID},
		ClosedOnly:  true,
	}, historicalTopK, d.minScore)
	if err != nil {
		res.Err = fmt.Errorf("historical similarity search: %w", err)
		return res
	}
	res.Available = true

	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if len(matches) > historicalKeep {
		matches = matches[:historicalKeep]
	}

	// Keep the strongest transfer per risk when several lost deals carry
	// the same one.
	best := make(map[string]models.DetectedRisk)
	for _, m := range matches {
		if outcomeFromStage(m.Stage) != models.OutcomeLost {
			continue
		}
		for _, riskID := range m.RiskIDs {
			def, ok := in.Index.ByID(riskID)
			if !ok {
				d.logger.Warn("historical match references unknown risk",
					"risk_id", riskID, "source_entity", m.EntityID)
				continue
			}

			confidence := clamp01(m.Score * historicalCalibrate)
			if prev, seen := best[riskID]; seen && prev.Confidence >= confidence {
				best[riskID] = withSourceID(prev, m.EntityID.String())
				continue
			}

			expl := models.Explanation{Structured: &models.StructuredExplanation{
				Method: models.MethodHistorical,
				Reasoning: fmt.Sprintf("similar lost deal %q (similarity %.2f) carried risk %s",
					m.Name, m.Score, def.Name),
				PatternRefs: []string{m.EntityID.String()},
				Confidence:  confidence,
			}}

			risk := newRisk(def, models.MethodHistorical, in.WeightFor(def), confidence, expl, []string{m.EntityID.String()})
			if prev, seen := best[riskID]; seen {
				risk.SourceEntityIDs = mergeSourceIDs(prev.SourceEntityIDs, risk.SourceEntityIDs)
			}
			best[riskID] = risk
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res.Risks = append(res.Risks, best[id])
	}
	return res
}

// outcomeFromStage maps a terminal stage label onto an outcome
func outcomeFromStage(stage string) models.Outcome {
	switch strings.ToLower(strings.TrimSpace(stage)) {
	case "closed_lost", "lost":
		return models.OutcomeLost
	case "closed_won", "won":
		return models.OutcomeWon
	default:
		return ""
	}
}

func withSourceID(risk models.DetectedRisk, id string) models.DetectedRisk {
	risk.SourceEntityIDs = appendUnique(risk.SourceEntityIDs, id)
	return risk
}

func mergeSourceIDs(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, id := range b {
		out = appendUnique(out, id)
	}
	return out
}
