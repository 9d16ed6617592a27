package engine

import (
	"math"

	"github.com/dealscope/riskengine/internal/models"
)

// scoreInput carries everything the aggregation step needs
type scoreInput struct {
	Risks       []models.DetectedRisk
	Weights     models.AdaptiveWeights
	DealValue   float64
	Probability float64 // percent, 0 when unknown
}

// scoreResult is the aggregate produced from a merged risk list
type scoreResult struct {
	GlobalScore    float64
	CategoryScores map[models.RiskCategory]float64
	RevenueAtRisk  float64
}

const defaultWinProbability = 0.5

// aggregate computes the global score, per-category scores, and revenue at
// risk. Contributions are normalized so the global score stays in [0,1]
// regardless of how many risks were detected.
func aggregate(in scoreInput) scoreResult {
	out := scoreResult{CategoryScores: make(map[models.RiskCategory]float64, len(models.AllCategories()))}
	for _, c := range models.AllCategories() {
		out.CategoryScores[c] = 0
	}

	type weighted struct {
		risk       models.DetectedRisk
		confidence float64
	}

	var (
		entries  []weighted
		totalRaw float64
	)
	for _, r := range in.Risks {
		conf := clamp01(r.Confidence * in.Weights.ForMethod(r.Method))
		entries = append(entries, weighted{risk: r, confidence: conf})
		totalRaw += r.Weight * conf
	}
	if len(entries) == 0 || totalRaw <= 0 {
		out.RevenueAtRisk = 0
		return out
	}

	categoryRaw := make(map[models.RiskCategory]float64)
	for _, e := range entries {
		raw := e.risk.Weight * e.confidence
		normalized := raw / totalRaw
		out.GlobalScore += e.risk.Weight * e.confidence * normalized
		categoryRaw[e.risk.Category] += raw
	}
	out.GlobalScore = clamp01(out.GlobalScore)

	// Each category score is the same aggregation restricted to and
	// renormalized within the category.
	for cat, raw := range categoryRaw {
		var score float64
		for _, e := range entries {
			if e.risk.Category != cat {
				continue
			}
			score += e.risk.Weight * e.confidence * (e.risk.Weight * e.confidence / raw)
		}
		out.CategoryScores[cat] = clamp01(score)
	}

	out.RevenueAtRisk = revenueAtRisk(in.DealValue, in.Probability, out.GlobalScore)
	return out
}

// revenueAtRisk estimates expected revenue exposure. Probability is a
// percentage; missing or degenerate inputs yield 0, never NaN.
func revenueAtRisk(value, probability, globalScore float64) float64 {
	p := probability / 100
	if probability == 0 {
		p = defaultWinProbability
	}
	r := value * p * globalScore
	if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
		return 0
	}
	return r
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
