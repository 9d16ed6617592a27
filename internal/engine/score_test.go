package engine

import (
	"math"
	"testing"

	"github.com/dealscope/riskengine/internal/models"
)

func TestAggregateSingleRisk(t *testing.T) {
	risk := detected("low_probability", models.MethodRule, 0.7)

	out := aggregate(scoreInput{
		Risks:       []models.DetectedRisk{risk},
		Weights:     models.DefaultAdaptiveWeights(),
		DealValue:   100_000,
		Probability: 40,
	})

	// One risk: its normalized contribution is 1, so the global score is
	// weight * adaptive-reweighted confidence = 1.0 * 1.0 * 0.7.
	if math.Abs(out.GlobalScore-0.7) > 1e-9 {
		t.Errorf("global score = %v, want 0.7", out.GlobalScore)
	}
	if want := 100_000 * 0.4 * 0.7; math.Abs(out.RevenueAtRisk-want) > 1e-6 {
		t.Errorf("revenue at risk = %v, want %v", out.RevenueAtRisk, want)
	}
	if math.Abs(out.CategoryScores[models.CategoryCommercial]-0.7) > 1e-9 {
		t.Errorf("commercial score = %v, want 0.7", out.CategoryScores[models.CategoryCommercial])
	}
	// Absent categories are explicit zeros, not missing keys.
	for _, c := range models.AllCategories() {
		if _, ok := out.CategoryScores[c]; !ok {
			t.Errorf("category %s missing from scores", c)
		}
	}
}

func TestAggregateAdaptiveReweighting(t *testing.T) {
	risk := detected("r1", models.MethodAI, 0.8)

	out := aggregate(scoreInput{
		Risks:   []models.DetectedRisk{risk},
		Weights: models.DefaultAdaptiveWeights(),
	})

	// AI confidence is discounted by the llm multiplier 0.8.
	if want := 0.8 * 0.8; math.Abs(out.GlobalScore-want) > 1e-9 {
		t.Errorf("global score = %v, want %v", out.GlobalScore, want)
	}
}

func TestAggregateBounds(t *testing.T) {
	var risks []models.DetectedRisk
	for i := 0; i < 20; i++ {
		risks = append(risks, detected("r", models.MethodRule, 1.0))
	}

	out := aggregate(scoreInput{Risks: risks, Weights: models.DefaultAdaptiveWeights()})
	if out.GlobalScore < 0 || out.GlobalScore > 1 {
		t.Errorf("global score %v out of [0,1]", out.GlobalScore)
	}
	for c, s := range out.CategoryScores {
		if s < 0 || s > 1 {
			t.Errorf("category %s score %v out of [0,1]", c, s)
		}
	}
}

func TestAggregateNoRisks(t *testing.T) {
	out := aggregate(scoreInput{Weights: models.DefaultAdaptiveWeights(), DealValue: 100_000, Probability: 40})
	if out.GlobalScore != 0 || out.RevenueAtRisk != 0 {
		t.Errorf("empty input must score zero, got %v / %v", out.GlobalScore, out.RevenueAtRisk)
	}
	for _, c := range models.AllCategories() {
		if out.CategoryScores[c] != 0 {
			t.Errorf("category %s = %v, want 0", c, out.CategoryScores[c])
		}
	}
}

func TestRevenueAtRisk(t *testing.T) {
	tests := []struct {
		name                string
		value, prob, global float64
		want                float64
	}{
		{"known probability", 100_000, 40, 0.7, 28_000},
		{"missing probability defaults to half", 100_000, 0, 0.5, 25_000},
		{"nan value", math.NaN(), 40, 0.5, 0},
		{"infinite value", math.Inf(1), 40, 0.5, 0},
		{"negative value", -5000, 40, 0.5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := revenueAtRisk(tt.value, tt.prob, tt.global)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("revenueAtRisk = %v, want %v", got, tt.want)
			}
		})
	}
}
