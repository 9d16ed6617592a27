// Package detect implements the four risk detection strategies and the
// bounded runner that executes them. Detectors are independent: each either
// emits complete DetectedRisk candidates or nothing, and a failing detector
// never fails the evaluation.
package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dealscope/riskengine/internal/catalog"
	"github.com/dealscope/riskengine/internal/gather"
	"github.com/dealscope/riskengine/internal/models"
)

// Input is the shared evaluation context handed to every detector
type Input struct {
	TenantID string
	UserID   string
	Eval     *gather.EvaluationContext
	Catalog  []models.RiskDefinition
	Index    *catalog.Index
	// Weights maps risk id to its resolved ponderation for this context
	Weights map[string]float64
}

// WeightFor resolves the ponderation for a risk, falling back to the
// catalog base weight
func (in *Input) WeightFor(def *models.RiskDefinition) float64 {
	if w, ok := in.Weights[def.RiskID]; ok {
		return w
	}
	return def.BaseWeight
}

// Result is one detector's output. Available=false means the detector's
// dependency was missing or timed out; it contributed nothing and that is
// not an error.
type Result struct {
	Method    models.DetectionMethod
	Risks     []models.DetectedRisk
	Available bool
	Err       error

	// AI generation metadata, populated by the AI detector only
	AIModelVersion     string
	AIContextTokens    int
	AIContextTruncated bool
}

// Detector is one detection strategy
type Detector interface {
	Method() models.DetectionMethod
	Detect(ctx context.Context, in *Input) Result
}

// Runner executes detectors in parallel but returns results in the
// canonical merge order: rule, historical, semantic, ai. The merge step
// depends on that ordering for deterministic conflict detection.
type Runner struct {
	detectors []Detector
	timeout   time.Duration
	logger    *slog.Logger
}

func NewRunner(detectors []Detector, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Runner{detectors: detectors, timeout: timeout, logger: logger}
}

// Run executes every detector with a bounded per-detector timeout. The
// returned slice preserves constructor order regardless of completion
// order.
func (r *Runner) Run(ctx context.Context, in *Input) []Result {
	results := make([]Result, len(r.detectors))

	var wg sync.WaitGroup
	for i, d := range r.detectors {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("detector panicked",
						"method", d.Method(), "panic", rec)
					results[i] = Result{Method: d.Method(), Available: false}
				}
			}()

			dctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			res := d.Detect(dctx, in)
			res.Method = d.Method()

			if dctx.Err() != nil && ctx.Err() == nil {
				// Timed-out detector contributes nothing, same as unavailable
				r.logger.Warn("detector timed out",
					"method", d.Method(), "timeout", r.timeout)
				res = Result{Method: d.Method(), Available: false}
			}

			if res.Err != nil {
				r.logger.Warn("detector degraded",
					"method", d.Method(),
					"error", res.Err,
					"elapsed", time.Since(start))
			}

			results[i] = res
		}(i, d)
	}
	wg.Wait()

	return results
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

// newRisk builds a complete DetectedRisk with its pre-normalization
// contribution
func newRisk(def *models.RiskDefinition, method models.DetectionMethod, weight, confidence float64, expl models.Explanation, sourceIDs []string) models.DetectedRisk {
	confidence = clamp01(confidence)
	weight = clamp01(weight)
	return models.DetectedRisk{
		RiskID:          def.RiskID,
		RiskName:        def.Name,
		Category:        def.Category,
		Method:          method,
		Weight:          weight,
		Confidence:      confidence,
		Contribution:    weight * confidence,
		Explanation:     expl,
		SourceEntityIDs: sourceIDs,
		State:           models.RiskIdentified,
	}
}
