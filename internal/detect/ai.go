package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/dealscope/riskengine/internal/insight"
	"github.com/dealscope/riskengine/internal/models"
)

// Calibration discounts model self-reported confidence based on how the
// response had to be recovered and whether validation flagged it.
type Calibration struct {
	MarkdownPenalty   float64
	RegexPenalty      float64
	ValidationPenalty float64
	NameMatchPenalty  float64
	Floor             float64
}

// Validator cross-checks an AI-proposed risk against the evaluation
// context. Returned warnings discount the risk's confidence; a nil
// Validator accepts everything and flags the evaluation instead.
type Validator interface {
	Validate(ctx context.Context, def *models.RiskDefinition, reasoning string, in *Input) []string
}

// AIDetector asks a language model to assess the opportunity against the
// risk catalog. Everything the model returns is treated as untrusted: it
// must resolve to a catalog entry and its confidence is recalibrated.
type AIDetector struct {
	gen       insight.Generator
	cal       Calibration
	validator Validator
	logger    *slog.Logger
}

func NewAIDetector(gen insight.Generator, cal Calibration, validator Validator, logger *slog.Logger) *AIDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &AIDetector{gen: gen, cal: cal, validator: validator, logger: logger}
}

func (d *AIDetector) Method() models.DetectionMethod {
	return models.MethodAI
}

const aiSystemPrompt = `You are a sales risk analyst. Assess the opportunity described by the user against the provided risk catalog.
Respond with a JSON array only, no prose. Each element: {"risk_id": string, "confidence": number between 0 and 1, "reasoning": string}.
Only use risk_id values from the catalog.`

func (d *AIDetector) Detect(ctx context.Context, in *Input) Result {
	res := Result{Method: models.MethodAI}

	if d.gen == nil || !d.gen.Available(ctx) {
		res.Err = insight.ErrUnavailable
		return res
	}

	prompt := d.buildPrompt(in)
	resp, err := d.gen.Generate(ctx, in.TenantID, in.UserID, insight.Request{
		SystemPrompt: aiSystemPrompt,
		Prompt:       prompt,
		MaxTokens:    1024,
		Temperature:  0.1,
	})
	if err != nil {
		res.Err = fmt.Errorf("generating ai assessment: %w", err)
		return res
	}

	res.Available = true
	res.AIModelVersion = resp.ModelVersion
	res.AIContextTokens = resp.PromptTokens
	res.AIContextTruncated = resp.Truncated

	candidates, parseMethod, err := parseAIResponse(resp.Content)
	if err != nil {
		// Last rung: the model answered in prose. Scan it for catalog
		// risk mentions before giving up on the response.
		candidates = extractRiskMentions(resp.Content, in.Catalog)
		if len(candidates) == 0 {
			// An unparseable response degrades the method, not the run.
			d.logger.Warn("ai response unparseable", "error", err, "tenant", in.TenantID)
			res.Err = fmt.Errorf("parsing ai assessment: %w", err)
			return res
		}
		parseMethod = parseRegex
		d.logger.Warn("ai response was prose, recovered catalog mentions",
			"mentions", len(candidates), "tenant", in.TenantID)
	}

	for _, c := range candidates {
		def, byName := d.resolve(c, in)
		if def == nil {
			d.logger.Warn("ai proposed unknown risk, dropped",
				"risk_id", c.RiskID, "tenant", in.TenantID)
			continue
		}

		var warnings []string
		validated := d.validator != nil
		if validated {
			warnings = d.validator.Validate(ctx, def, c.Reasoning, in)
		}

		confidence := d.calibrate(clamp01(c.Confidence), parseMethod, byName, len(warnings) > 0)

		reasoning := c.Reasoning
		if !validated {
			reasoning = strings.TrimSpace(reasoning + " (unvalidated)")
		}

		expl := models.Explanation{Structured: &models.StructuredExplanation{
			Method:     models.MethodAI,
			Reasoning:  reasoning,
			Confidence: confidence,
		}}

		res.Risks = append(res.Risks, newRisk(def, models.MethodAI, in.WeightFor(def), confidence, expl,
			[]string{in.Eval.Opportunity.ID.String()}))
	}

	return res
}

// resolve maps a candidate onto the catalog, by id first and then by
// case-insensitive name. The second return reports a name-only match.
func (d *AIDetector) resolve(c aiCandidate, in *Input) (*models.RiskDefinition, bool) {
	if def, ok := in.Index.ByID(c.RiskID); ok {
		return def, false
	}
	if def, ok := in.Index.ByName(c.RiskID); ok {
		return def, true
	}
	return nil, false
}

func (d *AIDetector) calibrate(confidence float64, parseMethod string, byName, flagged bool) float64 {
	switch parseMethod {
	case parseMarkdown:
		confidence -= d.cal.MarkdownPenalty
	case parseRegex:
		confidence -= d.cal.RegexPenalty
	}
	if flagged {
		confidence -= d.cal.ValidationPenalty
	}
	if byName {
		confidence -= d.cal.NameMatchPenalty
	}
	if confidence < d.cal.Floor {
		confidence = d.cal.Floor
	}
	return clamp01(confidence)
}

func (d *AIDetector) buildPrompt(in *Input) string {
	opp := in.Eval.Opportunity

	var b strings.Builder
	fmt.Fprintf(&b, "Opportunity: %s\n", opp.Name)
	if opp.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", opp.Description)
	}
	if opp.Stage != "" {
		fmt.Fprintf(&b, "Stage: %s\n", opp.Stage)
	}
	if v, ok := opp.FloatAttr("value"); ok {
		fmt.Fprintf(&b, "Value: %.0f\n", v)
	}
	if v, ok := opp.FloatAttr("expected_revenue"); ok {
		fmt.Fprintf(&b, "Expected revenue: %.0f\n", v)
	}
	if v, ok := opp.FloatAttr("probability"); ok {
		fmt.Fprintf(&b, "Win probability: %.0f%%\n", v)
	}
	if s := opp.StringAttr("close_date"); s != "" {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			fmt.Fprintf(&b, "Days to close: %d\n", int(time.Until(t).Hours()/24))
		}
	}
	if !opp.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "Days since last activity: %d\n", int(time.Since(opp.UpdatedAt).Hours()/24))
	}

	if len(in.Eval.Related) > 0 {
		b.WriteString("\nRelated entities:\n")
		for i := range in.Eval.Related {
			rel := &in.Eval.Related[i]
			fmt.Fprintf(&b, "- %s %q", rel.EntityType, rel.Name)
			if rel.Description != "" {
				fmt.Fprintf(&b, ": %s", truncate(rel.Description, 200))
			}
			b.WriteByte('\n')
		}
	}

	b.WriteString("\nRisk catalog:\n")
	for i := range in.Catalog {
		def := &in.Catalog[i]
		if !def.IsActive {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s, %s): %s\n", def.RiskID, def.Name, def.Category, truncate(def.Description, 200))
	}

	return b.String()
}

type aiCandidate struct {
	RiskID     string  `json:"risk_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

const (
	parseJSON     = "json"
	parseMarkdown = "markdown"
	parseRegex    = "regex"
)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")
	bareArrayRe   = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)
)

// parseAIResponse recovers the candidate list from whatever framing the
// model wrapped it in, reporting which ladder rung succeeded
func parseAIResponse(content string) ([]aiCandidate, string, error) {
	content = strings.TrimSpace(content)

	var out []aiCandidate
	if err := json.Unmarshal([]byte(content), &out); err == nil {
		return out, parseJSON, nil
	}

	if m := fencedBlockRe.FindStringSubmatch(content); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &out); err == nil {
			return out, parseMarkdown, nil
		}
	}

	if m := bareArrayRe.FindString(content); m != "" {
		if err := json.Unmarshal([]byte(m), &out); err == nil {
			return out, parseRegex, nil
		}
	}

	return nil, "", fmt.Errorf("no JSON risk array found in %d-byte response", len(content))
}

// mentionConfidence is the raw confidence assigned to a risk recovered
// from prose; the model reported none, so the regex penalty does the rest.
const mentionConfidence = 0.5

// extractRiskMentions scans a natural-language response for catalog risk
// names or ids and turns each mention into a conservative candidate.
func extractRiskMentions(content string, catalog []models.RiskDefinition) []aiCandidate {
	lower := strings.ToLower(content)

	var out []aiCandidate
	for i := range catalog {
		def := &catalog[i]
		if !def.IsActive {
			continue
		}

		idx := -1
		for _, needle := range []string{
			strings.ToLower(def.Name),
			strings.ToLower(def.RiskID),
			strings.ReplaceAll(strings.ToLower(def.RiskID), "_", " "),
		} {
			if needle == "" {
				continue
			}
			if idx = strings.Index(lower, needle); idx >= 0 {
				break
			}
		}
		if idx < 0 {
			continue
		}

		out = append(out, aiCandidate{
			RiskID:     def.RiskID,
			Confidence: mentionConfidence,
			Reasoning:  sentenceAround(content, idx),
		})
	}
	return out
}

// sentenceAround returns the sentence containing the byte offset
func sentenceAround(content string, idx int) string {
	start := strings.LastIndexAny(content[:idx], ".!?\n") + 1
	end := strings.IndexAny(content[idx:], ".!?\n")
	if end < 0 {
		end = len(content)
	} else {
		end += idx + 1
	}
	return strings.TrimSpace(content[start:end])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
