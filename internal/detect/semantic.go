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
	semanticTopK       = 20
	semanticTermCap    = 15
	semanticDescTerms  = 5
	semanticContentCap = 2000
	semanticNameBoost  = 0.2
	semanticCalibrate  = 0.7
)

// Matcher scores how strongly a candidate entity's text evidences a risk
// definition. The default implementation is lexical term overlap; an
// embedding-based scorer can be swapped in without touching the detector.
type Matcher interface {
	MatchScore(def *models.RiskDefinition, content string) float64
}

// SemanticDetector discovers risks on entities not yet linked to the
// opportunity. Vector search recalls candidates; the matcher decides which
// catalog risks each candidate actually evidences.
type SemanticDetector struct {
	searcher   search.Searcher
	matcher    Matcher
	minScore   float64
	matchScore float64
	logger     *slog.Logger
}

func NewSemanticDetector(searcher search.Searcher, minScore, matchScore float64, logger *slog.Logger) *SemanticDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticDetector{
		searcher:   searcher,
		matcher:    TermOverlapMatcher{},
		minScore:   minScore,
		matchScore: matchScore,
		logger:     logger,
	}
}

// WithMatcher replaces the scoring strategy
func (d *SemanticDetector) WithMatcher(m Matcher) *SemanticDetector {
	d.matcher = m
	return d
}

func (d *SemanticDetector) Method() models.DetectionMethod {
	return models.MethodSemantic
}

func (d *SemanticDetector) Detect(ctx context.Context, in *Input) Result {
	res := Result{Method: models.MethodSemantic}

	if d.searcher == nil || !d.searcher.Available(ctx) {
		res.Err = search.ErrUnavailable
		return res
	}

	query := buildSemanticQuery(in.Catalog, in.Eval.Opportunity.Name)
	if query == "" {
		res.Available = true
		return res
	}

	exclude := []uuid.UUID{in.Eval.Opportunity.ID}
	for i := range in.Eval.Related {
		exclude = append(exclude, in.Eval.Related[i].ID)
	}

	matches, err := d.searcher.Search(ctx, query, search.Filter{
		TenantID:   in.TenantID,
		ExcludeIDs: exclude,
	}, semanticTopK, d.minScore)
	if err != nil {
		res.Err = fmt.Errorf("semantic discovery search: %w", err)
		return res
	}
	res.Available = true

	best := make(map[string]models.DetectedRisk)
	for _, m := range matches {
		content := m.Content
		if content == "" {
			content = m.Name + " " + m.Description
		}
		if len(content) > semanticContentCap {
			content = content[:semanticContentCap]
		}

		for i := range in.Catalog {
			def := &in.Catalog[i]
			if !def.IsActive || !def.AppliesTo(m.EntityType) {
				continue
			}

			score := d.matcher.MatchScore(def, content)
			if score <= d.matchScore {
				continue
			}

			confidence := clamp01(score * semanticCalibrate)
			if prev, seen := best[def.RiskID]; seen && prev.Confidence >= confidence {
				best[def.RiskID] = withSourceID(prev, m.EntityID.String())
				continue
			}

			expl := models.Explanation{Structured: &models.StructuredExplanation{
				Method: models.MethodSemantic,
				Reasoning: fmt.Sprintf("unlinked %s %q matches risk %s (overlap %.2f)",
					m.EntityType, m.Name, def.Name, score),
				SemanticRefs: []string{m.EntityID.String()},
				Confidence:   confidence,
			}}

			risk := newRisk(def, models.MethodSemantic, in.WeightFor(def), confidence, expl, []string{m.EntityID.String()})
			if prev, seen := best[def.RiskID]; seen {
				risk.SourceEntityIDs = mergeSourceIDs(prev.SourceEntityIDs, risk.SourceEntityIDs)
			}
			best[def.RiskID] = risk
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

// buildSemanticQuery assembles the discovery query: the opportunity
// identifier, then per active catalog entry its name terms and the top
// description terms, then the category labels. Capped to avoid dilution.
func buildSemanticQuery(catalog []models.RiskDefinition, opportunityName string) string {
	var terms []string
	seen := make(map[string]bool)
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || stopWords[t] || seen[t] || len(terms) >= semanticTermCap {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}

	for _, w := range strings.Fields(opportunityName) {
		add(w)
	}
	for i := range catalog {
		if !catalog[i].IsActive {
			continue
		}
		for _, w := range strings.Fields(catalog[i].Name) {
			add(w)
		}
		for _, w := range topTerms(catalog[i].Description, semanticDescTerms) {
			add(w)
		}
	}
	for _, c := range models.AllCategories() {
		add(string(c))
	}

	return strings.Join(terms, " ")
}

// topTerms returns the most frequent non-stop-words of a text
func topTerms(text string, n int) []string {
	counts := make(map[string]int)
	for _, w := range tokenize(text) {
		counts[w]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(a, b int) bool {
		if counts[words[a]] != counts[words[b]] {
			return counts[words[a]] > counts[words[b]]
		}
		return words[a] < words[b]
	})

	if len(words) > n {
		words = words[:n]
	}
	return words
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, w := range fields {
		if len(w) > 2 && !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

// TermOverlapMatcher is the default lexical scorer. The score is the
// fraction of the definition's terms found in the content, boosted when a
// word of the definition's name appears verbatim.
type TermOverlapMatcher struct{}

func (TermOverlapMatcher) MatchScore(def *models.RiskDefinition, content string) float64 {
	terms := definitionTerms(def)
	if len(terms) == 0 {
		return 0
	}

	lower := strings.ToLower(content)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	score := float64(hits) / float64(len(terms))

	for _, w := range tokenize(def.Name) {
		if strings.Contains(lower, w) {
			score += semanticNameBoost
			break
		}
	}
	return clamp01(score)
}

func definitionTerms(def *models.RiskDefinition) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, w := range append(tokenize(def.Name), tokenize(def.Description)...) {
		if !seen[w] {
			seen[w] = true
			terms = append(terms, w)
		}
	}
	if len(terms) > semanticTermCap {
		terms = terms[:semanticTermCap]
	}
	return terms
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "has": true,
	"have": true, "will": true, "not": true, "but": true, "its": true,
	"our": true, "their": true, "been": true, "can": true, "all": true,
	"risk": true, "deal": true, "opportunity": true,
}
