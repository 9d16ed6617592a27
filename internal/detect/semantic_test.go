package detect

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/catalog"
	"github.com/dealscope/riskengine/internal/gather"
	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/search"
)

func semanticDefinition(riskID, name, description string, types ...string) models.RiskDefinition {
	return models.RiskDefinition{
		RiskID:            riskID,
		Name:              name,
		Description:       description,
		Category:          models.CategoryLegal,
		SourceEntityTypes: models.StringArray(types),
		BaseWeight:        1.0,
		IsActive:          true,
	}
}

func TestTermOverlapMatcher(t *testing.T) {
	def := semanticDefinition("unsigned_contract", "Unsigned contract",
		"contract pending signature approval", "document")

	m := TermOverlapMatcher{}

	full := m.MatchScore(&def, "the contract is unsigned and pending legal signature approval")
	if full <= 0.6 {
		t.Errorf("strong overlap score = %v, want > 0.6", full)
	}

	none := m.MatchScore(&def, "quarterly revenue summary")
	if none != 0 {
		t.Errorf("no-overlap score = %v, want 0", none)
	}

	// A verbatim name word lifts a partial overlap past what term hits
	// alone would give.
	partial := m.MatchScore(&def, "unsigned paperwork")
	plain := 1.0 / 5.0 // one of five terms, ignoring the boost
	if partial <= plain {
		t.Errorf("boosted score = %v, want > %v", partial, plain)
	}
}

func TestBuildSemanticQuery(t *testing.T) {
	defs := []models.RiskDefinition{
		semanticDefinition("a", "Pricing pressure",
			"aggressive competitor discount discount discount landscape", "document"),
		semanticDefinition("b", "Missing executive sponsor", "", "contact"),
	}

	query := buildSemanticQuery(defs, "Globex renewal")
	if query == "" {
		t.Fatal("query must not be empty")
	}
	terms := strings.Fields(query)
	if len(terms) > semanticTermCap {
		t.Errorf("query has %d terms, cap is %d", len(terms), semanticTermCap)
	}
	// Opportunity identifiers lead, then per-risk name and description terms.
	if terms[0] != "globex" || terms[1] != "renewal" {
		t.Errorf("query %q must start with the opportunity identifiers", query)
	}
	joined := " " + query + " "
	for _, want := range []string{"pricing", "pressure", "discount", "sponsor"} {
		if !strings.Contains(joined, " "+want+" ") {
			t.Errorf("query %q missing term %q", query, want)
		}
	}
}

func TestSemanticDetectorDiscoversUnlinkedEntities(t *testing.T) {
	defs := []models.RiskDefinition{
		semanticDefinition("unsigned_contract", "Unsigned contract",
			"contract pending signature approval", "document"),
	}

	docID := uuid.New()
	searcher := &fakeSearcher{
		available: true,
		results: []search.ScoredEntity{
			{EntityID: docID, EntityType: "document", Name: "MSA draft",
				Content: "the contract remains unsigned, signature approval pending", Score: 0.9},
			{EntityID: uuid.New(), EntityType: "contact", Name: "Pat",
				Content: "the contract remains unsigned, signature approval pending", Score: 0.9},
		},
	}

	linked := models.Entity{ID: uuid.New(), EntityType: "document"}
	in := &Input{
		TenantID: "t1",
		Eval:     &gather.EvaluationContext{Opportunity: testOpportunity(nil), Related: []models.Entity{linked}},
		Catalog:  defs,
		Index:    catalog.NewIndex(defs),
	}

	res := NewSemanticDetector(searcher, 0.72, 0.6, nil).Detect(context.Background(), in)
	if !res.Available || res.Err != nil {
		t.Fatalf("detector unavailable: %v", res.Err)
	}

	// Only the document counts: the definition does not inspect contacts.
	if len(res.Risks) != 1 {
		t.Fatalf("got %d risks, want 1: %+v", len(res.Risks), res.Risks)
	}
	risk := res.Risks[0]
	if risk.RiskID != "unsigned_contract" {
		t.Errorf("risk id = %s, want unsigned_contract", risk.RiskID)
	}
	if risk.Confidence <= 0 || risk.Confidence > 0.7 {
		t.Errorf("confidence = %v, want (0, 0.7] after calibration", risk.Confidence)
	}
	if len(risk.SourceEntityIDs) != 1 || risk.SourceEntityIDs[0] != docID.String() {
		t.Errorf("source ids = %v, want the discovered document", risk.SourceEntityIDs)
	}

	// Already-linked entities and the opportunity itself are excluded from
	// the discovery query.
	for _, id := range searcher.gotFilter.ExcludeIDs {
		if id == docID {
			t.Error("discovered document must not be excluded")
		}
	}
	if len(searcher.gotFilter.ExcludeIDs) != 2 {
		t.Errorf("exclude ids = %v, want opportunity + linked entity", searcher.gotFilter.ExcludeIDs)
	}
}

func TestSemanticDetectorBelowMatchThreshold(t *testing.T) {
	defs := []models.RiskDefinition{
		semanticDefinition("unsigned_contract", "Unsigned contract",
			"contract pending signature approval", "document"),
	}
	searcher := &fakeSearcher{
		available: true,
		results: []search.ScoredEntity{
			{EntityID: uuid.New(), EntityType: "document", Name: "notes",
				Content: "weekly sync notes", Score: 0.8},
		},
	}

	in := &Input{
		TenantID: "t1",
		Eval:     &gather.EvaluationContext{Opportunity: testOpportunity(nil)},
		Catalog:  defs,
		Index:    catalog.NewIndex(defs),
	}

	res := NewSemanticDetector(searcher, 0.72, 0.6, nil).Detect(context.Background(), in)
	if len(res.Risks) != 0 {
		t.Fatalf("got %d risks, want none below match threshold", len(res.Risks))
	}
}
