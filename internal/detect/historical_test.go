package detect

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/catalog"
	"github.com/dealscope/riskengine/internal/gather"
	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/search"
)

type fakeSearcher struct {
	results   []search.ScoredEntity
	err       error
	available bool
	gotFilter search.Filter
}

func (f *fakeSearcher) Search(ctx context.Context, query string, filter search.Filter, topK int, minScore float64) ([]search.ScoredEntity, error) {
	f.gotFilter = filter
	return f.results, f.err
}

func (f *fakeSearcher) Available(ctx context.Context) bool { return f.available }

func historicalInput(defs []models.RiskDefinition) *Input {
	return &Input{
		TenantID: "t1",
		Eval:     &gather.EvaluationContext{Opportunity: testOpportunity(nil)},
		Catalog:  defs,
		Index:    catalog.NewIndex(defs),
	}
}

func TestHistoricalDetectorTransfersLostDealRisks(t *testing.T) {
	defs := []models.RiskDefinition{
		attrDefinition("pricing_pressure"),
		attrDefinition("missing_champion"),
	}

	lostID := uuid.New()
	searcher := &fakeSearcher{
		available: true,
		results: []search.ScoredEntity{
			{EntityID: lostID, Name: "Globex renewal", Stage: "closed_lost", Score: 0.9,
				RiskIDs: []string{"pricing_pressure", "unknown_risk"}},
			{EntityID: uuid.New(), Name: "Initech deal", Stage: "closed_won", Score: 0.85,
				RiskIDs: []string{"missing_champion"}},
		},
	}

	d := NewHistoricalDetector(searcher, 0.72, nil)
	res := d.Detect(context.Background(), historicalInput(defs))

	if !res.Available || res.Err != nil {
		t.Fatalf("detector unavailable: %v", res.Err)
	}
	if !searcher.gotFilter.ClosedOnly {
		t.Error("historical search must be restricted to closed deals")
	}
	if len(res.Risks) != 1 {
		t.Fatalf("got %d risks, want 1 (won deals and unknown ids skipped): %+v", len(res.Risks), res.Risks)
	}

	risk := res.Risks[0]
	if risk.RiskID != "pricing_pressure" {
		t.Errorf("risk id = %s, want pricing_pressure", risk.RiskID)
	}
	if want := 0.9 * 0.8; math.Abs(risk.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want similarity*0.8 = %v", risk.Confidence, want)
	}
	if len(risk.SourceEntityIDs) != 1 || risk.SourceEntityIDs[0] != lostID.String() {
		t.Errorf("source ids = %v, want the lost deal id", risk.SourceEntityIDs)
	}
}

func TestHistoricalDetectorDeduplicatesByMaxConfidence(t *testing.T) {
	defs := []models.RiskDefinition{attrDefinition("pricing_pressure")}

	first, second := uuid.New(), uuid.New()
	searcher := &fakeSearcher{
		available: true,
		results: []search.ScoredEntity{
			{EntityID: first, Name: "deal a", Stage: "lost", Score: 0.8, RiskIDs: []string{"pricing_pressure"}},
			{EntityID: second, Name: "deal b", Stage: "lost", Score: 0.95, RiskIDs: []string{"pricing_pressure"}},
		},
	}

	res := NewHistoricalDetector(searcher, 0.72, nil).Detect(context.Background(), historicalInput(defs))
	if len(res.Risks) != 1 {
		t.Fatalf("got %d risks, want 1", len(res.Risks))
	}
	if want := 0.95 * 0.8; math.Abs(res.Risks[0].Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want max similarity transfer %v", res.Risks[0].Confidence, want)
	}
	if len(res.Risks[0].SourceEntityIDs) != 2 {
		t.Errorf("source ids = %v, want both contributing deals", res.Risks[0].SourceEntityIDs)
	}
}

func TestHistoricalDetectorUnavailable(t *testing.T) {
	res := NewHistoricalDetector(&fakeSearcher{available: false}, 0.72, nil).
		Detect(context.Background(), historicalInput(nil))
	if res.Available {
		t.Fatal("detector must report unavailable when search is down")
	}
	if res.Err == nil {
		t.Fatal("unavailable detector must carry an error")
	}
}
