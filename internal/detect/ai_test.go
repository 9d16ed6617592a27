package detect

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/dealscope/riskengine/internal/catalog"
	"github.com/dealscope/riskengine/internal/gather"
	"github.com/dealscope/riskengine/internal/insight"
	"github.com/dealscope/riskengine/internal/models"
)

type fakeGenerator struct {
	resp      *insight.Response
	err       error
	available bool
}

func (f *fakeGenerator) Generate(ctx context.Context, tenantID, userID string, req insight.Request) (*insight.Response, error) {
	return f.resp, f.err
}

func (f *fakeGenerator) Available(ctx context.Context) bool { return f.available }

type fakeValidator struct{ warnings []string }

func (f fakeValidator) Validate(ctx context.Context, def *models.RiskDefinition, reasoning string, in *Input) []string {
	return f.warnings
}

func testCalibration() Calibration {
	return Calibration{
		MarkdownPenalty:   0.05,
		RegexPenalty:      0.15,
		ValidationPenalty: 0.10,
		NameMatchPenalty:  0.05,
		Floor:             0.1,
	}
}

func aiInput(defs []models.RiskDefinition) *Input {
	return &Input{
		TenantID: "t1",
		Eval:     &gather.EvaluationContext{Opportunity: testOpportunity(nil)},
		Catalog:  defs,
		Index:    catalog.NewIndex(defs),
	}
}

func TestParseAIResponse(t *testing.T) {
	clean := `[{"risk_id":"r1","confidence":0.8,"reasoning":"weak sponsor"}]`

	tests := []struct {
		name       string
		content    string
		wantMethod string
		wantErr    bool
	}{
		{"clean json", clean, parseJSON, false},
		{"fenced block", "Here is my assessment:\n```json\n" + clean + "\n```", parseMarkdown, false},
		{"fence without language tag", "```\n" + clean + "\n```", parseMarkdown, false},
		{"prose around bare array", "I found one risk. " + clean + " Let me know.", parseRegex, false},
		{"no json at all", "there are no risks worth mentioning", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, method, err := parseAIResponse(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if method != tt.wantMethod {
				t.Errorf("parse method = %s, want %s", method, tt.wantMethod)
			}
			if len(got) != 1 || got[0].RiskID != "r1" {
				t.Errorf("candidates = %+v", got)
			}
		})
	}
}

func TestAIDetectorCalibration(t *testing.T) {
	defs := []models.RiskDefinition{attrDefinition("r1")}

	tests := []struct {
		name      string
		content   string
		validator Validator
		want      float64
	}{
		{
			"clean json, validated",
			`[{"risk_id":"r1","confidence":0.8,"reasoning":"x"}]`,
			fakeValidator{},
			0.8,
		},
		{
			"markdown recovery",
			"```json\n[{\"risk_id\":\"r1\",\"confidence\":0.8,\"reasoning\":\"x\"}]\n```",
			fakeValidator{},
			0.75,
		},
		{
			"regex recovery",
			`the risks: [{"risk_id":"r1","confidence":0.8,"reasoning":"x"}] done`,
			fakeValidator{},
			0.65,
		},
		{
			"validation warnings",
			`[{"risk_id":"r1","confidence":0.8,"reasoning":"x"}]`,
			fakeValidator{warnings: []string{"no supporting evidence"}},
			0.7,
		},
		{
			"floor applies",
			`[{"risk_id":"r1","confidence":0.12,"reasoning":"x"}]`,
			fakeValidator{warnings: []string{"w"}},
			0.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{available: true, resp: &insight.Response{Content: tt.content, ModelVersion: "gpt-test"}}
			d := NewAIDetector(gen, testCalibration(), tt.validator, nil)

			res := d.Detect(context.Background(), aiInput(defs))
			if !res.Available || res.Err != nil {
				t.Fatalf("detector failed: %v", res.Err)
			}
			if len(res.Risks) != 1 {
				t.Fatalf("got %d risks, want 1", len(res.Risks))
			}
			if got := res.Risks[0].Confidence; math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("confidence = %v, want %v", got, tt.want)
			}
			if res.AIModelVersion != "gpt-test" {
				t.Errorf("model version = %s", res.AIModelVersion)
			}
		})
	}
}

func TestAIDetectorResolvesByNameWithPenalty(t *testing.T) {
	def := attrDefinition("pricing_pressure")
	def.Name = "Pricing pressure"
	defs := []models.RiskDefinition{def}

	gen := &fakeGenerator{available: true, resp: &insight.Response{
		Content: `[{"risk_id":"Pricing Pressure","confidence":0.8,"reasoning":"x"},
		           {"risk_id":"invented_risk","confidence":0.9,"reasoning":"y"}]`,
	}}

	res := NewAIDetector(gen, testCalibration(), fakeValidator{}, nil).
		Detect(context.Background(), aiInput(defs))

	if len(res.Risks) != 1 {
		t.Fatalf("got %d risks, want 1 (invented risk dropped)", len(res.Risks))
	}
	if res.Risks[0].RiskID != "pricing_pressure" {
		t.Errorf("risk id = %s, want resolved catalog id", res.Risks[0].RiskID)
	}
	if want := 0.75; math.Abs(res.Risks[0].Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v after name-match penalty", res.Risks[0].Confidence, want)
	}
}

func TestAIDetectorRecoversRiskMentionsFromProse(t *testing.T) {
	pricing := attrDefinition("pricing_pressure")
	pricing.Name = "Pricing pressure"
	churn := attrDefinition("champion_churn")
	churn.Name = "Champion churn"
	defs := []models.RiskDefinition{pricing, churn}

	gen := &fakeGenerator{available: true, resp: &insight.Response{
		Content: "The deal faces heavy pricing pressure from two incumbent vendors. " +
			"No other concerns stand out at this stage.",
	}}

	res := NewAIDetector(gen, testCalibration(), fakeValidator{}, nil).
		Detect(context.Background(), aiInput(defs))

	if !res.Available || res.Err != nil {
		t.Fatalf("prose with catalog mentions must not fail the method: %v", res.Err)
	}
	if len(res.Risks) != 1 || res.Risks[0].RiskID != "pricing_pressure" {
		t.Fatalf("risks = %+v, want the mentioned catalog risk only", res.Risks)
	}
	// 0.5 raw mention confidence minus the regex-recovery penalty.
	if want := 0.35; math.Abs(res.Risks[0].Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", res.Risks[0].Confidence, want)
	}
	reasoning := res.Risks[0].Explanation.Text()
	if !strings.Contains(reasoning, "pricing pressure from two incumbent vendors") {
		t.Errorf("reasoning = %q, want the sentence containing the mention", reasoning)
	}
}

func TestAIDetectorUnavailableAndUnparseable(t *testing.T) {
	res := NewAIDetector(&fakeGenerator{available: false}, testCalibration(), nil, nil).
		Detect(context.Background(), aiInput(nil))
	if res.Available || res.Err == nil {
		t.Fatal("unavailable generator must degrade the method")
	}

	gen := &fakeGenerator{available: true, resp: &insight.Response{Content: "no structured output"}}
	res = NewAIDetector(gen, testCalibration(), nil, nil).
		Detect(context.Background(), aiInput([]models.RiskDefinition{attrDefinition("r1")}))
	if !res.Available {
		t.Error("a reachable generator keeps the method available")
	}
	if res.Err == nil || len(res.Risks) != 0 {
		t.Errorf("unparseable response must yield an error and no risks: %v %v", res.Err, res.Risks)
	}
}
