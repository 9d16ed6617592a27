package detect

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/gather"
	"github.com/dealscope/riskengine/internal/models"
)

func testOpportunity(attrs models.JSONB) *models.Entity {
	return &models.Entity{
		ID:         uuid.New(),
		TenantID:   "t1",
		EntityType: models.EntityTypeOpportunity,
		Name:       "Acme renewal",
		Stage:      "negotiation",
		Attributes: attrs,
	}
}

func attrDefinition(riskID string, conds ...models.RuleCondition) models.RiskDefinition {
	return models.RiskDefinition{
		RiskID:            riskID,
		Name:              riskID,
		Category:          models.CategoryCommercial,
		Rule:              models.DetectionRule{Type: models.RuleAttribute, Conditions: conds, ConfidenceThreshold: 0.5},
		SourceEntityTypes: models.StringArray{models.EntityTypeOpportunity},
		BaseWeight:        1.0,
		IsActive:          true,
	}
}

func TestEvalCondition(t *testing.T) {
	entity := testOpportunity(models.JSONB{
		"probability": 40.0,
		"value":       100000.0,
		"industry":    "Retail",
		"terms":       map[string]interface{}{"payment": "net-90"},
		"discount":    nil,
	})

	tests := []struct {
		name string
		cond models.RuleCondition
		want bool
	}{
		{"equals number", models.RuleCondition{Field: "probability", Operator: models.OpEquals, Value: 40.0}, true},
		{"equals number as string", models.RuleCondition{Field: "probability", Operator: models.OpEquals, Value: "40"}, true},
		{"equals string case-insensitive", models.RuleCondition{Field: "industry", Operator: models.OpEquals, Value: "retail"}, true},
		{"not equals", models.RuleCondition{Field: "industry", Operator: models.OpNotEquals, Value: "banking"}, true},
		{"greater than", models.RuleCondition{Field: "value", Operator: models.OpGreaterThan, Value: 50000.0}, true},
		{"less than false", models.RuleCondition{Field: "value", Operator: models.OpLessThan, Value: 50000.0}, false},
		{"contains on builtin field", models.RuleCondition{Field: "name", Operator: models.OpContains, Value: "acme"}, true},
		{"nested dot path", models.RuleCondition{Field: "terms.payment", Operator: models.OpEquals, Value: "net-90"}, true},
		{"nested path missing", models.RuleCondition{Field: "terms.currency", Operator: models.OpExists}, false},
		{"exists", models.RuleCondition{Field: "probability", Operator: models.OpExists}, true},
		{"not exists", models.RuleCondition{Field: "champion", Operator: models.OpNotExists}, true},
		{"is null on nil value", models.RuleCondition{Field: "discount", Operator: models.OpIsNull}, true},
		{"is not null on nil value", models.RuleCondition{Field: "discount", Operator: models.OpIsNotNull}, false},
		{"type mismatch is false not panic", models.RuleCondition{Field: "industry", Operator: models.OpGreaterThan, Value: 10.0}, false},
		{"unresolved path is false", models.RuleCondition{Field: "a.b.c", Operator: models.OpEquals, Value: 1.0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evalCondition(entity, tt.cond); got != tt.want {
				t.Errorf("evalCondition(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestRuleDetectorAttributeMatch(t *testing.T) {
	opp := testOpportunity(models.JSONB{"probability": 20.0})
	def := attrDefinition("low_probability",
		models.RuleCondition{Field: "probability", Operator: models.OpLessThan, Value: 30.0})

	in := &Input{
		TenantID: "t1",
		Eval:     &gather.EvaluationContext{Opportunity: opp},
		Catalog:  []models.RiskDefinition{def},
	}

	res := NewRuleDetector(nil).Detect(context.Background(), in)
	if !res.Available {
		t.Fatal("rule detector must always be available")
	}
	if len(res.Risks) != 1 {
		t.Fatalf("got %d risks, want 1", len(res.Risks))
	}

	risk := res.Risks[0]
	if risk.Confidence != 0.7 {
		t.Errorf("attribute match confidence = %v, want 0.7", risk.Confidence)
	}
	if risk.Method != models.MethodRule {
		t.Errorf("method = %v, want rule", risk.Method)
	}
	if !risk.Explanation.IsStructured() {
		t.Error("rule detections must carry a structured explanation")
	}
	if got := risk.SourceEntityIDs; len(got) != 1 || got[0] != opp.ID.String() {
		t.Errorf("source ids = %v, want [%s]", got, opp.ID)
	}
}

func TestRuleDetectorRelationshipMatch(t *testing.T) {
	opp := testOpportunity(nil)
	contact := models.Entity{
		ID:         uuid.New(),
		EntityType: "contact",
		Name:       "Jordan",
		Attributes: models.JSONB{"role": "blocker"},
	}

	def := models.RiskDefinition{
		RiskID:   "hostile_stakeholder",
		Name:     "Hostile stakeholder",
		Category: models.CategoryCommercial,
		Rule: models.DetectionRule{
			Type:                models.RuleRelationship,
			Conditions:          []models.RuleCondition{{Field: "role", Operator: models.OpEquals, Value: "blocker"}},
			ConfidenceThreshold: 0.7,
		},
		SourceEntityTypes: models.StringArray{"contact"},
		IsActive:          true,
		BaseWeight:        1.0,
	}

	in := &Input{
		TenantID: "t1",
		Eval:     &gather.EvaluationContext{Opportunity: opp, Related: []models.Entity{contact}},
		Catalog:  []models.RiskDefinition{def},
	}

	res := NewRuleDetector(nil).Detect(context.Background(), in)
	if len(res.Risks) != 1 {
		t.Fatalf("got %d risks, want 1", len(res.Risks))
	}
	if res.Risks[0].Confidence != 0.8 {
		t.Errorf("relationship match confidence = %v, want 0.8", res.Risks[0].Confidence)
	}
	if got := res.Risks[0].SourceEntityIDs; len(got) != 1 || got[0] != contact.ID.String() {
		t.Errorf("source ids = %v, want the matching contact", got)
	}
}

func TestRuleDetectorSkips(t *testing.T) {
	opp := testOpportunity(models.JSONB{"probability": 20.0})

	inactive := attrDefinition("inactive",
		models.RuleCondition{Field: "probability", Operator: models.OpLessThan, Value: 30.0})
	inactive.IsActive = false

	highThreshold := attrDefinition("needs_corroboration",
		models.RuleCondition{Field: "probability", Operator: models.OpLessThan, Value: 30.0})
	highThreshold.Rule.ConfidenceThreshold = 0.8

	relNoEntities := attrDefinition("no_related")
	relNoEntities.Rule = models.DetectionRule{
		Type:                models.RuleRelationship,
		Conditions:          []models.RuleCondition{{Field: "role", Operator: models.OpExists}},
		ConfidenceThreshold: 0.5,
	}
	relNoEntities.SourceEntityTypes = models.StringArray{"contact"}

	in := &Input{
		TenantID: "t1",
		Eval:     &gather.EvaluationContext{Opportunity: opp},
		Catalog:  []models.RiskDefinition{inactive, highThreshold, relNoEntities},
	}

	res := NewRuleDetector(nil).Detect(context.Background(), in)
	if len(res.Risks) != 0 {
		t.Fatalf("got %d risks, want none: %+v", len(res.Risks), res.Risks)
	}
}
