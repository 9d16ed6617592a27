package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dealscope/riskengine/internal/models"
)

// Confidence assigned per match kind. Corroboration from a related entity
// is stronger evidence than a self-reported attribute.
const (
	ruleBaseConfidence         = 0.5
	ruleAttributeConfidence    = 0.7
	ruleRelationshipConfidence = 0.8
)

// RuleDetector evaluates catalog detection rules deterministically against
// the opportunity and its related entities. It always runs and never fails
// the evaluation: unresolved paths and type mismatches evaluate to false.
type RuleDetector struct {
	logger *slog.Logger
}

func NewRuleDetector(logger *slog.Logger) *RuleDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleDetector{logger: logger}
}

func (d *RuleDetector) Method() models.DetectionMethod {
	return models.MethodRule
}

func (d *RuleDetector) Detect(ctx context.Context, in *Input) Result {
	res := Result{Method: models.MethodRule, Available: true}

	relatedTypes := in.Eval.RelatedTypes()

	for i := range in.Catalog {
		def := &in.Catalog[i]
		if !def.IsActive || len(def.Rule.Conditions) == 0 {
			continue
		}

		// A relationship rule only applies when at least one related
		// entity of an inspectable type is present; attribute rules
		// always inspect the opportunity itself.
		if def.Rule.Type == models.RuleRelationship {
			applies := false
			for t := range relatedTypes {
				if def.AppliesTo(t) {
					applies = true
					break
				}
			}
			if !applies {
				continue
			}
		}

		risk, ok := d.evaluateRule(def, in)
		if ok {
			res.Risks = append(res.Risks, risk)
		}

		if ctx.Err() != nil {
			break
		}
	}

	return res
}

// evaluateRule checks one definition and builds the detected risk when the
// confidence threshold is met
func (d *RuleDetector) evaluateRule(def *models.RiskDefinition, in *Input) (models.DetectedRisk, bool) {
	var (
		confidence = ruleBaseConfidence
		matched    []string
		sourceIDs  []string
		anyMatch   bool
	)

	switch def.Rule.Type {
	case models.RuleRelationship:
		for i := range in.Eval.Related {
			rel := &in.Eval.Related[i]
			if !def.AppliesTo(rel.EntityType) {
				continue
			}
			for _, cond := range def.Rule.Conditions {
				if evalCondition(rel, cond) {
					anyMatch = true
					confidence = ruleRelationshipConfidence
					matched = append(matched, conditionLabel(cond))
					sourceIDs = appendUnique(sourceIDs, rel.ID.String())
				}
			}
		}
	default:
		for _, cond := range def.Rule.Conditions {
			if evalCondition(in.Eval.Opportunity, cond) {
				anyMatch = true
				confidence = ruleAttributeConfidence
				matched = append(matched, conditionLabel(cond))
			}
		}
		if anyMatch {
			sourceIDs = []string{in.Eval.Opportunity.ID.String()}
		}
	}

	if !anyMatch || confidence < def.Rule.ConfidenceThreshold {
		return models.DetectedRisk{}, false
	}

	expl := models.Explanation{Structured: &models.StructuredExplanation{
		Method:       models.MethodRule,
		Reasoning:    renderTemplate(def, in.Eval.Opportunity),
		MatchedRules: matched,
		Confidence:   confidence,
	}}

	return newRisk(def, models.MethodRule, in.WeightFor(def), confidence, expl, sourceIDs), true
}

// evalCondition applies one condition against an entity. Any lookup or
// comparison failure evaluates to false, never to an error.
func evalCondition(entity *models.Entity, cond models.RuleCondition) bool {
	value, found := lookupPath(entity, cond.Field)

	switch cond.Operator {
	case models.OpExists, models.OpIsNotNull:
		return found && value != nil
	case models.OpNotExists:
		return !found
	case models.OpIsNull:
		return !found || value == nil
	}

	if !found {
		return false
	}

	switch cond.Operator {
	case models.OpEquals:
		return looseEqual(value, cond.Value)
	case models.OpNotEquals:
		return !looseEqual(value, cond.Value)
	case models.OpGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case models.OpLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	case models.OpContains:
		s, ok := value.(string)
		sub, ok2 := cond.Value.(string)
		return ok && ok2 && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	default:
		return false
	}
}

// lookupPath resolves a dot-path against an entity. Top-level segments may
// address the built-in fields; everything else walks the attribute map.
func lookupPath(entity *models.Entity, path string) (interface{}, bool) {
	if entity == nil || path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")

	var current interface{}
	switch segments[0] {
	case "name":
		current = entity.Name
	case "description":
		current = entity.Description
	case "stage":
		current = entity.Stage
	case "entity_type":
		current = entity.EntityType
	default:
		if entity.Attributes == nil {
			return nil, false
		}
		v, ok := entity.Attributes[segments[0]]
		if !ok {
			return nil, false
		}
		current = v
	}

	for _, seg := range segments[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// looseEqual compares values across the numeric/string boundary so rules
// written as `"probability" equals "40"` still match numeric attributes
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(as, bs)
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func conditionLabel(cond models.RuleCondition) string {
	if cond.Value != nil {
		return fmt.Sprintf("%s %s %v", cond.Field, cond.Operator, cond.Value)
	}
	return fmt.Sprintf("%s %s", cond.Field, cond.Operator)
}

// renderTemplate fills {name} and {stage} placeholders in a definition's
// explanation template, falling back to the definition name
func renderTemplate(def *models.RiskDefinition, opp *models.Entity) string {
	if def.ExplanationTemplate == "" {
		return def.Name
	}
	r := strings.NewReplacer(
		"{name}", opp.Name,
		"{stage}", opp.Stage,
	)
	return r.Replace(def.ExplanationTemplate)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
