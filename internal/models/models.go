package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

// RiskCategory classifies a risk definition
type RiskCategory string

const (
	CategoryCommercial  RiskCategory = "COMMERCIAL"
	CategoryTechnical   RiskCategory = "TECHNICAL"
	CategoryLegal       RiskCategory = "LEGAL"
	CategoryFinancial   RiskCategory = "FINANCIAL"
	CategoryCompetitive RiskCategory = "COMPETITIVE"
	CategoryOperational RiskCategory = "OPERATIONAL"
)

// AllCategories returns every risk category in a stable order
func AllCategories() []RiskCategory {
	return []RiskCategory{
		CategoryCommercial,
		CategoryTechnical,
		CategoryLegal,
		CategoryFinancial,
		CategoryCompetitive,
		CategoryOperational,
	}
}

// ParseCategory resolves a category from free text, defaulting to operational
func ParseCategory(s string) RiskCategory {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMMERCIAL":
		return CategoryCommercial
	case "TECHNICAL":
		return CategoryTechnical
	case "LEGAL":
		return CategoryLegal
	case "FINANCIAL":
		return CategoryFinancial
	case "COMPETITIVE":
		return CategoryCompetitive
	default:
		return CategoryOperational
	}
}

// DetectionMethod identifies which detector produced a risk
type DetectionMethod string

const (
	MethodRule       DetectionMethod = "rule"
	MethodHistorical DetectionMethod = "historical"
	MethodSemantic   DetectionMethod = "semantic"
	MethodAI         DetectionMethod = "ai"
)

// LifecycleState tracks a detected risk through review
type LifecycleState string

const (
	RiskIdentified LifecycleState = "identified"
	RiskConfirmed  LifecycleState = "confirmed"
	RiskDismissed  LifecycleState = "dismissed"
)

// TrustLevel is a coarse reliability label for an evaluation
type TrustLevel string

const (
	TrustHigh       TrustLevel = "high"
	TrustMedium     TrustLevel = "medium"
	TrustLow        TrustLevel = "low"
	TrustUnreliable TrustLevel = "unreliable"
)

// Outcome is the terminal state of an opportunity
type Outcome string

const (
	OutcomeWon  Outcome = "won"
	OutcomeLost Outcome = "lost"
)

// JSONB handles Postgres jsonb columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, j)
}

// Entity is a generic persisted record (a "shard"): a type tag plus
// structured attributes. Opportunities, contacts, competitors and documents
// are all entities distinguished by EntityType.
type Entity struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	EntityType  string     `json:"entity_type" db:"entity_type"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Stage       string     `json:"stage,omitempty" db:"stage"`
	Attributes  JSONB      `json:"attributes" db:"attributes"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// EntityTypeOpportunity is the entity type evaluated for risk
const EntityTypeOpportunity = "opportunity"

// FloatAttr reads a numeric attribute, tolerating json.Number-style values
func (e *Entity) FloatAttr(key string) (float64, bool) {
	if e.Attributes == nil {
		return 0, false
	}
	switch v := e.Attributes[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// StringAttr reads a string attribute
func (e *Entity) StringAttr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	s, _ := e.Attributes[key].(string)
	return s
}

// RuleType selects what a detection rule inspects
type RuleType string

const (
	RuleAttribute    RuleType = "attribute"
	RuleRelationship RuleType = "relationship"
)

// ConditionOperator is a comparison applied during rule evaluation
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpContains    ConditionOperator = "contains"
	OpIsNull      ConditionOperator = "is_null"
	OpIsNotNull   ConditionOperator = "is_not_null"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not_exists"
)

// RuleCondition is one leaf of a detection rule's condition tree.
// Field is a dot-path into entity attributes.
type RuleCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    interface{}       `json:"value,omitempty"`
}

// DetectionRule is the typed condition spec attached to a risk definition
type DetectionRule struct {
	Type                RuleType        `json:"type"`
	Conditions          []RuleCondition `json:"conditions"`
	ConfidenceThreshold float64         `json:"confidence_threshold"`
}

// RiskDefinition is one catalog entry. Immutable per version; the resolved
// weight (ponderation) may be overridden per tenant/industry/deal size.
type RiskDefinition struct {
	RiskID              string        `json:"risk_id" db:"risk_id"`
	Name                string        `json:"name" db:"name"`
	Description         string        `json:"description" db:"description"`
	Category            RiskCategory  `json:"category" db:"category"`
	Rule                DetectionRule `json:"detection_rule" db:"-"`
	SourceEntityTypes   StringArray   `json:"source_entity_types" db:"source_entity_types"`
	BaseWeight          float64       `json:"base_weight" db:"base_weight"`
	ExplanationTemplate string        `json:"explanation_template" db:"explanation_template"`
	IsActive            bool          `json:"is_active" db:"is_active"`
	Version             int           `json:"version" db:"version"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
}

// AppliesTo reports whether the definition may inspect the given entity type
func (d *RiskDefinition) AppliesTo(entityType string) bool {
	for _, t := range d.SourceEntityTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

// Explanation is the tagged union carried by a detected risk: either a
// structured evidence record or a legacy free-text string. Exactly one of
// Structured/Legacy is set.
type Explanation struct {
	Structured *StructuredExplanation `json:"structured,omitempty"`
	Legacy     string                 `json:"legacy,omitempty"`
}

// StructuredExplanation records how a risk was detected
type StructuredExplanation struct {
	Method       DetectionMethod `json:"method"`
	Reasoning    string          `json:"reasoning,omitempty"`
	MatchedRules []string        `json:"matched_rules,omitempty"`
	PatternRefs  []string        `json:"pattern_refs,omitempty"`
	SemanticRefs []string        `json:"semantic_refs,omitempty"`
	Confidence   float64         `json:"confidence"`
}

// IsStructured reports whether the explanation carries structured evidence
func (e Explanation) IsStructured() bool {
	return e.Structured != nil
}

// Text renders the explanation for display
func (e Explanation) Text() string {
	if e.Structured != nil {
		return e.Structured.Reasoning
	}
	return e.Legacy
}

// DetectedRisk is a fully formed detection result. A detector either emits a
// complete DetectedRisk or nothing for a given risk id; only the merge step
// mutates one afterwards.
type DetectedRisk struct {
	RiskID          string          `json:"risk_id"`
	RiskName        string          `json:"risk_name"`
	Category        RiskCategory    `json:"category"`
	Method          DetectionMethod `json:"method"`
	Weight          float64         `json:"weight"`
	Confidence      float64         `json:"confidence"`
	Contribution    float64         `json:"contribution"`
	Explanation     Explanation     `json:"explanation"`
	SourceEntityIDs []string        `json:"source_entity_ids,omitempty"`
	State           LifecycleState  `json:"lifecycle_state"`
}

// Assumptions captures evaluation metadata. Always present in a returned
// evaluation; Defaulted fills zero values so callers never see a nil report.
type Assumptions struct {
	Completeness        float64         `json:"completeness"`
	StalenessDays       int             `json:"staleness_days"`
	MissingRelated      []string        `json:"missing_related_entities,omitempty"`
	MissingFields       []string        `json:"missing_required_fields,omitempty"`
	DataQualityScore    float64         `json:"data_quality_score"`
	ServiceAvailability map[string]bool `json:"service_availability"`
	AIContextTokens     int             `json:"ai_context_tokens,omitempty"`
	AIContextTruncated  bool            `json:"ai_context_truncated,omitempty"`
	AIModelVersion      string          `json:"ai_model_version,omitempty"`
}

// Service availability keys used in Assumptions.ServiceAvailability
const (
	ServiceAI           = "ai"
	ServiceVectorSearch = "vector_search"
	ServiceHistorical   = "historical"
)

// Defaulted returns a copy with required maps populated
func (a Assumptions) Defaulted() Assumptions {
	if a.ServiceAvailability == nil {
		a.ServiceAvailability = map[string]bool{
			ServiceAI:           false,
			ServiceVectorSearch: false,
			ServiceHistorical:   false,
		}
	}
	return a
}

// ResolutionMethod names how a detection conflict was settled
type ResolutionMethod string

const (
	ResolveManual            ResolutionMethod = "manual"
	ResolveHighestConfidence ResolutionMethod = "highest_confidence"
	ResolveRulePriority      ResolutionMethod = "rule_priority"
	ResolveMerged            ResolutionMethod = "merged"
)

// Conflict records a confidence disagreement between two detection methods
// for the same risk. Ephemeral: it lives only in an evaluation's decision
// trail, never as its own persisted entity.
type Conflict struct {
	RiskID      string           `json:"risk_id"`
	Method1     DetectionMethod  `json:"method1"`
	Method2     DetectionMethod  `json:"method2"`
	Description string           `json:"description"`
	Resolution  string           `json:"resolution"`
	Method      ResolutionMethod `json:"resolution_method"`
}

// RiskEvaluation is the top-level evaluation artifact. One copy is embedded
// in the opportunity entity (latest wins); an immutable snapshot is appended
// per run.
type RiskEvaluation struct {
	OpportunityID  uuid.UUID                `json:"opportunity_id"`
	TenantID       string                   `json:"tenant_id"`
	EvaluatedAt    time.Time                `json:"evaluated_at"`
	GlobalScore    float64                  `json:"global_score"`
	CategoryScores map[RiskCategory]float64 `json:"category_scores"`
	RevenueAtRisk  float64                  `json:"revenue_at_risk"`
	Risks          []DetectedRisk           `json:"risks"`
	Conflicts      []Conflict               `json:"conflicts,omitempty"`
	Assumptions    Assumptions              `json:"assumptions"`
	TrustLevel     TrustLevel               `json:"trust_level,omitempty"`
	QualityScore   *float64                 `json:"quality_score,omitempty"`
}

// Snapshot is an immutable record of one evaluation run, appended to a time
// series for trend analysis. Never mutated or deleted by the engine.
type Snapshot struct {
	ID            uuid.UUID `json:"id" db:"id"`
	OpportunityID uuid.UUID `json:"opportunity_id" db:"opportunity_id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	TakenAt       time.Time `json:"taken_at" db:"taken_at"`
	GlobalScore   float64   `json:"global_score" db:"global_score"`
	RevenueAtRisk float64   `json:"revenue_at_risk" db:"revenue_at_risk"`
	Evaluation    JSONB     `json:"evaluation" db:"evaluation"`
}

// TrendPoint is one step of an evolution series
type TrendPoint struct {
	Date           time.Time                `json:"date"`
	GlobalScore    float64                  `json:"global_score"`
	CategoryScores map[RiskCategory]float64 `json:"category_scores"`
	RiskCount      int                      `json:"risk_count"`
}

// QualityGate is the outcome of the data quality check
type QualityGate string

const (
	GatePass  QualityGate = "pass"
	GateWarn  QualityGate = "warn"
	GateBlock QualityGate = "block"
)

// QualityReport summarizes the completeness of the evaluation context
type QualityReport struct {
	Gate           QualityGate `json:"gate"`
	Completeness   float64     `json:"completeness"`
	StalenessDays  int         `json:"staleness_days"`
	MissingRelated []string    `json:"missing_related_entities,omitempty"`
	MissingFields  []string    `json:"missing_required_fields,omitempty"`
	Score          float64     `json:"score"`
}

// AdaptiveWeights are per-method confidence multipliers for a tenant context
type AdaptiveWeights struct {
	Rules      float64 `json:"rules" db:"rules"`
	Historical float64 `json:"historical" db:"historical"`
	LLM        float64 `json:"llm" db:"llm"`
	ML         float64 `json:"ml" db:"ml"`
}

// DefaultAdaptiveWeights apply when no learned weights exist for a context
func DefaultAdaptiveWeights() AdaptiveWeights {
	return AdaptiveWeights{Rules: 1.0, Historical: 0.9, LLM: 0.8, ML: 0.9}
}

// ForMethod returns the weight associated with a detection method
func (w AdaptiveWeights) ForMethod(m DetectionMethod) float64 {
	switch m {
	case MethodRule:
		return w.Rules
	case MethodHistorical:
		return w.Historical
	case MethodAI:
		return w.LLM
	case MethodSemantic:
		return w.ML
	default:
		return 1.0
	}
}

// DealSizeBucket buckets an opportunity value for context keys
func DealSizeBucket(value float64) string {
	switch {
	case value < 50_000:
		return "small"
	case value < 500_000:
		return "medium"
	default:
		return "large"
	}
}

// ContextKey derives the deterministic adaptive-weight key for an
// opportunity. Empty segments collapse to "all".
func ContextKey(industry string, dealValue float64, stage string) string {
	seg := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return "all"
		}
		return s
	}
	return seg(industry) + ":" + DealSizeBucket(dealValue) + ":" + seg(stage)
}
