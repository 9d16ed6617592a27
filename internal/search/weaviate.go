package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// EntityClassName is the weaviate class indexing platform entities
const EntityClassName = "BusinessEntity"

// WeaviateSearcher implements Searcher on a weaviate nearText query
type WeaviateSearcher struct {
	client *weaviate.Client
	logger *slog.Logger
}

type WeaviateConfig struct {
	Host   string
	Scheme string
	APIKey string
}

func NewWeaviateSearcher(cfg WeaviateConfig, logger *slog.Logger) (*WeaviateSearcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	wcfg := weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}

	return &WeaviateSearcher{client: client, logger: logger}, nil
}

// Available reports whether the weaviate instance answers a readiness probe
func (w *WeaviateSearcher) Available(ctx context.Context) bool {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		w.logger.Debug("weaviate readiness check failed", "error", err)
		return false
	}
	return ready
}

// Search runs a nearText similarity query scoped to a tenant
func (w *WeaviateSearcher) Search(ctx context.Context, query string, filter Filter, topK int, minScore float64) ([]ScoredEntity, error) {
	if topK <= 0 {
		topK = 10
	}

	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"tenantId"}).
			WithOperator(filters.Equal).
			WithValueString(filter.TenantID),
	}

	if len(filter.EntityTypes) == 1 {
		operands = append(operands, filters.Where().
			WithPath([]string{"entityType"}).
			WithOperator(filters.Equal).
			WithValueString(filter.EntityTypes[0]))
	} else if len(filter.EntityTypes) > 1 {
		var typeOps []*filters.WhereBuilder
		for _, t := range filter.EntityTypes {
			typeOps = append(typeOps, filters.Where().
				WithPath([]string{"entityType"}).
				WithOperator(filters.Equal).
				WithValueString(t))
		}
		operands = append(operands, filters.Where().
			WithOperator(filters.Or).
			WithOperands(typeOps))
	}

	if filter.ClosedOnly {
		operands = append(operands, filters.Where().
			WithPath([]string{"closed"}).
			WithOperator(filters.Equal).
			WithValueBoolean(true))
	}

	whereFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)

	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "entityId"},
		{Name: "entityType"},
		{Name: "name"},
		{Name: "description"},
		{Name: "content"},
		{Name: "stage"},
		{Name: "riskIds"},
		{Name: "_additional { certainty }"},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(EntityClassName).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithNearText(nearText).
		WithLimit(topK + len(filter.ExcludeIDs)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("similarity query: %s", result.Errors[0].Message)
	}

	excluded := make(map[uuid.UUID]bool, len(filter.ExcludeIDs))
	for _, id := range filter.ExcludeIDs {
		excluded[id] = true
	}

	matches := parseResults(result.Data, minScore)

	out := make([]ScoredEntity, 0, topK)
	for _, m := range matches {
		if excluded[m.EntityID] {
			continue
		}
		out = append(out, m)
		if len(out) == topK {
			break
		}
	}

	w.logger.Debug("similarity search complete",
		"query_len", len(query),
		"tenant", filter.TenantID,
		"matches", len(out))

	return out, nil
}

func parseResults(data map[string]models.JSONObject, minScore float64) []ScoredEntity {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	items, ok := get[EntityClassName].([]interface{})
	if !ok {
		return nil
	}

	var out []ScoredEntity
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		var match ScoredEntity
		if s, ok := obj["entityId"].(string); ok {
			id, err := uuid.Parse(s)
			if err != nil {
				continue
			}
			match.EntityID = id
		}
		match.EntityType, _ = obj["entityType"].(string)
		match.Name, _ = obj["name"].(string)
		match.Description, _ = obj["description"].(string)
		match.Content, _ = obj["content"].(string)
		match.Stage, _ = obj["stage"].(string)

		if raw, ok := obj["riskIds"].([]interface{}); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					match.RiskIDs = append(match.RiskIDs, s)
				}
			}
		}

		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			if c, ok := add["certainty"].(float64); ok {
				match.Score = c
			}
		}

		if match.Score < minScore {
			continue
		}
		out = append(out, match)
	}

	return out
}
