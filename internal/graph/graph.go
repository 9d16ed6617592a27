package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Direction selects which end of a relationship the queried entity sits on
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Edge is one explicit link between two entities
type Edge struct {
	SourceID uuid.UUID
	TargetID uuid.UUID
	Relation string
}

// Graph stores explicit entity-to-entity links in neo4j. Entities
// themselves live in Postgres; the graph holds only ids, type tags and
// relation labels.
type Graph struct {
	driver neo4j.DriverWithContext
}

type Config struct {
	URI      string
	Username string
	Password string
}

func New(cfg Config) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	g := &Graph{driver: driver}

	if err := g.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return g, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) createIndexes(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Entity) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Entity) ON (n.tenantId)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Entity) ON (n.entityType)",
	}

	for _, idx := range indexes {
		_, err := session.Run(ctx, idx, nil)
		if err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

// UpsertEntity registers an entity node. Attributes stay in Postgres; the
// graph only needs the identity and type tag for traversal.
func (g *Graph) UpsertEntity(ctx context.Context, tenantID string, id uuid.UUID, entityType, name string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (e:Entity {id: $id})
		SET e.tenantId = $tenantId,
			e.entityType = $entityType,
			e.name = $name
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":         id.String(),
		"tenantId":   tenantID,
		"entityType": entityType,
		"name":       name,
	})

	return err
}

// Link creates an explicit relationship between two entities
func (g *Graph) Link(ctx context.Context, tenantID string, edge Edge) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (a:Entity {id: $sourceId, tenantId: $tenantId})
		MATCH (b:Entity {id: $targetId, tenantId: $tenantId})
		MERGE (a)-[r:LINKED_TO]->(b)
		SET r.relation = $relation
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"sourceId": edge.SourceID.String(),
		"targetId": edge.TargetID.String(),
		"tenantId": tenantID,
		"relation": edge.Relation,
	})

	return err
}

// Unlink removes an explicit relationship
func (g *Graph) Unlink(ctx context.Context, tenantID string, sourceID, targetID uuid.UUID) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (a:Entity {id: $sourceId, tenantId: $tenantId})-[r:LINKED_TO]->(b:Entity {id: $targetId})
		DELETE r
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"sourceId": sourceID.String(),
		"targetId": targetID.String(),
		"tenantId": tenantID,
	})

	return err
}

// RelatedIDs returns the ids of entities explicitly linked to the given
// entity, optionally filtered by entity type.
func (g *Graph) RelatedIDs(ctx context.Context, tenantID string, id uuid.UUID, dir Direction, typeFilter []string) ([]uuid.UUID, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	var pattern string
	switch dir {
	case DirectionOut:
		pattern = "(e)-[:LINKED_TO]->(other)"
	case DirectionIn:
		pattern = "(e)<-[:LINKED_TO]-(other)"
	default:
		pattern = "(e)-[:LINKED_TO]-(other)"
	}

	query := fmt.Sprintf(`
		MATCH (e:Entity {id: $id, tenantId: $tenantId})
		MATCH %s
		WHERE size($types) = 0 OR other.entityType IN $types
		RETURN DISTINCT other.id AS id
	`, pattern)

	if typeFilter == nil {
		typeFilter = []string{}
	}

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":       id.String(),
		"tenantId": tenantID,
		"types":    typeFilter,
	})
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for result.Next(ctx) {
		record := result.Record()
		raw, ok := record.Get("id")
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		parsed, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		ids = append(ids, parsed)
	}

	return ids, result.Err()
}
