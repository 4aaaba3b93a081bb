package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jSink projects extracted graphs into Neo4j so external graph tooling
// can traverse them. Entity node ids are namespaced by book.
type Neo4jSink struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jSink(driver neo4j.DriverWithContext) *Neo4jSink {
	return &Neo4jSink{driver: driver}
}

func (s *Neo4jSink) SyncGraph(ctx context.Context, g Graph) error {
	if s.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (b:Book {id: $book_id})
			SET b.content_hash = $hash,
			    b.updated_at = datetime()
		`, map[string]any{"book_id": g.BookID, "hash": g.ContentHash}); err != nil {
			return nil, fmt.Errorf("upsert book node: %w", err)
		}

		// Re-extraction replaces the book's whole subgraph.
		if _, err := tx.Run(ctx, `
			MATCH (b:Book {id: $book_id})-[:HAS_ENTITY]->(e:Entity)
			DETACH DELETE e
		`, map[string]any{"book_id": g.BookID}); err != nil {
			return nil, fmt.Errorf("clear existing entities: %w", err)
		}

		for _, entity := range g.Entities {
			if _, err := tx.Run(ctx, `
				MATCH (b:Book {id: $book_id})
				MERGE (e:Entity {id: $id})
				SET e.name = $name,
				    e.type = $type,
				    e.description = $description,
				    e.importance = $importance
				MERGE (b)-[:HAS_ENTITY]->(e)
			`, map[string]any{
				"book_id":     g.BookID,
				"id":          g.BookID + ":" + entity.ID,
				"name":        entity.Name,
				"type":        entity.Type,
				"description": entity.Description,
				"importance":  entity.Importance,
			}); err != nil {
				return nil, fmt.Errorf("upsert entity %s: %w", entity.ID, err)
			}
		}

		for _, rel := range g.Relationships {
			if _, err := tx.Run(ctx, `
				MATCH (src:Entity {id: $source}), (dst:Entity {id: $target})
				MERGE (src)-[r:RELATES_TO {type: $type}]->(dst)
				SET r.strength = $strength,
				    r.description = $description
			`, map[string]any{
				"source":      g.BookID + ":" + rel.SourceID,
				"target":      g.BookID + ":" + rel.TargetID,
				"type":        rel.Type,
				"strength":    rel.Strength,
				"description": rel.Description,
			}); err != nil {
				return nil, fmt.Errorf("upsert relationship %s -> %s: %w", rel.SourceID, rel.TargetID, err)
			}
		}

		return nil, nil
	})

	return err
}

var _ Sink = (*Neo4jSink)(nil)
