package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/inkwell-ai/inkwell/embeddings"
)

// PgvectorIndex searches chunk embeddings in Postgres, embedding the query
// text on the way in.
type PgvectorIndex struct {
	pool     *pgxpool.Pool
	embedder embeddings.Embedder
}

func NewPgvectorIndex(pool *pgxpool.Pool, embedder embeddings.Embedder) *PgvectorIndex {
	return &PgvectorIndex{pool: pool, embedder: embedder}
}

func (s *PgvectorIndex) Search(ctx context.Context, bookID, query string, topK int) ([]Hit, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if s.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	if topK <= 0 {
		topK = 10
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := topK
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
        SELECT id, (embedding <-> $1::vector) AS distance
        FROM book_chunks
        WHERE book_id = $2
        ORDER BY embedding <-> $1::vector
        LIMIT $3
    `, pgvector.NewVector(vectors[0]), bookID, topK)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, topK)
	for rows.Next() {
		var hit Hit
		var distance float64
		if scanErr := rows.Scan(&hit.ChunkID, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		hit.Score = 1 / (1 + distance)
		hits = append(hits, hit)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return hits, nil
}

var _ VectorIndex = (*PgvectorIndex)(nil)
