// Package store exposes the read-only book catalog and the book-scoped
// vector index the retrieval layer searches against.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrBookNotFound = errors.New("book not found")

// Book is immutable once ingested.
type Book struct {
	ID         string
	Title      string
	Author     string
	Genre      string
	ChunkCount int
}

// Chunk is the atomic unit of retrieval. Position is the chunk's ordinal
// within its book.
type Chunk struct {
	ID       string
	BookID   string
	Position int
	Text     string
}

// Hit is one similarity-search result. Higher scores are better.
type Hit struct {
	ChunkID string
	Score   float64
}

type BookStore interface {
	ListBooks(ctx context.Context) ([]Book, error)
	GetBook(ctx context.Context, bookID string) (Book, error)
	BookChunks(ctx context.Context, bookID string) ([]Chunk, error)
	ChunksByID(ctx context.Context, bookID string, chunkIDs []string) (map[string]Chunk, error)
}

// VectorIndex is the similarity index boundary. Search must scope results to
// a single book.
type VectorIndex interface {
	Search(ctx context.Context, bookID, query string, topK int) ([]Hit, error)
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, COALESCE(author, ''), COALESCE(genre, ''), chunk_count
		FROM books
		ORDER BY title
	`)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	books := make([]Book, 0)
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.Genre, &b.ChunkCount); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return books, nil
}

func (s *PostgresStore) GetBook(ctx context.Context, bookID string) (Book, error) {
	var b Book
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, COALESCE(author, ''), COALESCE(genre, ''), chunk_count
		FROM books
		WHERE id = $1
	`, bookID).Scan(&b.ID, &b.Title, &b.Author, &b.Genre, &b.ChunkCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Book{}, fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
		}
		return Book{}, fmt.Errorf("query book %s: %w", bookID, err)
	}
	return b, nil
}

func (s *PostgresStore) BookChunks(ctx context.Context, bookID string) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, book_id, position, content
		FROM book_chunks
		WHERE book_id = $1
		ORDER BY position
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("query chunks for %s: %w", bookID, err)
	}
	defer rows.Close()

	chunks := make([]Chunk, 0)
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.BookID, &c.Position, &c.Text); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return chunks, nil
}

func (s *PostgresStore) ChunksByID(ctx context.Context, bookID string, chunkIDs []string) (map[string]Chunk, error) {
	if len(chunkIDs) == 0 {
		return map[string]Chunk{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, book_id, position, content
		FROM book_chunks
		WHERE book_id = $1 AND id = ANY($2)
	`, bookID, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("query chunks by id: %w", err)
	}
	defer rows.Close()

	chunks := make(map[string]Chunk, len(chunkIDs))
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.BookID, &c.Position, &c.Text); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks[c.ID] = c
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return chunks, nil
}

var _ BookStore = (*PostgresStore)(nil)
