package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/inkwell-ai/inkwell/database"
	"github.com/inkwell-ai/inkwell/embeddings"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

type Service struct {
	pool      *pgxpool.Pool
	embedder  embeddings.Embedder
	logger    *log.Logger
	dimension int
}

func NewService(pool *pgxpool.Pool, embedder embeddings.Embedder, logger *log.Logger, dimension int) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		pool:      pool,
		embedder:  embedder,
		logger:    logger,
		dimension: dimension,
	}
}

// IngestDirectory loads every supported book file under dir. Per-file
// failures are logged and skipped so one corrupt file cannot block a library.
func (s *Service) IngestDirectory(ctx context.Context, dir string) error {
	if s.embedder == nil {
		return fmt.Errorf("embedder not configured")
	}
	if err := database.EnsureBookSchema(ctx, s.pool, s.dimension); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("data directory: %w", err)
	}

	entries := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(path) != FormatUnknown {
			entries = append(entries, path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk data directory: %w", err)
	}

	if len(entries) == 0 {
		s.logger.Printf("no book files found in %s", dir)
		return nil
	}

	for _, path := range entries {
		if err := s.IngestFile(ctx, path); err != nil {
			s.logger.Printf("ingest failed for %s: %v", path, err)
		}
	}

	return nil
}

// IngestFile loads one book. Unchanged books (same sha256) are skipped;
// changed books have their chunk set replaced in a single transaction so
// readers never observe a half-ingested book.
func (s *Service) IngestFile(ctx context.Context, path string) (err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	format := DetectFormat(path)
	title, content, err := parseBook(format, data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	author, fileTitle := splitFilename(path)
	if title == "" {
		title = fileTitle
	}

	bookID := Slug(title)
	if bookID == "" {
		return fmt.Errorf("cannot derive a book id from %s", path)
	}

	hash := sha256.Sum256(data)
	hashHex := hex.EncodeToString(hash[:])

	chunks := ChunkText(content, defaultChunkSize, defaultChunkOverlap)
	if len(chunks) == 0 {
		s.logger.Printf("skip empty book %s", path)
		return nil
	}

	changed, err := s.bookChanged(ctx, bookID, hashHex)
	if err != nil {
		return err
	}
	if !changed {
		s.logger.Printf("no updates required for %s", bookID)
		return nil
	}

	vectors, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return fmt.Errorf("generate embeddings: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO books (id, title, author, genre, source_path, sha256, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, '', $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
		    author = EXCLUDED.author,
		    source_path = EXCLUDED.source_path,
		    sha256 = EXCLUDED.sha256,
		    chunk_count = EXCLUDED.chunk_count,
		    updated_at = NOW()
	`, bookID, title, author, filepath.ToSlash(path), hashHex, len(chunks)); err != nil {
		return fmt.Errorf("upsert book: %w", err)
	}

	if _, err = tx.Exec(ctx, "DELETE FROM book_chunks WHERE book_id = $1", bookID); err != nil {
		return fmt.Errorf("clear existing chunks: %w", err)
	}

	for idx, text := range chunks {
		if _, err = tx.Exec(ctx, `
			INSERT INTO book_chunks (id, book_id, position, content, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, uuid.New(), bookID, idx, text, pgvector.NewVector(vectors[idx])); err != nil {
			return fmt.Errorf("insert chunk %d: %w", idx, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Printf("ingested %s (%d chunks)", bookID, len(chunks))
	return nil
}

func (s *Service) bookChanged(ctx context.Context, bookID, sha string) (bool, error) {
	var existing string
	err := s.pool.QueryRow(ctx, "SELECT sha256 FROM books WHERE id = $1", bookID).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("query book: %w", err)
	}
	return existing != sha, nil
}

func (s *Service) embedChunks(ctx context.Context, chunks []string) ([][]float32, error) {
	vectors, err := s.embedder.Embed(ctx, chunks)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(chunks), len(vectors))
	}
	return vectors, nil
}

// splitFilename parses an "Author - Title.ext" filename convention, returning
// an empty author when the convention is not used.
func splitFilename(path string) (author, title string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if before, after, found := strings.Cut(base, " - "); found {
		return strings.TrimSpace(before), strings.TrimSpace(after)
	}
	return "", base
}

// Slug derives a stable book id from a title: lowercase, alphanumeric runs
// joined by single hyphens.
func Slug(title string) string {
	var sb strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				sb.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(sb.String(), "-")
}
