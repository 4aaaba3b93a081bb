// Package analyzer builds durable whole-book knowledge: a one-time deep
// analysis of each book from a sampled subset of its chunks, cached by
// content hash so repeat calls cost nothing.
package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inkwell-ai/inkwell/cache"
	"github.com/inkwell-ai/inkwell/llm"
	"github.com/inkwell-ai/inkwell/store"
)

// ErrBuildFailed marks a completion-service failure while building an
// analysis. Failed builds are surfaced, never cached.
var ErrBuildFailed = errors.New("analysis build failed")

const (
	artifactKind        = "analysis"
	defaultSampleTarget = 200
)

// Character is one entry of the analyzed character roster.
type Character struct {
	Name          string   `json:"name"`
	Traits        []string `json:"traits"`
	Arc           string   `json:"arc"`
	Relationships []string `json:"relationships"`
}

// Analysis is the durable per-book record. It is never mutated in place; a
// changed chunk set produces a new record under a new content hash.
type Analysis struct {
	BookID         string      `json:"book_id"`
	Title          string      `json:"title"`
	Summary        string      `json:"summary"`
	Characters     []Character `json:"characters"`
	PlotAnalysis   string      `json:"plot_analysis"`
	ContentHash    string      `json:"content_hash"`
	CreatedAt      time.Time   `json:"created_at"`
	ChunksAnalyzed int         `json:"chunks_analyzed"`
	TotalChunks    int         `json:"total_chunks"`
}

// CharacterNames lists the roster names, used by the character-directed
// retrieval pass.
func (a Analysis) CharacterNames() []string {
	names := make([]string, 0, len(a.Characters))
	for _, c := range a.Characters {
		if c.Name != "" {
			names = append(names, c.Name)
		}
	}
	return names
}

type Analyzer struct {
	books        store.BookStore
	cache        *cache.Store
	llm          llm.Client
	logger       *log.Logger
	sampleTarget int
	group        singleflight.Group
}

func New(books store.BookStore, cacheStore *cache.Store, llmClient llm.Client, logger *log.Logger) *Analyzer {
	if logger == nil {
		logger = log.Default()
	}

	return &Analyzer{
		books:        books,
		cache:        cacheStore,
		llm:          llmClient,
		logger:       logger,
		sampleTarget: defaultSampleTarget,
	}
}

// Analyze returns the book's analysis record, recomputing it only when no
// fresh cached record matches the current chunk set. Concurrent calls for the
// same (book, content hash) fingerprint share a single build.
func (a *Analyzer) Analyze(ctx context.Context, bookID string) (Analysis, error) {
	book, err := a.books.GetBook(ctx, bookID)
	if err != nil {
		return Analysis{}, err
	}

	chunks, err := a.books.BookChunks(ctx, bookID)
	if err != nil {
		return Analysis{}, fmt.Errorf("load chunks for %s: %w", bookID, err)
	}
	if len(chunks) == 0 {
		return Analysis{}, fmt.Errorf("book %s has no chunks", bookID)
	}

	sample := SampleChunks(chunks, a.sampleTarget)
	hash := ContentHash(sample)

	if record, ok := a.cached(bookID, hash); ok {
		return record, nil
	}

	fingerprint := bookID + ":" + hash
	result, err, _ := a.group.Do(fingerprint, func() (any, error) {
		// A build that finished while this caller was queued satisfies it.
		if record, ok := a.cached(bookID, hash); ok {
			return record, nil
		}
		return a.build(ctx, book, sample, hash, len(chunks))
	})
	if err != nil {
		return Analysis{}, err
	}

	return result.(Analysis), nil
}

// Cached returns the fresh cached analysis for the book's current chunk set,
// without ever triggering a build.
func (a *Analyzer) Cached(ctx context.Context, bookID string) (Analysis, bool) {
	chunks, err := a.books.BookChunks(ctx, bookID)
	if err != nil || len(chunks) == 0 {
		return Analysis{}, false
	}
	return a.cached(bookID, ContentHash(SampleChunks(chunks, a.sampleTarget)))
}

func (a *Analyzer) cached(bookID, hash string) (Analysis, bool) {
	payload, ok := a.cache.Get(cache.Key(bookID, artifactKind, hash), hash)
	if !ok {
		return Analysis{}, false
	}

	var record Analysis
	if err := json.Unmarshal(payload, &record); err != nil {
		a.logger.Printf("discarding undecodable cached analysis for %s: %v", bookID, err)
		return Analysis{}, false
	}
	return record, true
}

func (a *Analyzer) build(ctx context.Context, book store.Book, sample []store.Chunk, hash string, totalChunks int) (Analysis, error) {
	a.logger.Printf("analyzing %s (%d of %d chunks sampled)", book.ID, len(sample), totalChunks)

	excerpt := formatExcerpts(book.Title, sample)

	summary, err := a.complete(ctx, summarySystemPrompt, summaryPrompt(book.Title, excerpt))
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: summary for %s: %v", ErrBuildFailed, book.ID, err)
	}

	characters, err := a.extractCharacters(ctx, excerpt)
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: characters for %s: %v", ErrBuildFailed, book.ID, err)
	}

	plot, err := a.complete(ctx, plotSystemPrompt, plotPrompt(excerpt))
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: plot for %s: %v", ErrBuildFailed, book.ID, err)
	}

	record := Analysis{
		BookID:         book.ID,
		Title:          book.Title,
		Summary:        strings.TrimSpace(summary),
		Characters:     characters,
		PlotAnalysis:   strings.TrimSpace(plot),
		ContentHash:    hash,
		CreatedAt:      time.Now().UTC(),
		ChunksAnalyzed: len(sample),
		TotalChunks:    totalChunks,
	}

	if err := a.cache.Put(cache.Key(book.ID, artifactKind, hash), hash, record); err != nil {
		// The record is still good; the next caller just rebuilds it.
		a.logger.Printf("could not cache analysis for %s: %v", book.ID, err)
	}

	return record, nil
}

func (a *Analyzer) complete(ctx context.Context, system, user string) (string, error) {
	return a.llm.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
}

func (a *Analyzer) extractCharacters(ctx context.Context, excerpt string) ([]Character, error) {
	raw, err := a.complete(ctx, characterSystemPrompt, characterPrompt(excerpt))
	if err != nil {
		return nil, err
	}

	var roster struct {
		Characters []Character `json:"characters"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &roster); err != nil {
		return nil, fmt.Errorf("decode character roster: %w", err)
	}

	characters := make([]Character, 0, len(roster.Characters))
	for _, c := range roster.Characters {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		characters = append(characters, c)
	}
	if len(characters) == 0 {
		return nil, fmt.Errorf("character roster is empty")
	}

	return characters, nil
}

// SampleChunks picks up to target chunks stratified across the book's
// beginning, middle, and end in roughly equal thirds, preserving order. Books
// at or under the target are taken whole.
func SampleChunks(chunks []store.Chunk, target int) []store.Chunk {
	if target <= 0 {
		target = defaultSampleTarget
	}
	if len(chunks) <= target {
		return chunks
	}

	third := len(chunks) / 3
	bounds := [][2]int{
		{0, third},
		{third, 2 * third},
		{2 * third, len(chunks)},
	}

	per := target / 3
	counts := [3]int{per, per, target - 2*per}

	sample := make([]store.Chunk, 0, target)
	for i, b := range bounds {
		sample = append(sample, spread(chunks[b[0]:b[1]], counts[i])...)
	}
	return sample
}

// spread takes n evenly spaced chunks from section, keeping their order.
func spread(section []store.Chunk, n int) []store.Chunk {
	if n >= len(section) {
		return section
	}
	picked := make([]store.Chunk, 0, n)
	for i := 0; i < n; i++ {
		idx := i * len(section) / n
		picked = append(picked, section[idx])
	}
	return picked
}

// ContentHash fingerprints a chunk set by id and text digest, so edits to
// chunk content invalidate cached artifacts even when ids are stable.
func ContentHash(chunks []store.Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		textSum := sha256.Sum256([]byte(c.Text))
		h.Write([]byte(c.ID))
		h.Write([]byte{0})
		h.Write(textSum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatExcerpts(title string, chunks []store.Chunk) string {
	var sb strings.Builder
	for i, c := range chunks {
		sb.WriteString(fmt.Sprintf("--- %s, section %d (chunk %d) ---\n", title, i+1, c.Position))
		sb.WriteString(c.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
