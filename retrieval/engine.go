// Package retrieval assembles bounded, deduplicated context for one question
// against one book by merging several independent search passes.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/inkwell-ai/inkwell/store"
)

// ErrUnavailable means the underlying vector index could not be reached. The
// caller may retry or degrade to an empty context.
var ErrUnavailable = errors.New("retrieval index unavailable")

// Pass names, in priority order.
const (
	PassSemantic  = "semantic"
	PassCharacter = "character"
	PassConflict  = "conflict"
)

const (
	defaultChunkBudget = 80
	maxCharacterProbes = 5
)

var passPriority = map[string]int{
	PassSemantic:  0,
	PassCharacter: 1,
	PassConflict:  2,
}

// ScoredChunk is one retrieved chunk with the best score any pass gave it and
// every pass that found it.
type ScoredChunk struct {
	Chunk  store.Chunk
	Score  float64
	Passes []string
}

type Result struct {
	BookID string
	Chunks []ScoredChunk
}

type Engine struct {
	index   store.VectorIndex
	books   store.BookStore
	lexicon []string
	logger  *log.Logger
}

func NewEngine(index store.VectorIndex, books store.BookStore, lexicon []string, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if len(lexicon) == 0 {
		lexicon = DefaultLexicon()
	}

	return &Engine{
		index:   index,
		books:   books,
		lexicon: lexicon,
		logger:  logger,
	}
}

// Retrieve runs the semantic, character-directed, and conflict-directed
// passes concurrently, merges them (max score wins, all origins recorded),
// and truncates to budget. characterNames come from the book's cached
// analysis; with none, the character pass is skipped and its allotment goes
// to the semantic pass. Merge order is deterministic regardless of pass
// completion order.
func (e *Engine) Retrieve(ctx context.Context, bookID, question string, budget int, characterNames []string) (Result, error) {
	if budget <= 0 {
		budget = defaultChunkBudget
	}

	semanticShare := budget / 2
	characterShare := budget / 4
	conflictShare := budget - semanticShare - characterShare

	if len(characterNames) == 0 {
		semanticShare += characterShare
		characterShare = 0
	} else if len(characterNames) > maxCharacterProbes {
		characterNames = characterNames[:maxCharacterProbes]
	}

	var semanticHits, characterHits, conflictHits []store.Hit

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		hits, err := e.index.Search(gctx, bookID, question, semanticShare)
		if err != nil {
			return fmt.Errorf("%w: semantic pass: %v", ErrUnavailable, err)
		}
		semanticHits = hits
		return nil
	})

	if characterShare > 0 {
		grp.Go(func() error {
			characterHits = e.probe(gctx, bookID, PassCharacter, characterNames, characterShare)
			return nil
		})
	}

	grp.Go(func() error {
		conflictHits = e.probe(gctx, bookID, PassConflict, e.lexicon, conflictShare)
		return nil
	})

	if err := grp.Wait(); err != nil {
		return Result{}, err
	}

	merged := merge(map[string][]store.Hit{
		PassSemantic:  semanticHits,
		PassCharacter: characterHits,
		PassConflict:  conflictHits,
	})

	chunks, err := e.resolve(ctx, bookID, merged)
	if err != nil {
		return Result{}, err
	}

	sortChunks(chunks)
	if len(chunks) > budget {
		chunks = chunks[:budget]
	}

	return Result{BookID: bookID, Chunks: chunks}, nil
}

// probe issues one search per probe term, splitting the pass's share across
// them. Probe failures degrade to fewer results, never to a failed pass.
func (e *Engine) probe(ctx context.Context, bookID, pass string, probes []string, share int) []store.Hit {
	if len(probes) == 0 || share <= 0 {
		return nil
	}

	perProbe := share / len(probes)
	if perProbe < 2 {
		perProbe = 2
	}

	hits := make([]store.Hit, 0, share)
	for _, probe := range probes {
		found, err := e.index.Search(ctx, bookID, probe, perProbe)
		if err != nil {
			e.logger.Printf("%s pass probe %q failed for %s: %v", pass, probe, bookID, err)
			continue
		}
		hits = append(hits, found...)
	}
	return hits
}

type mergedHit struct {
	chunkID  string
	score    float64
	passes   []string
	priority int
}

// merge deduplicates hits across passes: a chunk found twice keeps the
// highest score and records every contributing pass.
func merge(byPass map[string][]store.Hit) []mergedHit {
	index := make(map[string]*mergedHit)
	order := make([]string, 0)

	// Iterate passes in fixed priority order so pass provenance lists are
	// deterministic.
	for _, pass := range []string{PassSemantic, PassCharacter, PassConflict} {
		for _, hit := range byPass[pass] {
			existing, ok := index[hit.ChunkID]
			if !ok {
				index[hit.ChunkID] = &mergedHit{
					chunkID:  hit.ChunkID,
					score:    hit.Score,
					passes:   []string{pass},
					priority: passPriority[pass],
				}
				order = append(order, hit.ChunkID)
				continue
			}

			if hit.Score > existing.score {
				existing.score = hit.Score
			}
			if existing.passes[len(existing.passes)-1] != pass {
				existing.passes = append(existing.passes, pass)
			}
			if passPriority[pass] < existing.priority {
				existing.priority = passPriority[pass]
			}
		}
	}

	merged := make([]mergedHit, 0, len(order))
	for _, id := range order {
		merged = append(merged, *index[id])
	}
	return merged
}

func (e *Engine) resolve(ctx context.Context, bookID string, merged []mergedHit) ([]ScoredChunk, error) {
	ids := make([]string, 0, len(merged))
	for _, m := range merged {
		ids = append(ids, m.chunkID)
	}

	chunks, err := e.books.ChunksByID(ctx, bookID, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve retrieved chunks: %w", err)
	}

	resolved := make([]ScoredChunk, 0, len(merged))
	for _, m := range merged {
		chunk, ok := chunks[m.chunkID]
		if !ok {
			e.logger.Printf("retrieved chunk %s missing from store for %s", m.chunkID, bookID)
			continue
		}
		resolved = append(resolved, ScoredChunk{Chunk: chunk, Score: m.score, Passes: m.passes})
	}
	return resolved, nil
}

// sortChunks orders by score descending, then best contributing pass, then
// chunk position ascending.
func sortChunks(chunks []ScoredChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		pi, pj := passPriority[chunks[i].Passes[0]], passPriority[chunks[j].Passes[0]]
		if pi != pj {
			return pi < pj
		}
		return chunks[i].Chunk.Position < chunks[j].Chunk.Position
	})
}
