// Package graph turns unstructured book text into typed entities and
// weighted relationships, cached per book and projected into force-graph
// shapes for visualization.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inkwell-ai/inkwell/analyzer"
	"github.com/inkwell-ai/inkwell/cache"
	"github.com/inkwell-ai/inkwell/llm"
	"github.com/inkwell-ai/inkwell/store"
)

// ErrBuildFailed marks a completion-service failure or an undecodable model
// response during extraction. Failed extractions are never cached.
var ErrBuildFailed = errors.New("knowledge graph build failed")

const (
	artifactKind = "knowledge-graph"
	// maxExcerptChars bounds how much sampled text one extraction call sees.
	maxExcerptChars = 15000
)

// Entity types recognized by the extractor.
const (
	TypeCharacter = "character"
	TypePlace     = "place"
	TypeObject    = "object"
	TypeEvent     = "event"
	TypeConcept   = "concept"
)

type Entity struct {
	ID          string  `json:"id"`
	BookID      string  `json:"book_id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Importance  float64 `json:"importance"`
}

// Relationship is a directed edge. Multiple edges between the same pair with
// different types are allowed.
type Relationship struct {
	SourceID    string  `json:"source_id"`
	TargetID    string  `json:"target_id"`
	BookID      string  `json:"book_id"`
	Type        string  `json:"type"`
	Strength    float64 `json:"strength"`
	Description string  `json:"description"`
}

type Graph struct {
	BookID        string         `json:"book_id"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	ContentHash   string         `json:"content_hash"`
	CreatedAt     time.Time      `json:"created_at"`
	// Dropped counts relationships that referenced entities the extractor
	// never resolved. Dropping is diagnostic, not fatal.
	Dropped int `json:"dropped"`
}

// Entity returns the entity with the given id, if present.
func (g Graph) Entity(entityID string) (Entity, bool) {
	for _, e := range g.Entities {
		if e.ID == entityID {
			return e, true
		}
	}
	return Entity{}, false
}

// EntityRelationships returns every edge touching the given entity.
func (g Graph) EntityRelationships(entityID string) []Relationship {
	rels := make([]Relationship, 0)
	for _, r := range g.Relationships {
		if r.SourceID == entityID || r.TargetID == entityID {
			rels = append(rels, r)
		}
	}
	return rels
}

// Sink receives freshly extracted graphs, e.g. a Neo4j projection. Sync
// failures are logged, never fatal to extraction.
type Sink interface {
	SyncGraph(ctx context.Context, g Graph) error
}

type Extractor struct {
	books  store.BookStore
	cache  *cache.Store
	llm    llm.Client
	index  *MemoryIndex
	sink   Sink
	logger *log.Logger
	group  singleflight.Group
}

func NewExtractor(books store.BookStore, cacheStore *cache.Store, llmClient llm.Client, index *MemoryIndex, logger *log.Logger) *Extractor {
	if logger == nil {
		logger = log.Default()
	}
	if index == nil {
		index = NewMemoryIndex()
	}

	return &Extractor{
		books:  books,
		cache:  cacheStore,
		llm:    llmClient,
		index:  index,
		logger: logger,
	}
}

// SetSink attaches an optional projection target for extracted graphs.
func (e *Extractor) SetSink(sink Sink) {
	e.sink = sink
}

// Index exposes the entity index fed by this extractor.
func (e *Extractor) Index() *MemoryIndex {
	return e.index
}

// Extract returns the book's knowledge graph, rebuilding it only when no
// fresh cached graph matches the current chunk set. Concurrent calls for the
// same fingerprint share one build.
func (e *Extractor) Extract(ctx context.Context, bookID string) (Graph, error) {
	book, err := e.books.GetBook(ctx, bookID)
	if err != nil {
		return Graph{}, err
	}

	chunks, err := e.books.BookChunks(ctx, bookID)
	if err != nil {
		return Graph{}, fmt.Errorf("load chunks for %s: %w", bookID, err)
	}
	if len(chunks) == 0 {
		return Graph{}, fmt.Errorf("book %s has no chunks", bookID)
	}

	sample := analyzer.SampleChunks(chunks, 0)
	hash := analyzer.ContentHash(sample)

	if g, ok := e.cached(bookID, hash); ok {
		e.index.IndexBook(bookID, g.Entities)
		return g, nil
	}

	fingerprint := bookID + ":" + hash
	result, err, _ := e.group.Do(fingerprint, func() (any, error) {
		if g, ok := e.cached(bookID, hash); ok {
			return g, nil
		}
		return e.build(ctx, book, sample, hash)
	})
	if err != nil {
		return Graph{}, err
	}

	g := result.(Graph)
	e.index.IndexBook(bookID, g.Entities)
	return g, nil
}

// Cached returns the fresh cached graph for the book's current chunk set
// without triggering a build.
func (e *Extractor) Cached(ctx context.Context, bookID string) (Graph, bool) {
	chunks, err := e.books.BookChunks(ctx, bookID)
	if err != nil || len(chunks) == 0 {
		return Graph{}, false
	}
	sample := analyzer.SampleChunks(chunks, 0)
	return e.cached(bookID, analyzer.ContentHash(sample))
}

// SearchEntities queries the entity index, first loading fresh cached graphs
// for books the index has not seen. A restarted process can therefore answer
// searches without re-extraction; books with no cached graph are skipped.
func (e *Extractor) SearchEntities(ctx context.Context, query, bookID string, limit int) []Entity {
	if bookID != "" {
		e.ensureIndexed(ctx, bookID)
	} else {
		books, err := e.books.ListBooks(ctx)
		if err != nil {
			e.logger.Printf("list books for entity search: %v", err)
		}
		for _, book := range books {
			e.ensureIndexed(ctx, book.ID)
		}
	}

	return e.index.Search(query, bookID, limit)
}

func (e *Extractor) ensureIndexed(ctx context.Context, bookID string) {
	if e.index.HasBook(bookID) {
		return
	}
	if g, ok := e.Cached(ctx, bookID); ok {
		e.index.IndexBook(bookID, g.Entities)
	}
}

func (e *Extractor) cached(bookID, hash string) (Graph, bool) {
	payload, ok := e.cache.Get(cache.Key(bookID, artifactKind, hash), hash)
	if !ok {
		return Graph{}, false
	}

	var g Graph
	if err := json.Unmarshal(payload, &g); err != nil {
		e.logger.Printf("discarding undecodable cached graph for %s: %v", bookID, err)
		return Graph{}, false
	}
	return g, true
}

func (e *Extractor) build(ctx context.Context, book store.Book, sample []store.Chunk, hash string) (Graph, error) {
	e.logger.Printf("extracting knowledge graph for %s", book.ID)

	excerpt := excerptFor(sample)

	raw, err := e.llm.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: extractionSystemPrompt},
		{Role: llm.RoleUser, Content: extractionPrompt(excerpt)},
	})
	if err != nil {
		return Graph{}, fmt.Errorf("%w: extraction call for %s: %v", ErrBuildFailed, book.ID, err)
	}

	parsed, err := decodeExtraction(raw)
	if err != nil {
		return Graph{}, fmt.Errorf("%w: %s: %v", ErrBuildFailed, book.ID, err)
	}

	g := assemble(book.ID, parsed, e.logger)
	g.ContentHash = hash
	g.CreatedAt = time.Now().UTC()

	if len(g.Entities) == 0 {
		return Graph{}, fmt.Errorf("%w: extractor returned no usable entities for %s", ErrBuildFailed, book.ID)
	}

	if err := e.cache.Put(cache.Key(book.ID, artifactKind, hash), hash, g); err != nil {
		e.logger.Printf("could not cache knowledge graph for %s: %v", book.ID, err)
	}

	if e.sink != nil {
		if err := e.sink.SyncGraph(ctx, g); err != nil {
			e.logger.Printf("graph sink sync failed for %s: %v", book.ID, err)
		}
	}

	return g, nil
}

// rawExtraction mirrors the JSON shape the model is asked for.
type rawExtraction struct {
	Entities map[string]struct {
		Name        string  `json:"name"`
		Type        string  `json:"type"`
		Description string  `json:"description"`
		Importance  float64 `json:"importance"`
	} `json:"entities"`
	Relationships []struct {
		From        string  `json:"from"`
		To          string  `json:"to"`
		Type        string  `json:"type"`
		Strength    float64 `json:"strength"`
		Description string  `json:"description"`
	} `json:"relationships"`
}

func decodeExtraction(raw string) (rawExtraction, error) {
	var parsed rawExtraction
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		return rawExtraction{}, fmt.Errorf("decode extraction response: %w", err)
	}
	if parsed.Entities == nil {
		return rawExtraction{}, fmt.Errorf("extraction response missing entities")
	}
	return parsed, nil
}

// assemble normalizes the raw extraction: entities deduplicated by normalized
// name, scores clamped to [0,1], relationships re-pointed at surviving ids,
// and edges to unresolved entities dropped and counted.
func assemble(bookID string, parsed rawExtraction, logger *log.Logger) Graph {
	g := Graph{BookID: bookID}

	byName := make(map[string]int)   // normalized name -> index in g.Entities
	alias := make(map[string]string) // raw extractor id -> surviving entity id

	// Raw ids are walked in sorted order so identical extractions assemble
	// into identical graphs regardless of map iteration.
	ids := make([]string, 0, len(parsed.Entities))
	for id := range parsed.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, rawID := range ids {
		raw := parsed.Entities[rawID]
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			logger.Printf("dropping unnamed entity %q in %s", rawID, bookID)
			continue
		}

		norm := normalizeName(name)
		if idx, ok := byName[norm]; ok {
			// Merge duplicates: union of descriptions, max importance.
			kept := &g.Entities[idx]
			if raw.Description != "" && !strings.Contains(kept.Description, raw.Description) {
				if kept.Description != "" {
					kept.Description += " "
				}
				kept.Description += raw.Description
			}
			if imp := clamp(raw.Importance); imp > kept.Importance {
				kept.Importance = imp
			}
			alias[rawID] = kept.ID
			continue
		}

		entity := Entity{
			ID:          rawID,
			BookID:      bookID,
			Name:        name,
			Type:        normalizeType(raw.Type),
			Description: strings.TrimSpace(raw.Description),
			Importance:  clamp(raw.Importance),
		}
		byName[norm] = len(g.Entities)
		alias[rawID] = rawID
		g.Entities = append(g.Entities, entity)
	}

	for _, raw := range parsed.Relationships {
		source, okFrom := alias[raw.From]
		target, okTo := alias[raw.To]
		if !okFrom || !okTo {
			g.Dropped++
			logger.Printf("dropping relationship %s -> %s in %s: unresolved entity", raw.From, raw.To, bookID)
			continue
		}

		g.Relationships = append(g.Relationships, Relationship{
			SourceID:    source,
			TargetID:    target,
			BookID:      bookID,
			Type:        strings.TrimSpace(raw.Type),
			Strength:    clamp(raw.Strength),
			Description: strings.TrimSpace(raw.Description),
		})
	}

	return g
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func normalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case TypeCharacter:
		return TypeCharacter
	case TypePlace:
		return TypePlace
	case TypeObject:
		return TypeObject
	case TypeEvent:
		return TypeEvent
	default:
		return TypeConcept
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func excerptFor(chunks []store.Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		if sb.Len()+len(c.Text) > maxExcerptChars {
			break
		}
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

const extractionSystemPrompt = "You are an expert at extracting structured knowledge graphs from literary texts. Return only valid JSON."

func extractionPrompt(excerpt string) string {
	return fmt.Sprintf(`Based on the following book content, extract a knowledge graph of the characters, places, objects, events, and concepts that matter to the story, and the relationships among them.

Return ONLY valid JSON with this exact structure:
{
    "entities": {
        "entity_id": {
            "name": "Entity Name",
            "type": "character|place|object|event|concept",
            "description": "Brief description of the entity",
            "importance": 0.8
        }
    },
    "relationships": [
        {
            "from": "entity_id_1",
            "to": "entity_id_2",
            "type": "relationship_type",
            "strength": 0.8,
            "description": "How they are related"
        }
    ]
}

Guidelines:
- Use descriptive entity ids (e.g. "wanda_character", "toy_box_object")
- Set importance (0.0-1.0) by how central the entity is to the story
- Set relationship strength (0.0-1.0) by how strong the bond or link is
- Use verb-phrase relationship types (loves, lives_in, owns, rivals_with, happened_at)
- Include both explicit and implicit relationships
- Only reference entity ids that appear in the entities object

Book content:
%s

Return ONLY the JSON, no other text.`, excerpt)
}
