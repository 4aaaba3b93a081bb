package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/inkwell-ai/inkwell/cache"
	"github.com/inkwell-ai/inkwell/llm"
	"github.com/inkwell-ai/inkwell/store"
)

type stubBooks struct {
	books  map[string]store.Book
	chunks map[string][]store.Chunk
}

func (s *stubBooks) ListBooks(ctx context.Context) ([]store.Book, error) {
	books := make([]store.Book, 0, len(s.books))
	for _, b := range s.books {
		books = append(books, b)
	}
	return books, nil
}

func (s *stubBooks) GetBook(ctx context.Context, bookID string) (store.Book, error) {
	b, ok := s.books[bookID]
	if !ok {
		return store.Book{}, fmt.Errorf("%w: %s", store.ErrBookNotFound, bookID)
	}
	return b, nil
}

func (s *stubBooks) BookChunks(ctx context.Context, bookID string) ([]store.Chunk, error) {
	return s.chunks[bookID], nil
}

func (s *stubBooks) ChunksByID(ctx context.Context, bookID string, chunkIDs []string) (map[string]store.Chunk, error) {
	return map[string]store.Chunk{}, nil
}

var _ store.BookStore = (*stubBooks)(nil)

type stubLLM struct {
	mu       sync.Mutex
	response string
	calls    int
	err      error
}

func (s *stubLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls++
	return s.response, nil
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ llm.Client = (*stubLLM)(nil)

// gatedLLM blocks every completion until released, so tests can hold a build
// in flight while more callers arrive.
type gatedLLM struct {
	inner   *stubLLM
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.inner.Generate(ctx, messages)
}

var _ llm.Client = (*gatedLLM)(nil)

type recordingSink struct {
	synced []Graph
	err    error
}

func (s *recordingSink) SyncGraph(ctx context.Context, g Graph) error {
	if s.err != nil {
		return s.err
	}
	s.synced = append(s.synced, g)
	return nil
}

var _ Sink = (*recordingSink)(nil)

const extractionJSON = `{
	"entities": {
		"ahab_character": {"name": "Ahab", "type": "character", "description": "The captain", "importance": 0.95},
		"pequod_object": {"name": "The Pequod", "type": "object", "description": "A whaling ship", "importance": 0.7},
		"whale_character": {"name": "Moby Dick", "type": "beast", "description": "The white whale", "importance": 1.4}
	},
	"relationships": [
		{"from": "ahab_character", "to": "whale_character", "type": "hunts", "strength": 1.8, "description": "Obsessive pursuit"},
		{"from": "ahab_character", "to": "unknown_entity", "type": "knows", "strength": 0.5, "description": "Dropped"}
	]
}`

func testChunks(bookID string, n int) []store.Chunk {
	chunks := make([]store.Chunk, n)
	for i := range chunks {
		chunks[i] = store.Chunk{
			ID:       fmt.Sprintf("%s-chunk-%d", bookID, i),
			BookID:   bookID,
			Position: i,
			Text:     fmt.Sprintf("Passage %d.", i),
		}
	}
	return chunks
}

func newTestExtractor(t *testing.T, books store.BookStore, client llm.Client) *Extractor {
	t.Helper()
	cacheStore, err := cache.New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return NewExtractor(books, cacheStore, client, nil, log.New(io.Discard, "", 0))
}

func TestExtractBuildsNormalizedGraph(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": testChunks("moby-dick", 10)},
	}
	client := &stubLLM{response: extractionJSON}
	e := newTestExtractor(t, books, client)

	g, err := e.Extract(context.Background(), "moby-dick")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if len(g.Entities) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(g.Entities))
	}
	if len(g.Relationships) != 1 {
		t.Fatalf("expected 1 surviving relationship, got %d", len(g.Relationships))
	}
	if g.Dropped != 1 {
		t.Fatalf("expected 1 dropped relationship, got %d", g.Dropped)
	}

	whale, ok := g.Entity("whale_character")
	if !ok {
		t.Fatal("whale entity missing")
	}
	if whale.Type != TypeConcept {
		t.Fatalf("unknown type should coerce to concept, got %q", whale.Type)
	}
	if whale.Importance != 1 {
		t.Fatalf("importance should clamp to 1, got %v", whale.Importance)
	}

	if g.Relationships[0].Strength != 1 {
		t.Fatalf("strength should clamp to 1, got %v", g.Relationships[0].Strength)
	}
}

func TestExtractServesFromCache(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": testChunks("moby-dick", 10)},
	}
	client := &stubLLM{response: extractionJSON}
	e := newTestExtractor(t, books, client)

	if _, err := e.Extract(context.Background(), "moby-dick"); err != nil {
		t.Fatalf("first extract: %v", err)
	}
	if _, err := e.Extract(context.Background(), "moby-dick"); err != nil {
		t.Fatalf("second extract: %v", err)
	}
	if client.callCount() != 1 {
		t.Fatalf("expected one model call, got %d", client.callCount())
	}
}

func TestExtractConcurrentCallersShareOneBuild(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": testChunks("moby-dick", 10)},
	}
	inner := &stubLLM{response: extractionJSON}
	client := &gatedLLM{inner: inner, entered: make(chan struct{}), release: make(chan struct{})}
	e := newTestExtractor(t, books, client)

	type outcome struct {
		g   Graph
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			g, err := e.Extract(context.Background(), "moby-dick")
			results <- outcome{g, err}
		}()
	}

	<-client.entered
	// Give the second caller time to reach the in-flight build before the
	// extraction call finishes.
	time.Sleep(50 * time.Millisecond)
	close(client.release)

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("concurrent extract failed: %v / %v", first.err, second.err)
	}
	if inner.callCount() != 1 {
		t.Fatalf("expected one shared build, got %d model calls", inner.callCount())
	}
	if first.g.ContentHash != second.g.ContentHash || len(first.g.Entities) != len(second.g.Entities) {
		t.Fatal("concurrent callers observed different graphs")
	}
	if !first.g.CreatedAt.Equal(second.g.CreatedAt) {
		t.Fatal("concurrent callers observed graphs from different builds")
	}
}

func TestExtractInvalidJSONFails(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": testChunks("moby-dick", 10)},
	}
	e := newTestExtractor(t, books, &stubLLM{response: "the model rambled instead of returning JSON"})

	_, err := e.Extract(context.Background(), "moby-dick")
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}

	if _, ok := e.Cached(context.Background(), "moby-dick"); ok {
		t.Fatal("failed extraction left a cached graph behind")
	}
}

func TestExtractSinkFailureIsNotFatal(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": testChunks("moby-dick", 10)},
	}
	e := newTestExtractor(t, books, &stubLLM{response: extractionJSON})
	e.SetSink(&recordingSink{err: errors.New("neo4j down")})

	if _, err := e.Extract(context.Background(), "moby-dick"); err != nil {
		t.Fatalf("extract should tolerate sink failure: %v", err)
	}
}

func TestExtractSyncsToSink(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": testChunks("moby-dick", 10)},
	}
	e := newTestExtractor(t, books, &stubLLM{response: extractionJSON})
	sink := &recordingSink{}
	e.SetSink(sink)

	if _, err := e.Extract(context.Background(), "moby-dick"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(sink.synced) != 1 {
		t.Fatalf("expected one sink sync, got %d", len(sink.synced))
	}
	if sink.synced[0].BookID != "moby-dick" {
		t.Fatalf("sink received wrong book: %s", sink.synced[0].BookID)
	}
}

func TestAssembleMergesDuplicateNames(t *testing.T) {
	parsed := rawExtraction{
		Entities: map[string]struct {
			Name        string  `json:"name"`
			Type        string  `json:"type"`
			Description string  `json:"description"`
			Importance  float64 `json:"importance"`
		}{
			"ahab_1": {Name: "Captain Ahab", Type: "character", Description: "The captain", Importance: 0.6},
			"ahab_2": {Name: "captain  ahab", Type: "character", Description: "Monomaniacal", Importance: 0.9},
		},
		Relationships: []struct {
			From        string  `json:"from"`
			To          string  `json:"to"`
			Type        string  `json:"type"`
			Strength    float64 `json:"strength"`
			Description string  `json:"description"`
		}{
			{From: "ahab_1", To: "ahab_2", Type: "is", Strength: 0.5},
		},
	}

	g := assemble("moby-dick", parsed, log.New(io.Discard, "", 0))

	if len(g.Entities) != 1 {
		t.Fatalf("expected duplicates merged into 1 entity, got %d", len(g.Entities))
	}
	merged := g.Entities[0]
	if merged.Importance != 0.9 {
		t.Fatalf("merge should keep max importance, got %v", merged.Importance)
	}
	if merged.Description == "" {
		t.Fatal("merge lost descriptions")
	}

	// Both raw ids alias the surviving entity, so the edge still resolves.
	if len(g.Relationships) != 1 {
		t.Fatalf("expected the aliased relationship to survive, got %d", len(g.Relationships))
	}
	if g.Relationships[0].SourceID != merged.ID || g.Relationships[0].TargetID != merged.ID {
		t.Fatal("relationship was not re-pointed at the surviving entity")
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	parsed := rawExtraction{
		Entities: map[string]struct {
			Name        string  `json:"name"`
			Type        string  `json:"type"`
			Description string  `json:"description"`
			Importance  float64 `json:"importance"`
		}{
			"z_ahab":   {Name: "Ahab", Type: "character", Description: "Later mention", Importance: 0.5},
			"a_ahab":   {Name: "ahab", Type: "character", Description: "The captain", Importance: 0.9},
			"m_pequod": {Name: "The Pequod", Type: "object", Description: "A whaling ship", Importance: 0.7},
		},
	}

	logger := log.New(io.Discard, "", 0)
	g := assemble("moby-dick", parsed, logger)

	if len(g.Entities) != 2 {
		t.Fatalf("expected 2 entities after dedup, got %d", len(g.Entities))
	}
	// The lexicographically first raw id wins the merge, every time.
	if g.Entities[0].ID != "a_ahab" || g.Entities[1].ID != "m_pequod" {
		t.Fatalf("unexpected entity order: %s, %s", g.Entities[0].ID, g.Entities[1].ID)
	}

	if again := assemble("moby-dick", parsed, logger); !reflect.DeepEqual(g, again) {
		t.Fatal("repeated assembly of the same extraction produced different graphs")
	}
}

func TestClampBounds(t *testing.T) {
	if clamp(-0.5) != 0 {
		t.Fatal("negative values should clamp to 0")
	}
	if clamp(1.5) != 1 {
		t.Fatal("values above 1 should clamp to 1")
	}
	if clamp(0.42) != 0.42 {
		t.Fatal("in-range values should pass through")
	}
}

func TestSearchEntitiesLoadsCachedGraphsAfterRestart(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": testChunks("moby-dick", 10)},
	}
	logger := log.New(io.Discard, "", 0)
	cacheDir := t.TempDir()

	cacheStore, err := cache.New(cacheDir, time.Hour)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	first := NewExtractor(books, cacheStore, &stubLLM{response: extractionJSON}, nil, logger)
	if _, err := first.Extract(context.Background(), "moby-dick"); err != nil {
		t.Fatalf("extract: %v", err)
	}

	// A fresh extractor over the same cache directory stands in for a
	// restarted process: empty index, warm cache, no working model.
	restartedCache, err := cache.New(cacheDir, time.Hour)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	second := NewExtractor(books, restartedCache, &stubLLM{err: errors.New("model offline")}, nil, logger)

	results := second.SearchEntities(context.Background(), "ahab", "", 10)
	if len(results) != 1 || results[0].Name != "Ahab" {
		t.Fatalf("expected the cached graph to back the search, got %+v", results)
	}

	scoped := second.SearchEntities(context.Background(), "pequod", "moby-dick", 10)
	if len(scoped) != 1 || scoped[0].ID != "pequod_object" {
		t.Fatalf("book-scoped search missed the cached graph, got %+v", scoped)
	}
}

func TestMemoryIndexRanking(t *testing.T) {
	idx := NewMemoryIndex()
	idx.IndexBook("moby-dick", []Entity{
		{ID: "e1", BookID: "moby-dick", Name: "Ahab", Type: TypeCharacter, Importance: 0.9},
		{ID: "e2", BookID: "moby-dick", Name: "Ahab's Harpoon", Type: TypeObject, Importance: 0.4},
		{ID: "e3", BookID: "moby-dick", Name: "Pequod", Type: TypeObject, Description: "Ahab's ship", Importance: 0.8},
		{ID: "e4", BookID: "moby-dick", Name: "Starbuck", Type: TypeCharacter, Importance: 0.7},
	})

	results := idx.Search("ahab", "moby-dick", 10)
	if len(results) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(results))
	}
	if results[0].ID != "e1" {
		t.Fatalf("exact name match should rank first, got %s", results[0].ID)
	}
	if results[1].ID != "e2" {
		t.Fatalf("name substring should outrank description match, got %s", results[1].ID)
	}
	if results[2].ID != "e3" {
		t.Fatalf("description match should rank last, got %s", results[2].ID)
	}

	if got := idx.Search("ahab", "moby-dick", 1); len(got) != 1 {
		t.Fatalf("limit not honored: got %d results", len(got))
	}

	if got := idx.Search("ahab", "other-book", 10); len(got) != 0 {
		t.Fatalf("book filter not honored: got %d results", len(got))
	}
}

func TestCombinedNamespacesBooks(t *testing.T) {
	g1 := Graph{
		BookID:        "moby-dick",
		Entities:      []Entity{{ID: "hero", Name: "Ahab", Type: TypeCharacter, Importance: 0.9}},
		Relationships: []Relationship{{SourceID: "hero", TargetID: "hero", Type: "self", Strength: 0.1}},
	}
	g2 := Graph{
		BookID:   "dracula",
		Entities: []Entity{{ID: "hero", Name: "Van Helsing", Type: TypeCharacter, Importance: 0.8}},
	}

	fg := Combined([]Graph{g1, g2})

	if fg.Meta.NodeCount != 2 {
		t.Fatalf("expected 2 nodes, got %d", fg.Meta.NodeCount)
	}
	if fg.Nodes[0].ID == fg.Nodes[1].ID {
		t.Fatal("same-named entity ids collided across books")
	}
	if fg.Links[0].Source != "moby-dick:hero" {
		t.Fatalf("link not namespaced: %s", fg.Links[0].Source)
	}
}

func TestProjectScalesVisuals(t *testing.T) {
	g := Graph{
		BookID:        "moby-dick",
		Entities:      []Entity{{ID: "e1", Name: "Ahab", Type: TypeCharacter, Importance: 1}},
		Relationships: []Relationship{{SourceID: "e1", TargetID: "e1", Type: "self", Strength: 1}},
	}

	fg := Project(g)
	if fg.Nodes[0].Size != 20 {
		t.Fatalf("max importance should map to size 20, got %v", fg.Nodes[0].Size)
	}
	if fg.Nodes[0].Group != TypeCharacter {
		t.Fatalf("group should carry the entity type, got %q", fg.Nodes[0].Group)
	}
	if fg.Links[0].Thickness != 6 {
		t.Fatalf("max strength should map to thickness 6, got %v", fg.Links[0].Thickness)
	}
	if fg.Meta.BookID != "moby-dick" {
		t.Fatalf("metadata lost the book id: %q", fg.Meta.BookID)
	}
}
