package analyzer_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/inkwell-ai/inkwell/analyzer"
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
	byID := make(map[string]store.Chunk)
	for _, c := range s.chunks[bookID] {
		byID[c.ID] = c
	}
	result := make(map[string]store.Chunk)
	for _, id := range chunkIDs {
		if c, ok := byID[id]; ok {
			result[id] = c
		}
	}
	return result, nil
}

var _ store.BookStore = (*stubBooks)(nil)

// scriptedLLM returns canned responses in order, cycling when exhausted.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
	err       error
}

func (s *scriptedLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	resp := s.responses[s.calls%len(s.responses)]
	s.calls++
	return resp, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ llm.Client = (*scriptedLLM)(nil)

// gatedLLM blocks every completion until released, so tests can hold a build
// in flight while more callers arrive.
type gatedLLM struct {
	inner   *scriptedLLM
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

const rosterJSON = `{"characters":[{"name":"Ishmael","traits":["curious"],"arc":"goes to sea","relationships":["Queequeg"]},{"name":"Ahab","traits":["obsessed"],"arc":"pursues the whale","relationships":["Starbuck"]}]}`

func makeChunks(bookID string, n int) []store.Chunk {
	chunks := make([]store.Chunk, n)
	for i := range chunks {
		chunks[i] = store.Chunk{
			ID:       fmt.Sprintf("%s-chunk-%d", bookID, i),
			BookID:   bookID,
			Position: i,
			Text:     fmt.Sprintf("Passage %d of the book.", i),
		}
	}
	return chunks
}

func newTestAnalyzer(t *testing.T, books store.BookStore, client llm.Client) *analyzer.Analyzer {
	t.Helper()
	cacheStore, err := cache.New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return analyzer.New(books, cacheStore, client, log.New(io.Discard, "", 0))
}

func TestSampleChunksKeepsSmallBooksWhole(t *testing.T) {
	chunks := makeChunks("b", 50)
	sample := analyzer.SampleChunks(chunks, 200)
	if len(sample) != 50 {
		t.Fatalf("expected all 50 chunks, got %d", len(sample))
	}
}

func TestSampleChunksStratifiesAcrossThirds(t *testing.T) {
	chunks := makeChunks("b", 300)
	sample := analyzer.SampleChunks(chunks, 30)

	if len(sample) != 30 {
		t.Fatalf("expected 30 sampled chunks, got %d", len(sample))
	}

	var begin, middle, end int
	for i, c := range sample {
		switch {
		case c.Position < 100:
			begin++
		case c.Position < 200:
			middle++
		default:
			end++
		}
		if i > 0 && sample[i].Position <= sample[i-1].Position {
			t.Fatalf("sample out of order at index %d", i)
		}
	}

	if begin != 10 || middle != 10 || end != 10 {
		t.Fatalf("expected 10 chunks per third, got %d/%d/%d", begin, middle, end)
	}
}

func TestContentHashTracksChunkText(t *testing.T) {
	chunks := makeChunks("b", 10)
	h1 := analyzer.ContentHash(chunks)
	h2 := analyzer.ContentHash(makeChunks("b", 10))
	if h1 != h2 {
		t.Fatal("identical chunk sets hashed differently")
	}

	chunks[3].Text = "edited passage"
	if analyzer.ContentHash(chunks) == h1 {
		t.Fatal("edited chunk text did not change the hash")
	}
}

func TestAnalyzeBuildsOnceThenServesFromCache(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick", ChunkCount: 40}},
		chunks: map[string][]store.Chunk{"moby-dick": makeChunks("moby-dick", 40)},
	}
	client := &scriptedLLM{responses: []string{"A whaling voyage.", rosterJSON, "Man against nature."}}
	a := newTestAnalyzer(t, books, client)

	first, err := a.Analyze(context.Background(), "moby-dick")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if client.callCount() != 3 {
		t.Fatalf("expected 3 completion calls for one build, got %d", client.callCount())
	}
	if first.Summary != "A whaling voyage." {
		t.Fatalf("unexpected summary: %q", first.Summary)
	}
	if len(first.Characters) != 2 {
		t.Fatalf("expected 2 characters, got %d", len(first.Characters))
	}
	if first.ChunksAnalyzed != 40 || first.TotalChunks != 40 {
		t.Fatalf("unexpected chunk accounting: %d of %d", first.ChunksAnalyzed, first.TotalChunks)
	}

	second, err := a.Analyze(context.Background(), "moby-dick")
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if client.callCount() != 3 {
		t.Fatalf("cached analyze still called the model: %d calls", client.callCount())
	}
	if second.ContentHash != first.ContentHash {
		t.Fatal("cached record carries a different content hash")
	}

	names := second.CharacterNames()
	if len(names) != 2 || names[0] != "Ishmael" || names[1] != "Ahab" {
		t.Fatalf("unexpected character names: %v", names)
	}
}

func TestAnalyzeConcurrentCallersShareOneBuild(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": makeChunks("moby-dick", 40)},
	}
	inner := &scriptedLLM{responses: []string{"A whaling voyage.", rosterJSON, "Man against nature."}}
	client := &gatedLLM{inner: inner, entered: make(chan struct{}), release: make(chan struct{})}
	a := newTestAnalyzer(t, books, client)

	type outcome struct {
		record analyzer.Analysis
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			record, err := a.Analyze(context.Background(), "moby-dick")
			results <- outcome{record, err}
		}()
	}

	<-client.entered
	// Give the second caller time to reach the in-flight build before any
	// completion finishes.
	time.Sleep(50 * time.Millisecond)
	close(client.release)

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("concurrent analyze failed: %v / %v", first.err, second.err)
	}
	if inner.callCount() != 3 {
		t.Fatalf("expected one shared build (3 completion calls), got %d", inner.callCount())
	}
	if first.record.ContentHash != second.record.ContentHash || first.record.Summary != second.record.Summary {
		t.Fatal("concurrent callers observed different records")
	}
	if !first.record.CreatedAt.Equal(second.record.CreatedAt) {
		t.Fatal("concurrent callers observed records from different builds")
	}
}

func TestAnalyzeRebuildsWhenChunksChange(t *testing.T) {
	chunks := makeChunks("moby-dick", 40)
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": chunks},
	}
	client := &scriptedLLM{responses: []string{"Summary.", rosterJSON, "Plot."}}
	a := newTestAnalyzer(t, books, client)

	if _, err := a.Analyze(context.Background(), "moby-dick"); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	chunks[0].Text = "a re-ingested opening"
	if _, err := a.Analyze(context.Background(), "moby-dick"); err != nil {
		t.Fatalf("analyze after change: %v", err)
	}

	if client.callCount() != 6 {
		t.Fatalf("expected a full rebuild after chunk change, got %d calls", client.callCount())
	}
}

func TestAnalyzeFailureIsNotCached(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": makeChunks("moby-dick", 10)},
	}
	client := &scriptedLLM{err: errors.New("model offline")}
	a := newTestAnalyzer(t, books, client)

	_, err := a.Analyze(context.Background(), "moby-dick")
	if !errors.Is(err, analyzer.ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}

	if _, ok := a.Cached(context.Background(), "moby-dick"); ok {
		t.Fatal("failed build left a cached record behind")
	}

	client.mu.Lock()
	client.err = nil
	client.responses = []string{"Summary.", rosterJSON, "Plot."}
	client.mu.Unlock()

	if _, err := a.Analyze(context.Background(), "moby-dick"); err != nil {
		t.Fatalf("analyze after recovery: %v", err)
	}
}

func TestAnalyzeRejectsEmptyRoster(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": makeChunks("moby-dick", 10)},
	}
	client := &scriptedLLM{responses: []string{"Summary.", `{"characters":[]}`, "Plot."}}
	a := newTestAnalyzer(t, books, client)

	_, err := a.Analyze(context.Background(), "moby-dick")
	if !errors.Is(err, analyzer.ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed for an empty roster, got %v", err)
	}
}

func TestAnalyzeUnknownBook(t *testing.T) {
	a := newTestAnalyzer(t, &stubBooks{books: map[string]store.Book{}}, &scriptedLLM{responses: []string{"x"}})

	_, err := a.Analyze(context.Background(), "missing")
	if !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestCachedNeverBuilds(t *testing.T) {
	books := &stubBooks{
		books:  map[string]store.Book{"moby-dick": {ID: "moby-dick", Title: "Moby-Dick"}},
		chunks: map[string][]store.Chunk{"moby-dick": makeChunks("moby-dick", 10)},
	}
	client := &scriptedLLM{responses: []string{"Summary.", rosterJSON, "Plot."}}
	a := newTestAnalyzer(t, books, client)

	if _, ok := a.Cached(context.Background(), "moby-dick"); ok {
		t.Fatal("cold cache reported a hit")
	}
	if client.callCount() != 0 {
		t.Fatalf("Cached triggered %d completion calls", client.callCount())
	}
}
