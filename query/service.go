// Package query is the single entry point the web layer consumes: it merges
// cached book analyses and multi-pass retrieval across a set of books under a
// global character budget and synthesizes one answer.
package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inkwell-ai/inkwell/analyzer"
	"github.com/inkwell-ai/inkwell/llm"
	"github.com/inkwell-ai/inkwell/retrieval"
	"github.com/inkwell-ai/inkwell/store"
)

// ErrCompletionFailed marks a failed final synthesis call. It is the only
// failure that aborts a whole query; per-book failures degrade instead.
var ErrCompletionFailed = errors.New("completion failed")

type Options struct {
	// ChunkBudget is the per-book retrieval budget.
	ChunkBudget int
	// ContextBudget is the global character limit for assembled context.
	ContextBudget int
	// UseBookKnowledge controls whether cached analyses are prepended and
	// recomputed on miss.
	UseBookKnowledge bool
	// Persona selects the system-prompt persona.
	Persona string
	// Timeout bounds the whole query. Zero means no deadline.
	Timeout time.Duration
}

type Request struct {
	Question string
	// BookIDs empty means every known book.
	BookIDs     []string
	ChunkBudget int
	// UseBookKnowledge overrides the service default when non-nil.
	UseBookKnowledge *bool
}

type Result struct {
	Answer         string
	BooksSearched  []string
	ContextLength  int
	ProcessingTime time.Duration
	// Notes carries per-book diagnostics (degraded retrieval, skipped
	// analyses, books dropped by the budget).
	Notes []string
}

type Service struct {
	books    store.BookStore
	analyzer *analyzer.Analyzer
	engine   *retrieval.Engine
	llm      llm.Client
	logger   *log.Logger
	opts     Options
}

func NewService(books store.BookStore, bookAnalyzer *analyzer.Analyzer, engine *retrieval.Engine, llmClient llm.Client, logger *log.Logger, opts Options) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if opts.ChunkBudget <= 0 {
		opts.ChunkBudget = 80
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = 60000
	}
	if opts.Persona == "" {
		opts.Persona = "editor"
	}

	return &Service{
		books:    books,
		analyzer: bookAnalyzer,
		engine:   engine,
		llm:      llmClient,
		logger:   logger,
		opts:     opts,
	}
}

// bookContext is one book's contribution before global assembly.
type bookContext struct {
	book    store.Book
	summary string
	chunks  []retrieval.ScoredChunk
	note    string
}

func (s *Service) Query(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Result{}, fmt.Errorf("question cannot be empty")
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	useKnowledge := s.opts.UseBookKnowledge
	if req.UseBookKnowledge != nil {
		useKnowledge = *req.UseBookKnowledge
	}

	budget := req.ChunkBudget
	if budget <= 0 {
		budget = s.opts.ChunkBudget
	}

	books, err := s.selectBooks(ctx, req.BookIDs)
	if err != nil {
		return Result{}, err
	}
	if len(books) == 0 {
		return Result{}, fmt.Errorf("no books available")
	}

	contexts := make([]bookContext, len(books))
	grp, gctx := errgroup.WithContext(ctx)
	for i, book := range books {
		grp.Go(func() error {
			contexts[i] = s.bookContext(gctx, book, question, budget, useKnowledge)
			return nil
		})
	}
	// Goroutines only record degradations; the group never carries an error,
	// but Wait still observes context cancellation ordering.
	_ = grp.Wait()
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("query deadline exceeded: %w", ctx.Err())
	}

	assembled, searched, notes := assemble(contexts, s.opts.ContextBudget)

	if assembled == "" {
		return Result{
			Answer:         "I couldn't find any relevant information in the selected books to answer your question.",
			BooksSearched:  nil,
			ContextLength:  0,
			ProcessingTime: time.Since(start),
			Notes:          notes,
		}, nil
	}

	answer, err := s.llm.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: personaPrompt(s.opts.Persona, searched)},
		{Role: llm.RoleUser, Content: userPrompt(question, assembled)},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}

	return Result{
		Answer:         strings.TrimSpace(answer),
		BooksSearched:  searched,
		ContextLength:  len(assembled),
		ProcessingTime: time.Since(start),
		Notes:          notes,
	}, nil
}

// selectBooks resolves the requested ids, treating an empty selection as
// every known book.
func (s *Service) selectBooks(ctx context.Context, bookIDs []string) ([]store.Book, error) {
	if len(bookIDs) == 0 {
		books, err := s.books.ListBooks(ctx)
		if err != nil {
			return nil, fmt.Errorf("list books: %w", err)
		}
		return books, nil
	}

	books := make([]store.Book, 0, len(bookIDs))
	for _, id := range bookIDs {
		book, err := s.books.GetBook(ctx, id)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, nil
}

// bookContext gathers one book's analysis and retrieval, degrading to an
// empty contribution with a note rather than failing the query.
func (s *Service) bookContext(ctx context.Context, book store.Book, question string, budget int, useKnowledge bool) bookContext {
	bc := bookContext{book: book}

	var characterNames []string
	if useKnowledge {
		record, err := s.analyzer.Analyze(ctx, book.ID)
		if err != nil {
			// Excluded from the knowledge path for this query only; the
			// failed build was not cached.
			s.logger.Printf("analysis unavailable for %s: %v", book.ID, err)
			bc.note = fmt.Sprintf("%s: book analysis unavailable", book.Title)
		} else {
			bc.summary = record.Summary
			characterNames = record.CharacterNames()
		}
	} else if record, ok := s.analyzer.Cached(ctx, book.ID); ok {
		// The character-directed pass may still use an existing record even
		// when summaries are not being included.
		characterNames = record.CharacterNames()
	}

	result, err := s.engine.Retrieve(ctx, book.ID, question, budget, characterNames)
	if errors.Is(err, retrieval.ErrUnavailable) {
		result, err = s.engine.Retrieve(ctx, book.ID, question, budget, characterNames)
	}
	if err != nil {
		s.logger.Printf("retrieval failed for %s: %v", book.ID, err)
		if bc.note != "" {
			bc.note += "; retrieval failed"
		} else {
			bc.note = fmt.Sprintf("%s: retrieval failed", book.Title)
		}
		return bc
	}

	bc.chunks = result.Chunks
	return bc
}

// assemble renders per-book contexts and enforces the global character
// budget: lowest-scoring chunks are dropped first across all books, chunk
// text is never split, and summaries are never cut mid-text. If summaries
// alone overflow the budget, whole trailing book sections are omitted.
func assemble(contexts []bookContext, contextBudget int) (string, []string, []string) {
	notes := make([]string, 0)
	for _, bc := range contexts {
		if bc.note != "" {
			notes = append(notes, bc.note)
		}
	}

	type renderedChunk struct {
		bookIdx int
		order   int
		score   float64
		text    string
	}

	headers := make([]string, len(contexts))
	baseLen := 0
	included := make([]bool, len(contexts))
	for i, bc := range contexts {
		if bc.summary == "" && len(bc.chunks) == 0 {
			continue
		}
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("=== %s ===\n", bc.book.Title))
		if bc.summary != "" {
			sb.WriteString("Book analysis:\n")
			sb.WriteString(bc.summary)
			sb.WriteString("\n\n")
		}
		headers[i] = sb.String()
		included[i] = true
		baseLen += len(headers[i])
	}

	// Summaries are kept whole; when they alone exceed the budget, drop
	// whole trailing books.
	for i := len(contexts) - 1; i >= 0 && baseLen > contextBudget; i-- {
		if !included[i] {
			continue
		}
		included[i] = false
		baseLen -= len(headers[i])
		notes = append(notes, fmt.Sprintf("%s: omitted to fit the context budget", contexts[i].book.Title))
	}

	rendered := make([]renderedChunk, 0)
	for i, bc := range contexts {
		if !included[i] {
			continue
		}
		for order, sc := range bc.chunks {
			text := fmt.Sprintf("--- %s (chunk %d) ---\n%s\n\n", bc.book.Title, sc.Chunk.Position, sc.Chunk.Text)
			rendered = append(rendered, renderedChunk{bookIdx: i, order: order, score: sc.Score, text: text})
		}
	}

	total := baseLen
	for _, rc := range rendered {
		total += len(rc.text)
	}

	dropped := make(map[int]map[int]bool) // bookIdx -> chunk order -> dropped
	if total > contextBudget {
		byScore := make([]renderedChunk, len(rendered))
		copy(byScore, rendered)
		sort.SliceStable(byScore, func(a, b int) bool { return byScore[a].score < byScore[b].score })

		for _, rc := range byScore {
			if total <= contextBudget {
				break
			}
			if dropped[rc.bookIdx] == nil {
				dropped[rc.bookIdx] = make(map[int]bool)
			}
			dropped[rc.bookIdx][rc.order] = true
			total -= len(rc.text)
		}
	}

	var sb strings.Builder
	searched := make([]string, 0, len(contexts))
	for i, bc := range contexts {
		if !included[i] {
			continue
		}

		kept := make([]retrieval.ScoredChunk, 0, len(bc.chunks))
		for order, sc := range bc.chunks {
			if dropped[i][order] {
				continue
			}
			kept = append(kept, sc)
		}
		if bc.summary == "" && len(kept) == 0 {
			// Every chunk fell to the budget cut; a bare section header is
			// not a contribution.
			notes = append(notes, fmt.Sprintf("%s: omitted to fit the context budget", bc.book.Title))
			continue
		}

		sb.WriteString(headers[i])
		for _, sc := range kept {
			sb.WriteString(fmt.Sprintf("--- %s (chunk %d) ---\n%s\n\n", bc.book.Title, sc.Chunk.Position, sc.Chunk.Text))
		}
		searched = append(searched, bc.book.Title)
	}

	return strings.TrimRight(sb.String(), "\n"), searched, notes
}

func userPrompt(question, context string) string {
	var sb strings.Builder
	sb.WriteString("Document context:\n")
	sb.WriteString(context)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer:")
	return sb.String()
}
