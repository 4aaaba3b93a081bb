// Package api exposes the library over HTTP: catalog, query, book analysis,
// and knowledge-graph projections.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/inkwell-ai/inkwell/analyzer"
	"github.com/inkwell-ai/inkwell/graph"
	"github.com/inkwell-ai/inkwell/query"
	"github.com/inkwell-ai/inkwell/retrieval"
	"github.com/inkwell-ai/inkwell/store"
)

const defaultEntityLimit = 10

// Server routes HTTP traffic to the long-lived domain services. The services
// are shared across requests so their caches and in-flight guards apply
// process-wide.
type Server struct {
	books     store.BookStore
	analyzer  *analyzer.Analyzer
	extractor *graph.Extractor
	querySvc  *query.Service
	logger    *log.Logger
	handler   http.Handler
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type booksResponse struct {
	Success bool         `json:"success"`
	Books   []store.Book `json:"books"`
}

type statusResponse struct {
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	BooksLoaded int    `json:"books_loaded"`
	TotalChunks int    `json:"total_chunks"`
}

type queryRequest struct {
	Question         string   `json:"question"`
	BookIDs          []string `json:"book_ids"`
	ContextChunks    int      `json:"context_chunks"`
	UseBookKnowledge *bool    `json:"use_book_knowledge"`
}

type queryResponse struct {
	Success          bool     `json:"success"`
	Answer           string   `json:"answer"`
	BooksSearched    []string `json:"books_searched"`
	ContextLength    int      `json:"context_length"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
	Notes            []string `json:"notes,omitempty"`
}

type analysisResponse struct {
	Success  bool              `json:"success"`
	Analysis analyzer.Analysis `json:"analysis"`
}

type graphResponse struct {
	Success bool        `json:"success"`
	Graph   graph.Graph `json:"graph"`
}

type forceGraphResponse struct {
	Success bool             `json:"success"`
	Graph   graph.ForceGraph `json:"graph"`
}

type entitySearchRequest struct {
	Query  string `json:"query"`
	BookID string `json:"book_id"`
	Limit  int    `json:"limit"`
}

type entitySearchResponse struct {
	Success bool           `json:"success"`
	Results []graph.Entity `json:"results"`
}

type relationshipsResponse struct {
	Success       bool                 `json:"success"`
	Entity        graph.Entity         `json:"entity"`
	Relationships []graph.Relationship `json:"relationships"`
}

func New(books store.BookStore, bookAnalyzer *analyzer.Analyzer, extractor *graph.Extractor, querySvc *query.Service, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		books:     books,
		analyzer:  bookAnalyzer,
		extractor: extractor,
		querySvc:  querySvc,
		logger:    logger,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /books", s.handleBooks)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /analysis/{book_id}", s.handleAnalysis)
	mux.HandleFunc("GET /knowledge-graph/{book_id}", s.handleKnowledgeGraph)
	mux.HandleFunc("GET /force-graph/{book_id}", s.handleForceGraph)
	mux.HandleFunc("POST /entities/search", s.handleEntitySearch)
	mux.HandleFunc("GET /entities/{book_id}/{entity_id}/relationships", s.handleEntityRelationships)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.books.ListBooks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("list books: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, booksResponse{Success: true, Books: books})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	books, err := s.books.ListBooks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("list books: %w", err))
		return
	}

	total := 0
	for _, b := range books {
		total += b.ChunkCount
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		Success:     true,
		Status:      "ok",
		BooksLoaded: len(books),
		TotalChunks: total,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}

	result, err := s.querySvc.Query(r.Context(), query.Request{
		Question:         req.Question,
		BookIDs:          req.BookIDs,
		ChunkBudget:      req.ContextChunks,
		UseBookKnowledge: req.UseBookKnowledge,
	})
	if err != nil {
		s.writeError(w, statusFor(err), fmt.Errorf("query failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, queryResponse{
		Success:          true,
		Answer:           result.Answer,
		BooksSearched:    result.BooksSearched,
		ContextLength:    result.ContextLength,
		ProcessingTimeMS: result.ProcessingTime.Milliseconds(),
		Notes:            result.Notes,
	})
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("book_id")

	record, err := s.analyzer.Analyze(r.Context(), bookID)
	if err != nil {
		s.writeError(w, statusFor(err), fmt.Errorf("analyze %s: %w", bookID, err))
		return
	}

	s.writeJSON(w, http.StatusOK, analysisResponse{Success: true, Analysis: record})
}

func (s *Server) handleKnowledgeGraph(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("book_id")

	g, err := s.extractor.Extract(r.Context(), bookID)
	if err != nil {
		s.writeError(w, statusFor(err), fmt.Errorf("extract graph for %s: %w", bookID, err))
		return
	}

	s.writeJSON(w, http.StatusOK, graphResponse{Success: true, Graph: g})
}

func (s *Server) handleForceGraph(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("book_id")

	if bookID == "combined" {
		fg, err := s.combinedForceGraph(r)
		if err != nil {
			s.writeError(w, statusFor(err), fmt.Errorf("combined force graph: %w", err))
			return
		}
		s.writeJSON(w, http.StatusOK, forceGraphResponse{Success: true, Graph: fg})
		return
	}

	g, err := s.extractor.Extract(r.Context(), bookID)
	if err != nil {
		s.writeError(w, statusFor(err), fmt.Errorf("extract graph for %s: %w", bookID, err))
		return
	}

	s.writeJSON(w, http.StatusOK, forceGraphResponse{Success: true, Graph: graph.Project(g)})
}

// combinedForceGraph projects every book's graph into one namespaced view.
// Books whose extraction fails are skipped so one bad book cannot blank the
// whole visualization.
func (s *Server) combinedForceGraph(r *http.Request) (graph.ForceGraph, error) {
	books, err := s.books.ListBooks(r.Context())
	if err != nil {
		return graph.ForceGraph{}, fmt.Errorf("list books: %w", err)
	}

	graphs := make([]graph.Graph, 0, len(books))
	for _, book := range books {
		g, err := s.extractor.Extract(r.Context(), book.ID)
		if err != nil {
			s.logger.Printf("skipping %s in combined graph: %v", book.ID, err)
			continue
		}
		graphs = append(graphs, g)
	}

	return graph.Combined(graphs), nil
}

func (s *Server) handleEntitySearch(w http.ResponseWriter, r *http.Request) {
	var req entitySearchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultEntityLimit
	}

	results := s.extractor.SearchEntities(r.Context(), req.Query, req.BookID, limit)
	s.writeJSON(w, http.StatusOK, entitySearchResponse{Success: true, Results: results})
}

func (s *Server) handleEntityRelationships(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("book_id")
	entityID := r.PathValue("entity_id")

	g, err := s.extractor.Extract(r.Context(), bookID)
	if err != nil {
		s.writeError(w, statusFor(err), fmt.Errorf("extract graph for %s: %w", bookID, err))
		return
	}

	entity, ok := g.Entity(entityID)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("entity %s not found in %s", entityID, bookID))
		return
	}

	s.writeJSON(w, http.StatusOK, relationshipsResponse{
		Success:       true,
		Entity:        entity,
		Relationships: g.EntityRelationships(entityID),
	})
}

// statusFor maps domain sentinels onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrBookNotFound):
		return http.StatusNotFound
	case errors.Is(err, analyzer.ErrBuildFailed),
		errors.Is(err, graph.ErrBuildFailed),
		errors.Is(err, query.ErrCompletionFailed):
		return http.StatusBadGateway
	case errors.Is(err, retrieval.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Success: false, Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
