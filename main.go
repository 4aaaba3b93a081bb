package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/inkwell-ai/inkwell/analyzer"
	"github.com/inkwell-ai/inkwell/api"
	"github.com/inkwell-ai/inkwell/cache"
	"github.com/inkwell-ai/inkwell/config"
	"github.com/inkwell-ai/inkwell/database"
	"github.com/inkwell-ai/inkwell/embeddings"
	"github.com/inkwell-ai/inkwell/graph"
	"github.com/inkwell-ai/inkwell/ingestion"
	"github.com/inkwell-ai/inkwell/llm"
	"github.com/inkwell-ai/inkwell/query"
	"github.com/inkwell-ai/inkwell/retrieval"
	"github.com/inkwell-ai/inkwell/store"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Printf("load .env: %v", err)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "analyze":
		analyzeCmd(cfg, logger, os.Args[2:])
	case "refresh-graph":
		refreshGraphCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// services bundles the long-lived domain objects shared by the commands.
type services struct {
	books     *store.PostgresStore
	analyzer  *analyzer.Analyzer
	extractor *graph.Extractor
	query     *query.Service
	close     func(ctx context.Context)
}

func buildServices(ctx context.Context, cfg config.Config, logger *log.Logger) (*services, error) {
	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("embedder setup: %w", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	cacheStore, err := cache.New(cfg.CacheDir, cfg.CacheTTL)
	if err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("cache setup: %w", err)
	}

	books := store.NewPostgresStore(pgPool)
	index := store.NewPgvectorIndex(pgPool, embedder)

	bookAnalyzer := analyzer.New(books, cacheStore, llmClient, logger)
	extractor := graph.NewExtractor(books, cacheStore, llmClient, nil, logger)

	closers := []func(ctx context.Context){
		func(context.Context) { pgPool.Close() },
	}

	// The Neo4j projection is optional: without a reachable server the graph
	// still lives in the cache and the in-memory index.
	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Printf("neo4j unavailable, graph projection disabled: %v", err)
	} else {
		extractor.SetSink(graph.NewNeo4jSink(neo4jDriver))
		closers = append(closers, func(ctx context.Context) {
			if err := neo4jDriver.Close(ctx); err != nil {
				logger.Printf("close neo4j driver: %v", err)
			}
		})
	}

	lexicon := retrieval.DefaultLexicon()
	if cfg.LexiconPath != "" {
		loaded, err := retrieval.LoadLexicon(cfg.LexiconPath)
		if err != nil {
			logger.Printf("lexicon %s unusable, using built-in terms: %v", cfg.LexiconPath, err)
		} else {
			lexicon = loaded
		}
	}

	engine := retrieval.NewEngine(index, books, lexicon, logger)
	querySvc := query.NewService(books, bookAnalyzer, engine, llmClient, logger, query.Options{
		ChunkBudget:      cfg.Query.ChunkBudget,
		ContextBudget:    cfg.Query.ContextBudget,
		UseBookKnowledge: cfg.Query.UseBookKnowledge,
		Persona:          cfg.Query.Persona,
		Timeout:          cfg.Query.Timeout,
	})

	return &services{
		books:     books,
		analyzer:  bookAnalyzer,
		extractor: extractor,
		query:     querySvc,
		close: func(ctx context.Context) {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i](ctx)
			}
		},
	}, nil
}

func serveCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.HTTPAddr, "address for the HTTP API to listen on")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svcs, err := buildServices(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer svcs.close(context.Background())

	server := api.New(svcs.books, svcs.analyzer, svcs.extractor, svcs.query, logger)

	httpServer := &http.Server{Addr: *addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
	}()

	logger.Printf("listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("http server: %v", err)
	}
}

func ingestCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := flags.String("dir", cfg.DataDir, "path to directory containing book files")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	svc := ingestion.NewService(pgPool, embedder, logger, cfg.Embeddings.Dimension)
	logger.Printf("ingesting books from %s using %s/%s embeddings", *dataDir, strings.ToUpper(cfg.Embeddings.Provider), cfg.Embeddings.Model)

	if err := svc.IngestDirectory(ctx, *dataDir); err != nil {
		logger.Fatalf("ingestion failed: %v", err)
	}
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask across the library")
	books := flags.String("books", "", "comma-separated book ids to search (default: all)")
	budget := flags.Int("budget", 0, "chunks to retrieve per book (default: configured budget)")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	if strings.TrimSpace(*question) == "" {
		logger.Fatal("a question is required (use --question)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svcs, err := buildServices(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer svcs.close(context.Background())

	var bookIDs []string
	if trimmed := strings.TrimSpace(*books); trimmed != "" {
		for _, id := range strings.Split(trimmed, ",") {
			bookIDs = append(bookIDs, strings.TrimSpace(id))
		}
	}

	result, err := svcs.query.Query(ctx, query.Request{
		Question:    *question,
		BookIDs:     bookIDs,
		ChunkBudget: *budget,
	})
	if err != nil {
		logger.Fatalf("query failed: %v", err)
	}

	fmt.Println(result.Answer)
	if len(result.BooksSearched) > 0 {
		fmt.Println()
		fmt.Printf("Searched: %s\n", strings.Join(result.BooksSearched, ", "))
		fmt.Printf("Context: %d chars in %s\n", result.ContextLength, result.ProcessingTime)
	}
	for _, note := range result.Notes {
		fmt.Printf("Note: %s\n", note)
	}
}

func analyzeCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("analyze", flag.ExitOnError)
	bookID := flags.String("book", "", "book id to analyze")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse analyze flags: %v", err)
	}
	if strings.TrimSpace(*bookID) == "" {
		logger.Fatal("a book id is required (use --book)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svcs, err := buildServices(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer svcs.close(context.Background())

	record, err := svcs.analyzer.Analyze(ctx, *bookID)
	if err != nil {
		logger.Fatalf("analyze failed: %v", err)
	}

	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		logger.Fatalf("encode analysis: %v", err)
	}
	fmt.Println(string(encoded))
}

func refreshGraphCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("refresh-graph", flag.ExitOnError)
	bookID := flags.String("book", "", "book id to extract (default: every book)")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse refresh-graph flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svcs, err := buildServices(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer svcs.close(context.Background())

	ids := make([]string, 0)
	if strings.TrimSpace(*bookID) != "" {
		ids = append(ids, strings.TrimSpace(*bookID))
	} else {
		books, err := svcs.books.ListBooks(ctx)
		if err != nil {
			logger.Fatalf("list books: %v", err)
		}
		for _, b := range books {
			ids = append(ids, b.ID)
		}
	}

	for _, id := range ids {
		g, err := svcs.extractor.Extract(ctx, id)
		if err != nil {
			logger.Printf("extract failed for %s: %v", id, err)
			continue
		}
		logger.Printf("graph for %s: %d entities, %d relationships (%d dropped)", id, len(g.Entities), len(g.Relationships), g.Dropped)
	}
}

func printUsage() {
	fmt.Println("Usage: inkwell <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve          Start the HTTP API")
	fmt.Println("  ingest         Load book files into the catalog (use --dir to override the data directory)")
	fmt.Println("  ask            Ask a question across the library")
	fmt.Println("  analyze        Build or fetch a book's analysis")
	fmt.Println("  refresh-graph  Rebuild knowledge graphs and project them to Neo4j")
}
