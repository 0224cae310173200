package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/lenslog/lenslog/internal/answer"
	"github.com/lenslog/lenslog/internal/api"
	"github.com/lenslog/lenslog/internal/blob"
	"github.com/lenslog/lenslog/internal/cache"
	"github.com/lenslog/lenslog/internal/config"
	"github.com/lenslog/lenslog/internal/ingest"
	"github.com/lenslog/lenslog/internal/query"
	"github.com/lenslog/lenslog/internal/storage"
	"github.com/lenslog/lenslog/internal/vector"
	"github.com/lenslog/lenslog/internal/vision"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lenslog server (HTTP API, processing workers, MCP stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "lenslog version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	records, closeRecords, err := buildVectorStore(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeRecords()

	blobs, err := buildBlobStore(cfg)
	if err != nil {
		return err
	}

	resultCache := buildCache(ctx, cfg)

	ollamaClient := vision.NewOllamaClient(cfg.Ollama.BaseURL, cfg.Ollama.VisionModel, cfg.Ollama.EmbedModel)
	if !ollamaClient.IsRunning(ctx) {
		slog.Warn("Ollama is not reachable; uploads will queue until it comes up", "base_url", cfg.Ollama.BaseURL)
	}

	var structurer answer.Structurer = answer.NewLLM(ollamaClient, cfg.Ollama.AnswerModel)

	orchestrator := ingest.NewOrchestrator(blobs, records, store,
		cfg.Ingest.MaxUploadBytes, cfg.Ingest.MaxAttempts, cfg.Ingest.AcceptedTypes)

	engine := query.NewEngine(records, resultCache, ollamaClient, ollamaClient, blobs, structurer, query.Options{
		TopK:          cfg.Query.TopK,
		ResultTTL:     cfg.Query.ResultTTL,
		SearchTimeout: cfg.Query.SearchTimeout,
		CallTimeout:   cfg.Query.CallTimeout,
	})

	// Worker pool over the shared task queue.
	var wg sync.WaitGroup
	for i := 0; i < cfg.Ingest.Workers; i++ {
		w := ingest.NewWorker(store, records, blobs, ollamaClient, ollamaClient, resultCache,
			cfg.Ingest.PollInterval, cfg.Ingest.CallTimeout, cfg.Ingest.EmbeddingTTL)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	slog.Info("processing workers started", "count", cfg.Ingest.Workers)

	handler := api.NewHandler(api.Deps{
		Ingest:         orchestrator,
		Query:          engine,
		Records:        records,
		Token:          cfg.Server.Token,
		MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP over stdio for agent clients.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Query: engine, Records: records})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	wg.Wait()
	return nil
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.Kitchen,
	})))
}

func buildVectorStore(ctx context.Context, cfg config.Config, store *storage.Store) (vector.Store, func(), error) {
	switch cfg.Vector.Backend {
	case "postgres":
		pg, err := vector.NewPostgresStore(ctx, cfg.Vector.URL, cfg.Vector.EmbedDim)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres vector store: %w", err)
		}
		slog.Info("vector store ready", "backend", "postgres")
		return pg, pg.Close, nil
	default:
		slog.Info("vector store ready", "backend", "sqlite")
		return vector.NewSQLiteStore(store.DB()), func() {}, nil
	}
}

func buildBlobStore(cfg config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "s3":
		s3Store := blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.Blob.Endpoint,
			Region:    cfg.Blob.Region,
			Bucket:    cfg.Blob.Bucket,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
		})
		slog.Info("blob store ready", "backend", "s3", "bucket", cfg.Blob.Bucket)
		return s3Store, nil
	default:
		dir := cfg.Blob.Dir
		if dir == "" {
			dir = filepath.Join(cfg.Storage.DataDir, "blobs")
		}
		fsStore, err := blob.NewFSStore(dir)
		if err != nil {
			return nil, fmt.Errorf("preparing blob directory: %w", err)
		}
		slog.Info("blob store ready", "backend", "fs", "dir", dir)
		return fsStore, nil
	}
}

// buildCache prefers Redis and degrades to an in-process cache when Redis is
// unreachable. Single-node semantics stay correct either way; only cross-
// process result sharing is lost.
func buildCache(ctx context.Context, cfg config.Config) cache.Cache {
	if cfg.Redis.Address == "" {
		return cache.NewMemoryCache()
	}

	redisCache := cache.NewRedisCache(cache.Options{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := redisCache.Ping(pingCtx); err != nil {
		slog.Warn("redis unreachable, using in-memory cache", "address", cfg.Redis.Address, "error", err)
		redisCache.Close()
		return cache.NewMemoryCache()
	}

	slog.Info("cache ready", "backend", "redis", "address", cfg.Redis.Address)
	return redisCache
}
