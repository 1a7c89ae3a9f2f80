// Command monologd runs the monolog aggregation daemon: an HTTP ingest API,
// the SQLite-backed store and the background embedding pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	monolog "github.com/olbrasoft/monolog"
	"github.com/olbrasoft/monolog/config"
	"github.com/olbrasoft/monolog/core"
	"github.com/olbrasoft/monolog/embedding/openai"
	"github.com/olbrasoft/monolog/logging"
	"github.com/olbrasoft/monolog/server"
	"github.com/olbrasoft/monolog/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "monologd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logging.New(&logging.Config{
		Level:     logging.ParseLevel(cfg.Logging.Level),
		Format:    cfg.Logging.Format,
		Component: "monologd",
	})

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.CloseDB()

	var provider core.EmbeddingProvider
	embeddingEnabled := cfg.Embedding.Enabled
	if cfg.Embedding.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		logger.Warn("no OpenAI API key configured, embedding pipeline disabled")
		embeddingEnabled = false
	} else {
		provider = openai.New(func(o *openai.Options) {
			o.Model = cfg.Embedding.Model
			o.Dimensions = cfg.Embedding.Dimensions
			o.APIKey = cfg.Embedding.APIKey
			o.BaseURL = cfg.Embedding.BaseURL
		})
	}

	svc := monolog.New(func(o *monolog.Options) {
		o.Store = db
		o.Provider = provider
		o.Quarantine = db
		o.Logger = logger
		o.EmbeddingEnabled = embeddingEnabled
		o.EmbeddingInterval = cfg.Embedding.Interval()
		o.EmbeddingBatchSize = cfg.Embedding.BatchSize
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go svc.RunPipeline(ctx)

	handler := server.New(svc, func(o *server.Options) {
		o.Logger = logger
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr, "db", cfg.Database.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
