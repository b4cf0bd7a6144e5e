// Command moissond runs the extraction pipeline daemon: an HTTP API for
// queueing scrapes, provisioning projects and exporting results, with
// the four pipeline stages consuming their queues in the background.
//
// Usage:
//
//	moissond -config moisson.yaml
//	moissond -db moisson.db -data-dir data/projects
//	moissond -mcp
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/catalog"
	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/fetch"
	"github.com/hazyhaar/moisson/infer"
	"github.com/hazyhaar/moisson/notify"
	"github.com/hazyhaar/moisson/pipeline"
	"github.com/hazyhaar/moisson/provision"
	"github.com/hazyhaar/moisson/rawstore"
)

func main() {
	configPath := flag.String("config", "", "path to moisson.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	dataDir := flag.String("data-dir", "", "directory for project stores (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	mcpMode := flag.Bool("mcp", false, "serve the tool interface over MCP on stdio instead of HTTP")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *dataDir, *mcpMode); err != nil {
		logger.Error("moissond: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, dataDir string, mcpMode bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cat := catalog.NewStore(db)
	if err := cat.Init(ctx); err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}
	raw := rawstore.NewStore(db, rawstore.WithLogger(logger))
	prov := provision.New(cat, provision.Config{DataDir: cfg.DataDir, Logger: logger})
	defer prov.Close()

	fetcher := buildFetcher(cfg, logger)

	extractor := infer.NewOpenAIClient(infer.Config{
		BaseURL: cfg.Inference.BaseURL,
		APIKey:  cfg.Inference.APIKey,
		Model:   cfg.Inference.Model,
		Logger:  logger,
	})

	hub := notify.NewHub(&notify.LogSink{Logger: logger})
	if cfg.WebhookURL != "" {
		hub.Register(&notify.WebhookSink{URL: cfg.WebhookURL, Logger: logger})
	}

	svc := pipeline.New(db, pipeline.Deps{
		Catalog:     cat,
		Raw:         raw,
		Fetcher:     fetcher,
		Extractor:   extractor,
		Provisioner: prov,
		Notifier:    hub,
	}, pipeline.Config{
		FetchConcurrency:       cfg.Pipeline.FetchConcurrency,
		RawPersistConcurrency:  cfg.Pipeline.RawPersistConcurrency,
		StructuringConcurrency: cfg.Pipeline.StructuringConcurrency,
		DeadLetterConcurrency:  cfg.Pipeline.DeadLetterConcurrency,
		DeadLetterDelay:        cfg.deadLetterDelay(),
		ReplayCap:              cfg.Pipeline.ReplayCap,
		Logger:                 logger,
	})
	if err := svc.Init(ctx); err != nil {
		return fmt.Errorf("init queues: %w", err)
	}

	consumersDone := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(consumersDone)
	}()

	// MCP mode serves the same tools over stdio and skips the HTTP API.
	// The pipeline consumers run either way.
	if mcpMode {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "moisson",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)

		logger.Info("moissond: serving MCP on stdio", "db", cfg.DBPath)
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		<-consumersDone
		logger.Info("moissond: stopped")
		return nil
	}

	a := &api{svc: svc, cat: cat, prov: prov, logger: logger}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("moissond: listening", "addr", cfg.Listen, "db", cfg.DBPath)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("moissond: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("moissond: http shutdown", "error", err)
	}
	<-consumersDone
	logger.Info("moissond: stopped")
	return nil
}

// buildFetcher assembles the HTTP fetcher, with browser escalation when
// enabled.
func buildFetcher(cfg *Config, logger *slog.Logger) fetch.Fetcher {
	httpFetcher := fetch.NewHTTPFetcher(fetch.HTTPConfig{
		Timeout: cfg.fetchTimeout(),
		Logger:  logger,
	})
	if !cfg.Fetch.BrowserEnabled {
		return fetch.NewClient(httpFetcher, nil)
	}
	browser := fetch.NewBrowser(fetch.BrowserConfig{
		RemoteURL:       cfg.Fetch.BrowserURL,
		NavigateTimeout: cfg.fetchTimeout(),
		Logger:          logger,
	})
	return fetch.NewClient(httpFetcher, browser)
}
