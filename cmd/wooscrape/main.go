// Command wooscrape scrapes WooCommerce shops with recipes and serves the
// generated import CSV files.
//
// Usage:
//
//	wooscrape -config wooscrape.yaml                      # HTTP API daemon
//	wooscrape -recipes ./recipes -site https://shop.example.com -listing https://shop.example.com/shop/
//	wooscrape -recipes ./recipes -stats                   # show stats and exit
//	wooscrape -config wooscrape.yaml -mcp                 # MCP over stdio
package main

import (
	"context"
	"encoding/json"
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

	"github.com/hazyhaar/wooscrape/wooscrape"
)

type options struct {
	configPath string
	recipesDir string
	storageDir string
	addr       string
	site       string
	recipe     string
	listing    string
	limit      int
	stats      bool
	mcp        bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to wooscrape.yaml config file")
	flag.StringVar(&o.recipesDir, "recipes", "", "recipes directory")
	flag.StringVar(&o.storageDir, "storage", "", "result storage directory")
	flag.StringVar(&o.addr, "addr", "", "HTTP listen address")
	flag.StringVar(&o.site, "site", "", "scrape this site once and exit")
	flag.StringVar(&o.recipe, "recipe", "", "recipe name (default: best match for -site)")
	flag.StringVar(&o.listing, "listing", "", "listing page to discover products from")
	flag.IntVar(&o.limit, "limit", 0, "max product pages (0 = no cap)")
	flag.BoolVar(&o.stats, "stats", false, "show stats and exit")
	flag.BoolVar(&o.mcp, "mcp", false, "serve MCP tools over stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("wooscrape: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := resolveConfig(o)
	if err != nil {
		return err
	}

	svc, err := wooscrape.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("wooscrape: close", "error", err)
		}
	}()

	// One-shot: scrape.
	if o.site != "" {
		sum, err := svc.RunJob(ctx, wooscrape.JobRequest{
			SiteURL:    o.site,
			Recipe:     o.recipe,
			ListingURL: o.listing,
			Limit:      o.limit,
		})
		if err != nil {
			return fmt.Errorf("job: %w", err)
		}
		return printJSON(sum)
	}

	// One-shot: stats.
	if o.stats {
		st, err := svc.Stats()
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		return printJSON(st)
	}

	svc.Start(ctx)

	if o.mcp {
		srv := mcp.NewServer(&mcp.Implementation{Name: "wooscrape", Version: "1.0.0"}, nil)
		svc.RegisterMCP(srv)
		logger.Info("wooscrape: serving mcp on stdio")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	}

	// Daemon mode.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("wooscrape: listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("wooscrape: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("wooscrape: shutdown", "error", err)
	}
	return nil
}

func resolveConfig(o options) (*wooscrape.Config, error) {
	cfg := &wooscrape.Config{}
	if o.configPath != "" {
		var err error
		if cfg, err = wooscrape.LoadConfigFile(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.recipesDir != "" {
		cfg.RecipesDir = o.recipesDir
	}
	if o.storageDir != "" {
		cfg.StorageDir = o.storageDir
	}
	if o.addr != "" {
		cfg.HTTPAddr = o.addr
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
