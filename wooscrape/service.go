// Package wooscrape wires the scraper together: recipe store, renderers,
// adapter cache, CSV engine, result store and job ledger live in one
// lifecycle container, and jobs run in a scope of their own.
//
// Usage:
//
//	svc, err := wooscrape.Build(ctx, cfg, logger)
//	defer svc.Close(ctx)
//	svc.Start(ctx)
//	http.ListenAndServe(cfg.HTTPAddr, svc.Handler())
//	svc.RegisterMCP(mcpServer)
package wooscrape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/wooscrape/adapter"
	"github.com/hazyhaar/wooscrape/container"
	"github.com/hazyhaar/wooscrape/csvgen"
	"github.com/hazyhaar/wooscrape/joblog"
	"github.com/hazyhaar/wooscrape/observability"
	"github.com/hazyhaar/wooscrape/recipe"
	"github.com/hazyhaar/wooscrape/render"
	"github.com/hazyhaar/wooscrape/resultstore"
	"github.com/hazyhaar/wooscrape/watch"
)

// Container keys of the service components.
const (
	KeyRecipes  container.Key = "recipes"
	KeyHTTP     container.Key = "render.http"
	KeyBrowser  container.Key = "render.browser"
	KeyAdapters container.Key = "adapters"
	KeyEngine   container.Key = "csv"
	KeyLedger   container.Key = "ledger"
	KeyMetrics  container.Key = "metrics"
	KeyResults  container.Key = "results"
	KeyRunner   container.Key = "runner"
)

// Service is a built wooscrape instance.
type Service struct {
	cfg    *Config
	root   *container.Container
	logger *slog.Logger

	recipes  *recipe.Store
	adapters *adapter.Manager
	results  *resultstore.Store
	engine   *csvgen.Engine
	ledger   *joblog.Ledger
	metrics  *observability.MetricsManager

	recipeWatch *watch.Watcher

	startOnce sync.Once
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// Build registers every component in a root container and resolves the
// long-lived ones. A failed Build releases whatever it had opened.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	root := container.New(container.WithLogger(logger))
	register(root, cfg, logger)

	s := &Service{cfg: cfg, root: root, logger: logger}
	if cfg.RecipePoll > 0 {
		s.recipeWatch = watch.New(
			watch.DirFingerprint(cfg.RecipesDir, ".yaml", ".yml", ".json"),
			watch.Options{Interval: cfg.RecipePoll, Debounce: cfg.RecipePoll / 2, Logger: logger},
		)
	}
	if err := s.resolve(ctx); err != nil {
		if derr := root.Dispose(ctx); derr != nil {
			logger.Warn("wooscrape: dispose after failed build", "error", derr)
		}
		return nil, fmt.Errorf("wooscrape: build: %w", err)
	}

	logger.Info("wooscrape: built",
		"recipes_dir", cfg.RecipesDir,
		"storage_dir", cfg.StorageDir,
		"ledger_db", cfg.LedgerDB,
		"entry_ttl", cfg.EntryTTL,
	)
	return s, nil
}

func (s *Service) resolve(ctx context.Context) error {
	var err error
	if s.ledger, err = container.Get[*joblog.Ledger](ctx, s.root, KeyLedger); err != nil {
		return err
	}
	if s.metrics, err = container.Get[*observability.MetricsManager](ctx, s.root, KeyMetrics); err != nil {
		return err
	}
	if s.results, err = container.Get[*resultstore.Store](ctx, s.root, KeyResults); err != nil {
		return err
	}
	if s.recipes, err = container.Get[*recipe.Store](ctx, s.root, KeyRecipes); err != nil {
		return err
	}
	if s.adapters, err = container.Get[*adapter.Manager](ctx, s.root, KeyAdapters); err != nil {
		return err
	}
	s.engine, err = container.Get[*csvgen.Engine](ctx, s.root, KeyEngine)
	return err
}

func register(root *container.Container, cfg *Config, logger *slog.Logger) {
	var validate func(string) error
	if cfg.AllowPrivateNetworks {
		validate = func(string) error { return nil }
	}

	root.Register(KeyRecipes, container.Registration{
		Lifetime: container.Singleton,
		Factory: func(context.Context, *container.Container) (any, error) {
			return recipe.NewStore(cfg.RecipesDir, recipe.WithLogger(logger)), nil
		},
	})

	root.Register(KeyHTTP, container.Registration{
		Lifetime: container.Singleton,
		Factory: func(context.Context, *container.Container) (any, error) {
			return render.NewHTTPFetcher(render.HTTPConfig{
				Timeout:      cfg.Fetch.Timeout,
				MaxBytes:     cfg.Fetch.MaxBytes,
				UserAgent:    cfg.Fetch.UserAgent,
				URLValidator: validate,
				Logger:       logger,
			}), nil
		},
	})

	root.Register(KeyBrowser, container.Registration{
		Lifetime: container.Singleton,
		Factory: func(context.Context, *container.Container) (any, error) {
			if cfg.Browser.Disabled {
				return (*render.BrowserRenderer)(nil), nil
			}
			return render.NewBrowserRenderer(render.BrowserConfig{
				RemoteURL:    cfg.Browser.RemoteURL,
				Headful:      cfg.Browser.Headful,
				NavTimeout:   cfg.Browser.NavTimeout,
				URLValidator: validate,
				Logger:       logger,
			}), nil
		},
		Destroy: func(_ context.Context, inst any) error {
			if b, _ := inst.(*render.BrowserRenderer); b != nil {
				return b.Close()
			}
			return nil
		},
	})

	root.Register(KeyAdapters, container.Registration{
		Lifetime: container.Singleton,
		Factory: func(ctx context.Context, c *container.Container) (any, error) {
			recipes, err := container.Get[*recipe.Store](ctx, c, KeyRecipes)
			if err != nil {
				return nil, err
			}
			httpFetcher, err := container.Get[*render.HTTPFetcher](ctx, c, KeyHTTP)
			if err != nil {
				return nil, err
			}
			browser, err := container.Get[*render.BrowserRenderer](ctx, c, KeyBrowser)
			if err != nil {
				return nil, err
			}
			factory := adapter.SelectorFactory(adapter.Renderers{HTTP: httpFetcher, Browser: browser}, logger)
			return adapter.NewManager(recipes, factory, adapter.WithLogger(logger)), nil
		},
	})

	root.Register(KeyEngine, container.Registration{
		Lifetime: container.Singleton,
		Factory: func(context.Context, *container.Container) (any, error) {
			return csvgen.New(logger), nil
		},
	})

	root.Register(KeyLedger, container.Registration{
		Lifetime: container.Singleton,
		Factory: func(context.Context, *container.Container) (any, error) {
			return joblog.Open(cfg.LedgerDB, joblog.WithLogger(logger))
		},
		Destroy: func(_ context.Context, inst any) error {
			return inst.(*joblog.Ledger).Close()
		},
	})

	root.Register(KeyMetrics, container.Registration{
		Lifetime: container.Singleton,
		Factory: func(context.Context, *container.Container) (any, error) {
			return observability.Open(cfg.MetricsDB, 100, 5*time.Second, logger)
		},
		Destroy: func(_ context.Context, inst any) error {
			return inst.(*observability.MetricsManager).Close()
		},
	})

	root.Register(KeyResults, container.Registration{
		Lifetime: container.Singleton,
		Factory: func(ctx context.Context, c *container.Container) (any, error) {
			ledger, err := container.Get[*joblog.Ledger](ctx, c, KeyLedger)
			if err != nil {
				return nil, err
			}
			return resultstore.New(cfg.StorageDir,
				resultstore.WithTTL(cfg.EntryTTL),
				resultstore.WithLogger(logger),
				resultstore.WithEvents(ledger),
			), nil
		},
		Destroy: func(_ context.Context, inst any) error {
			return inst.(*resultstore.Store).Close()
		},
	})

	root.Register(KeyRunner, container.Registration{
		Lifetime: container.Scoped,
		Factory: func(ctx context.Context, c *container.Container) (any, error) {
			r := &runner{logger: logger}
			var err error
			if r.adapters, err = container.Get[*adapter.Manager](ctx, c, KeyAdapters); err != nil {
				return nil, err
			}
			if r.engine, err = container.Get[*csvgen.Engine](ctx, c, KeyEngine); err != nil {
				return nil, err
			}
			if r.results, err = container.Get[*resultstore.Store](ctx, c, KeyResults); err != nil {
				return nil, err
			}
			if r.ledger, err = container.Get[*joblog.Ledger](ctx, c, KeyLedger); err != nil {
				return nil, err
			}
			if r.metrics, err = container.Get[*observability.MetricsManager](ctx, c, KeyMetrics); err != nil {
				return nil, err
			}
			return r, nil
		},
	})
}

// Start launches the background maintenance: the result store expiry sweep,
// the retention prune of ledger and metrics, and the recipe directory watch.
// The watch drops the recipe and adapter caches after a recipe file changes.
// Everything stops when ctx is cancelled or the service is closed.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.stop = context.WithCancel(ctx)
		s.results.StartCleanup(s.cfg.CleanupInterval)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.cfg.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.maintain(ctx)
				}
			}
		}()

		if s.recipeWatch != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.recipeWatch.OnChange(ctx, func() error {
					s.adapters.ClearCaches()
					return nil
				})
			}()
		}
	})
}

// maintain prunes the ledger and the metrics past retention and samples
// runtime metrics.
func (s *Service) maintain(ctx context.Context) {
	s.metrics.RecordRuntime()
	n, err := s.ledger.Prune(ctx, s.cfg.LedgerRetention)
	if err != nil {
		s.logger.Warn("wooscrape: ledger prune", "error", err)
	} else if n > 0 {
		s.logger.Info("wooscrape: ledger pruned", "events", n)
	}
	if n, err := s.metrics.Cleanup(ctx, s.cfg.LedgerRetention); err != nil {
		s.logger.Warn("wooscrape: metrics cleanup", "error", err)
	} else if n > 0 {
		s.logger.Info("wooscrape: metrics pruned", "points", n)
	}
}

// Close stops background work and disposes the container.
func (s *Service) Close(ctx context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
	return s.root.Dispose(ctx)
}

// Config returns the effective configuration.
func (s *Service) Config() *Config { return s.cfg }

// Recipes returns the recipe store.
func (s *Service) Recipes() *recipe.Store { return s.recipes }

// Adapters returns the adapter cache.
func (s *Service) Adapters() *adapter.Manager { return s.adapters }

// Results returns the result store.
func (s *Service) Results() *resultstore.Store { return s.results }

// Ledger returns the job ledger.
func (s *Service) Ledger() *joblog.Ledger { return s.ledger }

// Metrics returns the metrics manager.
func (s *Service) Metrics() *observability.MetricsManager { return s.metrics }

// Stats is the service-level storage report.
type Stats struct {
	Storage        resultstore.Stats `json:"storage"`
	CachedAdapters int               `json:"cachedAdapters"`
	Recipes        int               `json:"recipes"`
	RecipeWatch    *watch.Stats      `json:"recipeWatch,omitempty"`
}

// Stats reports storage, adapter cache and recipe counts.
func (s *Service) Stats() (*Stats, error) {
	names, err := s.recipes.List()
	if err != nil {
		return nil, fmt.Errorf("wooscrape: list recipes: %w", err)
	}
	st := &Stats{
		Storage:        s.results.Stats(),
		CachedAdapters: s.adapters.Len(),
		Recipes:        len(names),
	}
	if s.recipeWatch != nil {
		ws := s.recipeWatch.Stats()
		st.RecipeWatch = &ws
	}
	return st, nil
}
