package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/wooscrape/recipe"
)

// Manager owns the adapter cache. The cache is unbounded; callers evict with
// Remove or ClearCaches.
type Manager struct {
	recipes *recipe.Store
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	adapters map[string]Adapter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager resolving recipes from recipes and building
// adapters with factory.
func NewManager(recipes *recipe.Store, factory Factory, opts ...Option) *Manager {
	m := &Manager{
		recipes:  recipes,
		factory:  factory,
		logger:   slog.Default(),
		adapters: make(map[string]Adapter),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Recipes returns the recipe store backing the manager.
func (m *Manager) Recipes() *recipe.Store { return m.recipes }

// Create returns the adapter for siteURL. With an empty recipeName the most
// specific recipe for the site is used, and recipe.ErrRecipeNotFound is
// returned when none matches. A named recipe that does not cover siteURL
// fails with ErrSiteURLMismatch.
func (m *Manager) Create(ctx context.Context, siteURL, recipeName string) (Adapter, error) {
	if recipeName != "" {
		if a, ok := m.Cached(recipeName, siteURL); ok {
			return a, nil
		}
	}

	var cfg *recipe.RecipeConfig
	if recipeName != "" {
		var err error
		cfg, err = m.recipes.Load(recipeName)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = m.recipes.BySiteURL(siteURL)
		if cfg == nil {
			return nil, fmt.Errorf("%w: no recipe matches %s", recipe.ErrRecipeNotFound, siteURL)
		}
	}
	return m.build(ctx, cfg, siteURL)
}

// CreateFromFile returns the adapter for siteURL using the recipe file at path.
func (m *Manager) CreateFromFile(ctx context.Context, siteURL, path string) (Adapter, error) {
	cfg, err := m.recipes.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return m.build(ctx, cfg, siteURL)
}

func (m *Manager) build(ctx context.Context, cfg *recipe.RecipeConfig, siteURL string) (Adapter, error) {
	if !recipe.Matches(cfg.SiteURL, siteURL) {
		return nil, fmt.Errorf("%w: Recipe '%s' is configured for %s, not %s",
			ErrSiteURLMismatch, cfg.Name, cfg.SiteURL, siteURL)
	}

	key := CacheKey(cfg.Name, siteURL)
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[key]; ok {
		return a, nil
	}

	a, err := m.factory(ctx, cfg, siteURL)
	if err != nil {
		return nil, fmt.Errorf("adapter: build %s: %w", key, err)
	}
	m.adapters[key] = a
	m.logger.Info("adapter: created", "recipe", cfg.Name, "site", siteURL)
	return a, nil
}

// Cached returns the cached adapter for (recipeName, siteURL).
func (m *Manager) Cached(recipeName, siteURL string) (Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[CacheKey(recipeName, siteURL)]
	return a, ok
}

// Remove evicts one adapter and reports whether it was cached.
func (m *Manager) Remove(recipeName, siteURL string) bool {
	key := CacheKey(recipeName, siteURL)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.adapters[key]
	delete(m.adapters, key)
	return ok
}

// Len returns the number of cached adapters.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.adapters)
}

// ClearCaches drops every cached adapter and the recipe cache.
func (m *Manager) ClearCaches() {
	m.mu.Lock()
	m.adapters = make(map[string]Adapter)
	m.mu.Unlock()
	m.recipes.ClearCache()
}
