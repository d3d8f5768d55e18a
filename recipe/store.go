// Package recipe loads, validates and caches per-site scraping recipes.
//
// A recipe is a YAML or JSON file in the recipes directory that binds a site
// pattern ("shop.example.com", "*.example.com" or "*") to the CSS selectors
// used to extract product fields. Files hold either one recipe object or a
// {recipes: [...]} collection, in which case the first element is used.
//
// Usage:
//
//	st := recipe.NewStore("recipes", recipe.WithLogger(logger))
//	cfg, err := st.Load("shop-x")
//	best := st.BySiteURL("https://shop-x.com/catalog") // nil if nothing matches
package recipe

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hazyhaar/wooscrape/safe"
)

// Store reads recipes from a directory and caches them by name.
// Returned recipes are shared and must be treated as read-only.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*RecipeConfig
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a Store over dir. The directory is only read on lookups.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		logger: slog.Default(),
		cache:  make(map[string]*RecipeConfig),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the recipes directory.
func (s *Store) Dir() string { return s.dir }

// Load returns the recipe called name. It looks for {name}.yaml, .yml and
// .json first, then scans every recipe file for a matching name field.
func (s *Store) Load(name string) (*RecipeConfig, error) {
	if cfg := s.cached(name); cfg != nil {
		return cfg, nil
	}
	if err := safe.ValidateIdentifier(name); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrRecipeNotFound, name)
	}

	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(s.dir, name+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := s.readValid(path)
		if err != nil {
			return nil, err
		}
		s.remember(cfg, name)
		return cfg, nil
	}

	paths, err := s.recipePaths()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		f, err := ReadFile(path)
		if err != nil {
			s.logger.Debug("recipe: skip unreadable file", "path", path, "error", err)
			continue
		}
		cfg := f.Primary()
		if cfg.Name != name {
			continue
		}
		if err := ValidateErr(cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		s.remember(cfg, name)
		return cfg, nil
	}

	return nil, fmt.Errorf("%w: %q in %s", ErrRecipeNotFound, name, s.dir)
}

// LoadFile parses and validates the recipe at path, which need not live in
// the recipes directory, and caches it by name.
func (s *Store) LoadFile(path string) (*RecipeConfig, error) {
	cfg, err := s.readValid(path)
	if err != nil {
		return nil, err
	}
	s.remember(cfg, "")
	return cfg, nil
}

// BySiteURL returns the most specific valid recipe for siteURL, or nil when
// no recipe applies. Exact hostnames beat "*.suffix" wildcards, which beat
// "*". Ties go to the file scanned first (directory order).
func (s *Store) BySiteURL(siteURL string) *RecipeConfig {
	paths, err := s.recipePaths()
	if err != nil {
		s.logger.Warn("recipe: scan for site", "site", siteURL, "error", err)
		return nil
	}

	var (
		best      *RecipeConfig
		bestScore int
	)
	for _, path := range paths {
		f, err := ReadFile(path)
		if err != nil {
			s.logger.Warn("recipe: skip unreadable file", "path", path, "error", err)
			continue
		}
		cfg := f.Primary()
		score := MatchScore(cfg.SiteURL, siteURL)
		if score <= bestScore {
			continue
		}
		if err := ValidateErr(cfg); err != nil {
			s.logger.Warn("recipe: skip invalid recipe", "path", path, "error", err)
			continue
		}
		best, bestScore = cfg, score
	}

	if best != nil {
		s.remember(best, "")
		s.logger.Debug("recipe: matched site", "site", siteURL, "recipe", best.Name, "score", bestScore)
	}
	return best
}

// List returns the names (file stems) of the recipe files in directory order.
// A missing directory yields an empty list.
func (s *Store) List() ([]string, error) {
	paths, err := s.recipePaths()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		base := filepath.Base(p)
		names = append(names, strings.TrimSuffix(base, filepath.Ext(base)))
	}
	return names, nil
}

// Validate reports whether cfg satisfies the recipe schema.
func (s *Store) Validate(cfg *RecipeConfig) bool {
	return ValidateErr(cfg) == nil
}

// ClearCache drops every cached recipe. The directory is left untouched.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]*RecipeConfig)
	s.mu.Unlock()
}

func (s *Store) cached(name string) *RecipeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[name]
}

// remember caches cfg under its own name and, when different, under alias.
func (s *Store) remember(cfg *RecipeConfig, alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cfg.Name] = cfg
	if alias != "" && alias != cfg.Name {
		s.cache[alias] = cfg
	}
}

func (s *Store) readValid(path string) (*RecipeConfig, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := f.Primary()
	if err := ValidateErr(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// recipePaths lists recipe files directly under dir, sorted by file name.
func (s *Store) recipePaths() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recipe: read dir %s: %w", s.dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isRecipeFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	return paths, nil
}
