// Package adapter builds and caches the per-site scraping adapters.
//
// An Adapter is bound to exactly one (recipe, site URL) pair. The Manager
// resolves the recipe (by name or by site specificity), checks that it
// applies to the site, and keeps one adapter per "{recipeName}:{siteUrl}"
// for the lifetime of the process.
package adapter

import (
	"context"
	"errors"

	"github.com/hazyhaar/wooscrape/product"
	"github.com/hazyhaar/wooscrape/recipe"
)

// ErrSiteURLMismatch is returned when a recipe's site pattern does not cover
// the requested site.
var ErrSiteURLMismatch = errors.New("adapter: site url mismatch")

// Adapter discovers and extracts products for one site.
type Adapter interface {
	RecipeName() string
	SiteURL() string
	Recipe() *recipe.RecipeConfig
	// DiscoverProducts returns the product page URLs linked from listingURL
	// (the site root when empty), following pagination up to the recipe limit.
	DiscoverProducts(ctx context.Context, listingURL string) ([]string, error)
	// ExtractProduct reads one product page.
	ExtractProduct(ctx context.Context, productURL string) (*product.RawProduct, error)
}

// Factory builds an adapter for a validated recipe and site.
type Factory func(ctx context.Context, cfg *recipe.RecipeConfig, siteURL string) (Adapter, error)

// CacheKey returns the cache identity of an adapter.
func CacheKey(recipeName, siteURL string) string {
	return recipeName + ":" + siteURL
}
