package recipe

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RecipeConfig binds a site pattern to the selectors used to scrape it.
type RecipeConfig struct {
	Name        string      `json:"name" yaml:"name"`
	Version     string      `json:"version" yaml:"version"`
	SiteURL     string      `json:"siteUrl" yaml:"siteUrl"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Selectors   Selectors   `json:"selectors" yaml:"selectors"`
	Transforms  Transforms  `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	Behavior    *Behavior   `json:"behavior,omitempty" yaml:"behavior,omitempty"`
	Validation  *Validation `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// Selectors holds the CSS selectors per product field. The first eight are
// required; the rest refine extraction when present.
type Selectors struct {
	Title        Selector `json:"title" yaml:"title"`
	Price        Selector `json:"price" yaml:"price"`
	Images       Selector `json:"images" yaml:"images"`
	Stock        Selector `json:"stock" yaml:"stock"`
	SKU          Selector `json:"sku" yaml:"sku"`
	Description  Selector `json:"description" yaml:"description"`
	ProductLinks Selector `json:"productLinks" yaml:"productLinks"`
	Attributes   Selector `json:"attributes" yaml:"attributes"`

	ShortDescription Selector `json:"shortDescription,omitempty" yaml:"shortDescription,omitempty"`
	Category         Selector `json:"category,omitempty" yaml:"category,omitempty"`
	SalePrice        Selector `json:"salePrice,omitempty" yaml:"salePrice,omitempty"`
	Variations       Selector `json:"variations,omitempty" yaml:"variations,omitempty"`
	Pagination       Selector `json:"pagination,omitempty" yaml:"pagination,omitempty"`
}

// required returns the mandatory selectors keyed by their file name.
func (s Selectors) required() []namedSelector {
	return []namedSelector{
		{"title", s.Title},
		{"price", s.Price},
		{"images", s.Images},
		{"stock", s.Stock},
		{"sku", s.SKU},
		{"description", s.Description},
		{"productLinks", s.ProductLinks},
		{"attributes", s.Attributes},
	}
}

type namedSelector struct {
	name string
	sel  Selector
}

// Selector is one or more CSS selectors, tried in order. In files it is
// written either as a string or as a list of strings.
type Selector []string

// Empty reports whether no usable selector is present.
func (s Selector) Empty() bool {
	for _, v := range s {
		if v != "" {
			return false
		}
	}
	return true
}

// First returns the first non-empty selector, or "".
func (s Selector) First() string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

// UnmarshalYAML accepts a scalar or a sequence.
func (s *Selector) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = Selector{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = Selector(list)
		return nil
	}
	return fmt.Errorf("selector must be a string or a list of strings (line %d)", node.Line)
}

// UnmarshalJSON accepts a string or an array of strings.
func (s *Selector) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Selector{one}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("selector must be a string or a list of strings")
	}
	*s = Selector(list)
	return nil
}

// Transforms maps a product field to an ordered list of transform ops
// (see product.ApplyTransforms).
type Transforms map[string][]string

// Behavior tunes how an adapter talks to the site.
type Behavior struct {
	// RateLimit is the maximum request rate in requests per second. 0 = unlimited.
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	// MaxConcurrent caps in-flight page fetches. Default: 2.
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`
	// Timeout per page fetch, as a Go duration string. Default: 30s.
	Timeout            string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	UseHeadlessBrowser bool   `json:"useHeadlessBrowser,omitempty" yaml:"useHeadlessBrowser,omitempty"`
	WaitForSelector    string `json:"waitForSelector,omitempty" yaml:"waitForSelector,omitempty"`
	UserAgent          string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
	// MaxPages bounds pagination during discovery. Default: 1.
	MaxPages int `json:"maxPages,omitempty" yaml:"maxPages,omitempty"`
}

// FetchTimeout parses Timeout, falling back to 30s.
func (b *Behavior) FetchTimeout() time.Duration {
	if b == nil || b.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(b.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Concurrency returns MaxConcurrent with its default applied.
func (b *Behavior) Concurrency() int {
	if b == nil || b.MaxConcurrent <= 0 {
		return 2
	}
	return b.MaxConcurrent
}

// PageLimit returns MaxPages with its default applied.
func (b *Behavior) PageLimit() int {
	if b == nil || b.MaxPages <= 0 {
		return 1
	}
	return b.MaxPages
}

// Validation holds per-recipe product quality rules.
type Validation struct {
	RequiredFields       []string `json:"requiredFields,omitempty" yaml:"requiredFields,omitempty"`
	MinTitleLength       int      `json:"minTitleLength,omitempty" yaml:"minTitleLength,omitempty"`
	MaxTitleLength       int      `json:"maxTitleLength,omitempty" yaml:"maxTitleLength,omitempty"`
	MinDescriptionLength int      `json:"minDescriptionLength,omitempty" yaml:"minDescriptionLength,omitempty"`
	MaxDescriptionLength int      `json:"maxDescriptionLength,omitempty" yaml:"maxDescriptionLength,omitempty"`
}
