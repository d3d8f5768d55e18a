package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/wooscrape/product"
	"github.com/hazyhaar/wooscrape/recipe"
	"github.com/hazyhaar/wooscrape/render"
)

// Renderers are the page sources a SelectorAdapter can use.
type Renderers struct {
	HTTP *render.HTTPFetcher
	// Browser serves recipes with behavior.useHeadlessBrowser. Nil falls back
	// to HTTP.
	Browser *render.BrowserRenderer
}

// SelectorFactory returns a Factory building SelectorAdapters.
func SelectorFactory(r Renderers, logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, cfg *recipe.RecipeConfig, siteURL string) (Adapter, error) {
		var f render.Fetcher
		b := cfg.Behavior
		switch {
		case b != nil && b.UseHeadlessBrowser && r.Browser != nil:
			f = r.Browser.Waiting(b.WaitForSelector)
		case r.HTTP != nil:
			if b != nil && b.UseHeadlessBrowser {
				logger.Warn("adapter: headless browser unavailable, using http", "recipe", cfg.Name)
			}
			ua := ""
			if b != nil {
				ua = b.UserAgent
			}
			f = r.HTTP.WithUserAgent(ua)
		default:
			return nil, fmt.Errorf("no renderer available")
		}
		return NewSelectorAdapter(cfg, siteURL, f, logger), nil
	}
}

// SelectorAdapter extracts products with the recipe's CSS selectors.
// Page fetches are throttled to behavior.rateLimit per second and capped at
// behavior.maxConcurrent in flight.
type SelectorAdapter struct {
	cfg     *recipe.RecipeConfig
	siteURL string
	fetcher render.Fetcher
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewSelectorAdapter binds cfg to siteURL.
func NewSelectorAdapter(cfg *recipe.RecipeConfig, siteURL string, f render.Fetcher, logger *slog.Logger) *SelectorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &SelectorAdapter{
		cfg:     cfg,
		siteURL: siteURL,
		fetcher: f,
		sem:     semaphore.NewWeighted(int64(cfg.Behavior.Concurrency())),
		logger:  logger,
	}
	if cfg.Behavior != nil && cfg.Behavior.RateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.Behavior.RateLimit), 1)
	}
	return a
}

func (a *SelectorAdapter) RecipeName() string           { return a.cfg.Name }
func (a *SelectorAdapter) SiteURL() string              { return a.siteURL }
func (a *SelectorAdapter) Recipe() *recipe.RecipeConfig { return a.cfg }

// DiscoverProducts collects product links from listingURL and the pages that
// follow it through the pagination selector.
func (a *SelectorAdapter) DiscoverProducts(ctx context.Context, listingURL string) ([]string, error) {
	if listingURL == "" {
		listingURL = a.siteURL
	}
	next := absoluteURL(listingURL)

	var links []string
	seenLinks := make(map[string]bool)
	seenPages := make(map[string]bool)
	for page := 0; page < a.cfg.Behavior.PageLimit() && next != "" && !seenPages[next]; page++ {
		seenPages[next] = true
		doc, base, err := a.document(ctx, next)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			a.logger.Warn("adapter: pagination stopped", "url", next, "error", err)
			break
		}

		for _, sel := range a.cfg.Selectors.ProductLinks {
			doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
				href := linkOf(s)
				if href == "" {
					return
				}
				abs := resolve(base, href)
				if !seenLinks[abs] {
					seenLinks[abs] = true
					links = append(links, abs)
				}
			})
		}

		next = ""
		for _, sel := range a.cfg.Selectors.Pagination {
			if href := linkOf(doc.Find(sel).First()); href != "" {
				next = resolve(base, href)
				break
			}
		}
	}

	a.logger.Debug("adapter: discovered products", "recipe", a.cfg.Name, "count", len(links))
	return links, nil
}

// ExtractProduct reads the recipe's fields from one product page.
func (a *SelectorAdapter) ExtractProduct(ctx context.Context, productURL string) (*product.RawProduct, error) {
	doc, base, err := a.document(ctx, absoluteURL(productURL))
	if err != nil {
		return nil, err
	}
	sel := a.cfg.Selectors

	raw := &product.RawProduct{
		URL:              base.String(),
		Title:            firstText(doc, sel.Title),
		Price:            firstText(doc, sel.Price),
		SalePrice:        firstText(doc, sel.SalePrice),
		SKU:              firstText(doc, sel.SKU),
		Description:      firstHTML(doc, sel.Description),
		ShortDescription: firstHTML(doc, sel.ShortDescription),
		Stock:            stockText(doc, sel.Stock),
		Category:         firstText(doc, sel.Category),
	}
	for _, s := range sel.Images {
		doc.Find(s).Each(func(_ int, img *goquery.Selection) {
			if src := imageOf(img); src != "" {
				raw.Images = append(raw.Images, resolve(base, src))
			}
		})
	}
	raw.Attributes = attributesOf(doc, sel.Attributes)
	raw.Variations = variationsOf(doc, sel.Variations, a.logger)
	return raw, nil
}

// document fetches pageURL under the adapter's rate and concurrency limits.
func (a *SelectorAdapter) document(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("adapter: parse url %q: %w", pageURL, err)
	}

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	defer a.sem.Release(1)
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	fctx, cancel := context.WithTimeout(ctx, a.cfg.Behavior.FetchTimeout())
	defer cancel()
	body, err := a.fetcher.Fetch(fctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("adapter: parse html %s: %w", pageURL, err)
	}
	return doc, base, nil
}

func firstText(doc *goquery.Document, sel recipe.Selector) string {
	for _, s := range sel {
		if s == "" {
			continue
		}
		if m := doc.Find(s).First(); m.Length() > 0 {
			if t := strings.TrimSpace(m.Text()); t != "" {
				return t
			}
		}
	}
	return ""
}

func firstHTML(doc *goquery.Document, sel recipe.Selector) string {
	for _, s := range sel {
		if s == "" {
			continue
		}
		if m := doc.Find(s).First(); m.Length() > 0 {
			if h, err := m.Html(); err == nil && strings.TrimSpace(h) != "" {
				return strings.TrimSpace(h)
			}
		}
	}
	return ""
}

// stockText falls back to the element's class list ("stock out-of-stock")
// when the stock element carries no text.
func stockText(doc *goquery.Document, sel recipe.Selector) string {
	if t := firstText(doc, sel); t != "" {
		return t
	}
	for _, s := range sel {
		if s == "" {
			continue
		}
		if cls, ok := doc.Find(s).First().Attr("class"); ok {
			return strings.ReplaceAll(cls, "-", " ")
		}
	}
	return ""
}

func linkOf(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	if href, ok := s.Attr("href"); ok {
		return strings.TrimSpace(href)
	}
	if href, ok := s.Find("a[href]").First().Attr("href"); ok {
		return strings.TrimSpace(href)
	}
	return ""
}

// imageOf prefers the full-size source WooCommerce galleries expose.
func imageOf(s *goquery.Selection) string {
	for _, attr := range []string{"data-large_image", "data-src", "src", "href"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// attributesOf reads label/value rows such as WooCommerce's
// table.shop_attributes tr or a dl of dt/dd pairs. Values are split on ",".
func attributesOf(doc *goquery.Document, sel recipe.Selector) product.Attributes {
	var attrs product.Attributes
	for _, s := range sel {
		if s == "" {
			continue
		}
		doc.Find(s).Each(func(_ int, row *goquery.Selection) {
			name := strings.TrimSpace(row.Find("th, .label, dt").First().Text())
			value := strings.TrimSpace(row.Find("td, .value, dd").First().Text())
			if name == "" && value == "" {
				name, value, _ = strings.Cut(strings.TrimSpace(row.Text()), ":")
			}
			name = strings.TrimSuffix(strings.TrimSpace(name), ":")
			if name == "" {
				return
			}
			var values []string
			for _, v := range strings.Split(value, ",") {
				if v = strings.TrimSpace(v); v != "" {
					values = append(values, v)
				}
			}
			if len(values) > 0 {
				attrs.Add(name, values...)
			}
		})
		if len(attrs) > 0 {
			break
		}
	}
	return attrs
}

// wooVariation is one entry of form.variations_form[data-product_variations].
type wooVariation struct {
	SKU                 string               `json:"sku"`
	DisplayPrice        any                  `json:"display_price"`
	DisplayRegularPrice any                  `json:"display_regular_price"`
	IsInStock           bool                 `json:"is_in_stock"`
	BackordersAllowed   bool                 `json:"backorders_allowed"`
	Attributes          product.Assignments  `json:"attributes"`
	Image               struct{ Src string } `json:"image"`
}

// variationsOf reads WooCommerce variation data from the matched elements:
// the data-product_variations JSON when present, otherwise data-sku,
// data-price, data-stock and data-attribute_* attributes on each element.
func variationsOf(doc *goquery.Document, sel recipe.Selector, logger *slog.Logger) []product.RawVariation {
	var out []product.RawVariation
	for _, s := range sel {
		if s == "" {
			continue
		}
		doc.Find(s).Each(func(_ int, el *goquery.Selection) {
			if data, ok := el.Attr("data-product_variations"); ok {
				var list []wooVariation
				if err := json.Unmarshal([]byte(data), &list); err != nil {
					logger.Warn("adapter: bad variation json", "error", err)
					return
				}
				for _, wv := range list {
					out = append(out, fromWoo(wv))
				}
				return
			}

			rv := product.RawVariation{
				SKU:       el.AttrOr("data-sku", ""),
				Price:     el.AttrOr("data-price", ""),
				SalePrice: el.AttrOr("data-sale-price", ""),
				Stock:     el.AttrOr("data-stock", ""),
				Image:     el.AttrOr("data-image", ""),
			}
			for _, n := range el.Nodes {
				for _, at := range n.Attr {
					if name, ok := strings.CutPrefix(at.Key, "data-attribute_"); ok {
						rv.Assignments.Set(name, at.Val)
					}
				}
			}
			if rv.SKU != "" || len(rv.Assignments) > 0 {
				out = append(out, rv)
			}
		})
		if len(out) > 0 {
			break
		}
	}
	return out
}

func fromWoo(wv wooVariation) product.RawVariation {
	regular := numberText(wv.DisplayRegularPrice)
	price := numberText(wv.DisplayPrice)
	rv := product.RawVariation{
		SKU:   wv.SKU,
		Price: regular,
		Image: wv.Image.Src,
	}
	if regular == "" {
		rv.Price = price
	} else if price != "" && price != regular {
		rv.SalePrice = price
	}
	switch {
	case !wv.IsInStock:
		rv.Stock = product.StockOutOfStock
	case wv.BackordersAllowed:
		rv.Stock = product.StockOnBackorder
	default:
		rv.Stock = product.StockInStock
	}
	for _, as := range wv.Attributes {
		rv.Assignments.Set(strings.TrimPrefix(as.Name, "attribute_"), as.Value)
	}
	return rv
}

func numberText(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case string:
		return n
	}
	return ""
}

func absoluteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		return "https://" + raw
	}
	return raw
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
