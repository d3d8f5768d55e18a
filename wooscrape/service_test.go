package wooscrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/wooscrape/adapter"
	"github.com/hazyhaar/wooscrape/csvgen"
	"github.com/hazyhaar/wooscrape/joblog"
	"github.com/hazyhaar/wooscrape/observability"
	"github.com/hazyhaar/wooscrape/product"
	"github.com/hazyhaar/wooscrape/recipe"
	"github.com/hazyhaar/wooscrape/resultstore"
)

const shopListing = `<html><body>
<ul class="products">
  <li><a class="woocommerce-LoopProduct-link" href="/product/tee/">Tee</a></li>
  <li><a class="woocommerce-LoopProduct-link" href="/product/mug/">Mug</a></li>
  <li><a class="woocommerce-LoopProduct-link" href="/product/cap/">Cap</a></li>
</ul>
</body></html>`

const teePage = `<html><body>
<h1 class="product_title">Classic Tee</h1>
<p class="price"><span class="amount">$25.00</span></p>
<p class="stock in-stock">In stock</p>
<span class="sku">TEE-1</span>
<span class="posted_in"><a href="/c/shirts">Shirts</a></span>
<div id="tab-description"><p>Soft cotton</p></div>
<div class="woocommerce-product-gallery"><img src="/img/tee.jpg"></div>
<table class="shop_attributes"><tr><th>Material</th><td>Cotton</td></tr></table>
<form class="variations_form" data-product_variations='[
  {"sku":"TEE-1-S","display_price":20,"display_regular_price":25,"is_in_stock":true,"attributes":{"attribute_pa_size":"s"},"image":{"src":"/img/tee-s.jpg"}},
  {"sku":"TEE-1-M","display_price":25,"display_regular_price":25,"is_in_stock":true,"attributes":{"attribute_pa_size":"m"},"image":{"src":""}}
]'></form>
</body></html>`

const mugPage = `<html><body>
<h1 class="product_title">Mug</h1>
<p class="price"><span class="amount">$8.00</span></p>
<p class="stock out-of-stock">Out of stock</p>
<span class="sku">MUG-1</span>
<span class="posted_in"><a href="/c/kitchen">Kitchen</a></span>
<div id="tab-description"><p>Holds coffee</p></div>
<div class="woocommerce-product-gallery"><img src="/img/mug.jpg"></div>
</body></html>`

func shopSite(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/shop/":        shopListing,
		"/product/tee/": teePage,
		"/product/mug/": mugPage,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const shopRecipe = `name: shop-x
version: "1"
siteUrl: "127.0.0.1"
selectors:
  title: h1.product_title
  price: .price .amount
  images: .woocommerce-product-gallery img
  stock: p.stock
  sku: span.sku
  category: .posted_in a
  description: "#tab-description"
  productLinks: ul.products a.woocommerce-LoopProduct-link
  attributes: table.shop_attributes tr
  variations: form.variations_form
behavior:
  maxConcurrent: 2
`

const otherRecipe = `name: other
version: "1"
siteUrl: "other-shop.com"
selectors:
  title: h1
  price: .price
  images: img
  stock: .stock
  sku: .sku
  description: .desc
  productLinks: a.product
  attributes: .attrs tr
`

// testService builds a Service over temp dirs with the two recipes above.
func testService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	recipes := filepath.Join(dir, "recipes")
	if err := os.MkdirAll(recipes, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{"shop-x.yaml": shopRecipe, "other.yaml": otherRecipe} {
		if err := os.WriteFile(filepath.Join(recipes, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &Config{
		RecipesDir:           recipes,
		StorageDir:           filepath.Join(dir, "storage"),
		LedgerDB:             filepath.Join(dir, "ledger.db"),
		MetricsDB:            filepath.Join(dir, "metrics.db"),
		AllowPrivateNetworks: true,
		Browser:              BrowserConfig{Disabled: true},
	}
	svc, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc
}

func actions(t *testing.T, svc *Service, jobID string) []string {
	t.Helper()
	events, err := svc.Ledger().History(context.Background(), jobID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var out []string
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func TestRunJob(t *testing.T) {
	srv := shopSite(t)
	svc := testService(t)
	ctx := context.Background()

	sum, err := svc.RunJob(ctx, JobRequest{JobID: "job-1", SiteURL: srv.URL, ListingURL: srv.URL + "/shop/"})
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	if sum.RecipeName != "shop-x" {
		t.Errorf("recipe: got %q", sum.RecipeName)
	}
	if sum.Discovered != 3 || sum.Extracted != 2 || sum.Failed != 1 || sum.Rejected != 0 {
		t.Errorf("counts: discovered %d extracted %d failed %d rejected %d",
			sum.Discovered, sum.Extracted, sum.Failed, sum.Rejected)
	}
	if sum.ProductCount != 2 || sum.VariationCount != 2 {
		t.Errorf("csv counts: got %d/%d, want 2/2", sum.ProductCount, sum.VariationCount)
	}
	if sum.Filename != "shirts-kitchen-job-1.csv" {
		t.Errorf("filename: got %q", sum.Filename)
	}
	if len(sum.Warnings) != 1 || !strings.Contains(sum.Warnings[0], "/product/cap/") {
		t.Errorf("warnings: got %q", sum.Warnings)
	}
	if got := sum.ExpiresAt.Sub(sum.CreatedAt); got != 24*time.Hour {
		t.Errorf("ttl: got %v", got)
	}

	e, err := svc.Results().Lookup(ctx, "job-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	for _, want := range []string{"TEE-1", "MUG-1", "variable", "simple", "Soft cotton"} {
		if !strings.Contains(e.ParentCSV, want) {
			t.Errorf("parent csv lacks %q", want)
		}
	}
	if !strings.Contains(e.VariationCSV, "TEE-1-S") || !strings.Contains(e.VariationCSV, "Classic Tee - s") {
		t.Errorf("variation csv:\n%s", e.VariationCSV)
	}
	if e.Metadata.SiteURL != srv.URL || e.Metadata.RecipeName != "shop-x" {
		t.Errorf("metadata: %+v", e.Metadata)
	}
	if svc.Adapters().Len() != 1 {
		t.Errorf("cached adapters: got %d, want 1", svc.Adapters().Len())
	}

	want := []string{joblog.ActionRunStarted, resultstore.ActionStored}
	if diff := cmp.Diff(want, actions(t, svc, "job-1")); diff != "" {
		t.Errorf("ledger (-want +got):\n%s", diff)
	}

	svc.Metrics().Flush()
	points, err := svc.Metrics().Query(ctx, observability.Filter{Name: observability.MetricJobProducts})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].Value != 2 || points[0].Labels["recipe"] != "shop-x" {
		t.Errorf("job_products metric: %+v", points)
	}
}

func TestRunJobExplicitURLsAndLimit(t *testing.T) {
	srv := shopSite(t)
	svc := testService(t)

	sum, err := svc.RunJob(context.Background(), JobRequest{
		SiteURL:     srv.URL,
		Recipe:      "shop-x",
		ProductURLs: []string{srv.URL + "/product/mug/", srv.URL + "/product/mug/", srv.URL + "/product/tee/"},
		Limit:       1,
	})
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if !strings.HasPrefix(sum.JobID, "job_") {
		t.Errorf("generated job id: got %q", sum.JobID)
	}
	if sum.Discovered != 1 || sum.ProductCount != 1 || sum.VariationCount != 0 {
		t.Errorf("counts: discovered %d products %d variations %d", sum.Discovered, sum.ProductCount, sum.VariationCount)
	}
	e := svc.Results().Get(context.Background(), sum.JobID)
	if e == nil || e.VariationCSV != "" {
		t.Errorf("simple-only job should have no variation csv: %+v", e)
	}
}

func TestRunJobErrors(t *testing.T) {
	srv := shopSite(t)
	svc := testService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  JobRequest
		want error
	}{
		{"no site", JobRequest{}, ErrInvalidRequest},
		{"negative limit", JobRequest{SiteURL: srv.URL, Limit: -1}, ErrInvalidRequest},
		{"bad job id", JobRequest{JobID: "../x", SiteURL: srv.URL}, resultstore.ErrInvalidJobID},
		{"unknown recipe", JobRequest{SiteURL: srv.URL, Recipe: "missing"}, recipe.ErrRecipeNotFound},
		{"no recipe for site", JobRequest{SiteURL: "https://nowhere.example"}, recipe.ErrRecipeNotFound},
		{"mismatch", JobRequest{JobID: "job-mismatch", SiteURL: srv.URL, Recipe: "other"}, adapter.ErrSiteURLMismatch},
		{"nothing found", JobRequest{SiteURL: srv.URL, ListingURL: srv.URL + "/product/mug/"}, ErrNoProducts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RunJob(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	want := []string{joblog.ActionRunStarted, joblog.ActionRunFailed}
	if diff := cmp.Diff(want, actions(t, svc, "job-mismatch")); diff != "" {
		t.Errorf("ledger (-want +got):\n%s", diff)
	}
}

func TestGenerateJob(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	products := []product.NormalizedProduct{
		{SKU: "A-1", Title: "Alpha", Category: "Tools", ProductType: product.TypeSimple, RegularPrice: "5"},
		{SKU: "A-1", Title: "Alpha", Category: "Tools", ProductType: product.TypeSimple, RegularPrice: "5"},
	}
	sum, err := svc.GenerateJob(ctx, "gen-1", products)
	if err != nil {
		t.Fatalf("GenerateJob: %v", err)
	}
	if sum.ProductCount != 1 || sum.Filename != "tools-gen-1.csv" {
		t.Errorf("summary: %+v", sum)
	}

	_, err = svc.GenerateJob(ctx, "gen-2", []product.NormalizedProduct{{Title: "No sku"}})
	if !errors.Is(err, csvgen.ErrProductValidation) {
		t.Errorf("invalid products: got %v", err)
	}
	if svc.Results().Get(ctx, "gen-2") != nil {
		t.Error("failed job must not be stored")
	}
	if _, err := svc.GenerateJob(ctx, "", nil); !errors.Is(err, ErrNoProducts) {
		t.Errorf("empty list: got %v", err)
	}
}

func TestCloseReleasesResources(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		RecipesDir: dir,
		StorageDir: filepath.Join(dir, "storage"),
		LedgerDB:   filepath.Join(dir, "ledger.db"),
		MetricsDB:  filepath.Join(dir, "metrics.db"),
		Browser:    BrowserConfig{Disabled: true},
	}
	ctx := context.Background()
	svc, err := Build(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	svc.Start(ctx)
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := svc.Ledger().History(ctx, "x"); err == nil {
		t.Error("ledger should be closed")
	}
	if err := svc.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRecipeWatchClearsAdapters(t *testing.T) {
	srv := shopSite(t)
	svc := testService(t)
	ctx := context.Background()

	// Same directories, faster poll.
	cfg := *svc.Config()
	cfg.RecipePoll = 10 * time.Millisecond
	cfg.LedgerDB = filepath.Join(t.TempDir(), "watch.db")
	cfg.MetricsDB = filepath.Join(t.TempDir(), "watch-metrics.db")
	fast, err := Build(ctx, &cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer fast.Close(ctx)
	fast.Start(ctx)

	if _, err := fast.Adapters().Create(ctx, srv.URL, "shop-x"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if fast.Adapters().Len() != 1 {
		t.Fatalf("cached adapters: got %d, want 1", fast.Adapters().Len())
	}

	edited := strings.Replace(shopRecipe, `version: "1"`, `version: "1.1"`, 1)
	if err := os.WriteFile(filepath.Join(cfg.RecipesDir, "shop-x.yaml"), []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fast.Adapters().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("adapter cache was not cleared after the recipe changed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, err := fast.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.RecipeWatch == nil || st.RecipeWatch.Reloads == 0 {
		t.Errorf("recipe watch stats: %+v", st.RecipeWatch)
	}
}

func TestBuildFailsOnBadLedgerPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Build(context.Background(), &Config{
		RecipesDir: dir,
		StorageDir: dir,
		LedgerDB:   filepath.Join(blocker, "ledger.db"),
	}, nil)
	if err == nil {
		t.Fatal("expected build error")
	}
}

func TestConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wooscrape.yaml")
	body := `recipes_dir: /srv/recipes
entry_ttl: 48h
fetch:
  timeout: 5s
  user_agent: test-agent
browser:
  remote_url: ws://chrome:9222
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	cfg.defaults()

	want := &Config{
		RecipesDir:      "/srv/recipes",
		StorageDir:      "storage",
		LedgerDB:        "wooscrape.db",
		MetricsDB:       "wooscrape-metrics.db",
		EntryTTL:        48 * time.Hour,
		CleanupInterval: time.Hour,
		LedgerRetention: 30 * 24 * time.Hour,
		RecipePoll:      5 * time.Second,
		HTTPAddr:        ":8080",
		Fetch:           FetchConfig{Timeout: 5 * time.Second, UserAgent: "test-agent", MaxBytes: 10 << 20},
		Browser:         BrowserConfig{RemoteURL: "ws://chrome:9222", NavTimeout: 45 * time.Second},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
