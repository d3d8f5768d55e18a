package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRecipe(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func recipeYAML(name, site string) string {
	return `name: ` + name + `
version: "1.0"
siteUrl: "` + site + `"
selectors:
  title: h1.product_title
  price: p.price .amount
  images: [".woocommerce-product-gallery img", "img.wp-post-image"]
  stock: p.stock
  sku: span.sku
  description: "#tab-description"
  productLinks: ul.products a.woocommerce-LoopProduct-link
  attributes: table.shop_attributes tr
`
}

func TestLoadByName(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "shop-x.yaml", recipeYAML("shop-x", "shop-x.com"))

	st := NewStore(dir)
	cfg, err := st.Load("shop-x")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "shop-x" {
		t.Errorf("name: got %q, want %q", cfg.Name, "shop-x")
	}
	if cfg.Version != "1.0" {
		t.Errorf("version: got %q, want %q", cfg.Version, "1.0")
	}
	if len(cfg.Selectors.Images) != 2 {
		t.Errorf("images selectors: got %d, want 2", len(cfg.Selectors.Images))
	}
	if cfg.Selectors.Title.First() != "h1.product_title" {
		t.Errorf("title: got %q", cfg.Selectors.Title.First())
	}

	again, err := st.Load("shop-x")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again != cfg {
		t.Error("second Load should return the cached recipe")
	}
}

func TestLoadScansForNameField(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "misc.yml", recipeYAML("renamed", "renamed.example"))

	cfg, err := NewStore(dir).Load("renamed")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SiteURL != "renamed.example" {
		t.Errorf("siteUrl: got %q", cfg.SiteURL)
	}
}

func TestLoadNotFound(t *testing.T) {
	st := NewStore(t.TempDir())
	_, err := st.Load("missing")
	if !errors.Is(err, ErrRecipeNotFound) {
		t.Fatalf("got %v, want ErrRecipeNotFound", err)
	}
	_, err = st.Load("../etc/passwd")
	if !errors.Is(err, ErrRecipeNotFound) {
		t.Fatalf("traversal: got %v, want ErrRecipeNotFound", err)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "broken.yaml", `name: broken
version: "1"
siteUrl: broken.example
selectors:
  title: h1
`)
	_, err := NewStore(dir).Load("broken")
	if !errors.Is(err, ErrRecipeValidation) {
		t.Fatalf("got %v, want ErrRecipeValidation", err)
	}
	if !strings.Contains(err.Error(), "selectors.price") {
		t.Errorf("error should name the missing selector: %v", err)
	}
}

func TestSiteSpecificity(t *testing.T) {
	dir := t.TempDir()
	// Directory order: a-universal, b-wild, c-exact.
	writeRecipe(t, dir, "a-universal.yaml", recipeYAML("universal", "*"))
	writeRecipe(t, dir, "b-wild.yaml", recipeYAML("wild", "*.shop-x.com"))
	writeRecipe(t, dir, "c-exact.yaml", recipeYAML("exact", "shop-x.com"))

	st := NewStore(dir)
	tests := []struct {
		site string
		want string
	}{
		{"https://shop-x.com/catalog", "exact"},
		{"https://www.shop-x.com/", "exact"},
		{"https://eu.shop-x.com/p/1", "wild"},
		{"https://other.org", "universal"},
	}
	for _, tt := range tests {
		got := st.BySiteURL(tt.site)
		if got == nil {
			t.Errorf("%s: got nil, want %q", tt.site, tt.want)
			continue
		}
		if got.Name != tt.want {
			t.Errorf("%s: got %q, want %q", tt.site, got.Name, tt.want)
		}
	}
}

func TestSiteTieGoesToFirstFile(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "alpha.yaml", recipeYAML("alpha", "shop.test"))
	writeRecipe(t, dir, "beta.yaml", recipeYAML("beta", "shop.test"))

	got := NewStore(dir).BySiteURL("http://shop.test")
	if got == nil || got.Name != "alpha" {
		t.Fatalf("got %v, want alpha", got)
	}
}

func TestSiteNoMatch(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "only.yaml", recipeYAML("only", "only.example"))
	writeRecipe(t, dir, "garbage.yaml", "::: not yaml [")

	if got := NewStore(dir).BySiteURL("https://elsewhere.example"); got != nil {
		t.Fatalf("got %q, want nil", got.Name)
	}
}

func TestCollectionFileUsesFirst(t *testing.T) {
	dir := t.TempDir()
	body := "recipes:\n" +
		indent(recipeYAML("first", "first.example")) +
		indent(recipeYAML("second", "second.example"))
	path := writeRecipe(t, dir, "pack.yaml", body)

	f, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	coll, ok := f.(Collection)
	if !ok {
		t.Fatalf("got %T, want Collection", f)
	}
	if len(coll.Recipes) != 2 {
		t.Fatalf("recipes: got %d, want 2", len(coll.Recipes))
	}

	cfg, err := NewStore(dir).Load("pack")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "first" {
		t.Errorf("primary: got %q, want %q", cfg.Name, "first")
	}
}

// indent turns a recipe document into a YAML list item.
func indent(doc string) string {
	lines := strings.Split(strings.TrimRight(doc, "\n"), "\n")
	for i, l := range lines {
		if i == 0 {
			lines[i] = "  - " + l
		} else {
			lines[i] = "    " + l
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestEmptyCollection(t *testing.T) {
	_, err := Parse([]byte("recipes: []\n"), ".yaml")
	if !errors.Is(err, ErrInvalidRecipeFormat) {
		t.Fatalf("got %v, want ErrInvalidRecipeFormat", err)
	}
	_, err = Parse([]byte(`{"recipes": []}`), ".json")
	if !errors.Is(err, ErrInvalidRecipeFormat) {
		t.Fatalf("json: got %v, want ErrInvalidRecipeFormat", err)
	}
}

func TestInvalidShape(t *testing.T) {
	tests := []struct {
		name, data, ext string
	}{
		{"unknown keys", "foo: bar\n", ".yaml"},
		{"top-level list", "- name: a\n", ".yaml"},
		{"json list", `[{"name": "a", "selectors": {}}]`, ".json"},
		{"recipes not a list", "recipes: nope\n", ".yaml"},
		{"json recipes not a list", `{"recipes": 3}`, ".json"},
		{"scalar document", "hello\n", ".yaml"},
		{"broken yaml", "name: [a\n", ".yaml"},
		{"broken json", `{"name": `, ".json"},
		{"selectors wrong type", "name: a\nselectors: [1, 2]\n", ".yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.ext)
			if !errors.Is(err, ErrInvalidRecipeFormat) {
				t.Fatalf("got %v, want ErrInvalidRecipeFormat", err)
			}
		})
	}
}

func TestJSONWithComments(t *testing.T) {
	data := []byte(`{
  // hand-written recipe
  "name": "jsonshop",
  "version": 2,
  "siteUrl": "*.jsonshop.io",
  "selectors": {
    "title": "h1",
    "price": ".price",
    "images": ["img.main", "img.alt"],
    "stock": ".stock",
    "sku": ".sku",
    "description": ".desc",
    "productLinks": "a.product",
    "attributes": ".attrs tr",
  },
  "transforms": {"title": ["trim", "uppercase"]},
  "behavior": {"rateLimit": 2, "maxConcurrent": 4},
}`)
	f, err := Parse(data, ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := f.Primary()
	if cfg.Version != "2" {
		t.Errorf("version: got %q, want %q", cfg.Version, "2")
	}
	if got := cfg.Selectors.Images; len(got) != 2 || got[1] != "img.alt" {
		t.Errorf("images: got %v", got)
	}
	if got := cfg.Transforms["title"]; len(got) != 2 || got[1] != "uppercase" {
		t.Errorf("transforms: got %v", got)
	}
	if cfg.Behavior.Concurrency() != 4 {
		t.Errorf("concurrency: got %d, want 4", cfg.Behavior.Concurrency())
	}
	if err := ValidateErr(cfg); err != nil {
		t.Errorf("ValidateErr: %v", err)
	}
}

func TestValidate(t *testing.T) {
	f, err := Parse([]byte(recipeYAML("ok", "ok.example")), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := f.Primary()
	st := NewStore(t.TempDir())
	if !st.Validate(cfg) {
		t.Fatal("complete recipe should validate")
	}

	bad := *cfg
	bad.Selectors.SKU = Selector{""}
	if st.Validate(&bad) {
		t.Error("empty sku selector should fail validation")
	}
	bad = *cfg
	bad.Version = ""
	if st.Validate(&bad) {
		t.Error("missing version should fail validation")
	}
	if st.Validate(nil) {
		t.Error("nil recipe should fail validation")
	}
}

func TestListAndClearCache(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "b.yaml", recipeYAML("b", "b.example"))
	writeRecipe(t, dir, "a.json", `{"name":"a","version":"1","siteUrl":"a.example","selectors":{}}`)
	writeRecipe(t, dir, "notes.txt", "ignored")

	st := NewStore(dir)
	names, err := st.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Join(names, ",") != "a,b" {
		t.Errorf("List: got %v, want [a b]", names)
	}

	first, err := st.Load("b")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	st.ClearCache()
	second, err := st.Load("b")
	if err != nil {
		t.Fatalf("Load after clear: %v", err)
	}
	if first == second {
		t.Error("ClearCache should force a re-read")
	}

	missing, err := NewStore(filepath.Join(dir, "nope")).List()
	if err != nil || len(missing) != 0 {
		t.Errorf("missing dir: got %v, %v", missing, err)
	}
}

func TestMatchScore(t *testing.T) {
	tests := []struct {
		pattern, site string
		want          int
	}{
		{"*", "https://anything.test", MatchUniversal},
		{"shop.test", "https://SHOP.test:8443/x", MatchExact},
		{"https://www.shop.test", "shop.test", MatchExact},
		{"*.shop.test", "https://a.b.shop.test", MatchWildcard},
		{"*.shop.test", "https://shop.test", MatchWildcard},
		{"*.shop.test", "https://notshop.test", NoMatch},
		{"shop.test", "https://eu.shop.test", NoMatch},
		{"", "https://shop.test", NoMatch},
	}
	for _, tt := range tests {
		if got := MatchScore(tt.pattern, tt.site); got != tt.want {
			t.Errorf("MatchScore(%q, %q): got %d, want %d", tt.pattern, tt.site, got, tt.want)
		}
	}
}
