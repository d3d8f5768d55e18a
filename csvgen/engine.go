// Package csvgen synthesises the two WooCommerce import documents, parent
// products and variations, from a list of normalised products.
//
// Generation is a pure function of its input: the same products always give
// byte-identical CSV. The parent document is deduplicated on "{sku}-{title}";
// the variation document is not.
package csvgen

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/wooscrape/product"
)

// ErrCSVGeneration wraps failures of the CSV writer.
var ErrCSVGeneration = errors.New("csvgen: generation failed")

// ErrProductValidation is returned by ValidationResult.Err for invalid input.
var ErrProductValidation = errors.New("csvgen: product validation failed")

var parentColumns = []string{
	"ID", "post_title", "post_name", "post_status", "post_content", "post_excerpt",
	"post_parent", "post_type", "menu_order", "sku", "stock_status", "images",
	"tax:product_type", "tax:product_cat", "description", "regular_price", "sale_price",
}

var variationColumns = []string{
	"ID", "post_type", "post_status", "parent_sku", "post_title", "post_name",
	"post_content", "post_excerpt", "menu_order", "sku", "stock_status",
	"regular_price", "sale_price", "tax_class", "images",
}

// Output is the result of Both.
type Output struct {
	ParentCSV      string `json:"parentCsv"`
	VariationCSV   string `json:"variationCsv"`
	ProductCount   int    `json:"productCount"`
	VariationCount int    `json:"variationCount"`
}

// Engine generates CSV documents.
type Engine struct {
	logger *slog.Logger
}

// New creates an Engine. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Dedupe drops products without sku or title and keeps the first product of
// each "{sku}-{title}" key.
func Dedupe(products []product.NormalizedProduct) []product.NormalizedProduct {
	seen := make(map[string]bool, len(products))
	out := make([]product.NormalizedProduct, 0, len(products))
	for _, p := range products {
		if p.SKU == "" || p.Title == "" {
			continue
		}
		key := p.SKU + "-" + p.Title
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// ParentCSV returns one row per deduplicated product. Attribute columns follow
// the order in which attributes are first met.
func (e *Engine) ParentCSV(products []product.NormalizedProduct) (string, error) {
	s, _, err := e.parent(products)
	return s, err
}

func (e *Engine) parent(products []product.NormalizedProduct) (string, int, error) {
	unique := Dedupe(products)
	t := newTable(parentColumns)

	for i := range unique {
		p := &unique[i]
		row := map[string]string{
			"ID":               "",
			"post_title":       p.Title,
			"post_name":        postName(p, i+1),
			"post_status":      "publish",
			"post_content":     p.Description,
			"post_excerpt":     p.ShortDescription,
			"post_parent":      "",
			"post_type":        "product",
			"menu_order":       "0",
			"sku":              p.SKU,
			"stock_status":     p.StockStatus,
			"images":           strings.Join(p.Images, "|"),
			"tax:product_type": productType(p),
			"tax:product_cat":  p.Category,
			"description":      p.Description,
			"regular_price":    orDefault(p.RegularPrice, "0"),
			"sale_price":       p.SalePrice,
		}

		variable := p.IsVariable()
		var first *product.Variation
		if variable && len(p.Variations) > 0 {
			first = &p.Variations[0]
		}
		for pos, a := range aggregate(p) {
			row[t.add("attribute:"+a.name)] = strings.Join(a.values, " | ")
			row[t.add("attribute_data:"+a.name)] = fmt.Sprintf("%d|1|%s|%s",
				pos, flag(isTaxonomy(a.key)), flag(variable))
			if first != nil {
				if v, ok := first.AttributeAssignments.Get(a.key); ok && v != "" {
					row[t.add("attribute_default:"+a.name)] = v
				}
			}
		}
		t.rows = append(t.rows, row)
	}

	out, err := t.encode()
	if err != nil {
		e.logger.Error("csvgen: parent csv", "rows", len(t.rows), "columns", len(t.columns), "error", err)
		return "", 0, fmt.Errorf("%w: parent: %v", ErrCSVGeneration, err)
	}
	return out, len(unique), nil
}

// VariationCSV returns one row per variation of every variable product. It
// returns "" when no product contributes a row.
func (e *Engine) VariationCSV(products []product.NormalizedProduct) (string, error) {
	s, _, err := e.variations(products)
	return s, err
}

func (e *Engine) variations(products []product.NormalizedProduct) (string, int, error) {
	// Attribute columns are global to the batch and sorted.
	var metaCols []string
	for i := range products {
		p := &products[i]
		if !p.IsVariable() {
			continue
		}
		for _, a := range aggregate(p) {
			col := "meta:attribute_" + a.name
			if !slices.Contains(metaCols, col) {
				metaCols = append(metaCols, col)
			}
		}
	}
	slices.Sort(metaCols)

	t := newTable(append(slices.Clone(variationColumns), metaCols...))
	for i := range products {
		p := &products[i]
		if !p.IsVariable() || len(p.Variations) == 0 {
			continue
		}
		parentName := p.Slug
		if parentName == "" {
			parentName = p.SKU
		}
		for j := range p.Variations {
			v := &p.Variations[j]
			title := p.Title
			if vals := v.AttributeAssignments.Values(); len(vals) > 0 {
				title += " - " + strings.Join(vals, ", ")
			}
			image := ""
			if len(v.Images) > 0 {
				image = v.Images[0]
			} else if len(p.Images) > 0 {
				image = p.Images[0]
			}
			row := map[string]string{
				"ID":            "",
				"post_type":     "product_variation",
				"post_status":   "publish",
				"parent_sku":    p.SKU,
				"post_title":    title,
				"post_name":     strings.ToLower(parentName + "-" + v.SKU),
				"post_content":  "",
				"post_excerpt":  "",
				"menu_order":    "0",
				"sku":           v.SKU,
				"stock_status":  v.StockStatus,
				"regular_price": v.RegularPrice,
				"sale_price":    v.SalePrice,
				"tax_class":     orDefault(v.TaxClass, "parent"),
				"images":        image,
			}
			for _, as := range v.AttributeAssignments {
				row["meta:attribute_"+DisplayName(as.Name)] = as.Value
			}
			t.rows = append(t.rows, row)
		}
	}

	if len(t.rows) == 0 {
		return "", 0, nil
	}
	out, err := t.encode()
	if err != nil {
		e.logger.Error("csvgen: variation csv", "rows", len(t.rows), "columns", len(t.columns), "error", err)
		return "", 0, fmt.Errorf("%w: variations: %v", ErrCSVGeneration, err)
	}
	return out, len(t.rows), nil
}

// Both generates the parent and variation documents concurrently.
// ProductCount is the number of parent rows, VariationCount the number of
// variation rows.
func (e *Engine) Both(ctx context.Context, products []product.NormalizedProduct) (*Output, error) {
	var out Output
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, n, err := e.parent(products)
		out.ParentCSV, out.ProductCount = s, n
		return err
	})
	g.Go(func() error {
		s, n, err := e.variations(products)
		out.VariationCSV, out.VariationCount = s, n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Filename suggests a file name for a job: up to three distinct categories
// other than "Uncategorized", then the job id. Categories are slugged, so
// the name is safe in a quoted Content-Disposition header and on disk.
func (e *Engine) Filename(products []product.NormalizedProduct, jobID string) string {
	if len(products) == 0 {
		return "scraped-products-" + jobID + ".csv"
	}
	var cats []string
	for _, p := range products {
		if p.Category == "" || strings.EqualFold(p.Category, product.DefaultCategory) {
			continue
		}
		c := product.Slugify(p.Category)
		if c == "" || slices.Contains(cats, c) {
			continue
		}
		cats = append(cats, c)
		if len(cats) == 3 {
			break
		}
	}
	if len(cats) == 0 {
		return "products-" + strconv.Itoa(len(products)) + "-" + jobID + ".csv"
	}
	return strings.Join(cats, "-") + "-" + jobID + ".csv"
}

// ValidationResult lists every problem found by Validate.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Err returns nil for a valid result, otherwise an error wrapping
// ErrProductValidation.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrProductValidation, strings.Join(r.Errors, "; "))
}

// Validate checks that every product has a sku and a title and that every
// variation of a variable product has a sku. Positions are 1-indexed.
func (e *Engine) Validate(products []product.NormalizedProduct) ValidationResult {
	errs := []string{}
	for i, p := range products {
		n := i + 1
		if p.SKU == "" {
			errs = append(errs, fmt.Sprintf("Product %d: missing sku", n))
		}
		if p.Title == "" {
			errs = append(errs, fmt.Sprintf("Product %d: missing title", n))
		}
		if p.IsVariable() {
			for j, v := range p.Variations {
				if v.SKU == "" {
					errs = append(errs, fmt.Sprintf("Product %d, variation %d: missing sku", n, j+1))
				}
			}
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// table is a CSV document whose columns may grow while rows are added.
type table struct {
	columns []string
	index   map[string]bool
	rows    []map[string]string
}

func newTable(fixed []string) *table {
	t := &table{index: make(map[string]bool)}
	for _, c := range fixed {
		t.add(c)
	}
	return t
}

// add registers col if new and returns it.
func (t *table) add(col string) string {
	if !t.index[col] {
		t.index[col] = true
		t.columns = append(t.columns, col)
	}
	return col
}

func (t *table) encode() (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.columns); err != nil {
		return "", err
	}
	record := make([]string, len(t.columns))
	for _, row := range t.rows {
		for i, c := range t.columns {
			record[i] = row[c]
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func postName(p *product.NormalizedProduct, n int) string {
	switch {
	case p.Slug != "":
		return p.Slug
	case p.SKU != "":
		return strings.ToLower(p.SKU)
	}
	return "product-" + strconv.Itoa(n)
}

func productType(p *product.NormalizedProduct) string {
	if p.ProductType == "" {
		return string(product.TypeSimple)
	}
	return string(p.ProductType)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
