package product

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/wooscrape/recipe"
)

// NormalizeOptions carries the recipe-level knobs applied during Normalize.
type NormalizeOptions struct {
	// Transforms maps a raw field name (title, price, salePrice, sku,
	// description, shortDescription, category, stock) to its transform ops.
	Transforms recipe.Transforms
	// DefaultCategory replaces an empty category. Default: "Uncategorized".
	DefaultCategory string
}

// descriptionPolicy is safe for concurrent use once built.
var descriptionPolicy = bluemonday.UGCPolicy()

// Normalize turns raw page fields into a NormalizedProduct. It never fails:
// unusable values become empty fields, which Validate reports later.
func Normalize(raw RawProduct, opts NormalizeOptions) NormalizedProduct {
	tf := func(field, v string) string {
		return ApplyTransforms(v, opts.Transforms[field])
	}

	p := NormalizedProduct{
		Title:            collapseSpace(tf("title", raw.Title)),
		SKU:              strings.TrimSpace(tf("sku", raw.SKU)),
		RegularPrice:     ParsePrice(tf("price", raw.Price)),
		SalePrice:        ParsePrice(tf("salePrice", raw.SalePrice)),
		Description:      sanitize(tf("description", raw.Description)),
		ShortDescription: sanitize(tf("shortDescription", raw.ShortDescription)),
		StockStatus:      StockStatus(tf("stock", raw.Stock)),
		Category:         collapseSpace(tf("category", raw.Category)),
		Images:           resolveImages(raw.URL, raw.Images),
		ProductType:      TypeSimple,
	}

	if p.SalePrice != "" && p.SalePrice == p.RegularPrice {
		p.SalePrice = ""
	}
	if p.SKU == "" {
		p.SKU = SKUFromURL(raw.URL)
	}
	p.Slug = Slugify(p.Title)
	if p.Category == "" {
		p.Category = opts.DefaultCategory
		if p.Category == "" {
			p.Category = DefaultCategory
		}
	}

	for _, attr := range raw.Attributes {
		name := collapseSpace(attr.Name)
		if name == "" {
			continue
		}
		var values []string
		for _, v := range attr.Values {
			if v = collapseSpace(v); v != "" && !contains(values, v) {
				values = append(values, v)
			}
		}
		if len(values) > 0 {
			p.Attributes.Add(name, values...)
		}
	}

	for i, rv := range raw.Variations {
		v := Variation{
			SKU:          strings.TrimSpace(rv.SKU),
			RegularPrice: ParsePrice(rv.Price),
			SalePrice:    ParsePrice(rv.SalePrice),
			StockStatus:  StockStatus(rv.Stock),
		}
		if v.SKU == "" && p.SKU != "" {
			v.SKU = p.SKU + "-" + strconv.Itoa(i+1)
		}
		if v.RegularPrice == "" {
			v.RegularPrice = p.RegularPrice
		}
		if img := resolveImages(raw.URL, []string{rv.Image}); len(img) > 0 {
			v.Images = img
		}
		for _, as := range rv.Assignments {
			name, value := collapseSpace(as.Name), collapseSpace(as.Value)
			if name != "" && value != "" {
				v.AttributeAssignments.Set(name, value)
			}
		}
		p.Variations = append(p.Variations, v)
	}
	if len(p.Variations) > 0 {
		p.ProductType = TypeVariable
	}
	return p
}

// ApplyTransforms runs ops over v in order. Supported ops: trim, lowercase,
// uppercase, strip:<chars>, replace:<old>=<new>, prefix:<s>, suffix:<s> and
// price. Unknown ops are ignored.
func ApplyTransforms(v string, ops []string) string {
	for _, op := range ops {
		name, arg, _ := strings.Cut(op, ":")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "trim":
			v = strings.TrimSpace(v)
		case "lowercase":
			v = strings.ToLower(v)
		case "uppercase":
			v = strings.ToUpper(v)
		case "strip":
			v = strings.Map(func(r rune) rune {
				if strings.ContainsRune(arg, r) {
					return -1
				}
				return r
			}, v)
		case "replace":
			if old, repl, ok := strings.Cut(arg, "="); ok && old != "" {
				v = strings.ReplaceAll(v, old, repl)
			}
		case "prefix":
			if !strings.HasPrefix(v, arg) {
				v = arg + v
			}
		case "suffix":
			if !strings.HasSuffix(v, arg) {
				v = v + arg
			}
		case "price":
			v = ParsePrice(v)
		}
	}
	return v
}

var numberRe = regexp.MustCompile(`\d[\d.,]*`)

// ParsePrice extracts the first amount from price text ("€1.234,50",
// "$19.99 – $29.99") and returns it as a plain decimal string ("1234.50",
// "19.99"). Whole amounts have no fraction. Returns "" when no amount is found.
func ParsePrice(text string) string {
	m := numberRe.FindString(text)
	m = strings.TrimRight(m, ".,")
	if m == "" {
		return ""
	}

	lastDot := strings.LastIndex(m, ".")
	lastComma := strings.LastIndex(m, ",")
	var decimalSep byte
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimalSep = '.'
		} else {
			decimalSep = ','
		}
	case lastComma >= 0:
		if strings.Count(m, ",") == 1 && len(m)-lastComma-1 <= 2 {
			decimalSep = ','
		}
	case lastDot >= 0:
		if strings.Count(m, ".") == 1 && len(m)-lastDot-1 != 3 {
			decimalSep = '.'
		}
	}

	var b strings.Builder
	for i := 0; i < len(m); i++ {
		c := m[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == decimalSep:
			b.WriteByte('.')
		}
	}
	f, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return ""
	}
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// StockStatus maps availability text to a WooCommerce stock status. Empty
// or unrecognised text counts as in stock.
func StockStatus(text string) string {
	t := strings.ToLower(collapseSpace(text))
	switch {
	case t == "":
		return StockInStock
	case t == StockOutOfStock, t == StockOnBackorder, t == StockInStock:
		return t
	case strings.Contains(t, "backorder"), strings.Contains(t, "pre-order"), strings.Contains(t, "preorder"):
		return StockOnBackorder
	case strings.Contains(t, "out of stock"), strings.Contains(t, "sold out"),
		strings.Contains(t, "unavailable"), strings.Contains(t, "épuisé"),
		strings.Contains(t, "rupture"):
		return StockOutOfStock
	}
	return StockInStock
}

// Slugify lowercases s and joins its letter and digit runs with "-".
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

// SKUFromURL derives a stable SKU from a product page URL: the slug of the
// last path segment, or a short hash of the URL when the path is empty.
func SKUFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil {
		if seg := Slugify(path.Base(strings.TrimSuffix(u.Path, "/"))); seg != "" {
			return seg
		}
	}
	sum := sha1.Sum([]byte(raw))
	return "ws-" + hex.EncodeToString(sum[:4])
}

func sanitize(html string) string {
	return strings.TrimSpace(descriptionPolicy.Sanitize(html))
}

// resolveImages trims, resolves against the page URL and dedupes image URLs.
func resolveImages(pageURL string, images []string) []string {
	base, _ := url.Parse(pageURL)
	var out []string
	for _, img := range images {
		img = strings.TrimSpace(img)
		if img == "" || strings.HasPrefix(img, "data:") {
			continue
		}
		if base != nil {
			if ref, err := url.Parse(img); err == nil {
				img = base.ResolveReference(ref).String()
			}
		}
		if !contains(out, img) {
			out = append(out, img)
		}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
