package csvgen

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hazyhaar/wooscrape/product"
)

// aggregated is one attribute of a product after merging product-level values
// with every variation's assignment for the same key.
type aggregated struct {
	key    string
	name   string // display name
	values []string
}

// aggregate merges p.Attributes with its variations' assignments. Keys keep
// first-seen order; values are deduplicated per key.
func aggregate(p *product.NormalizedProduct) []aggregated {
	var out []aggregated
	index := make(map[string]int)
	add := func(key, value string) {
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, aggregated{key: key, name: DisplayName(key)})
		}
		if value == "" {
			return
		}
		for _, v := range out[i].values {
			if v == value {
				return
			}
		}
		out[i].values = append(out[i].values, value)
	}

	for _, attr := range p.Attributes {
		if len(attr.Values) == 0 {
			add(attr.Name, "")
		}
		for _, v := range attr.Values {
			add(attr.Name, v)
		}
	}
	for _, v := range p.Variations {
		for _, as := range v.AttributeAssignments {
			add(as.Name, as.Value)
		}
	}
	return out
}

// DisplayName turns a raw attribute key into its column name:
// "pa_shoe_size" becomes "Shoe Size".
func DisplayName(key string) string {
	if len(key) >= 3 && strings.EqualFold(key[:3], "pa_") {
		key = key[3:]
	}
	key = strings.NewReplacer("_", " ", "-", " ").Replace(key)
	words := strings.Fields(strings.ToLower(key))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// isTaxonomy reports whether key names a global (pa_) attribute.
func isTaxonomy(key string) bool {
	return len(key) >= 3 && strings.EqualFold(key[:3], "pa_")
}
