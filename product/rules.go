package product

import (
	"fmt"
	"unicode/utf8"

	"github.com/hazyhaar/wooscrape/recipe"
)

// CheckRecipeRules returns one message per violation of the recipe's
// validation block. A nil block accepts everything.
func CheckRecipeRules(p NormalizedProduct, v *recipe.Validation) []string {
	if v == nil {
		return nil
	}

	var problems []string
	for _, field := range v.RequiredFields {
		if !hasField(p, field) {
			problems = append(problems, fmt.Sprintf("missing required field %q", field))
		}
	}

	if n := utf8.RuneCountInString(p.Title); v.MinTitleLength > 0 && n < v.MinTitleLength {
		problems = append(problems, fmt.Sprintf("title shorter than %d characters", v.MinTitleLength))
	} else if v.MaxTitleLength > 0 && n > v.MaxTitleLength {
		problems = append(problems, fmt.Sprintf("title longer than %d characters", v.MaxTitleLength))
	}

	if n := utf8.RuneCountInString(p.Description); v.MinDescriptionLength > 0 && n < v.MinDescriptionLength {
		problems = append(problems, fmt.Sprintf("description shorter than %d characters", v.MinDescriptionLength))
	} else if v.MaxDescriptionLength > 0 && n > v.MaxDescriptionLength {
		problems = append(problems, fmt.Sprintf("description longer than %d characters", v.MaxDescriptionLength))
	}
	return problems
}

// hasField reports whether the named field carries a value. Unknown names
// are treated as present.
func hasField(p NormalizedProduct, field string) bool {
	switch field {
	case "title":
		return p.Title != ""
	case "sku":
		return p.SKU != ""
	case "price", "regularPrice":
		return p.RegularPrice != ""
	case "salePrice":
		return p.SalePrice != ""
	case "description":
		return p.Description != ""
	case "shortDescription":
		return p.ShortDescription != ""
	case "images":
		return len(p.Images) > 0
	case "category":
		return p.Category != "" && p.Category != DefaultCategory
	case "stock", "stockStatus":
		return p.StockStatus != ""
	case "attributes":
		return len(p.Attributes) > 0
	}
	return true
}
