// Package product holds the normalised product model handed to the CSV engine
// and the normalisation step that turns raw extracted fields into it.
package product

// Type is the WooCommerce product type.
type Type string

const (
	TypeSimple   Type = "simple"
	TypeVariable Type = "variable"
)

// Stock statuses understood by the WooCommerce importer.
const (
	StockInStock     = "instock"
	StockOutOfStock  = "outofstock"
	StockOnBackorder = "onbackorder"
)

// DefaultCategory is used when a page yields no category.
const DefaultCategory = "Uncategorized"

// NormalizedProduct is one product ready for CSV synthesis.
type NormalizedProduct struct {
	SKU              string      `json:"sku"`
	Title            string      `json:"title"`
	Slug             string      `json:"slug,omitempty"`
	Description      string      `json:"description,omitempty"`
	ShortDescription string      `json:"shortDescription,omitempty"`
	StockStatus      string      `json:"stockStatus"`
	Images           []string    `json:"images"`
	Category         string      `json:"category"`
	ProductType      Type        `json:"productType"`
	Attributes       Attributes  `json:"attributes"`
	RegularPrice     string      `json:"regularPrice,omitempty"`
	SalePrice        string      `json:"salePrice,omitempty"`
	Variations       []Variation `json:"variations,omitempty"`
}

// IsVariable reports whether p is a variable product.
func (p *NormalizedProduct) IsVariable() bool { return p.ProductType == TypeVariable }

// Variation is one purchasable variant of a variable product.
type Variation struct {
	SKU                  string      `json:"sku"`
	StockStatus          string      `json:"stockStatus"`
	RegularPrice         string      `json:"regularPrice"`
	SalePrice            string      `json:"salePrice,omitempty"`
	TaxClass             string      `json:"taxClass,omitempty"`
	Images               []string    `json:"images"`
	AttributeAssignments Assignments `json:"attributeAssignments"`
}

// RawProduct is what an adapter extracts from one product page, before any
// cleanup. All values are the text found on the page.
type RawProduct struct {
	URL              string         `json:"url"`
	Title            string         `json:"title"`
	Price            string         `json:"price"`
	SalePrice        string         `json:"salePrice,omitempty"`
	SKU              string         `json:"sku,omitempty"`
	Description      string         `json:"description,omitempty"`
	ShortDescription string         `json:"shortDescription,omitempty"`
	Stock            string         `json:"stock,omitempty"`
	Category         string         `json:"category,omitempty"`
	Images           []string       `json:"images,omitempty"`
	Attributes       Attributes     `json:"attributes,omitempty"`
	Variations       []RawVariation `json:"variations,omitempty"`
}

// RawVariation is one variant as found on the page.
type RawVariation struct {
	SKU         string      `json:"sku,omitempty"`
	Price       string      `json:"price,omitempty"`
	SalePrice   string      `json:"salePrice,omitempty"`
	Stock       string      `json:"stock,omitempty"`
	Image       string      `json:"image,omitempty"`
	Assignments Assignments `json:"assignments"`
}
