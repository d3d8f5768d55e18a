package recipe

import "errors"

// ErrRecipeNotFound is returned when no recipe file provides the requested name.
var ErrRecipeNotFound = errors.New("recipe: not found")

// ErrInvalidRecipeFormat is returned when a file does not parse, is neither a
// recipe object nor a {recipes: [...]} collection, or the collection is empty.
var ErrInvalidRecipeFormat = errors.New("recipe: invalid recipe format")

// ErrRecipeValidation is returned when a parsed recipe lacks required fields.
var ErrRecipeValidation = errors.New("recipe: validation failed")
