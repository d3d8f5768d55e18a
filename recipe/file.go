package recipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// File is the parsed content of one recipe file. It is either a Single
// recipe or a Collection; the shape is decided once, at parse time.
type File interface {
	// Primary returns the recipe the file stands for: the single recipe,
	// or the first element of a collection.
	Primary() *RecipeConfig
	isFile()
}

// Single is a file holding one recipe object.
type Single struct {
	Recipe *RecipeConfig
}

// Collection is a file holding {recipes: [...]}.
type Collection struct {
	Recipes []*RecipeConfig
}

func (s Single) Primary() *RecipeConfig { return s.Recipe }
func (c Collection) Primary() *RecipeConfig { return c.Recipes[0] }
func (Single) isFile() {}
func (Collection) isFile() {}

// isRecipeFile reports whether name has a recipe extension.
func isRecipeFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ReadFile reads and parses a recipe file. It does not validate selectors.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: read %s: %w", path, err)
	}
	f, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("recipe: %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// Parse decodes recipe file content. ext selects the syntax: ".json" is read
// as JSON5 (comments and trailing commas allowed), anything else as YAML.
func Parse(data []byte, ext string) (File, error) {
	var (
		shape  map[string]any
		decode func(out any) error
	)

	if strings.EqualFold(ext, ".json") {
		if err := json5.Unmarshal(data, &shape); err != nil {
			return nil, fmt.Errorf("%w: parse json: %w", ErrInvalidRecipeFormat, err)
		}
		normalizeVersions(shape)
		// Re-encode as strict JSON so that Selector.UnmarshalJSON applies.
		canonical, err := json.Marshal(shape)
		if err != nil {
			return nil, fmt.Errorf("%w: parse json: %w", ErrInvalidRecipeFormat, err)
		}
		decode = func(out any) error {
			dec := json.NewDecoder(bytes.NewReader(canonical))
			return dec.Decode(out)
		}
	} else {
		if err := yaml.Unmarshal(data, &shape); err != nil {
			return nil, fmt.Errorf("%w: parse yaml: %w", ErrInvalidRecipeFormat, err)
		}
		decode = func(out any) error { return yaml.Unmarshal(data, out) }
	}

	if shape == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidRecipeFormat)
	}

	if _, ok := shape["recipes"]; ok {
		var coll struct {
			Recipes []*RecipeConfig `json:"recipes" yaml:"recipes"`
		}
		if err := decode(&coll); err != nil {
			return nil, fmt.Errorf("%w: decode recipes: %w", ErrInvalidRecipeFormat, err)
		}
		if len(coll.Recipes) == 0 {
			return nil, fmt.Errorf("%w: recipes collection is empty", ErrInvalidRecipeFormat)
		}
		for i, r := range coll.Recipes {
			if r == nil {
				return nil, fmt.Errorf("%w: recipes[%d] is null", ErrInvalidRecipeFormat, i)
			}
		}
		return Collection{Recipes: coll.Recipes}, nil
	}

	_, hasName := shape["name"]
	_, hasSelectors := shape["selectors"]
	if hasName && hasSelectors {
		r := &RecipeConfig{}
		if err := decode(r); err != nil {
			return nil, fmt.Errorf("%w: decode recipe: %w", ErrInvalidRecipeFormat, err)
		}
		return Single{Recipe: r}, nil
	}

	return nil, fmt.Errorf("%w: expected a recipe object or a recipes collection", ErrInvalidRecipeFormat)
}

// normalizeVersions turns numeric version values (version: 1.0 in JSON) into
// strings so they decode into RecipeConfig.Version.
func normalizeVersions(shape map[string]any) {
	fix := func(m map[string]any) {
		if v, ok := m["version"].(float64); ok {
			m["version"] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	fix(shape)
	if list, ok := shape["recipes"].([]any); ok {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				fix(m)
			}
		}
	}
}
