package recipe

import (
	"fmt"
	"strings"
)

// ValidateErr checks that cfg has a name, version and site pattern and that
// every required selector is present and non-empty. The returned error wraps
// ErrRecipeValidation and lists every problem found.
func ValidateErr(cfg *RecipeConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil recipe", ErrRecipeValidation)
	}

	var problems []string
	if strings.TrimSpace(cfg.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(cfg.Version) == "" {
		problems = append(problems, "version is required")
	}
	if strings.TrimSpace(cfg.SiteURL) == "" {
		problems = append(problems, "siteUrl is required")
	}
	for _, ns := range cfg.Selectors.required() {
		if ns.sel.Empty() {
			problems = append(problems, "selectors."+ns.name+" is required")
		}
	}

	if len(problems) > 0 {
		name := cfg.Name
		if name == "" {
			name = "<unnamed>"
		}
		return fmt.Errorf("%w: %s: %s", ErrRecipeValidation, name, strings.Join(problems, "; "))
	}
	return nil
}
