package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/stratafs/pkg/hierarchy"
	"github.com/marmos91/stratafs/pkg/resource"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for the resource
// topology, which cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Resources) == 0 {
		return fmt.Errorf("resources: at least one resource must be configured")
	}

	byName := make(map[string]*ResourceConfig, len(cfg.Resources))
	ids := make(map[int64]string)
	for i := range cfg.Resources {
		r := &cfg.Resources[i]

		if strings.Contains(r.Name, hierarchy.Delimiter) {
			return fmt.Errorf("resources[%d]: name %q must not contain %q", i, r.Name, hierarchy.Delimiter)
		}
		if _, dup := byName[r.Name]; dup {
			return fmt.Errorf("resources[%d]: duplicate resource name %q", i, r.Name)
		}
		byName[r.Name] = r

		if r.ID != 0 {
			if other, dup := ids[r.ID]; dup {
				return fmt.Errorf("resources[%d]: id %d already used by %q", i, r.ID, other)
			}
			ids[r.ID] = r.Name
		}
	}

	for i, r := range cfg.Resources {
		if r.Parent == "" {
			if r.ParentContext != "" {
				return fmt.Errorf("resources[%d]: parent_context set on root resource %q", i, r.Name)
			}
			continue
		}

		parent, ok := byName[r.Parent]
		if !ok {
			return fmt.Errorf("resources[%d]: parent %q of %q is not defined", i, r.Parent, r.Name)
		}
		if parent.Type == "compound" && r.ParentContext != resource.ContextCache && r.ParentContext != resource.ContextArchive {
			return fmt.Errorf("resources[%d]: child %q of compound %q needs parent_context %q or %q",
				i, r.Name, parent.Name, resource.ContextCache, resource.ContextArchive)
		}
	}

	if err := checkCycles(cfg.Resources, byName); err != nil {
		return err
	}

	if cfg.Server.DefaultResource != "" {
		r, ok := byName[cfg.Server.DefaultResource]
		if !ok {
			return fmt.Errorf("server: default_resource %q is not defined", cfg.Server.DefaultResource)
		}
		if r.Parent != "" {
			return fmt.Errorf("server: default_resource %q is not a root resource", r.Name)
		}
	}

	return nil
}

// checkCycles walks every parent chain and fails when one revisits a
// resource.
func checkCycles(resources []ResourceConfig, byName map[string]*ResourceConfig) error {
	for _, r := range resources {
		seen := map[string]bool{r.Name: true}
		for p := r.Parent; p != ""; p = byName[p].Parent {
			if seen[p] {
				return fmt.Errorf("resources: parent cycle through %q", r.Name)
			}
			seen[p] = true
		}
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
