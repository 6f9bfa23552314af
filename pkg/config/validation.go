package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// collectionName restricts names to characters safe in key prefixes and
// URL paths.
var collectionName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
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
	if len(cfg.Collections) == 0 {
		return fmt.Errorf("collections: at least one collection must be configured")
	}

	names := make(map[string]bool)
	basePaths := make(map[string]string)
	for i, coll := range cfg.Collections {
		if !collectionName.MatchString(coll.Name) {
			return fmt.Errorf("collections[%d]: name %q may only contain letters, digits, '-' and '_'", i, coll.Name)
		}
		if names[coll.Name] {
			return fmt.Errorf("collections[%d]: duplicate collection name %q", i, coll.Name)
		}
		names[coll.Name] = true

		basePath := coll.BasePath
		if basePath == "" {
			basePath = "/store/" + coll.Name
		}
		if other, taken := basePaths[basePath]; taken {
			return fmt.Errorf("collections[%d]: base path %s already used by %q", i, basePath, other)
		}
		basePaths[basePath] = coll.Name

		if _, ok := cfg.Stores.Documents[coll.DocumentStore]; !ok {
			return fmt.Errorf("collections[%d]: document store %q is not defined", i, coll.DocumentStore)
		}
		if _, ok := cfg.Stores.Chunks[coll.ChunkStore]; !ok {
			return fmt.Errorf("collections[%d]: chunk store %q is not defined", i, coll.ChunkStore)
		}
		if _, ok := cfg.Stores.Locks[coll.LockStore]; !ok {
			return fmt.Errorf("collections[%d]: lock store %q is not defined", i, coll.LockStore)
		}

		if coll.Upload.SweepInterval > coll.Upload.SessionTimeout {
			return fmt.Errorf("collections[%d]: sweep_interval must not exceed session_timeout", i)
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Return the first validation error with context
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
