package validation

import (
	"fmt"
	"regexp"

	"github.com/narvanalabs/buildengine/internal/models"
)

// envKeyRegex validates environment variable names:
// - Must start with a letter or underscore
// - Can contain letters, numbers, and underscores
var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MaxEnvKeyLength is the maximum allowed length for an environment variable key.
const MaxEnvKeyLength = 256

// MaxEnvValueLength is the maximum allowed length for an environment variable value (32KB).
const MaxEnvValueLength = 32 * 1024

// ValidateEnvKey validates that an environment variable key is valid.
func ValidateEnvKey(key string) error {
	if key == "" {
		return &ValidationError{
			Field:   "name",
			Message: "environment variable name is required",
		}
	}

	if len(key) > MaxEnvKeyLength {
		return &ValidationError{
			Field:   "name",
			Message: "environment variable name must be 256 characters or less",
		}
	}

	if !envKeyRegex.MatchString(key) {
		return &ValidationError{
			Field:   "name",
			Message: "environment variable name must start with a letter or underscore and contain only letters, numbers, and underscores",
		}
	}

	return nil
}

// ValidateEnvValue validates that an environment variable value is valid.
func ValidateEnvValue(value string) error {
	if len(value) > MaxEnvValueLength {
		return &ValidationError{
			Field:   "value",
			Message: "environment variable value must be 32KB or less",
		}
	}

	return nil
}

// ValidateEnvironmentVariables validates every variable in vars. An empty
// type is accepted and treated as PLAINTEXT.
func ValidateEnvironmentVariables(field string, vars []models.EnvironmentVariable) error {
	for i, v := range vars {
		if err := ValidateEnvKey(v.Name); err != nil {
			return prefix(fmt.Sprintf("%s[%d]", field, i), err)
		}
		if err := ValidateEnvValue(v.Value); err != nil {
			return prefix(fmt.Sprintf("%s[%d]", field, i), err)
		}
		if v.Type != "" && !v.Type.Valid() {
			return Errorf(fmt.Sprintf("%s[%d].type", field, i), "unknown environment variable type %q", v.Type)
		}
	}
	return nil
}

func prefix(field string, err error) error {
	if ve, ok := err.(*ValidationError); ok {
		return &ValidationError{Field: field + "." + ve.Field, Message: ve.Message}
	}
	return err
}
