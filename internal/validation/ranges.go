package validation

import (
	"regexp"
	"slices"
)

// Bounds for timeout settings, in minutes.
const (
	MinTimeoutMinutes = 5
	MaxTimeoutMinutes = 480
)

// projectNameRegex: 2-255 characters, starting with a letter or digit.
var projectNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{1,254}$`)

// ValidateProjectName checks a project name.
func ValidateProjectName(name string) error {
	if name == "" {
		return Errorf("name", "project name is required")
	}
	if !projectNameRegex.MatchString(name) {
		return Errorf("name", "project name must be 2-255 letters, digits, hyphens or underscores, starting with a letter or digit")
	}
	return nil
}

// ValidateTimeoutMinutes checks that minutes lies in [5, 480].
func ValidateTimeoutMinutes(field string, minutes int) error {
	if minutes < MinTimeoutMinutes || minutes > MaxTimeoutMinutes {
		return Errorf(field, "must be between %d and %d minutes, got %d", MinTimeoutMinutes, MaxTimeoutMinutes, minutes)
	}
	return nil
}

// ValidateCloneDepth checks that a git clone depth is not negative.
func ValidateCloneDepth(field string, depth int) error {
	if depth < 0 {
		return Errorf(field, "must be >= 0, got %d", depth)
	}
	return nil
}

// ValidateIdentifierSubset checks that every identifier in got is declared in allowed.
func ValidateIdentifierSubset(field string, got, allowed []string) error {
	seen := make(map[string]bool, len(got))
	for _, id := range got {
		if id == "" {
			return Errorf(field, "identifier is required")
		}
		if seen[id] {
			return Errorf(field, "duplicate identifier %q", id)
		}
		seen[id] = true
		if !slices.Contains(allowed, id) {
			return Errorf(field, "identifier %q is not declared by the project", id)
		}
	}
	return nil
}
