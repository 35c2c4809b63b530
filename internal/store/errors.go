package store

import "errors"

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateName is returned when attempting to create a resource with a duplicate name.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrBuildComplete is returned when updating a build that is already complete.
	ErrBuildComplete = errors.New("build is complete and can no longer change")
)
