package storage

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned on unique-constraint conflicts, such as
	// a duplicate workflow name.
	ErrAlreadyExists = errors.New("resource already exists")
)
