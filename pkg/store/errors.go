package store

import "errors"

// Common repository errors, mapped to HTTP statuses at the handler layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("resource already exists")
	ErrInvalidInput = errors.New("invalid input")
)
