package store

import "errors"

// ErrNotFound is returned when a metadata key does not exist.
var ErrNotFound = errors.New("not found")
