package queue

import "errors"

var (
	// ErrQueueFull is returned by Enqueue when a scope already holds the
	// maximum number of unsynced operations.
	ErrQueueFull = errors.New("operation queue is full")
	// ErrNotFound is returned when an operation ID does not exist.
	ErrNotFound = errors.New("queued operation not found")
	// ErrInvalidOperation is returned for an enqueue without target or scope.
	ErrInvalidOperation = errors.New("invalid queued operation")
)
