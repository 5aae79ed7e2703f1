package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the caller supplied a value the store rejects.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates a write lost to a concurrent state change.
var ErrConflict = errors.New("repository: conflict")
