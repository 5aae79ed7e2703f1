package release

import (
	"errors"
	"fmt"
)

// ErrValidation indicates the release request contradicts the bundle's
// variable contract or is otherwise malformed.
var ErrValidation = errors.New("release: validation failed")

// ErrUnknownBundleVersion indicates the referenced bundle was never published.
var ErrUnknownBundleVersion = errors.New("release: unknown bundle version")

// ErrConcurrentRelease indicates another release for the same environment
// is in flight or won the activation race.
var ErrConcurrentRelease = errors.New("release: concurrent release in progress")

// ErrProtectedEnvironment indicates the environment requires explicit
// confirmation before it can be changed. It is a validation failure.
var ErrProtectedEnvironment = fmt.Errorf("environment is protected, confirmation required: %w", ErrValidation)

// ErrNoPriorRelease indicates a rollback found nothing to roll back to.
var ErrNoPriorRelease = errors.New("release: no prior release to roll back to")
