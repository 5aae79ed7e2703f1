package publisher

import "errors"

// ErrValidation indicates the submitted assets or metadata violate a
// publish rule. The bundle was not stored.
var ErrValidation = errors.New("publisher: validation failed")

// ErrVersionCollision indicates the requested version already names a
// bundle with different content.
var ErrVersionCollision = errors.New("publisher: version collision")
