package tagcache

import "github.com/jmgilman/go/errors"

// Sentinels for errors.Is. Returned errors wrap them with call details.
var (
	ErrFeatureDisabled = errors.New(errors.CodeInvalidInput, "notMatchingTags is currently disabled")
	ErrInvalidMode     = errors.New(errors.CodeInvalidInput, "invalid clean mode")
	ErrInvalidID       = errors.New(errors.CodeInvalidInput, "invalid cache id")
	ErrInvalidTag      = errors.New(errors.CodeInvalidInput, "invalid tag")
	ErrCompression     = errors.New(errors.CodeInternal, "compression failed")
	ErrConflict        = errors.New(errors.CodeConflict, "record modified concurrently")
)
