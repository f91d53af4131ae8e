// core/errors.go
package core

import "errors"

var (
	// ErrUnknownMode is returned when a mode outside the catalog is
	// requested. The controller state is left unchanged.
	ErrUnknownMode = errors.New("unknown modulation mode")

	// ErrTier4Disabled is returned when a tier-4 mode is requested
	// while tier-4 operation has not been opted into.
	ErrTier4Disabled = errors.New("tier-4 modes are disabled")
)
