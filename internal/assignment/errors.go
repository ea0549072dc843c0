package assignment

import (
	"errors"
	"fmt"
)

// ErrNoEligibleDriver is the terminal outcome of one assignment attempt.
// Callers decide whether to retry, back off, or fall to manual dispatch.
var ErrNoEligibleDriver = errors.New("no eligible driver")

// NoEligibleDriverError distinguishes "truly none available" from "the
// system is degraded": Degraded is set when candidate fetch or the claim
// call kept failing, so callers can tell the two apart.
type NoEligibleDriverError struct {
	Degraded bool
	Cause    error
}

func (e *NoEligibleDriverError) Error() string {
	if e.Degraded {
		return fmt.Sprintf("no eligible driver (storage degraded: %v)", e.Cause)
	}
	return "no eligible driver"
}

func (e *NoEligibleDriverError) Unwrap() error { return e.Cause }

func (e *NoEligibleDriverError) Is(target error) bool { return target == ErrNoEligibleDriver }
