// Package fault defines the error taxonomy shared by every ledger operation.
// Guards classify failures into one of four kinds; callers match with
// errors.Is against the kind sentinels.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorization marks a caller lacking the required role.
	ErrAuthorization = errors.New("caller not authorized")
	// ErrState marks an operation invalid against current ledger data.
	ErrState = errors.New("invalid ledger state")
	// ErrValue marks a numeric or input argument out of bounds.
	ErrValue = errors.New("value out of bounds")
	// ErrConsensus marks a rejected oracle response. Non-fatal to the round.
	ErrConsensus = errors.New("consensus response rejected")
)

func Authorization(format string, args ...any) error {
	return wrap(ErrAuthorization, format, args...)
}

func State(format string, args ...any) error {
	return wrap(ErrState, format, args...)
}

func Value(format string, args ...any) error {
	return wrap(ErrValue, format, args...)
}

func Consensus(format string, args ...any) error {
	return wrap(ErrConsensus, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the taxonomy sentinel wrapped in err, or nil for foreign errors.
func Kind(err error) error {
	switch {
	case errors.Is(err, ErrAuthorization):
		return ErrAuthorization
	case errors.Is(err, ErrState):
		return ErrState
	case errors.Is(err, ErrValue):
		return ErrValue
	case errors.Is(err, ErrConsensus):
		return ErrConsensus
	default:
		return nil
	}
}
