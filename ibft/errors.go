package ibft

import "errors"

var (
	// ErrValidation is returned when a block or a transaction is rejected.
	ErrValidation = errors.New("validation failure")

	// ErrUnjustified is returned for a PRE_PREPARE or ROUND_CHANGE lacking the required justification.
	ErrUnjustified = errors.New("unjustified proposal")
)
