package tensor

import "errors"

var (
	// ErrShape marks any tensor-shape precondition violation: embed dim not
	// divisible by heads, mask or cache shapes that disagree with the call.
	ErrShape = errors.New("shape mismatch")

	// ErrInvalidState marks a caller-contract violation, e.g. asking for
	// static key/value reuse with neither a populated cache nor key/value.
	ErrInvalidState = errors.New("invalid attention state")
)
