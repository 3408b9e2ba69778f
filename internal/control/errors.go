package control

import "errors"

// Domain errors for the control package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, control.ErrSafetyBlocked) {
//	    // surface a distinct, user-facing safety message
//	}
var (
	// ErrSafetyBlocked is returned when the safety interlock rejects a
	// transition: starting a pump whose configured feed valves are all
	// closed. The device is left unmutated. Callers may retry after
	// satisfying the precondition (open a valve first).
	ErrSafetyBlocked = errors.New("control: safety interlock blocked")

	// ErrCommandNotFound is returned when a command ID does not exist.
	ErrCommandNotFound = errors.New("control: command not found")

	// ErrCommandTerminal is returned when attempting to resolve a
	// command that has already reached Executed or Failed. Terminal
	// states never regress.
	ErrCommandTerminal = errors.New("control: command already terminal")

	// ErrInvalidSource is returned when a command source is not recognised.
	ErrInvalidSource = errors.New("control: invalid source")
)
