package smschannel

import "errors"

// Sentinel errors for offline message processing. Use errors.Is for
// comparison.
var (
	// ErrMalformedMessage indicates the message body failed grammar
	// validation before any device was resolved.
	ErrMalformedMessage = errors.New("smschannel: malformed message")

	// ErrSignatureMismatch indicates the supplied signature did not match
	// the one computed from the device's secret.
	ErrSignatureMismatch = errors.New("smschannel: signature mismatch")

	// ErrStaleTimestamp indicates the message timestamp fell outside the
	// configured replay window.
	ErrStaleTimestamp = errors.New("smschannel: stale timestamp")
)
