package smschannel

import (
	"fmt"
	"strings"
)

// Message grammar:
//
//	AGRI <ACTION> <TARGET> <DEVICE_TAG> <TIMESTAMP> <SIGNATURE>
//
// Tokens are whitespace-separated. ACTION is OPEN or CLOSE, TARGET is a
// free-form actuator label (e.g. "V1"), DEVICE_TAG is "F" followed by
// the device id, TIMESTAMP is a numeric string, SIGNATURE authenticates
// the first five tokens.
const (
	messagePrefix = "AGRI"
	minTokens     = 6
	tagPrefix     = "F"
)

// Message is a parsed offline command, not yet authenticated.
type Message struct {
	// Action as sent, e.g. "OPEN". Validated against the grammar but
	// forwarded to the pipeline unmodified.
	Action string

	// Target is the actuator label the sender addressed, e.g. "V1".
	Target string

	// DeviceID is the device identifier extracted from DEVICE_TAG.
	DeviceID string

	// Timestamp is the numeric replay-protection field, as sent.
	Timestamp string

	// Signature is the supplied truncated HMAC, as sent.
	Signature string

	// signed is the exact byte sequence the signature covers: the first
	// five tokens joined by single spaces.
	signed string
}

// Signed returns the portion of the message the signature covers.
func (m *Message) Signed() string { return m.signed }

// Parse validates the grammar of an offline message body.
//
// Grammar failures are reported before any device lookup happens, so a
// malformed message can never probe which device ids exist.
//
// Returns:
//   - *Message: The parsed message
//   - error: ErrMalformedMessage on token count, prefix, action,
//     device-tag, or timestamp violations
func Parse(body string) (*Message, error) {
	tokens := strings.Fields(body)
	if len(tokens) < minTokens {
		return nil, fmt.Errorf("%w: expected %d tokens, got %d",
			ErrMalformedMessage, minTokens, len(tokens))
	}
	if tokens[0] != messagePrefix {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrMalformedMessage, messagePrefix)
	}

	action := tokens[1]
	switch strings.ToUpper(action) {
	case "OPEN", "CLOSE":
	default:
		return nil, fmt.Errorf("%w: unsupported action %q", ErrMalformedMessage, action)
	}

	tag := tokens[3]
	if !strings.HasPrefix(tag, tagPrefix) || len(tag) <= len(tagPrefix) {
		return nil, fmt.Errorf("%w: device tag %q must be %s<id>",
			ErrMalformedMessage, tag, tagPrefix)
	}

	timestamp := tokens[4]
	if !isNumeric(timestamp) {
		return nil, fmt.Errorf("%w: timestamp %q is not numeric",
			ErrMalformedMessage, timestamp)
	}

	return &Message{
		Action:    action,
		Target:    tokens[2],
		DeviceID:  strings.TrimPrefix(tag, tagPrefix),
		Timestamp: timestamp,
		Signature: tokens[5],
		signed:    strings.Join(tokens[:5], " "),
	}, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
