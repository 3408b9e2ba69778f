package smschannel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// signatureLength is the number of hex characters kept from the full
// HMAC-SHA256 digest. Field senders type signatures by hand, so the
// protocol trades entropy (20 bits) for usability.
const signatureLength = 5

// ComputeSignature returns the truncated signature for a signed message
// portion: the first signatureLength hex characters of
// HMAC-SHA256(secret, message), uppercased.
func ComputeSignature(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	digest := hex.EncodeToString(mac.Sum(nil))
	return strings.ToUpper(digest[:signatureLength])
}

// VerifySignature checks a supplied signature against the one computed
// from the device secret. Comparison is case-insensitive and constant
// time.
func VerifySignature(secret, message, supplied string) bool {
	expected := ComputeSignature(secret, message)
	normalized := strings.ToUpper(supplied)
	if len(normalized) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(normalized)) == 1
}
