package smschannel

import "testing"

// Known vector: HMAC-SHA256("s3cr3t", "AGRI OPEN V1 F42 1700000000")
// = 6f7d460520a9..., truncated to 6F7D4.
const (
	testSecret = "s3cr3t"
	testSigned = "AGRI OPEN V1 F42 1700000000"
	testSig    = "6F7D4"
)

func TestComputeSignatureKnownVector(t *testing.T) {
	if got := ComputeSignature(testSecret, testSigned); got != testSig {
		t.Errorf("ComputeSignature() = %q, want %q", got, testSig)
	}
}

func TestVerifySignature(t *testing.T) {
	if !VerifySignature(testSecret, testSigned, testSig) {
		t.Error("VerifySignature() = false for correct signature")
	}
	if !VerifySignature(testSecret, testSigned, "6f7d4") {
		t.Error("VerifySignature() = false for lowercase signature, want case-insensitive match")
	}
}

func TestVerifySignatureRejectsMutations(t *testing.T) {
	// Every single-character mutation of the valid signature must fail.
	for i := 0; i < len(testSig); i++ {
		for _, c := range "0123456789ABCDEF" {
			mutated := testSig[:i] + string(c) + testSig[i+1:]
			if mutated == testSig {
				continue
			}
			if VerifySignature(testSecret, testSigned, mutated) {
				t.Errorf("VerifySignature(%q) = true, want rejection", mutated)
			}
		}
	}
}

func TestVerifySignatureRejectsLengthMismatch(t *testing.T) {
	for _, sig := range []string{"", "6F7D", testSig + "0"} {
		if VerifySignature(testSecret, testSigned, sig) {
			t.Errorf("VerifySignature(%q) = true, want rejection", sig)
		}
	}
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	if VerifySignature("other-secret", testSigned, testSig) {
		t.Error("VerifySignature() = true with wrong secret")
	}
}
