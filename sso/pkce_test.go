package sso

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func TestCodeChallengeRoundTrip(t *testing.T) {
	for i := 0; i < 20; i++ {
		verifier, err := GenerateCodeVerifier()
		if err != nil {
			t.Fatalf("GenerateCodeVerifier: %v", err)
		}
		sum := sha256.Sum256([]byte(verifier))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if got := CodeChallenge(verifier); got != want {
			t.Fatalf("challenge mismatch for %q: got %q want %q", verifier, got, want)
		}
	}
}

func TestCodeChallengeNoPadding(t *testing.T) {
	if got := CodeChallenge("verifier"); strings.Contains(got, "=") {
		t.Fatalf("challenge must not be padded: %q", got)
	}
}

func TestCodeVerifierLength(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("GenerateCodeVerifier: %v", err)
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		t.Fatalf("verifier length %d outside PKCE window", len(verifier))
	}
	for _, c := range verifier {
		isUnreserved := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
		if !isUnreserved {
			t.Fatalf("verifier contains reserved character %q", c)
		}
	}
}

func TestGenerateStateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState: %v", err)
		}
		if state == "" {
			t.Fatalf("empty state")
		}
		if seen[state] {
			t.Fatalf("state %q repeated", state)
		}
		seen[state] = true
	}
}
