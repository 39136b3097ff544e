package sso

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// CodeChallengeMethod is the only PKCE transform the engine emits.
const CodeChallengeMethod = "S256"

// GenerateState returns a URL-safe random value binding an authorization
// request to its callback. 32 bytes gives 256 bits of entropy.
func GenerateState() (string, error) {
	return randomURLSafe(32)
}

// GenerateCodeVerifier returns a PKCE code verifier. The 43-character
// base64url encoding of 32 random bytes sits inside the RFC 7636 length
// window of 43-128 characters.
func GenerateCodeVerifier() (string, error) {
	return randomURLSafe(32)
}

// CodeChallenge derives the S256 challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
