package sso

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// idTokenVerifier validates ID tokens for one provider. Verification is
// implemented from primitives on purpose: trust in upstream identity tokens
// is not delegated to a JOSE library.
type idTokenVerifier struct {
	keys       *KeyCache
	issuerBase string
	clientID   string
	clockSkew  time.Duration
	now        func() time.Time
}

// verify runs the full validation algorithm. Every rejection short-circuits;
// a partially validated claims object is never returned.
func (v *idTokenVerifier) verify(ctx context.Context, rawToken, expectedNonce string) (*IDTokenClaims, error) {
	segments := strings.Split(rawToken, ".")
	if len(segments) != 3 {
		return nil, newError(KindValidation, "malformed token: expected 3 segments, got %d", len(segments))
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return nil, wrapError(KindValidation, err, "decode token header")
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, wrapError(KindValidation, err, "parse token header")
	}

	// RS256 only. Accepting whatever alg the header announces would open
	// the door to algorithm-confusion downgrades.
	if header.Alg != "RS256" {
		return nil, newError(KindValidation, "unexpected signing algorithm %q", header.Alg)
	}
	if header.Kid == "" {
		return nil, newError(KindValidation, "token header missing kid")
	}

	key, err := v.keys.SigningKey(ctx, header.Kid)
	if err != nil {
		return nil, err
	}

	// The signature covers the exact transmitted bytes of header.payload.
	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return nil, wrapError(KindValidation, err, "decode token signature")
	}
	hashed := sha256.Sum256([]byte(segments[0] + "." + segments[1]))
	pub := &rsa.PublicKey{N: key.N, E: key.E}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], signature); err != nil {
		return nil, newError(KindValidation, "signature verification failed")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, wrapError(KindValidation, err, "decode token payload")
	}
	var raw map[string]any
	if err := json.Unmarshal(payloadBytes, &raw); err != nil {
		return nil, wrapError(KindValidation, err, "parse token claims")
	}

	now := v.now()
	exp := unixClaim(raw["exp"])
	if exp.IsZero() || now.After(exp) {
		return nil, newError(KindValidation, "token expired")
	}
	iat := unixClaim(raw["iat"])
	if iat.After(now.Add(v.clockSkew)) {
		return nil, newError(KindValidation, "token issued in the future")
	}

	iss, _ := raw["iss"].(string)
	if !strings.HasPrefix(iss, v.issuerBase) {
		return nil, newError(KindValidation, "unexpected token issuer")
	}

	aud, ok := audienceClaim(raw["aud"])
	if !ok || aud != v.clientID {
		return nil, newError(KindValidation, "token audience mismatch")
	}

	nonce, _ := raw["nonce"].(string)
	if expectedNonce != "" && nonce != expectedNonce {
		return nil, ErrNonceMismatch
	}

	sub, _ := raw["sub"].(string)
	email, _ := raw["email"].(string)

	return &IDTokenClaims{
		Issuer:    iss,
		Subject:   sub,
		Audience:  aud,
		IssuedAt:  iat,
		ExpiresAt: exp,
		Nonce:     nonce,
		Email:     email,
		Raw:       raw,
	}, nil
}

// audienceClaim accepts a bare string or a single-element array. Multiple
// audiences never match: aud must equal the configured client id exactly.
func audienceClaim(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, v != ""
	case []any:
		if len(v) != 1 {
			return "", false
		}
		s, ok := v[0].(string)
		return s, ok && s != ""
	default:
		return "", false
	}
}

func unixClaim(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}
