package sso

import (
	"context"
	"encoding/json"
	"time"
)

// TokenResponse matches the OAuth token endpoint payload. Immutable value.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// UserInfo normalizes the provider's userinfo response. Subject is the only
// field every provider guarantees.
type UserInfo struct {
	Subject       string         `json:"sub"`
	Email         string         `json:"email,omitempty"`
	EmailVerified bool           `json:"email_verified,omitempty"`
	Name          string         `json:"name,omitempty"`
	GivenName     string         `json:"given_name,omitempty"`
	FamilyName    string         `json:"family_name,omitempty"`
	Picture       string         `json:"picture,omitempty"`
	Raw           map[string]any `json:"-"`
}

// IDTokenClaims is only ever constructed from a token whose signature,
// issuer, audience, expiry, and nonce have all passed validation.
type IDTokenClaims struct {
	Issuer    string
	Subject   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Nonce     string
	Email     string
	Raw       map[string]any
}

// DeviceAuthSession describes an in-progress device authorization. Only
// PollInterval mutates (it grows on slow_down); the session is discarded on
// any terminal outcome.
type DeviceAuthSession struct {
	ProviderID              string        `json:"provider_id"`
	DeviceCode              string        `json:"device_code"`
	UserCode                string        `json:"user_code"`
	VerificationURI         string        `json:"verification_uri"`
	VerificationURIComplete string        `json:"verification_uri_complete,omitempty"`
	ExpiresAt               time.Time     `json:"expires_at"`
	PollInterval            time.Duration `json:"-"`
}

// MarshalJSON carries the poll interval as whole seconds under "interval",
// the field device clients already know from the upstream payload.
func (s *DeviceAuthSession) MarshalJSON() ([]byte, error) {
	type session DeviceAuthSession
	return json.Marshal(struct {
		*session
		Interval int64 `json:"interval"`
	}{(*session)(s), int64(s.PollInterval / time.Second)})
}

func (s *DeviceAuthSession) UnmarshalJSON(b []byte) error {
	type session DeviceAuthSession
	aux := struct {
		*session
		Interval int64 `json:"interval"`
	}{session: (*session)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.PollInterval = time.Duration(aux.Interval) * time.Second
	return nil
}

// PollStatus is the exhaustive outcome set for one device-code poll. The raw
// OAuth error strings are parsed once, at the token endpoint boundary, and
// never re-matched deeper in the call chain.
type PollStatus int

const (
	PollPending PollStatus = iota
	PollSlowDown
	PollSuccess
	PollExpired
	PollDenied
)

func (s PollStatus) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollSlowDown:
		return "slow_down"
	case PollSuccess:
		return "success"
	case PollExpired:
		return "expired"
	case PollDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Terminal reports whether further polling is pointless.
func (s PollStatus) Terminal() bool {
	return s == PollSuccess || s == PollExpired || s == PollDenied
}

// PollResult carries one poll outcome. Tokens is set only on PollSuccess.
type PollResult struct {
	Status PollStatus
	Tokens *TokenResponse
}

// Provider is the per-IdP capability set. One implementation exists per IdP
// family; the manager dispatches through an explicit providerId -> Provider
// map, never via ambient lookup.
type Provider interface {
	ID() string

	// AuthorizationURL builds the browser redirect for the code+PKCE flow.
	AuthorizationURL(redirectURI, state, codeVerifier, nonce string) (string, error)

	// ExchangeCode redeems an authorization code at the token endpoint.
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error)

	// FetchUserInfo retrieves standard OIDC claims with a bearer token.
	FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	// RefreshToken redeems a refresh token for fresh credentials.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)

	// ValidateIDToken verifies signature and claims of a raw ID token.
	// expectedNonce is empty when no nonce was issued at authorization time.
	ValidateIDToken(ctx context.Context, rawToken, expectedNonce string) (*IDTokenClaims, error)

	// StartDeviceAuth begins a device-code flow.
	StartDeviceAuth(ctx context.Context) (*DeviceAuthSession, error)

	// PollDeviceAuth performs one poll of the token endpoint. Pending and
	// SlowDown are iteration signals, not errors.
	PollDeviceAuth(ctx context.Context, deviceCode string) (PollResult, error)
}
