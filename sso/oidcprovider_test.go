package sso

import (
	"context"
	"net/url"
	"strings"
	"testing"
)

func TestAuthorizationURLParameters(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	rawURL, err := p.AuthorizationURL("https://app/callback", "state-1", "verifier-1", "nonce-1")
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	if !strings.HasPrefix(rawURL, idp.issuer()+"/authorize") {
		t.Fatalf("unexpected endpoint: %q", rawURL)
	}

	q := u.Query()
	want := map[string]string{
		"client_id":             stubClientID,
		"response_type":         "code",
		"redirect_uri":          "https://app/callback",
		"scope":                 "openid profile email",
		"state":                 "state-1",
		"code_challenge":        CodeChallenge("verifier-1"),
		"code_challenge_method": "S256",
		"nonce":                 "nonce-1",
	}
	for key, val := range want {
		if got := q.Get(key); got != val {
			t.Fatalf("param %s: got %q want %q", key, got, val)
		}
	}
}

func TestAuthorizationURLOmitsNonceWhenEmpty(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	rawURL, err := p.AuthorizationURL("https://app/callback", "state-1", "verifier-1", "")
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	if u.Query().Has("nonce") {
		t.Fatalf("nonce must be absent when not supplied")
	}
}

func TestExchangeCodeSuccess(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	tokens, err := p.ExchangeCode(context.Background(), stubAcceptCode, "verifier-1", "https://app/callback")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokens.AccessToken != "tok_access" {
		t.Fatalf("unexpected access token: %q", tokens.AccessToken)
	}
	if tokens.TokenType != "Bearer" {
		t.Fatalf("unexpected token type: %q", tokens.TokenType)
	}
	if tokens.RefreshToken == "" {
		t.Fatalf("expected refresh token")
	}
}

func TestExchangeCodeSurfacesProviderError(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	_, err := p.ExchangeCode(context.Background(), "bogus", "verifier-1", "https://app/callback")
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if KindOf(err) != KindProtocol {
		t.Fatalf("expected protocol error, got kind %q", KindOf(err))
	}
	if !strings.Contains(err.Error(), "invalid_grant") || !strings.Contains(err.Error(), "code not recognized") {
		t.Fatalf("expected IdP error code and description, got %v", err)
	}
}

func TestExchangeCodeUnreachableProvider(t *testing.T) {
	cfg := ProviderConfig{
		ProviderID: "dead",
		ClientID:   stubClientID,
		Issuer:     "http://127.0.0.1:1",
		Enabled:    true,
	}
	p, err := NewOIDCProvider(context.Background(), cfg, EngineConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewOIDCProvider: %v", err)
	}

	_, err = p.ExchangeCode(context.Background(), "code", "verifier", "https://app/callback")
	if err == nil || KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestRefreshToken(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	tokens, err := p.RefreshToken(context.Background(), "refresh_tok_access")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if tokens.AccessToken != "tok_refreshed" {
		t.Fatalf("unexpected access token: %q", tokens.AccessToken)
	}
}

func TestFetchUserInfo(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	info, err := p.FetchUserInfo(context.Background(), "tok_access")
	if err != nil {
		t.Fatalf("FetchUserInfo: %v", err)
	}
	if info.Subject != stubSubject {
		t.Fatalf("unexpected subject: %q", info.Subject)
	}
	if info.Email != "user@example.com" || !info.EmailVerified {
		t.Fatalf("unexpected email claims: %+v", info)
	}
	if info.Raw["name"] != "Example User" {
		t.Fatalf("raw claims not preserved: %+v", info.Raw)
	}
}

func TestFetchUserInfoRejected(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	_, err := p.FetchUserInfo(context.Background(), "garbage")
	if err == nil || KindOf(err) != KindProtocol {
		t.Fatalf("expected protocol error for rejected bearer token, got %v", err)
	}
}

func TestStartDeviceAuth(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	session, err := p.StartDeviceAuth(context.Background())
	if err != nil {
		t.Fatalf("StartDeviceAuth: %v", err)
	}
	if session.DeviceCode != stubDeviceCode {
		t.Fatalf("unexpected device code: %q", session.DeviceCode)
	}
	if session.UserCode == "" || session.VerificationURI == "" {
		t.Fatalf("incomplete session: %+v", session)
	}
	if session.PollInterval.Seconds() != 5 {
		t.Fatalf("unexpected poll interval: %v", session.PollInterval)
	}
}

func TestPollDeviceAuthOutcomes(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	cases := []struct {
		outcome string
		want    PollStatus
	}{
		{"authorization_pending", PollPending},
		{"slow_down", PollSlowDown},
		{"expired_token", PollExpired},
		{"access_denied", PollDenied},
		{"ok", PollSuccess},
	}
	for _, tc := range cases {
		idp.enqueuePolls(tc.outcome)
		res, err := p.PollDeviceAuth(context.Background(), stubDeviceCode)
		if err != nil {
			t.Fatalf("outcome %s: unexpected error %v", tc.outcome, err)
		}
		if res.Status != tc.want {
			t.Fatalf("outcome %s: got status %v want %v", tc.outcome, res.Status, tc.want)
		}
		if tc.want == PollSuccess && (res.Tokens == nil || res.Tokens.AccessToken != "tok_1") {
			t.Fatalf("success poll must carry tokens, got %+v", res.Tokens)
		}
		if tc.want != PollSuccess && res.Tokens != nil {
			t.Fatalf("non-success poll must not carry tokens")
		}
	}
}

func TestPollDeviceAuthUnknownErrorIsProtocol(t *testing.T) {
	idp := newStubIDP(t)
	p := newTestProvider(t, idp)

	idp.enqueuePolls("server_error")
	_, err := p.PollDeviceAuth(context.Background(), stubDeviceCode)
	if err == nil || KindOf(err) != KindProtocol {
		t.Fatalf("unrecognized OAuth error must surface as protocol error, got %v", err)
	}
}

func TestResolveTenantIssuer(t *testing.T) {
	cases := []struct {
		issuer, tenant, want string
	}{
		{"https://login.microsoftonline.com/{tenant}/v2.0", "tid-1", "https://login.microsoftonline.com/tid-1/v2.0"},
		{"https://login.microsoftonline.com/{tenant}/v2.0", "", "https://login.microsoftonline.com/{tenant}/v2.0"},
		{"https://example.okta.com", "tid-1", "https://example.okta.com"},
	}
	for _, tc := range cases {
		if got := resolveTenantIssuer(tc.issuer, tc.tenant); got != tc.want {
			t.Fatalf("resolveTenantIssuer(%q, %q) = %q, want %q", tc.issuer, tc.tenant, got, tc.want)
		}
	}
}

func TestDerivedEndpoints(t *testing.T) {
	e := derivedEndpoints("https://idp.example.com/")
	if e.AuthURL != "https://idp.example.com/authorize" {
		t.Fatalf("unexpected auth url: %q", e.AuthURL)
	}
	if e.TokenURL != "https://idp.example.com/token" {
		t.Fatalf("unexpected token url: %q", e.TokenURL)
	}
	if e.JWKSURL != "https://idp.example.com/keys" {
		t.Fatalf("unexpected jwks url: %q", e.JWKSURL)
	}
	if e.DeviceAuthURL != "https://idp.example.com/device/authorize" {
		t.Fatalf("unexpected device url: %q", e.DeviceAuthURL)
	}
}
