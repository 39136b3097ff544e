package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// Endpoints holds the upstream URLs one provider talks to.
type Endpoints struct {
	AuthURL       string
	TokenURL      string
	UserInfoURL   string
	JWKSURL       string
	DeviceAuthURL string
}

// derivedEndpoints builds the standard OIDC surface from the issuer base.
// This is the default so providers without a discovery document still work.
func derivedEndpoints(issuer string) Endpoints {
	base := strings.TrimSuffix(issuer, "/")
	return Endpoints{
		AuthURL:       base + "/authorize",
		TokenURL:      base + "/token",
		UserInfoURL:   base + "/userinfo",
		JWKSURL:       base + "/keys",
		DeviceAuthURL: base + "/device/authorize",
	}
}

// OIDCProvider implements Provider for any standard OIDC identity provider,
// parameterized by its endpoints.
type OIDCProvider struct {
	id        string
	cfg       ProviderConfig
	issuer    string
	endpoints Endpoints
	scopes    []string
	client    *http.Client
	keys      *KeyCache
	verifier  *idTokenVerifier
	logger    *slog.Logger
}

// NewOIDCProvider builds a provider from configuration. With cfg.Discovery
// set, endpoints come from the issuer's discovery document; otherwise they
// are derived from the issuer base.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig, engine EngineConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine = engine.withDefaults()

	issuer := resolveTenantIssuer(cfg.Issuer, cfg.TenantID)

	var endpoints Endpoints
	if cfg.Discovery {
		discovered, err := discoverEndpoints(ctx, issuer, engine.HTTPTimeout)
		if err != nil {
			return nil, wrapError(KindNetwork, err, "discover provider %s", cfg.ProviderID)
		}
		endpoints = discovered
	} else {
		endpoints = derivedEndpoints(issuer)
	}

	keys := NewKeyCache(endpoints.JWKSURL, engine.JWKSCacheTTL, engine.HTTPTimeout, logger)

	p := &OIDCProvider{
		id:        cfg.ProviderID,
		cfg:       cfg,
		issuer:    strings.TrimSuffix(issuer, "/"),
		endpoints: endpoints,
		scopes:    cfg.scopes(),
		client:    &http.Client{Timeout: engine.HTTPTimeout},
		keys:      keys,
		logger:    logger,
	}
	p.verifier = &idTokenVerifier{
		keys:       keys,
		issuerBase: p.issuer,
		clientID:   cfg.ClientID,
		clockSkew:  engine.ClockSkew,
		now:        time.Now,
	}

	logger.Info("provider configured",
		"provider", cfg.ProviderID,
		"issuer", p.issuer,
		"client_id", cfg.ClientID,
		"client_secret", maskSecret(cfg.ClientSecret),
		"discovery", cfg.Discovery)

	return p, nil
}

// discoverEndpoints resolves the provider surface via the issuer's
// .well-known document. The device endpoint is optional metadata go-oidc
// does not surface directly, so it is read from the raw claims.
func discoverEndpoints(ctx context.Context, issuer string, timeout time.Duration) (Endpoints, error) {
	ctx = oidc.ClientContext(ctx, &http.Client{Timeout: timeout})
	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Endpoints{}, err
	}

	var doc struct {
		JWKSURI                     string `json:"jwks_uri"`
		UserInfoEndpoint            string `json:"userinfo_endpoint"`
		DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
	}
	if err := op.Claims(&doc); err != nil {
		return Endpoints{}, fmt.Errorf("parse discovery document: %w", err)
	}

	endpoint := op.Endpoint()
	out := Endpoints{
		AuthURL:       endpoint.AuthURL,
		TokenURL:      endpoint.TokenURL,
		UserInfoURL:   doc.UserInfoEndpoint,
		JWKSURL:       doc.JWKSURI,
		DeviceAuthURL: doc.DeviceAuthorizationEndpoint,
	}
	fallback := derivedEndpoints(issuer)
	if out.UserInfoURL == "" {
		out.UserInfoURL = fallback.UserInfoURL
	}
	if out.JWKSURL == "" {
		out.JWKSURL = fallback.JWKSURL
	}
	if out.DeviceAuthURL == "" {
		out.DeviceAuthURL = fallback.DeviceAuthURL
	}
	return out, nil
}

// resolveTenantIssuer substitutes a {tenant} placeholder so multi-tenant
// issuers (Entra style) can be configured per tenant.
func resolveTenantIssuer(issuer, tenantID string) string {
	if tenantID == "" || !strings.Contains(issuer, "{tenant}") {
		return issuer
	}
	return strings.ReplaceAll(issuer, "{tenant}", tenantID)
}

// ID returns the configured provider id.
func (p *OIDCProvider) ID() string { return p.id }

// AuthorizationURL constructs the browser redirect for the code+PKCE flow.
func (p *OIDCProvider) AuthorizationURL(redirectURI, state, codeVerifier, nonce string) (string, error) {
	if redirectURI == "" {
		return "", newError(KindConfig, "redirect_uri is required")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint:     oauth2.Endpoint{AuthURL: p.endpoints.AuthURL, TokenURL: p.endpoints.TokenURL},
		Scopes:       p.scopes,
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", CodeChallenge(codeVerifier)),
		oauth2.SetAuthURLParam("code_challenge_method", CodeChallengeMethod),
	}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return oauthCfg.AuthCodeURL(state, opts...), nil
}

// ExchangeCode redeems an authorization code.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", codeVerifier)

	tokens, oauthErr, err := p.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}
	if oauthErr != nil {
		return nil, oauthErr.protocolError("code exchange")
	}
	return tokens, nil
}

// RefreshToken redeems a refresh token.
func (p *OIDCProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", strings.Join(p.scopes, " "))

	tokens, oauthErr, err := p.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}
	if oauthErr != nil {
		return nil, oauthErr.protocolError("token refresh")
	}
	return tokens, nil
}

// FetchUserInfo retrieves standard OIDC claims with a bearer token.
func (p *OIDCProvider) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, wrapError(KindNetwork, err, "build userinfo request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapError(KindNetwork, err, "fetch userinfo")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError(KindProtocol, "userinfo request failed: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(KindNetwork, err, "read userinfo response")
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, wrapError(KindProtocol, err, "decode userinfo response")
	}
	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, wrapError(KindProtocol, err, "decode userinfo response")
	}
	if info.Subject == "" {
		return nil, newError(KindProtocol, "userinfo response missing sub")
	}
	info.Raw = raw
	return &info, nil
}

// ValidateIDToken verifies signature and claims of a raw ID token.
func (p *OIDCProvider) ValidateIDToken(ctx context.Context, rawToken, expectedNonce string) (*IDTokenClaims, error) {
	return p.verifier.verify(ctx, rawToken, expectedNonce)
}

// StartDeviceAuth begins a device-code flow.
func (p *OIDCProvider) StartDeviceAuth(ctx context.Context) (*DeviceAuthSession, error) {
	form := url.Values{}
	form.Set("client_id", p.cfg.ClientID)
	form.Set("scope", strings.Join(p.scopes, " "))

	resp, err := p.postForm(ctx, p.endpoints.DeviceAuthURL, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError(KindProtocol, "device authorization failed: %s", resp.Status)
	}

	var payload struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int64  `json:"expires_in"`
		Interval                int64  `json:"interval"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, wrapError(KindProtocol, err, "decode device authorization response")
	}
	if payload.DeviceCode == "" || payload.UserCode == "" {
		return nil, newError(KindProtocol, "device authorization response missing codes")
	}

	interval := payload.Interval
	if interval <= 0 {
		interval = 5
	}
	return &DeviceAuthSession{
		ProviderID:              p.id,
		DeviceCode:              payload.DeviceCode,
		UserCode:                payload.UserCode,
		VerificationURI:         payload.VerificationURI,
		VerificationURIComplete: payload.VerificationURIComplete,
		ExpiresAt:               time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		PollInterval:            time.Duration(interval) * time.Second,
	}, nil
}

// PollDeviceAuth performs one poll against the token endpoint. This is the
// single place the raw OAuth error strings are interpreted.
func (p *OIDCProvider) PollDeviceAuth(ctx context.Context, deviceCode string) (PollResult, error) {
	form := url.Values{}
	form.Set("grant_type", deviceCodeGrantType)
	form.Set("device_code", deviceCode)

	tokens, oauthErr, err := p.tokenRequest(ctx, form)
	if err != nil {
		return PollResult{}, err
	}
	if oauthErr == nil {
		return PollResult{Status: PollSuccess, Tokens: tokens}, nil
	}

	switch oauthErr.Code {
	case "authorization_pending":
		return PollResult{Status: PollPending}, nil
	case "slow_down":
		return PollResult{Status: PollSlowDown}, nil
	case "expired_token":
		return PollResult{Status: PollExpired}, nil
	case "access_denied":
		return PollResult{Status: PollDenied}, nil
	default:
		return PollResult{}, oauthErr.protocolError("device poll")
	}
}

// oauthError is a structured token endpoint rejection.
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	status      string
}

func (e *oauthError) protocolError(op string) *Error {
	msg := e.Code
	if e.Description != "" {
		msg = fmt.Sprintf("%s (%s)", e.Code, e.Description)
	}
	if msg == "" {
		msg = e.status
	}
	return newError(KindProtocol, "%s rejected by provider: %s", op, msg)
}

// tokenRequest posts a form grant to the token endpoint. Non-200 responses
// are returned as a parsed oauthError, transport failures as a network error.
func (p *OIDCProvider) tokenRequest(ctx context.Context, form url.Values) (*TokenResponse, *oauthError, error) {
	form.Set("client_id", p.cfg.ClientID)
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}

	resp, err := p.postForm(ctx, p.endpoints.TokenURL, form)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, wrapError(KindNetwork, err, "read token response")
	}

	if resp.StatusCode != http.StatusOK {
		oe := &oauthError{status: resp.Status}
		// Best effort: an unparseable error body still surfaces the status.
		_ = json.Unmarshal(body, oe)
		return nil, oe, nil
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, nil, wrapError(KindProtocol, err, "decode token response")
	}
	if tokens.AccessToken == "" {
		return nil, nil, newError(KindProtocol, "token response missing access_token")
	}
	return &tokens, nil, nil
}

func (p *OIDCProvider) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, wrapError(KindNetwork, err, "build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapError(KindNetwork, err, "post %s", endpoint)
	}
	return resp, nil
}
