package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	stubClientID   = "client-abc"
	stubAcceptCode = "code123"
	stubSubject    = "user-42"
	stubDeviceCode = "dev-code-1"
)

// stubIDP is an in-process identity provider. It signs real RS256 ID tokens
// and publishes the matching JWKS, so validation runs the full code path.
type stubIDP struct {
	t   *testing.T
	key *rsa.PrivateKey
	kid string
	srv *httptest.Server

	mu           sync.Mutex
	jwksFetches  int
	issueIDToken bool
	idTokenNonce string
	pollQueue    []string // per-poll token endpoint outcomes: "ok" or an OAuth error code
}

func newStubIDP(t *testing.T) *stubIDP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	s := &stubIDP{t: t, key: key, kid: "stub-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/keys", s.handleJWKS)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/userinfo", s.handleUserInfo)
	mux.HandleFunc("/device/authorize", s.handleDeviceAuthorize)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	return s
}

func (s *stubIDP) issuer() string { return s.srv.URL }

func (s *stubIDP) providerConfig() ProviderConfig {
	return ProviderConfig{
		ProviderID: "okta",
		ClientID:   stubClientID,
		Issuer:     s.srv.URL,
		Scopes:     []string{"openid", "profile", "email"},
		Enabled:    true,
	}
}

func (s *stubIDP) jwksFetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jwksFetches
}

func (s *stubIDP) enqueuePolls(outcomes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollQueue = append(s.pollQueue, outcomes...)
}

// mintIDToken signs claims with the stub's key, defaulting the registered
// claims a relying party checks. Overrides replace defaults wholesale.
func (s *stubIDP) mintIDToken(overrides jwt.MapClaims) string {
	s.t.Helper()
	claims := jwt.MapClaims{
		"iss": s.srv.URL,
		"sub": stubSubject,
		"aud": stubClientID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		s.t.Fatalf("sign id token: %v", err)
	}
	return signed
}

func (s *stubIDP) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.jwksFetches++
	key, kid := s.key, s.kid
	s.mu.Unlock()

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	writeStubJSON(w, http.StatusOK, set)
}

// rotateKey replaces the published signing key under a new kid, the way an
// IdP rotates keys in place.
func (s *stubIDP) rotateKey(kid string) {
	s.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		s.t.Fatalf("generate rsa key: %v", err)
	}
	s.mu.Lock()
	s.key = key
	s.kid = kid
	s.mu.Unlock()
}

func (s *stubIDP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeStubJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		if r.PostFormValue("code") != stubAcceptCode || r.PostFormValue("code_verifier") == "" {
			writeStubJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "code not recognized",
			})
			return
		}
		writeStubJSON(w, http.StatusOK, s.tokenPayload("tok_access"))
	case "refresh_token":
		if r.PostFormValue("refresh_token") == "" {
			writeStubJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeStubJSON(w, http.StatusOK, s.tokenPayload("tok_refreshed"))
	case "urn:ietf:params:oauth:grant-type:device_code":
		if r.PostFormValue("device_code") != stubDeviceCode {
			writeStubJSON(w, http.StatusBadRequest, map[string]string{"error": "expired_token"})
			return
		}
		s.mu.Lock()
		outcome := "authorization_pending"
		if len(s.pollQueue) > 0 {
			outcome = s.pollQueue[0]
			s.pollQueue = s.pollQueue[1:]
		}
		s.mu.Unlock()
		if outcome == "ok" {
			writeStubJSON(w, http.StatusOK, s.tokenPayload("tok_1"))
			return
		}
		writeStubJSON(w, http.StatusBadRequest, map[string]string{"error": outcome})
	default:
		writeStubJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *stubIDP) tokenPayload(accessToken string) map[string]any {
	payload := map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "refresh_" + accessToken,
		"scope":         "openid profile email",
	}
	s.mu.Lock()
	issue, nonce := s.issueIDToken, s.idTokenNonce
	s.mu.Unlock()
	if issue {
		overrides := jwt.MapClaims{}
		if nonce != "" {
			overrides["nonce"] = nonce
		}
		payload["id_token"] = s.mintIDToken(overrides)
	}
	return payload
}

func (s *stubIDP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer tok_") {
		writeStubJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	writeStubJSON(w, http.StatusOK, map[string]any{
		"sub":            stubSubject,
		"email":          "user@example.com",
		"email_verified": true,
		"name":           "Example User",
		"given_name":     "Example",
		"family_name":    "User",
	})
}

func (s *stubIDP) handleDeviceAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostFormValue("client_id") != stubClientID {
		writeStubJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client"})
		return
	}
	writeStubJSON(w, http.StatusOK, map[string]any{
		"device_code":      stubDeviceCode,
		"user_code":        "ABCD-EFGH",
		"verification_uri": s.srv.URL + "/device",
		"expires_in":       600,
		"interval":         5,
	})
}

func writeStubJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, idp *stubIDP) *Manager {
	t.Helper()
	store := NewStaticConfigStore([]ProviderConfig{idp.providerConfig()})
	m := NewManager(EngineConfig{}, store, testLogger())
	if err := m.LoadProviders(context.Background()); err != nil {
		t.Fatalf("LoadProviders: %v", err)
	}
	return m
}

func newTestProvider(t *testing.T, idp *stubIDP) *OIDCProvider {
	t.Helper()
	p, err := NewOIDCProvider(context.Background(), idp.providerConfig(), EngineConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewOIDCProvider: %v", err)
	}
	return p
}
