package sso

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// SSOAuthResult is the composed outcome of a completed flow.
type SSOAuthResult struct {
	ProviderID string         `json:"provider_id"`
	Tokens     *TokenResponse `json:"tokens"`
	UserInfo   *UserInfo      `json:"user_info"`
	IDClaims   *IDTokenClaims `json:"-"`
}

// DevicePollResult is one observation of a device flow. Result is set only
// when Status is PollSuccess.
type DevicePollResult struct {
	Status PollStatus
	Result *SSOAuthResult
}

// Manager orchestrates providers and owns the pending-authorization table.
// All mutable state lives inside the instance; there are no package-level
// registries.
type Manager struct {
	engine EngineConfig
	store  ConfigStore
	logger *slog.Logger

	mu        sync.RWMutex
	providers map[string]Provider

	pending *PendingTable

	// newProvider is swapped in tests to install fakes.
	newProvider func(ctx context.Context, cfg ProviderConfig, engine EngineConfig, logger *slog.Logger) (Provider, error)
}

// NewManager wires a manager to its configuration store. Call LoadProviders
// before starting flows.
func NewManager(engine EngineConfig, store ConfigStore, logger *slog.Logger) *Manager {
	engine = engine.withDefaults()
	return &Manager{
		engine:    engine,
		store:     store,
		logger:    logger,
		providers: make(map[string]Provider),
		pending:   NewPendingTable(engine.PendingTTL),
		newProvider: func(ctx context.Context, cfg ProviderConfig, engine EngineConfig, logger *slog.Logger) (Provider, error) {
			return NewOIDCProvider(ctx, cfg, engine, logger)
		},
	}
}

// LoadProviders rebuilds the provider map from the configuration store.
// Disabled entries are skipped; invalid entries fail the whole reload so a
// bad config never silently drops a provider.
func (m *Manager) LoadProviders(ctx context.Context) error {
	configs, err := m.store.GetConfigs()
	if err != nil {
		return fmt.Errorf("load provider configs: %w", err)
	}

	providers := make(map[string]Provider)
	for _, cfg := range configs {
		if !cfg.Enabled {
			m.logger.Info("provider disabled", "provider", cfg.ProviderID)
			continue
		}
		p, err := m.newProvider(ctx, cfg, m.engine, m.logger)
		if err != nil {
			return fmt.Errorf("build provider %s: %w", cfg.ProviderID, err)
		}
		providers[cfg.ProviderID] = p
	}

	m.mu.Lock()
	m.providers = providers
	m.mu.Unlock()

	m.logger.Info("providers loaded", "count", len(providers))
	return nil
}

// EnabledProviders lists the ids of loaded providers, sorted for stable
// output.
func (m *Manager) EnabledProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) provider(providerID string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[providerID]
	if !ok {
		return nil, newError(KindConfig, "provider %s not found or disabled", providerID)
	}
	return p, nil
}

// StartAuthorizationFlow issues state and PKCE material, records the pending
// authorization, and returns the provider's authorization URL.
func (m *Manager) StartAuthorizationFlow(ctx context.Context, providerID, redirectURI, nonce string) (string, error) {
	p, err := m.provider(providerID)
	if err != nil {
		return "", err
	}

	state, err := GenerateState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}

	authURL, err := p.AuthorizationURL(redirectURI, state, verifier, nonce)
	if err != nil {
		return "", err
	}

	m.pending.Put(PendingAuthorization{
		State:        state,
		ProviderID:   providerID,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		Nonce:        nonce,
	})

	m.logger.Info("authorization flow started", "provider", providerID, "redirect_uri", redirectURI)
	return authURL, nil
}

// HandleCallback consumes the pending authorization exactly once, exchanges
// the code, validates the ID token when present, and fetches user info.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (*SSOAuthResult, error) {
	entry, ok := m.pending.TakeAndRemove(state)
	if !ok {
		return nil, ErrInvalidState
	}

	p, err := m.provider(entry.ProviderID)
	if err != nil {
		return nil, err
	}

	tokens, err := p.ExchangeCode(ctx, code, entry.CodeVerifier, entry.RedirectURI)
	if err != nil {
		return nil, err
	}

	return m.composeResult(ctx, p, tokens, entry.Nonce)
}

// StartDeviceFlow delegates to the provider's device authorization endpoint.
func (m *Manager) StartDeviceFlow(ctx context.Context, providerID string) (*DeviceAuthSession, error) {
	p, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}
	session, err := p.StartDeviceAuth(ctx)
	if err != nil {
		return nil, err
	}
	m.logger.Info("device flow started", "provider", providerID, "user_code", session.UserCode)
	return session, nil
}

// PollDeviceFlow performs one poll. On success it composes the same result
// shape as the callback path; Pending and SlowDown pass through as statuses.
func (m *Manager) PollDeviceFlow(ctx context.Context, providerID, deviceCode string) (DevicePollResult, error) {
	p, err := m.provider(providerID)
	if err != nil {
		return DevicePollResult{}, err
	}

	poll, err := p.PollDeviceAuth(ctx, deviceCode)
	if err != nil {
		return DevicePollResult{}, err
	}
	if poll.Status != PollSuccess {
		return DevicePollResult{Status: poll.Status}, nil
	}

	// Device flow carries no nonce; ID token validation still runs when the
	// provider issued one.
	result, err := m.composeResult(ctx, p, poll.Tokens, "")
	if err != nil {
		return DevicePollResult{}, err
	}
	return DevicePollResult{Status: PollSuccess, Result: result}, nil
}

func (m *Manager) composeResult(ctx context.Context, p Provider, tokens *TokenResponse, nonce string) (*SSOAuthResult, error) {
	var claims *IDTokenClaims
	if tokens.IDToken != "" {
		validated, err := p.ValidateIDToken(ctx, tokens.IDToken, nonce)
		if err != nil {
			// Validation failures abort the whole attempt; retrying does
			// not change cryptographic truth.
			m.logger.Warn("id token rejected", "provider", p.ID(), "error", err)
			return nil, err
		}
		claims = validated
	}

	info, err := p.FetchUserInfo(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	m.logger.Info("authentication complete", "provider", p.ID(), "subject", info.Subject)
	return &SSOAuthResult{
		ProviderID: p.ID(),
		Tokens:     tokens,
		UserInfo:   info,
		IDClaims:   claims,
	}, nil
}
