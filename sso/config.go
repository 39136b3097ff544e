package sso

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine defaults. These are implementation choices, not protocol mandates,
// so every one of them can be overridden in configuration.
const (
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultJWKSCacheTTL = time.Hour
	DefaultClockSkew    = 5 * time.Minute
	DefaultPendingTTL   = 10 * time.Minute
)

// DefaultScopes are requested when a provider entry lists none.
var DefaultScopes = []string{"openid", "profile", "email"}

// Config captures the full daemon configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Engine    EngineConfig     `yaml:"engine"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig controls listener and TLS concerns for the HTTP facade.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour in production mode.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// EngineConfig carries the engine tunables shared by all providers.
type EngineConfig struct {
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	ClockSkew    time.Duration `yaml:"clock_skew"`
	PendingTTL   time.Duration `yaml:"pending_ttl"`
}

// ProviderConfig describes one upstream identity provider. Entries are
// immutable once loaded; LoadProviders replaces the set wholesale.
type ProviderConfig struct {
	ProviderID   string   `yaml:"provider_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Issuer       string   `yaml:"issuer"`
	TenantID     string   `yaml:"tenant_id"`
	Scopes       []string `yaml:"scopes"`
	Enabled      bool     `yaml:"enabled"`
	Discovery    bool     `yaml:"discovery"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling catches typos and deprecated fields.
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Engine = cfg.Engine.withDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the development-mode configuration template.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir: ".autocert",
			},
		},
		Engine: EngineConfig{}.withDefaults(),
	}
}

func (e EngineConfig) withDefaults() EngineConfig {
	if e.HTTPTimeout <= 0 {
		e.HTTPTimeout = DefaultHTTPTimeout
	}
	if e.JWKSCacheTTL <= 0 {
		e.JWKSCacheTTL = DefaultJWKSCacheTTL
	}
	if e.ClockSkew <= 0 {
		e.ClockSkew = DefaultClockSkew
	}
	if e.PendingTTL <= 0 {
		e.PendingTTL = DefaultPendingTTL
	}
	return e
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SSOD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"SSOD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"SSOD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"SSOD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SSOD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SSOD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SSOD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"SSOD_ENGINE_HTTP_TIMEOUT":      func(v string) { cfg.Engine.HTTPTimeout = parseDuration(v, cfg.Engine.HTTPTimeout) },
		"SSOD_ENGINE_JWKS_CACHE_TTL":    func(v string) { cfg.Engine.JWKSCacheTTL = parseDuration(v, cfg.Engine.JWKSCacheTTL) },
		"SSOD_ENGINE_CLOCK_SKEW":        func(v string) { cfg.Engine.ClockSkew = parseDuration(v, cfg.Engine.ClockSkew) },
		"SSOD_ENGINE_PENDING_TTL":       func(v string) { cfg.Engine.PendingTTL = parseDuration(v, cfg.Engine.PendingTTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	for i, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
	}

	return nil
}

// Validate checks the per-provider settings required before any flow can run.
func (p ProviderConfig) Validate() error {
	if p.ProviderID == "" {
		return newError(KindConfig, "provider_id is required")
	}
	if p.Issuer == "" {
		return newError(KindConfig, "provider %s: issuer is required", p.ProviderID)
	}
	if !strings.HasPrefix(p.Issuer, "http://") && !strings.HasPrefix(p.Issuer, "https://") {
		return newError(KindConfig, "provider %s: issuer must start with http:// or https://", p.ProviderID)
	}
	if p.ClientID == "" {
		return newError(KindConfig, "provider %s: client_id is required", p.ProviderID)
	}
	return nil
}

// scopes returns the configured scope list or the OIDC defaults.
func (p ProviderConfig) scopes() []string {
	if len(p.Scopes) > 0 {
		return p.Scopes
	}
	return DefaultScopes
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
