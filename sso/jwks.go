package sso

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedJWK is one RSA signing key decoded from a provider's JWKS.
type CachedJWK struct {
	Kid       string
	N         *big.Int
	E         int
	FetchedAt time.Time
}

// KeyCache fetches and caches a single provider's published signing keys.
// The whole set shares one expiry: a kid miss or an elapsed TTL triggers a
// full refetch, deduplicated across concurrent validations.
type KeyCache struct {
	jwksURL string
	ttl     time.Duration
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	keys      map[string]CachedJWK
	expiresAt time.Time
	fetchGen  uint64

	group singleflight.Group
}

// NewKeyCache constructs a cache for one JWKS endpoint.
func NewKeyCache(jwksURL string, ttl, timeout time.Duration, logger *slog.Logger) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultJWKSCacheTTL
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &KeyCache{
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		now:     time.Now,
	}
}

// SigningKey resolves kid against the cached set, refetching on miss or
// expiry. A miss that survives a refetch is a hard validation failure.
func (c *KeyCache) SigningKey(ctx context.Context, kid string) (CachedJWK, error) {
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}

	// A kid miss refetches even inside the TTL: the IdP may have rotated
	// its keys. One fetch per cache, no matter how many validations miss at
	// once; a caller whose miss predates a fetch that just completed reuses
	// that fetch instead of forcing another.
	gen := c.generation()
	_, err, _ := c.group.Do("jwks", func() (any, error) {
		if c.generation() != gen {
			return nil, nil
		}
		return nil, c.refetch(ctx)
	})
	if err != nil {
		return CachedJWK{}, err
	}

	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	return CachedJWK{}, ErrKeyNotFound
}

func (c *KeyCache) lookup(kid string) (CachedJWK, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || c.now().After(c.expiresAt) {
		return CachedJWK{}, false
	}
	key, ok := c.keys[kid]
	return key, ok
}

func (c *KeyCache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchGen
}

func (c *KeyCache) refetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return wrapError(KindNetwork, err, "build jwks request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return wrapError(KindNetwork, err, "fetch jwks")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newError(KindProtocol, "jwks fetch failed: %s", resp.Status)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return wrapError(KindProtocol, err, "decode jwks")
	}

	fetched := c.now()
	keys := make(map[string]CachedJWK)
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Use != "sig" || k.Kid == "" {
			continue
		}
		n, e, err := decodeRSAComponents(k.N, k.E)
		if err != nil {
			c.logger.Warn("skipping malformed jwk", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = CachedJWK{Kid: k.Kid, N: n, E: e, FetchedAt: fetched}
	}

	c.mu.Lock()
	c.keys = keys
	c.expiresAt = fetched.Add(c.ttl)
	c.fetchGen++
	c.mu.Unlock()

	c.logger.Debug("jwks refreshed", "url", c.jwksURL, "keys", len(keys))
	return nil
}

func decodeRSAComponents(n, e string) (*big.Int, int, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, 0, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, 0, fmt.Errorf("decode exponent: %w", err)
	}
	modulus := new(big.Int).SetBytes(nb)
	exponent := new(big.Int).SetBytes(eb)
	if !exponent.IsInt64() || exponent.Int64() <= 0 {
		return nil, 0, fmt.Errorf("exponent out of range")
	}
	return modulus, int(exponent.Int64()), nil
}
