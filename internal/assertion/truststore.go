package assertion

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
)

// KeySource resolves the verification keys for externally signed
// assertions, keyed by kid.
type KeySource interface {
	Keys(ctx context.Context) (map[string]*rsa.PublicKey, error)
}

// TrustStore fetches the assertion signer's published key set over HTTP
// and caches it. Resolution is fail-closed: when no fresh copy can be
// fetched within the bounded retries, verification must not proceed.
type TrustStore struct {
	url        string
	httpClient *http.Client
	retries    int
	cacheTTL   time.Duration
	logger     *zap.Logger

	mu        sync.RWMutex
	cached    map[string]*rsa.PublicKey
	fetchedAt time.Time
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func NewTrustStore(cfg config.AssertionConfig, logger *zap.Logger) *TrustStore {
	return &TrustStore{
		url: cfg.JWKSURL,
		httpClient: &http.Client{
			Timeout: cfg.FetchTimeout,
		},
		retries:  cfg.FetchRetries,
		cacheTTL: cfg.KeyCacheTTL,
		logger:   logger,
	}
}

// Keys returns the cached key set while it is fresh, otherwise refetches
// with bounded retries. Any terminal failure surfaces as
// ErrTrustStoreUnavailable.
func (ts *TrustStore) Keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	ts.mu.RLock()
	if ts.cached != nil && time.Since(ts.fetchedAt) < ts.cacheTTL {
		keys := ts.cached
		ts.mu.RUnlock()
		return keys, nil
	}
	ts.mu.RUnlock()

	var lastErr error
	for attempt := 0; attempt <= ts.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", autherr.ErrTrustStoreUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		keys, err := ts.fetch(ctx)
		if err == nil {
			ts.mu.Lock()
			ts.cached = keys
			ts.fetchedAt = time.Now()
			ts.mu.Unlock()
			return keys, nil
		}
		lastErr = err
		ts.logger.Warn("trust store fetch failed",
			zap.String("url", ts.url),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, fmt.Errorf("%w: %v", autherr.ErrTrustStoreUnavailable, lastErr)
}

func (ts *TrustStore) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building key set request: %w", err)
	}

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set endpoint returned %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			ts.logger.Warn("skipping unparseable key in key set",
				zap.String("kid", k.Kid),
				zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("key set contains no usable RSA signing keys")
	}

	return keys, nil
}

func parseRSAKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("invalid public exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// Invalidate drops the cached key set so the next resolution refetches.
func (ts *TrustStore) Invalidate() {
	ts.mu.Lock()
	ts.cached = nil
	ts.fetchedAt = time.Time{}
	ts.mu.Unlock()
}

// HealthCheck resolves the key set once; used by the readiness probe.
func (ts *TrustStore) HealthCheck(ctx context.Context) error {
	_, err := ts.Keys(ctx)
	return err
}
