package assertion

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
)

const testKid = "scorer-key-1"

type assertionFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	cfg      config.AssertionConfig
	requests *int64
}

func newAssertionFixture(t *testing.T) *assertionFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var requests int64
	doc := jwksFor(key, testKid)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(server.Close)

	cfg := config.AssertionConfig{
		JWKSURL:      server.URL,
		Issuer:       "bmfa-cloud",
		Audience:     "LocalAzure",
		MaxAge:       120 * time.Second,
		ClockSkew:    10 * time.Second,
		FetchTimeout: 2 * time.Second,
		FetchRetries: 2,
		KeyCacheTTL:  300 * time.Second,
	}

	return &assertionFixture{key: key, server: server, cfg: cfg, requests: &requests}
}

func (f *assertionFixture) verifier(t *testing.T) *Verifier {
	t.Helper()
	store := NewTrustStore(f.cfg, zap.NewNop())
	return NewVerifier(store, f.cfg, zap.NewNop())
}

// sign builds an RS256 assertion; override mutates the default claim set,
// deleting entries whose value is nil.
func (f *assertionFixture) sign(t *testing.T, override map[string]interface{}) string {
	t.Helper()

	claims := jwt.MapClaims{
		"iss":      "bmfa-cloud",
		"aud":      "LocalAzure",
		"sub":      "user-42",
		"login_id": "login-1",
		"score":    0.93,
		"nonce":    "nonce-1",
		"iat":      time.Now().Unix(),
	}
	for k, v := range override {
		if v == nil {
			delete(claims, k)
		} else {
			claims[k] = v
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func jwksFor(key *rsa.PrivateKey, kid string) []byte {
	pub := key.PublicKey
	doc := map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	data, _ := json.Marshal(doc)
	return data
}

func TestVerifyAssertionValid(t *testing.T) {
	f := newAssertionFixture(t)
	v := f.verifier(t)

	claims, err := v.VerifyAssertion(context.Background(), f.sign(t, nil), "login-1", 0)
	require.NoError(t, err)

	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "login-1", claims.LoginID)
	assert.Equal(t, "nonce-1", claims.Nonce)
	assert.True(t, claims.ScoreNumeric)
	assert.InDelta(t, 0.93, claims.Score, 1e-9)
	assert.NotEqual(t, "{}", claims.Snapshot())
}

func TestVerifyAssertionRequiredClaims(t *testing.T) {
	f := newAssertionFixture(t)
	v := f.verifier(t)

	tests := []struct {
		name     string
		override map[string]interface{}
	}{
		{"missing sub", map[string]interface{}{"sub": nil}},
		{"missing login_id", map[string]interface{}{"login_id": nil}},
		{"missing score", map[string]interface{}{"score": nil}},
		{"missing nonce", map[string]interface{}{"nonce": nil}},
		{"missing iat", map[string]interface{}{"iat": nil}},
		{"wrong issuer", map[string]interface{}{"iss": "someone-else"}},
		{"wrong audience", map[string]interface{}{"aud": "another-service"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyAssertion(context.Background(), f.sign(t, tt.override), "", 0)
			assert.ErrorIs(t, err, autherr.ErrMalformedAssertion)
		})
	}
}

func TestVerifyAssertionLoginIdMismatch(t *testing.T) {
	f := newAssertionFixture(t)
	v := f.verifier(t)

	_, err := v.VerifyAssertion(context.Background(), f.sign(t, nil), "some-other-login", 0)
	assert.ErrorIs(t, err, autherr.ErrLoginIdMismatch)
}

func TestVerifyAssertionStale(t *testing.T) {
	f := newAssertionFixture(t)
	v := f.verifier(t)

	old := f.sign(t, map[string]interface{}{
		"iat": time.Now().Add(-10 * time.Minute).Unix(),
	})
	_, err := v.VerifyAssertion(context.Background(), old, "", 0)
	assert.ErrorIs(t, err, autherr.ErrMalformedAssertion)
}

func TestVerifyAssertionFutureIssued(t *testing.T) {
	f := newAssertionFixture(t)
	v := f.verifier(t)

	future := f.sign(t, map[string]interface{}{
		"iat": time.Now().Add(5 * time.Minute).Unix(),
	})
	_, err := v.VerifyAssertion(context.Background(), future, "", 0)
	assert.ErrorIs(t, err, autherr.ErrMalformedAssertion)
}

func TestVerifyAssertionNonNumericScore(t *testing.T) {
	f := newAssertionFixture(t)
	v := f.verifier(t)

	claims, err := v.VerifyAssertion(context.Background(),
		f.sign(t, map[string]interface{}{"score": "high"}), "", 0)
	require.NoError(t, err)
	assert.False(t, claims.ScoreNumeric)
}

func TestVerifyAssertionUnknownKid(t *testing.T) {
	f := newAssertionFixture(t)
	v := f.verifier(t)

	claims := jwt.MapClaims{
		"iss": "bmfa-cloud", "aud": "LocalAzure", "sub": "user-42",
		"login_id": "login-1", "score": 0.93, "nonce": "nonce-1",
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "rotated-away"
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)

	_, err = v.VerifyAssertion(context.Background(), signed, "", 0)
	assert.ErrorIs(t, err, autherr.ErrMalformedAssertion)
}

func TestTrustStoreUnavailableAfterRetries(t *testing.T) {
	f := newAssertionFixture(t)
	f.server.Close()

	v := f.verifier(t)
	_, err := v.VerifyAssertion(context.Background(), f.sign(t, nil), "", 0)
	assert.ErrorIs(t, err, autherr.ErrTrustStoreUnavailable)
}

func TestTrustStoreBoundedRetries(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := config.AssertionConfig{
		JWKSURL:      server.URL,
		FetchTimeout: time.Second,
		FetchRetries: 2,
		KeyCacheTTL:  time.Minute,
	}
	store := NewTrustStore(cfg, zap.NewNop())

	_, err := store.Keys(context.Background())
	assert.ErrorIs(t, err, autherr.ErrTrustStoreUnavailable)
	assert.EqualValues(t, 3, atomic.LoadInt64(&hits))
}

func TestTrustStoreCachesKeySet(t *testing.T) {
	f := newAssertionFixture(t)
	store := NewTrustStore(f.cfg, zap.NewNop())
	v := NewVerifier(store, f.cfg, zap.NewNop())

	_, err := v.VerifyAssertion(context.Background(), f.sign(t, nil), "", 0)
	require.NoError(t, err)
	fetched := atomic.LoadInt64(f.requests)

	// Key set endpoint goes away; the cached copy keeps verification alive.
	f.server.Close()

	_, err = v.VerifyAssertion(context.Background(), f.sign(t, nil), "", 0)
	require.NoError(t, err)
	assert.Equal(t, fetched, atomic.LoadInt64(f.requests))
}
