package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stepup-service/internal/access"
	"stepup-service/internal/assertion"
	"stepup-service/internal/config"
	"stepup-service/internal/credential"
	"stepup-service/internal/directory"
	"stepup-service/internal/hashing"
	"stepup-service/internal/repository/memory"
	"stepup-service/internal/service"
)

const (
	testPassword = "correct horse battery staple"
	scorerKid    = "scorer-key-1"
)

type nopSealer struct{}

func (nopSealer) EncryptAssertion(ctx context.Context, raw string) (string, error) {
	return raw, nil
}

type stubHealth struct {
	failures map[string]string
	ready    bool
}

func (s *stubHealth) Readiness(ctx context.Context) (map[string]string, bool) {
	return s.failures, s.ready
}

type routerFixture struct {
	router    chi.Router
	store     *memory.SessionStore
	log       *memory.ValidationLog
	scorerKey *rsa.PrivateKey
	health    *stubHealth
}

type envelope struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	issuerKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := credential.NewIssuerWithKey(config.IssuerConfig{
		Issuer:          "LocalAzure",
		BackendAudience: "bmfa-processor",
		ClientAudience:  "bmfa-client",
		TempTTL:         120 * time.Second,
		FinalTTL:        15 * time.Minute,
	}, issuerKey, logger)

	scorerKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksDocument(scorerKey, scorerKid))
	}))
	t.Cleanup(jwks.Close)

	assertionCfg := config.AssertionConfig{
		JWKSURL:      jwks.URL,
		Issuer:       "bmfa-cloud",
		Audience:     "LocalAzure",
		MaxAge:       120 * time.Second,
		ClockSkew:    10 * time.Second,
		FetchTimeout: 2 * time.Second,
		FetchRetries: 2,
		KeyCacheTTL:  300 * time.Second,
	}
	verifier := assertion.NewVerifier(assertion.NewTrustStore(assertionCfg, logger), assertionCfg, logger)

	hasher := hashing.NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8192,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           []string{"test-pepper"},
		},
	})
	users := memory.NewUserDirectory()
	dir := directory.NewDirectory(users, hasher, logger)

	store := memory.NewSessionStore(120 * time.Second)
	validations := memory.NewValidationLog()

	audit := service.NewAuditService(validations, nopSealer{}, nil, nil, logger)
	stepUp := service.NewStepUpService(verifier, store, users, issuer, audit, nil, nil, nil,
		config.StepUpConfig{Threshold: 0.85, MaxAttempts: 10, AttemptWindow: time.Minute}, logger)
	login := service.NewLoginService(dir, store, issuer, nil, nil, nil,
		config.LoginConfig{MaxFailures: 5, FailureWindow: time.Minute, LockDuration: time.Minute}, logger)

	_, err = login.Register(context.Background(), "alice", testPassword, "customer")
	require.NoError(t, err)

	evaluator := access.NewEvaluator(config.AccessConfig{
		Policies: map[string]float64{
			"secure/profile":    0.5,
			"secure/transfer":   1.0,
			"audit/validations": 1.0,
		},
		DefaultLevel: 0.5,
	}, logger)

	auth := NewAuthMiddleware(issuer, evaluator, logger)
	health := &stubHealth{ready: true}

	router := NewRouter(
		NewAuthHandler(login, stepUp, nil, nil, logger),
		NewAccessHandler(evaluator, logger),
		NewAuditHandler(audit, logger),
		auth,
		health,
		false,
		logger,
	)

	return &routerFixture{
		router:    router,
		store:     store,
		log:       validations,
		scorerKey: scorerKey,
		health:    health,
	}
}

func jwksDocument(key *rsa.PrivateKey, kid string) []byte {
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

// signAssertion builds what the scorer would return for this session.
func (f *routerFixture) signAssertion(t *testing.T, loginID, nonce string, score interface{}) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":      "bmfa-cloud",
		"aud":      "LocalAzure",
		"sub":      "user-42",
		"login_id": loginID,
		"nonce":    nonce,
		"score":    score,
		"iat":      time.Now().Unix(),
	})
	token.Header["kid"] = scorerKid
	signed, err := token.SignedString(f.scorerKey)
	require.NoError(t, err)
	return signed
}

func (f *routerFixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

// login runs the password factor and returns temp credential, login id and
// nonce.
func (f *routerFixture) login(t *testing.T) (string, string, string) {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice",
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)
	return env.Data["temp_credential"].(string),
		env.Data["login_id"].(string),
		env.Data["nonce"].(string)
}

func TestLoginEndpoint(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice",
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, "0.5", env.Data["arc"])
	assert.Equal(t, "Bearer", env.Data["token_type"])
	assert.NotEmpty(t, env.Data["temp_credential"])
	assert.NotEmpty(t, env.Data["login_id"])
	assert.NotEmpty(t, env.Data["nonce"])
}

func TestLoginEndpointRejections(t *testing.T) {
	fx := newRouterFixture(t)

	tests := []struct {
		name     string
		body     map[string]string
		wantCode int
	}{
		{"wrong password", map[string]string{"username": "alice", "password": "nope-nope"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "bob", "password": "whatever-pw"}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": "alice"}, http.StatusBadRequest},
		{"suspicious username", map[string]string{"username": "alice<script>", "password": "x"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := fx.do(t, http.MethodPost, "/api/v1/auth/login", "", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.False(t, decodeEnvelope(t, rec).Success)
		})
	}
}

func TestStepUpEndToEnd(t *testing.T) {
	fx := newRouterFixture(t)
	temp, loginID, nonce := fx.login(t)

	// The temp credential opens the password-level resource but not the
	// transfer.
	rec := fx.do(t, http.MethodGet, "/api/v1/secure/profile", temp, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = fx.do(t, http.MethodPost, "/api/v1/secure/transfer", temp, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Step up with a signed assertion.
	rec = fx.do(t, http.MethodPost, "/api/v1/auth/step-up", temp, map[string]string{
		"assertion": fx.signAssertion(t, loginID, nonce, 0.93),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)
	assert.Equal(t, "1.0", env.Data["arc"])
	assert.NotEmpty(t, env.Data["validation_id"])
	final := env.Data["final_credential"].(string)
	require.NotEmpty(t, final)

	// The final credential unlocks the transfer.
	rec = fx.do(t, http.MethodPost, "/api/v1/secure/transfer", final, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Evaluation agrees with the gate decisions.
	rec = fx.do(t, http.MethodGet, "/api/v1/access/evaluate?resource=secure/transfer", final, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, true, env.Data["allowed"])

	rec = fx.do(t, http.MethodGet, "/api/v1/access/evaluate?resource=secure/transfer", temp, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, false, env.Data["allowed"])

	// The audit trail shows the accepted validation.
	rec = fx.do(t, http.MethodGet, "/api/v1/audit/logins/"+loginID+"/validations", final, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")
}

func TestStepUpEndpointStatusMapping(t *testing.T) {
	fx := newRouterFixture(t)

	t.Run("no bearer credential", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/api/v1/auth/step-up", "", map[string]string{"assertion": "x"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("neither assertion nor stroke", func(t *testing.T) {
		temp, _, _ := fx.login(t)
		rec := fx.do(t, http.MethodPost, "/api/v1/auth/step-up", temp, map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("tampered assertion", func(t *testing.T) {
		temp, loginID, nonce := fx.login(t)
		raw := fx.signAssertion(t, loginID, nonce, 0.93)
		rec := fx.do(t, http.MethodPost, "/api/v1/auth/step-up", temp, map[string]string{
			"assertion": raw + "tampered",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, decodeEnvelope(t, rec).Error, "biometric verification failed")
	})

	t.Run("score below threshold", func(t *testing.T) {
		temp, loginID, nonce := fx.login(t)
		rec := fx.do(t, http.MethodPost, "/api/v1/auth/step-up", temp, map[string]string{
			"assertion": fx.signAssertion(t, loginID, nonce, 0.42),
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		temp, loginID, _ := fx.login(t)
		rec := fx.do(t, http.MethodPost, "/api/v1/auth/step-up", temp, map[string]string{
			"assertion": fx.signAssertion(t, loginID, "stolen-nonce", 0.93),
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("replay after completion", func(t *testing.T) {
		temp, loginID, nonce := fx.login(t)
		raw := fx.signAssertion(t, loginID, nonce, 0.93)

		rec := fx.do(t, http.MethodPost, "/api/v1/auth/step-up", temp, map[string]string{"assertion": raw})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = fx.do(t, http.MethodPost, "/api/v1/auth/step-up", temp, map[string]string{"assertion": raw})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("assertion for another session", func(t *testing.T) {
		temp, _, _ := fx.login(t)
		_, otherLoginID, otherNonce := fx.login(t)
		rec := fx.do(t, http.MethodPost, "/api/v1/auth/step-up", temp, map[string]string{
			"assertion": fx.signAssertion(t, otherLoginID, otherNonce, 0.93),
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestBypassRouteAbsentInDefaultBuild(t *testing.T) {
	if service.BypassEnabled {
		t.Skip("bypass build links the dev route")
	}
	fx := newRouterFixture(t)
	temp, _, _ := fx.login(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/auth/step-up/dev", temp, map[string]interface{}{
		"nonce": "n", "score": 0.99,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditRoutesRequireFullAssurance(t *testing.T) {
	fx := newRouterFixture(t)
	temp, loginID, _ := fx.login(t)

	rec := fx.do(t, http.MethodGet, "/api/v1/audit/logins/"+loginID+"/validations", temp, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuditSearchWithoutBackend(t *testing.T) {
	fx := newRouterFixture(t)
	temp, loginID, nonce := fx.login(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/auth/step-up", temp, map[string]string{
		"assertion": fx.signAssertion(t, loginID, nonce, 0.93),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	final := decodeEnvelope(t, rec).Data["final_credential"].(string)

	rec = fx.do(t, http.MethodGet, "/api/v1/audit/validations?user_id=user-1", final, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stepup-service")

	rec = fx.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	fx.health.ready = false
	fx.health.failures = map[string]string{"scylla": "connection refused"}
	rec = fx.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "scylla")
}

func TestUnknownRoute(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/v1/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
