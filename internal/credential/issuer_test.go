package credential

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
)

func newTestIssuer(t *testing.T, tempTTL, finalTTL time.Duration) *Issuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cfg := config.IssuerConfig{
		Issuer:          "LocalAzure",
		BackendAudience: "bmfa-processor",
		ClientAudience:  "bmfa-client",
		TempTTL:         tempTTL,
		FinalTTL:        finalTTL,
	}

	return NewIssuerWithKey(cfg, key, zap.NewNop())
}

func TestIssueTempRoundtrip(t *testing.T) {
	issuer := newTestIssuer(t, 120*time.Second, 900*time.Second)

	token, expiresAt, err := issuer.IssueTemp("user-42", "login-1", "nonce-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), expiresAt, 2*time.Second)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)

	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "login-1", claims.LoginID)
	assert.Equal(t, "nonce-1", claims.Nonce)
	assert.InDelta(t, LevelPassword, claims.Arc, 1e-9)
	assert.Equal(t, []string{MethodPassword}, claims.Amr)
	assert.Equal(t, jwt.ClaimStrings{"bmfa-processor"}, claims.Audience)
	assert.NotEmpty(t, claims.ID)
	assert.Empty(t, claims.ValidationID)
}

func TestIssueFinalCarriesValidationLinkage(t *testing.T) {
	issuer := newTestIssuer(t, 120*time.Second, 900*time.Second)

	custom := StepUpClaims{
		ValidationID: "val-123",
		BiometricProof: &BiometricProof{
			Score:       0.93,
			Method:      "gesture",
			ValidatedAt: time.Now().Unix(),
		},
	}

	token, _, err := issuer.IssueFinal("user-42", "customer", LevelBiometric,
		[]string{MethodPassword, MethodBiometric}, custom)
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)

	assert.InDelta(t, LevelBiometric, claims.Arc, 1e-9)
	assert.Equal(t, []string{MethodPassword, MethodBiometric}, claims.Amr)
	assert.Equal(t, "customer", claims.Role)
	assert.Equal(t, "val-123", claims.ValidationID)
	require.NotNil(t, claims.BiometricProof)
	assert.InDelta(t, 0.93, claims.BiometricProof.Score, 1e-9)
	assert.ElementsMatch(t, []string{"bmfa-processor", "bmfa-client"}, claims.Audience)
}

func TestIssueTempFreshTokenIDs(t *testing.T) {
	issuer := newTestIssuer(t, 120*time.Second, 900*time.Second)

	first, _, err := issuer.IssueTemp("user-42", "login-1", "nonce-1")
	require.NoError(t, err)
	second, _, err := issuer.IssueTemp("user-42", "login-1", "nonce-1")
	require.NoError(t, err)

	firstClaims, err := issuer.Verify(first)
	require.NoError(t, err)
	secondClaims, err := issuer.Verify(second)
	require.NoError(t, err)

	assert.NotEqual(t, firstClaims.ID, secondClaims.ID)
}

func TestVerifyExpiredCredential(t *testing.T) {
	issuer := newTestIssuer(t, -1*time.Second, 900*time.Second)

	token, _, err := issuer.IssueTemp("user-42", "login-1", "nonce-1")
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, autherr.ErrCredentialExpired)
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	issuer := newTestIssuer(t, 120*time.Second, 900*time.Second)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Now()
	base := jwt.RegisteredClaims{
		Issuer:    "LocalAzure",
		Subject:   "user-42",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}

	otherKeyToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, base).SignedString(otherKey)
	require.NoError(t, err)

	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, base).SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	wrongIssuer := base
	wrongIssuer.Issuer = "SomeoneElse"
	wrongIssuerToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, wrongIssuer).SignedString(testPrivateKey(t, issuer))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"signed with another key", otherKeyToken},
		{"hmac algorithm confusion", hmacToken},
		{"wrong issuer", wrongIssuerToken},
		{"not a token at all", "garbage.token.value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token)
			assert.ErrorIs(t, err, autherr.ErrInvalidCredential)
		})
	}
}

// testPrivateKey signs with the issuer's own key so only the issuer claim
// differs.
func testPrivateKey(t *testing.T, i *Issuer) *rsa.PrivateKey {
	t.Helper()
	return i.privateKey
}
