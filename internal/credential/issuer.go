// Package credential mints and verifies the signed, time-bounded tokens
// issued by the step-up protocol. Key material is injected at
// construction; there is no ambient key state.
package credential

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
)

// Issuer signs temp and final credentials with RS256 and verifies tokens
// it issued. Temp credentials are audience-restricted to the backend so
// collaborators can verify them; final credentials are additionally
// addressed to the client application.
type Issuer struct {
	privateKey *rsa.PrivateKey
	cfg        config.IssuerConfig
	logger     *zap.Logger
}

// NewIssuer loads the signing key from inline PEM or the configured path.
// A missing key is a construction error, not a per-call SigningError, so
// the process refuses to start without one.
func NewIssuer(cfg config.IssuerConfig, logger *zap.Logger) (*Issuer, error) {
	pemBytes, err := loadKeyPEM(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrSigningError, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing signing key: %v", autherr.ErrSigningError, err)
	}

	logger.Info("credential issuer initialized",
		zap.String("issuer", cfg.Issuer),
		zap.Duration("temp_ttl", cfg.TempTTL),
		zap.Duration("final_ttl", cfg.FinalTTL))

	return &Issuer{
		privateKey: key,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// NewIssuerWithKey builds an issuer around an already-parsed key. Tests
// substitute generated fixtures through this constructor.
func NewIssuerWithKey(cfg config.IssuerConfig, key *rsa.PrivateKey, logger *zap.Logger) *Issuer {
	return &Issuer{
		privateKey: key,
		cfg:        cfg,
		logger:     logger,
	}
}

func loadKeyPEM(cfg config.IssuerConfig) ([]byte, error) {
	if cfg.PrivateKeyPEM != "" {
		return []byte(cfg.PrivateKeyPEM), nil
	}
	pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %s: %w", cfg.PrivateKeyPath, err)
	}
	return pemBytes, nil
}

// PublicKey exposes the verification half for publishing (JWKS endpoint,
// collaborator configs).
func (i *Issuer) PublicKey() *rsa.PublicKey {
	return &i.privateKey.PublicKey
}

// TempTTL returns the configured temp credential lifetime; the session
// store derives expires_at from the same value.
func (i *Issuer) TempTTL() time.Duration {
	return i.cfg.TempTTL
}

// IssueTemp mints the first-factor credential: arc 0.5, amr ["pwd"],
// audience restricted to the backend, bound to the login session and its
// nonce.
func (i *Issuer) IssueTemp(userID, loginID, nonce string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(i.cfg.TempTTL)

	claims := Claims{
		Arc:     LevelPassword,
		Amr:     []string{MethodPassword},
		LoginID: loginID,
		Nonce:   nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{i.cfg.BackendAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	return i.sign(claims, expiresAt)
}

// IssueFinal mints the post-step-up credential: the proven assurance
// level, both factors in amr, audience covering backend and client, and
// the validation linkage embedded verbatim.
func (i *Issuer) IssueFinal(userID, role string, level float64, amr []string, custom StepUpClaims) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(i.cfg.FinalTTL)

	claims := Claims{
		Arc:            level,
		Amr:            amr,
		Role:           role,
		ValidationID:   custom.ValidationID,
		BiometricProof: custom.BiometricProof,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{i.cfg.BackendAudience, i.cfg.ClientAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	return i.sign(claims, expiresAt)
}

func (i *Issuer) sign(claims Claims, expiresAt time.Time) (string, time.Time, error) {
	if i.privateKey == nil {
		return "", time.Time{}, fmt.Errorf("%w: no signing key", autherr.ErrSigningError)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
	if err != nil {
		i.logger.Error("credential signing failed", zap.Error(err))
		return "", time.Time{}, fmt.Errorf("%w: %v", autherr.ErrSigningError, err)
	}

	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, issuer and expiry of a credential
// this service issued and returns its typed claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &i.privateKey.PublicKey, nil
	}, jwt.WithIssuer(i.cfg.Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", autherr.ErrCredentialExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", autherr.ErrInvalidCredential, err)
	}

	if !token.Valid {
		return nil, autherr.ErrInvalidCredential
	}

	return claims, nil
}
