// Package assertion validates externally signed biometric assertions
// against the scorer's published key set. It owns signature-trust
// concerns only; session state is the decision engine's business.
package assertion

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
)

// Verifier enforces signature validity, issuer, audience, freshness and
// required-claim presence on raw assertions.
type Verifier struct {
	keys   KeySource
	cfg    config.AssertionConfig
	logger *zap.Logger
}

func NewVerifier(keys KeySource, cfg config.AssertionConfig, logger *zap.Logger) *Verifier {
	return &Verifier{
		keys:   keys,
		cfg:    cfg,
		logger: logger,
	}
}

// VerifyAssertion validates raw against the published key set and returns
// the claim set unmodified. maxAge bounds the assertion's age measured
// from its iat; zero means the configured default. A non-empty
// expectedLoginID must match the login_id claim.
//
// Failure modes: ErrTrustStoreUnavailable when keys cannot be resolved,
// ErrLoginIdMismatch on a login_id conflict, ErrMalformedAssertion for
// everything else. Never falls back to accepting unsigned input.
func (v *Verifier) VerifyAssertion(ctx context.Context, raw, expectedLoginID string, maxAge time.Duration) (*Claims, error) {
	if maxAge <= 0 {
		maxAge = v.cfg.MaxAge
	}

	keys, err := v.keys.Keys(ctx)
	if err != nil {
		if errors.Is(err, autherr.ErrTrustStoreUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", autherr.ErrTrustStoreUnavailable, err)
	}

	mapClaims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, mapClaims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return resolveKey(token, keys)
	},
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrMalformedAssertion, err)
	}
	if !token.Valid {
		return nil, autherr.ErrMalformedAssertion
	}

	claims, err := extractClaims(mapClaims)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	age := now.Sub(claims.IssuedAt)
	if age > maxAge {
		return nil, fmt.Errorf("%w: assertion is %s old, max age %s",
			autherr.ErrMalformedAssertion, age.Truncate(time.Second), maxAge)
	}
	if claims.IssuedAt.After(now.Add(v.cfg.ClockSkew)) {
		return nil, fmt.Errorf("%w: assertion issued in the future", autherr.ErrMalformedAssertion)
	}

	if expectedLoginID != "" && claims.LoginID != expectedLoginID {
		return nil, fmt.Errorf("%w: assertion bound to a different login", autherr.ErrLoginIdMismatch)
	}

	return claims, nil
}

// resolveKey picks the verification key by kid; an untagged token is
// accepted only when the key set is unambiguous.
func resolveKey(token *jwt.Token, keys map[string]*rsa.PublicKey) (*rsa.PublicKey, error) {
	if kid, ok := token.Header["kid"].(string); ok && kid != "" {
		key, found := keys[kid]
		if !found {
			return nil, fmt.Errorf("no key for kid %q", kid)
		}
		return key, nil
	}

	if len(keys) == 1 {
		for _, key := range keys {
			return key, nil
		}
	}
	return nil, fmt.Errorf("assertion has no kid and key set is ambiguous")
}

// extractClaims enforces presence and typing of the required claims:
// sub, login_id, score, nonce and iat.
func extractClaims(mc jwt.MapClaims) (*Claims, error) {
	claims := &Claims{raw: map[string]interface{}(mc)}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: missing required claim sub", autherr.ErrMalformedAssertion)
	}
	claims.Subject = sub

	loginID, ok := mc["login_id"].(string)
	if !ok || loginID == "" {
		return nil, fmt.Errorf("%w: missing required claim login_id", autherr.ErrMalformedAssertion)
	}
	claims.LoginID = loginID

	nonce, ok := mc["nonce"].(string)
	if !ok || nonce == "" {
		return nil, fmt.Errorf("%w: missing required claim nonce", autherr.ErrMalformedAssertion)
	}
	claims.Nonce = nonce

	rawScore, present := mc["score"]
	if !present {
		return nil, fmt.Errorf("%w: missing required claim score", autherr.ErrMalformedAssertion)
	}
	switch s := rawScore.(type) {
	case float64:
		claims.Score = s
		claims.ScoreNumeric = true
	default:
		// Present but not numeric: the engine treats this as a failed
		// threshold comparison, not a malformed token.
		claims.ScoreNumeric = false
	}

	switch iat := mc["iat"].(type) {
	case float64:
		claims.IssuedAt = time.Unix(int64(iat), 0)
	default:
		return nil, fmt.Errorf("%w: missing required claim iat", autherr.ErrMalformedAssertion)
	}

	if df, ok := mc["device_fingerprint"].(string); ok {
		claims.DeviceFingerprint = df
	}

	return claims, nil
}
