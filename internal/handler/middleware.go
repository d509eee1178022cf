package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"stepup-service/internal/access"
	"stepup-service/internal/autherr"
	"stepup-service/internal/credential"
)

type contextKey int

const (
	claimsContextKey contextKey = iota
	rawCredentialContextKey
)

// CredentialVerifier checks bearer tokens minted by this service.
type CredentialVerifier interface {
	Verify(tokenString string) (*credential.Claims, error)
}

// AuthMiddleware guards routes with credential verification and assurance
// level checks.
type AuthMiddleware struct {
	verifier  CredentialVerifier
	evaluator *access.Evaluator
	logger    *zap.Logger
}

func NewAuthMiddleware(verifier CredentialVerifier, evaluator *access.Evaluator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		evaluator: evaluator,
		logger:    logger,
	}
}

// RequireCredential verifies the Authorization bearer token and stores its
// claims in the request context. Any credential this service issued
// passes; assurance gating is RequireAssurance's job.
func (m *AuthMiddleware) RequireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			respondWithError(w, m.logger, http.StatusUnauthorized,
				autherr.ErrInvalidCredential, "Missing bearer credential")
			return
		}

		claims, err := m.verifier.Verify(raw)
		if err != nil {
			respondWithError(w, m.logger, getStatusCode(err), err, "Credential rejected")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		ctx = context.WithValue(ctx, rawCredentialContextKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAssurance allows the request through only when the verified
// credential meets the resource's assurance level. Must run after
// RequireCredential.
func (m *AuthMiddleware) RequireAssurance(resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				respondWithError(w, m.logger, http.StatusUnauthorized,
					autherr.ErrInvalidCredential, "Missing bearer credential")
				return
			}

			decision := m.evaluator.Evaluate(claims, resource)
			if !decision.Allowed {
				m.logger.Info("Access denied below required assurance",
					zap.String("resource", resource),
					zap.String("user_id", claims.Subject),
					zap.Float64("arc", claims.Arc),
					zap.Float64("required", decision.Required))
				respondWithJSON(w, m.logger, http.StatusForbidden, Response{
					Success: false,
					Data:    decision,
					Error:   "insufficient assurance level",
					Message: "Step-up authentication required",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext returns the verified credential claims stored by
// RequireCredential.
func ClaimsFromContext(ctx context.Context) (*credential.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*credential.Claims)
	return claims, ok
}

// RawCredentialFromContext returns the bearer token as presented, for
// forwarding to collaborators.
func RawCredentialFromContext(ctx context.Context) (string, bool) {
	raw, ok := ctx.Value(rawCredentialContextKey).(string)
	return raw, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(start)),
					zap.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
