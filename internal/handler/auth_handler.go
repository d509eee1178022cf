package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/collaborator"
	"stepup-service/internal/models"
	"stepup-service/internal/service"
	"stepup-service/internal/util"
)

// AuthHandler handles the login and step-up endpoints.
type AuthHandler struct {
	loginService  *service.LoginService
	stepUpService *service.StepUpService
	normalizer    *collaborator.Normalizer
	scorer        *collaborator.Scorer
	logger        *zap.Logger
}

func NewAuthHandler(
	loginService *service.LoginService,
	stepUpService *service.StepUpService,
	normalizer *collaborator.Normalizer,
	scorer *collaborator.Scorer,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		loginService:  loginService,
		stepUpService: stepUpService,
		normalizer:    normalizer,
		scorer:        scorer,
		logger:        logger,
	}
}

type loginRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type loginResponse struct {
	TempCredential string `json:"temp_credential"`
	TokenType      string `json:"token_type"`
	Arc            string `json:"arc"`
	ExpiresIn      int64  `json:"expires_in"`
	LoginID        string `json:"login_id"`
	Nonce          string `json:"nonce"`
}

type stepUpRequest struct {
	Assertion         string                `json:"assertion,omitempty"`
	Stroke            *models.StrokeCapture `json:"stroke,omitempty"`
	DeviceFingerprint string                `json:"device_fingerprint,omitempty"`
}

type stepUpResponse struct {
	FinalCredential string `json:"final_credential"`
	TokenType       string `json:"token_type"`
	Arc             string `json:"arc"`
	ExpiresIn       int64  `json:"expires_in"`
	ValidationID    string `json:"validation_id"`
}

type bypassRequest struct {
	Nonce             string                `json:"nonce"`
	Score             *float64              `json:"score,omitempty"`
	Stroke            *models.StrokeCapture `json:"stroke,omitempty"`
	DeviceFingerprint string                `json:"device_fingerprint,omitempty"`
}

// RegisterRoutes registers the auth routes. The step-up endpoints sit
// behind credential verification; the dev bypass route exists only in
// builds that link it.
func (h *AuthHandler) RegisterRoutes(router chi.Router, auth *AuthMiddleware) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireCredential)
			r.Post("/step-up", h.StepUp)
			if service.BypassEnabled {
				r.Post("/step-up/dev", h.StepUpBypass)
			}
		})
	})
}

// Login handles the first authentication factor
// @Summary Password login
// @Description Verify the password factor and open a pending step-up session
// @Tags auth
// @Accept json
// @Produce json
// @Param request body loginRequest true "Login request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 429 {object} Response
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest, "Invalid request body")
		return
	}

	username := util.SanitizeInput(req.Username)
	if username == "" || util.ContainsSuspicious(username) {
		respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest, "Invalid username")
		return
	}

	result, err := h.loginService.Login(ctx, service.LoginInput{
		Username:          username,
		Password:          req.Password,
		DeviceFingerprint: req.DeviceFingerprint,
		SourceIP:          r.RemoteAddr,
	})
	if err != nil {
		if errors.Is(err, autherr.ErrTooManyAttempts) {
			if retry := h.loginService.LockRetryAfter(username); retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second).Seconds())))
			}
		}
		respondWithError(w, h.logger, getStatusCode(err), err, "Login failed")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(loginResponse{
		TempCredential: result.TempCredential,
		TokenType:      "Bearer",
		Arc:            formatLevel(result.AssuranceLevel),
		ExpiresIn:      secondsUntil(result.ExpiresAt),
		LoginID:        result.LoginID,
		Nonce:          result.Nonce,
	}, "Password factor accepted"))

	h.logger.Info("Login via HTTP",
		zap.String("login_id", result.LoginID),
		zap.Duration("duration", time.Since(startTime)),
		zap.String("method", "Login"),
	)
}

// StepUp handles the biometric second factor
// @Summary Complete step-up
// @Description Verify a biometric assertion, or score an inline stroke, and promote the session
// @Tags auth
// @Accept json
// @Produce json
// @Param request body stepUpRequest true "Step-up request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Failure 429 {object} Response
// @Router /auth/step-up [post]
func (h *AuthHandler) StepUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.LoginID == "" {
		// Final credentials carry no login binding; step-up needs the
		// temp credential from the login response.
		respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest,
			"Step-up requires the temp credential issued at login")
		return
	}

	var req stepUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest, "Invalid request body")
		return
	}

	rawAssertion := req.Assertion
	if rawAssertion == "" {
		if req.Stroke == nil {
			respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest,
				"Either an assertion or a stroke capture is required")
			return
		}
		var err error
		rawAssertion, err = h.scoreStroke(r, claims.Subject, claims.LoginID, claims.Nonce, req.Stroke)
		if err != nil {
			respondWithError(w, h.logger, getStatusCode(err), err, "Stroke scoring failed")
			return
		}
	}

	result, err := h.stepUpService.CompleteStepUp(ctx, service.StepUpInput{
		RawAssertion:      rawAssertion,
		ExpectedLoginID:   claims.LoginID,
		DeviceFingerprint: req.DeviceFingerprint,
		SourceIP:          r.RemoteAddr,
	})
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Step-up rejected")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(stepUpResponse{
		FinalCredential: result.FinalCredential,
		TokenType:       "Bearer",
		Arc:             formatLevel(result.AssuranceLevel),
		ExpiresIn:       secondsUntil(result.ExpiresAt),
		ValidationID:    result.ValidationID,
	}, "Step-up accepted"))

	h.logger.Info("Step-up via HTTP",
		zap.String("login_id", result.LoginID),
		zap.String("validation_id", result.ValidationID),
		zap.Duration("duration", time.Since(startTime)),
		zap.String("method", "StepUp"),
	)
}

// StepUpBypass handles the development-only local scoring path
// @Summary Complete step-up without an external assertion (dev builds only)
// @Tags auth
// @Accept json
// @Produce json
// @Param request body bypassRequest true "Bypass request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Router /auth/step-up/dev [post]
func (h *AuthHandler) StepUpBypass(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.LoginID == "" {
		respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest,
			"Step-up requires the temp credential issued at login")
		return
	}

	var req bypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest, "Invalid request body")
		return
	}

	result, err := h.stepUpService.CompleteStepUpBypass(ctx, service.BypassInput{
		LoginID:           claims.LoginID,
		Nonce:             req.Nonce,
		Score:             req.Score,
		Stroke:            req.Stroke,
		DeviceFingerprint: req.DeviceFingerprint,
		SourceIP:          r.RemoteAddr,
	})
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Step-up rejected")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(stepUpResponse{
		FinalCredential: result.FinalCredential,
		TokenType:       "Bearer",
		Arc:             formatLevel(result.AssuranceLevel),
		ExpiresIn:       secondsUntil(result.ExpiresAt),
		ValidationID:    result.ValidationID,
	}, "Step-up accepted"))
}

// scoreStroke runs the inline capture through the collaborators: pad and
// featurize, then exchange for a signed assertion. The temp credential
// authenticates both calls.
func (h *AuthHandler) scoreStroke(r *http.Request, userID, loginID, nonce string, stroke *models.StrokeCapture) (string, error) {
	if h.scorer == nil || h.normalizer == nil {
		return "", autherr.ErrScorerUnavailable
	}

	tempCredential, _ := RawCredentialFromContext(r.Context())
	normalized := h.normalizer.Normalize(r.Context(), stroke, tempCredential)

	result, err := h.scorer.Score(r.Context(), normalized, collaborator.ScoreSubject{
		UserID:  userID,
		LoginID: loginID,
		Nonce:   nonce,
	})
	if err != nil {
		return "", err
	}
	if result.Assertion == "" {
		h.logger.Warn("Scorer returned no assertion",
			zap.String("login_id", loginID),
			zap.String("message", result.Message))
		return "", autherr.ErrBiometricVerificationFailed
	}
	return result.Assertion, nil
}

func formatLevel(level float64) string {
	return strconv.FormatFloat(level, 'f', 1, 64)
}

func secondsUntil(t time.Time) int64 {
	return int64(time.Until(t).Round(time.Second).Seconds())
}
