package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"stepup-service/internal/access"
	"stepup-service/internal/autherr"
)

// AccessHandler exposes policy evaluation plus two sample resources that
// demonstrate assurance gating: profile reads need the password factor,
// transfers need the full step-up.
type AccessHandler struct {
	evaluator *access.Evaluator
	logger    *zap.Logger
}

func NewAccessHandler(evaluator *access.Evaluator, logger *zap.Logger) *AccessHandler {
	return &AccessHandler{
		evaluator: evaluator,
		logger:    logger,
	}
}

func (h *AccessHandler) RegisterRoutes(router chi.Router, auth *AuthMiddleware) {
	router.Group(func(r chi.Router) {
		r.Use(auth.RequireCredential)

		r.Get("/access/evaluate", h.Evaluate)

		r.Route("/secure", func(r chi.Router) {
			r.With(auth.RequireAssurance("secure/profile")).Get("/profile", h.Profile)
			r.With(auth.RequireAssurance("secure/transfer")).Post("/transfer", h.Transfer)
		})
	})
}

// Evaluate reports whether the presented credential may access a resource
// @Summary Evaluate access
// @Description Compare the credential's assurance level against a resource policy
// @Tags access
// @Produce json
// @Param resource query string true "Resource name"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Router /access/evaluate [get]
func (h *AccessHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	resource := r.URL.Query().Get("resource")
	if resource == "" {
		respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest, "Resource is required")
		return
	}

	decision := h.evaluator.Evaluate(claims, resource)
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(decision, "Access evaluated"))

	h.logger.Debug("Access evaluated via HTTP",
		zap.String("resource", resource),
		zap.Bool("allowed", decision.Allowed),
		zap.String("method", "Evaluate"),
	)
}

// Profile is a sample resource at the password assurance level.
func (h *AccessHandler) Profile(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]interface{}{
		"user_id": claims.Subject,
		"role":    claims.Role,
		"arc":     claims.Arc,
		"amr":     claims.Amr,
	}, "Profile retrieved"))
}

// Transfer is a sample resource that demands the full step-up.
func (h *AccessHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]interface{}{
		"user_id":       claims.Subject,
		"validation_id": claims.ValidationID,
		"status":        "accepted",
	}, "Transfer authorized"))

	h.logger.Info("Transfer authorized via HTTP",
		zap.String("user_id", claims.Subject),
		zap.String("validation_id", claims.ValidationID),
		zap.String("method", "Transfer"),
	)
}
