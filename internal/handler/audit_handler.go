package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/service"
)

// AuditHandler exposes the validation trail to operators. Both routes sit
// behind the full step-up assurance level.
type AuditHandler struct {
	auditService *service.AuditService
	logger       *zap.Logger
}

func NewAuditHandler(auditService *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		auditService: auditService,
		logger:       logger,
	}
}

func (h *AuditHandler) RegisterRoutes(router chi.Router, auth *AuthMiddleware) {
	router.Route("/audit", func(r chi.Router) {
		r.Use(auth.RequireCredential)
		r.Use(auth.RequireAssurance("audit/validations"))

		r.Get("/validations", h.SearchValidations)
		r.Get("/logins/{loginID}/validations", h.ValidationTrail)
	})
}

// SearchValidations queries the search mirror
// @Summary Search validation decisions
// @Description Filter validation records by user, login attempt, or decision
// @Tags audit
// @Produce json
// @Param user_id query string false "User ID"
// @Param login_id query string false "Login ID"
// @Param decision query string false "accepted or rejected"
// @Param limit query int false "Page size (default: 20, max: 100)"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 503 {object} Response
// @Router /audit/validations [get]
func (h *AuditHandler) SearchValidations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := service.SearchQuery{
		UserID:   r.URL.Query().Get("user_id"),
		LoginID:  r.URL.Query().Get("login_id"),
		Decision: r.URL.Query().Get("decision"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 || limit > 100 {
			respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest,
				"Limit must be between 1 and 100")
			return
		}
		query.Limit = limit
	}

	docs, err := h.auditService.SearchValidations(ctx, query)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Validation search failed")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(docs, "Validations retrieved"))
	h.logger.Debug("Validations searched via HTTP",
		zap.Int("count", len(docs)),
		zap.String("method", "SearchValidations"),
	)
}

// ValidationTrail lists one login attempt's decisions from the primary store
// @Summary Validation trail for a login attempt
// @Tags audit
// @Produce json
// @Param loginID path string true "Login ID"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /audit/logins/{loginID}/validations [get]
func (h *AuditHandler) ValidationTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	loginID := chi.URLParam(r, "loginID")
	if loginID == "" {
		respondWithError(w, h.logger, http.StatusBadRequest, autherr.ErrMalformedRequest, "Login ID is required")
		return
	}

	records, err := h.auditService.TrailFor(ctx, loginID)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Failed to load validation trail")
		return
	}

	// The sealed assertion stays in storage.
	type trailEntry struct {
		ValidationID    string  `json:"validation_id"`
		Decision        string  `json:"decision"`
		ConfidenceScore float64 `json:"confidence_score"`
		CreatedAt       string  `json:"created_at"`
	}
	entries := make([]trailEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, trailEntry{
			ValidationID:    rec.ValidationID,
			Decision:        rec.Decision,
			ConfidenceScore: rec.ConfidenceScore,
			CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(entries, "Validation trail retrieved"))
}
