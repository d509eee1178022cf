package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/service"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// respondWithError sends an error response
func respondWithError(w http.ResponseWriter, logger *zap.Logger, statusCode int, err error, message string) {
	logger.Warn("HTTP error response",
		zap.Error(err),
		zap.Int("status_code", statusCode),
		zap.String("message", message),
	)
	respondWithJSON(w, logger, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error.
// The protocol keeps second-factor rejections coarse: everything the
// caller could use to probe the verifier maps onto the same 401.
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, autherr.ErrMalformedRequest),
		errors.Is(err, autherr.ErrMalformedAssertion):
		return http.StatusBadRequest
	case errors.Is(err, autherr.ErrInvalidCredentials),
		errors.Is(err, autherr.ErrInvalidCredential),
		errors.Is(err, autherr.ErrCredentialExpired),
		errors.Is(err, autherr.ErrLoginIdMismatch),
		errors.Is(err, autherr.ErrBiometricVerificationFailed),
		errors.Is(err, autherr.ErrSessionExpired),
		errors.Is(err, autherr.ErrNonceMismatch),
		errors.Is(err, autherr.ErrBiometricScoreTooLow):
		return http.StatusUnauthorized
	case errors.Is(err, autherr.ErrSessionNotFound),
		errors.Is(err, autherr.ErrUserNotFound),
		errors.Is(err, autherr.ErrBypassDisabled):
		return http.StatusNotFound
	case errors.Is(err, autherr.ErrSessionNotPending):
		return http.StatusConflict
	case errors.Is(err, autherr.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, autherr.ErrScorerUnavailable),
		errors.Is(err, autherr.ErrNormalizerUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, autherr.ErrTrustStoreUnavailable),
		errors.Is(err, service.ErrSearchUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
