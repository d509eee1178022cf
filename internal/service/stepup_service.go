package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
	"stepup-service/internal/credential"
	"stepup-service/internal/models"
)

// StepUpService is the decision engine for the second factor. It verifies
// the externally signed assertion, checks the session state and nonce,
// applies the confidence threshold, records the decision, and promotes the
// session through the single-winner pending to completed transition.
type StepUpService struct {
	verifier AssertionVerifier
	sessions SessionStore
	users    UserSource
	issuer   CredentialIssuer
	audit    *AuditService
	events   EventPublisher
	cache    SessionCache
	attempts AttemptLimiter
	cfg      config.StepUpConfig
	logger   *zap.Logger
}

// StepUpInput carries one step-up attempt. ExpectedLoginID comes from the
// temp credential presented on the request and is cross-checked against
// the assertion's login_id claim during verification.
type StepUpInput struct {
	RawAssertion      string
	ExpectedLoginID   string
	DeviceFingerprint string
	SourceIP          string
}

// StepUpResult is the outcome of an accepted step-up.
type StepUpResult struct {
	FinalCredential string
	ExpiresAt       time.Time
	AssuranceLevel  float64
	ValidationID    string
	LoginID         string
	UserID          string
}

// BypassInput feeds the development bypass path. Score takes precedence
// over Stroke when both are present; with neither the bypass rejects the
// request as malformed.
type BypassInput struct {
	LoginID           string
	Nonce             string
	Score             *float64
	Stroke            *models.StrokeCapture
	DeviceFingerprint string
	SourceIP          string
}

// decisionInput is the normalized form both entry points reduce to before
// the shared session-state and threshold logic runs.
type decisionInput struct {
	loginID           string
	nonce             string
	score             float64
	scoreNumeric      bool
	method            string
	rawAssertion      string
	claimsSnapshot    string
	deviceFingerprint string
	sourceIP          string
}

func NewStepUpService(
	verifier AssertionVerifier,
	sessions SessionStore,
	users UserSource,
	issuer CredentialIssuer,
	audit *AuditService,
	events EventPublisher,
	cache SessionCache,
	attempts AttemptLimiter,
	cfg config.StepUpConfig,
	logger *zap.Logger,
) *StepUpService {
	return &StepUpService{
		verifier: verifier,
		sessions: sessions,
		users:    users,
		issuer:   issuer,
		audit:    audit,
		events:   events,
		cache:    cache,
		attempts: attempts,
		cfg:      cfg,
		logger:   logger,
	}
}

// CompleteStepUp runs the full decision flow for a signed assertion.
//
// Verification failures other than trust store outage collapse into
// ErrBiometricVerificationFailed so the response never tells a forger
// which check tripped; the precise cause goes to the log.
func (s *StepUpService) CompleteStepUp(ctx context.Context, in StepUpInput) (*StepUpResult, error) {
	if in.RawAssertion == "" {
		return nil, autherr.ErrMalformedRequest
	}

	if err := s.checkAttempts(in.ExpectedLoginID); err != nil {
		return nil, err
	}

	claims, err := s.verifier.VerifyAssertion(ctx, in.RawAssertion, in.ExpectedLoginID, 0)
	if err != nil {
		if errors.Is(err, autherr.ErrTrustStoreUnavailable) {
			return nil, err
		}
		s.logger.Warn("Assertion verification failed",
			zap.String("login_id", in.ExpectedLoginID),
			zap.Error(err))
		return nil, autherr.ErrBiometricVerificationFailed
	}

	fingerprint := claims.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = in.DeviceFingerprint
	}

	return s.decide(ctx, decisionInput{
		loginID:           claims.LoginID,
		nonce:             claims.Nonce,
		score:             claims.Score,
		scoreNumeric:      claims.ScoreNumeric,
		method:            credential.MethodBiometric,
		rawAssertion:      in.RawAssertion,
		claimsSnapshot:    claims.Snapshot(),
		deviceFingerprint: fingerprint,
		sourceIP:          in.SourceIP,
	})
}

// checkAttempts enforces the per-session attempt ceiling ahead of any
// cryptographic work. A missing limiter or limiter outage fails open.
func (s *StepUpService) checkAttempts(loginID string) error {
	if s.attempts == nil || loginID == "" {
		return nil
	}

	count, err := s.attempts.IncrementStepUpAttempts(loginID, s.cfg.AttemptWindow)
	if err != nil {
		s.logger.Warn("Step-up attempt counter unavailable",
			zap.String("login_id", loginID),
			zap.Error(err))
		return nil
	}
	if count > s.cfg.MaxAttempts {
		s.logger.Warn("Step-up attempt limit exceeded",
			zap.String("login_id", loginID),
			zap.Int("attempts", count))
		return autherr.ErrTooManyAttempts
	}
	return nil
}

// decide is the shared tail of every step-up path: session state checks,
// nonce binding, threshold decision, audit write, credential minting, and
// the atomic completion. The bypass build enters here with a locally
// derived score instead of verified assertion claims.
func (s *StepUpService) decide(ctx context.Context, in decisionInput) (*StepUpResult, error) {
	session, err := s.lookupSession(ctx, in.loginID)
	if err != nil {
		return nil, err
	}

	if !session.IsPending() {
		return nil, autherr.ErrSessionNotPending
	}

	now := time.Now().UTC()
	if session.IsExpiredAt(now) {
		if err := s.sessions.MarkExpired(ctx, in.loginID); err != nil {
			s.logger.Warn("Failed to settle expired session",
				zap.String("login_id", in.loginID),
				zap.Error(err))
		}
		s.invalidateCache(in.loginID)
		return nil, autherr.ErrSessionExpired
	}

	if in.nonce != session.Nonce {
		s.logger.Warn("Nonce mismatch on step-up",
			zap.String("login_id", in.loginID),
			zap.String("user_id", session.UserID))
		return nil, autherr.ErrNonceMismatch
	}

	if !in.scoreNumeric || in.score < s.cfg.Threshold {
		return nil, s.reject(ctx, session, in, now)
	}

	validationID := uuid.NewString()
	rec := s.newRecord(validationID, session, in, models.DecisionAccepted, now)
	// The accepted record lands before the transition so a completed
	// session always has a traceable validation artifact, even if the
	// process dies between the two writes.
	if err := s.audit.Record(ctx, rec, in.rawAssertion); err != nil {
		s.logger.Error("Failed to record accepted validation",
			zap.String("login_id", in.loginID),
			zap.String("validation_id", validationID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record validation: %w", err)
	}

	finalCred, expiresAt, err := s.mintFinal(ctx, session, in, validationID, now)
	if err != nil {
		return nil, err
	}

	won, err := s.sessions.CompleteIfPending(ctx, in.loginID, finalCred)
	if err != nil {
		s.logger.Error("Session completion failed",
			zap.String("login_id", in.loginID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to complete session: %w", err)
	}
	s.invalidateCache(in.loginID)

	if !won {
		// Another attempt on the same session won the transition. The
		// credential minted here is discarded unreturned; the audit
		// record stays, showing a validation that issued nothing.
		s.logger.Warn("Step-up lost completion race",
			zap.String("login_id", in.loginID),
			zap.String("validation_id", validationID))
		s.publishEvent(ctx, models.EventStepUpRaceLost, session, in, validationID)
		return nil, autherr.ErrSessionNotPending
	}

	s.publishEvent(ctx, models.EventStepUpAccepted, session, in, validationID)
	s.logger.Info("Step-up accepted",
		zap.String("login_id", in.loginID),
		zap.String("user_id", session.UserID),
		zap.String("validation_id", validationID),
		zap.Float64("score", in.score))

	return &StepUpResult{
		FinalCredential: finalCred,
		ExpiresAt:       expiresAt,
		AssuranceLevel:  credential.LevelBiometric,
		ValidationID:    validationID,
		LoginID:         in.loginID,
		UserID:          session.UserID,
	}, nil
}

// reject writes the rejection record and emits the event. The session
// stays pending so the caller may retry with a better capture; the audit
// write is best-effort here because the rejection outcome must not depend
// on storage health.
func (s *StepUpService) reject(ctx context.Context, session *models.LoginSession, in decisionInput, now time.Time) error {
	validationID := uuid.NewString()
	rec := s.newRecord(validationID, session, in, models.DecisionRejected, now)
	if err := s.audit.Record(ctx, rec, in.rawAssertion); err != nil {
		s.logger.Error("Failed to record rejected validation",
			zap.String("login_id", in.loginID),
			zap.Error(err))
	}
	s.publishEvent(ctx, models.EventStepUpRejected, session, in, validationID)

	s.logger.Info("Step-up rejected below threshold",
		zap.String("login_id", in.loginID),
		zap.String("user_id", session.UserID),
		zap.Float64("score", in.score),
		zap.Bool("score_numeric", in.scoreNumeric),
		zap.Float64("threshold", s.cfg.Threshold))

	return autherr.ErrBiometricScoreTooLow
}

func (s *StepUpService) mintFinal(ctx context.Context, session *models.LoginSession, in decisionInput, validationID string, now time.Time) (string, time.Time, error) {
	role := s.resolveRole(ctx, session.UserID)
	amr := []string{credential.MethodPassword, credential.MethodBiometric}
	custom := credential.StepUpClaims{
		ValidationID: validationID,
		BiometricProof: &credential.BiometricProof{
			Score:       in.score,
			Method:      in.method,
			ValidatedAt: now.Unix(),
		},
	}

	finalCred, expiresAt, err := s.issuer.IssueFinal(session.UserID, role, credential.LevelBiometric, amr, custom)
	if err != nil {
		s.logger.Error("Failed to mint final credential",
			zap.String("login_id", in.loginID),
			zap.Error(err))
		return "", time.Time{}, err
	}
	return finalCred, expiresAt, nil
}

// resolveRole looks up the session owner's role for the final credential.
// The role claim is decoration on top of the assurance level, so lookup
// failures degrade to an empty role rather than failing the step-up.
func (s *StepUpService) resolveRole(ctx context.Context, userID string) string {
	if s.users == nil {
		return ""
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		s.logger.Warn("Failed to resolve user role",
			zap.String("user_id", userID),
			zap.Error(err))
		return ""
	}
	return user.Role
}

// lookupSession reads through the cache when one is wired. A cached copy
// can be stale on status only; the atomic completion against the durable
// store still decides the winner, so stale pending reads are harmless.
func (s *StepUpService) lookupSession(ctx context.Context, loginID string) (*models.LoginSession, error) {
	if loginID == "" {
		return nil, autherr.ErrSessionNotFound
	}

	if s.cache != nil {
		cached, err := s.cache.GetSession(loginID)
		if err != nil {
			s.logger.Warn("Session cache read failed",
				zap.String("login_id", loginID),
				zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	return s.sessions.Get(ctx, loginID)
}

func (s *StepUpService) invalidateCache(loginID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateSession(loginID); err != nil {
		s.logger.Warn("Session cache invalidation failed",
			zap.String("login_id", loginID),
			zap.Error(err))
	}
}

func (s *StepUpService) newRecord(validationID string, session *models.LoginSession, in decisionInput, decision string, now time.Time) *models.BiometricValidationRecord {
	return &models.BiometricValidationRecord{
		ValidationID:      validationID,
		UserID:            session.UserID,
		LoginID:           session.LoginID,
		Nonce:             in.nonce,
		Decision:          decision,
		ConfidenceScore:   in.score,
		AssertionClaims:   in.claimsSnapshot,
		DeviceFingerprint: in.deviceFingerprint,
		SourceIP:          in.sourceIP,
		CreatedAt:         now,
	}
}

func (s *StepUpService) publishEvent(ctx context.Context, eventType string, session *models.LoginSession, in decisionInput, validationID string) {
	if s.events == nil {
		return
	}
	event := &models.SecurityEvent{
		EventType: eventType,
		UserID:    session.UserID,
		LoginID:   session.LoginID,
		SourceIP:  in.sourceIP,
		Details:   fmt.Sprintf(`{"validation_id":%q,"method":%q}`, validationID, in.method),
	}
	if err := s.events.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("Failed to publish security event",
			zap.String("event_type", eventType),
			zap.String("login_id", session.LoginID),
			zap.Error(err))
	}
}

// bypassSnapshot renders the synthetic claim set recorded for bypass
// decisions, mirroring what Snapshot produces for verified assertions.
func bypassSnapshot(session *models.LoginSession, nonce string, score float64) string {
	snap, err := json.Marshal(map[string]interface{}{
		"sub":      session.UserID,
		"login_id": session.LoginID,
		"nonce":    nonce,
		"score":    score,
		"mode":     "dev_bypass",
	})
	if err != nil {
		return "{}"
	}
	return string(snap)
}
