package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"stepup-service/internal/autherr"
	"stepup-service/internal/config"
	"stepup-service/internal/credential"
	"stepup-service/internal/directory"
	"stepup-service/internal/models"
)

// LoginService runs the first factor. A successful password check opens a
// pending login session and hands back a temp credential at the password
// assurance level together with the nonce the biometric assertion must
// echo.
type LoginService struct {
	directory *directory.Directory
	sessions  SessionStore
	issuer    CredentialIssuer
	cache     SessionCache
	throttle  LoginThrottle
	events    EventPublisher
	cfg       config.LoginConfig
	logger    *zap.Logger
}

type LoginInput struct {
	Username          string
	Password          string
	DeviceFingerprint string
	SourceIP          string
}

// LoginResult is returned to the client on a successful first factor.
// Nonce travels alongside the credential so the capture client can bind
// the biometric assertion to this attempt.
type LoginResult struct {
	TempCredential string
	LoginID        string
	Nonce          string
	ExpiresAt      time.Time
	AssuranceLevel float64
}

func NewLoginService(
	dir *directory.Directory,
	sessions SessionStore,
	issuer CredentialIssuer,
	cache SessionCache,
	throttle LoginThrottle,
	events EventPublisher,
	cfg config.LoginConfig,
	logger *zap.Logger,
) *LoginService {
	return &LoginService{
		directory: dir,
		sessions:  sessions,
		issuer:    issuer,
		cache:     cache,
		throttle:  throttle,
		events:    events,
		cfg:       cfg,
		logger:    logger,
	}
}

// Login verifies the password and opens a pending session. Wrong
// passwords, unknown users, and blocked accounts all surface as
// ErrInvalidCredentials; repeated failures lock the username for the
// configured window.
func (s *LoginService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if in.Username == "" || in.Password == "" {
		return nil, autherr.ErrMalformedRequest
	}

	if err := s.checkLock(in.Username); err != nil {
		return nil, err
	}

	user, err := s.directory.Authenticate(ctx, in.Username, in.Password)
	if err != nil {
		if errors.Is(err, autherr.ErrInvalidCredentials) {
			s.recordFailure(ctx, in)
		}
		return nil, err
	}
	s.resetFailures(in.Username)

	session, err := s.sessions.Create(ctx, user.UserID)
	if err != nil {
		s.logger.Error("Failed to create login session",
			zap.String("user_id", user.UserID),
			zap.Error(err))
		return nil, err
	}

	tempCred, expiresAt, err := s.issuer.IssueTemp(user.UserID, session.LoginID, session.Nonce)
	if err != nil {
		s.logger.Error("Failed to issue temp credential",
			zap.String("login_id", session.LoginID),
			zap.Error(err))
		return nil, err
	}

	if err := s.sessions.AttachTempCredential(ctx, session.LoginID, tempCred); err != nil {
		s.logger.Warn("Failed to attach temp credential to session",
			zap.String("login_id", session.LoginID),
			zap.Error(err))
	}
	session.TempCredential = tempCred

	s.cacheSession(session)
	s.publishSessionCreated(ctx, user, session, in.SourceIP)

	s.logger.Info("Login session created",
		zap.String("user_id", user.UserID),
		zap.String("login_id", session.LoginID),
		zap.Time("expires_at", session.ExpiresAt))

	return &LoginResult{
		TempCredential: tempCred,
		LoginID:        session.LoginID,
		Nonce:          session.Nonce,
		ExpiresAt:      expiresAt,
		AssuranceLevel: credential.LevelPassword,
	}, nil
}

// Register creates a user through the directory. Exposed for development
// seeding and operator tooling.
func (s *LoginService) Register(ctx context.Context, username, password, role string) (*models.UserRecord, error) {
	return s.directory.Register(ctx, username, password, role)
}

// LockRetryAfter reports how much longer a locked username stays locked.
// Zero means not locked, or no throttle wired. Handlers translate it into
// a Retry-After header.
func (s *LoginService) LockRetryAfter(username string) time.Duration {
	if s.throttle == nil {
		return 0
	}
	ttl, err := s.throttle.LockTTL(username)
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

func (s *LoginService) checkLock(username string) error {
	if s.throttle == nil {
		return nil
	}
	locked, err := s.throttle.IsLocked(username)
	if err != nil {
		s.logger.Warn("Login lock check unavailable",
			zap.String("username", username),
			zap.Error(err))
		return nil
	}
	if locked {
		s.logger.Warn("Login attempt against locked username",
			zap.String("username", username))
		return autherr.ErrTooManyAttempts
	}
	return nil
}

func (s *LoginService) recordFailure(ctx context.Context, in LoginInput) {
	if s.throttle != nil {
		count, err := s.throttle.IncrementLoginFailures(in.Username, s.cfg.FailureWindow)
		if err != nil {
			s.logger.Warn("Failed to count login failure",
				zap.String("username", in.Username),
				zap.Error(err))
		} else if count >= s.cfg.MaxFailures {
			if err := s.throttle.SetTemporaryLock(in.Username, s.cfg.LockDuration); err != nil {
				s.logger.Warn("Failed to lock username",
					zap.String("username", in.Username),
					zap.Error(err))
			} else {
				s.logger.Warn("Username locked after repeated failures",
					zap.String("username", in.Username),
					zap.Int("failures", count))
			}
		}
	}

	if s.events != nil {
		event := &models.SecurityEvent{
			EventType: models.EventLoginFailed,
			UserID:    in.Username,
			SourceIP:  in.SourceIP,
		}
		if err := s.events.Publish(ctx, models.EventLoginFailed, event); err != nil {
			s.logger.Warn("Failed to publish login failure event",
				zap.Error(err))
		}
	}
}

func (s *LoginService) resetFailures(username string) {
	if s.throttle == nil {
		return
	}
	if err := s.throttle.ResetLoginFailures(username, s.cfg.FailureWindow); err != nil {
		s.logger.Warn("Failed to reset login failure counter",
			zap.String("username", username),
			zap.Error(err))
	}
}

func (s *LoginService) cacheSession(session *models.LoginSession) {
	if s.cache == nil {
		return
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := s.cache.CacheSession(session, ttl); err != nil {
		s.logger.Warn("Failed to cache login session",
			zap.String("login_id", session.LoginID),
			zap.Error(err))
	}
}

func (s *LoginService) publishSessionCreated(ctx context.Context, user *models.UserRecord, session *models.LoginSession, sourceIP string) {
	if s.events == nil {
		return
	}
	event := &models.SecurityEvent{
		EventType: models.EventLoginSessionCreated,
		UserID:    user.UserID,
		LoginID:   session.LoginID,
		SourceIP:  sourceIP,
	}
	if err := s.events.Publish(ctx, models.EventLoginSessionCreated, event); err != nil {
		s.logger.Warn("Failed to publish session created event",
			zap.String("login_id", session.LoginID),
			zap.Error(err))
	}
}
