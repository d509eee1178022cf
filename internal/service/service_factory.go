package service

import (
	"go.uber.org/zap"

	"stepup-service/internal/analytics"
	"stepup-service/internal/client"
	"stepup-service/internal/config"
	"stepup-service/internal/directory"
)

// Deps carries everything the services are wired from. Interface fields
// left nil disable that concern: a nil Events drops security events, a
// nil SessionCache reads straight from the store, nil throttles fail
// open. Construction decides what is available; services stay oblivious.
type Deps struct {
	Directory *directory.Directory
	Sessions  SessionStore
	Users     UserSource
	Store     ValidationStore
	Issuer    CredentialIssuer
	Verifier  AssertionVerifier
	Sealer    AssertionSealer
	Sink      *analytics.Sink
	Search    *client.ESClient
	Events    EventPublisher
	Cache     SessionCache
	Throttle  LoginThrottle
	Attempts  AttemptLimiter
	Config    *config.Config
	Logger    *zap.Logger
}

// ServiceFactory builds service singletons on first use.
type ServiceFactory struct {
	deps Deps

	loginService  *LoginService
	stepUpService *StepUpService
	auditService  *AuditService
}

func NewServiceFactory(deps Deps) *ServiceFactory {
	return &ServiceFactory{deps: deps}
}

func (f *ServiceFactory) LoginService() *LoginService {
	if f.loginService == nil {
		f.loginService = NewLoginService(
			f.deps.Directory,
			f.deps.Sessions,
			f.deps.Issuer,
			f.deps.Cache,
			f.deps.Throttle,
			f.deps.Events,
			f.deps.Config.Login,
			f.deps.Logger,
		)
	}
	return f.loginService
}

func (f *ServiceFactory) StepUpService() *StepUpService {
	if f.stepUpService == nil {
		f.stepUpService = NewStepUpService(
			f.deps.Verifier,
			f.deps.Sessions,
			f.deps.Users,
			f.deps.Issuer,
			f.AuditService(),
			f.deps.Events,
			f.deps.Cache,
			f.deps.Attempts,
			f.deps.Config.StepUp,
			f.deps.Logger,
		)
	}
	return f.stepUpService
}

func (f *ServiceFactory) AuditService() *AuditService {
	if f.auditService == nil {
		f.auditService = NewAuditService(
			f.deps.Store,
			f.deps.Sealer,
			f.deps.Sink,
			f.deps.Search,
			f.deps.Logger,
		)
	}
	return f.auditService
}
