// Package factory wires configuration, clients, stores and services into
// one object with a defined construction and shutdown order.
package factory

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stepup-service/internal/access"
	"stepup-service/internal/analytics"
	"stepup-service/internal/assertion"
	"stepup-service/internal/bucketing"
	"stepup-service/internal/client"
	"stepup-service/internal/collaborator"
	"stepup-service/internal/config"
	"stepup-service/internal/credential"
	"stepup-service/internal/directory"
	"stepup-service/internal/encryption"
	"stepup-service/internal/events"
	"stepup-service/internal/hashing"
	"stepup-service/internal/repository/memory"
	redisrepo "stepup-service/internal/repository/redis"
	"stepup-service/internal/repository/scylla"
	"stepup-service/internal/service"
	"stepup-service/internal/tls"
	"stepup-service/internal/util"
)

const (
	analyticsBatchSize     = 100
	analyticsFlushInterval = 5 * time.Second
)

// userStore is the combined surface the password directory and the
// step-up engine need from user storage.
type userStore interface {
	directory.UserStore
	service.UserSource
}

// Factory owns every long-lived dependency of the process. Development
// degrades gracefully when optional infrastructure is missing; production
// refuses to start without its required backends.
type Factory struct {
	config *config.Config
	logger *zap.Logger

	tlsManager *tls.Manager

	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	issuer     *credential.Issuer
	trustStore *assertion.TrustStore
	verifier   *assertion.Verifier
	evaluator  *access.Evaluator
	normalizer *collaborator.Normalizer
	scorer     *collaborator.Scorer

	users       userStore
	sessions    service.SessionStore
	validations service.ValidationStore
	memoryMode  bool

	directory      *directory.Directory
	sink           *analytics.Sink
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and brings up clients, trust material,
// stores and services in dependency order.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(&tls.Config{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}, logger)
	}

	if err := f.initClients(); err != nil {
		return nil, fmt.Errorf("initialize clients: %w", err)
	}
	if err := f.initManagers(); err != nil {
		return nil, fmt.Errorf("initialize managers: %w", err)
	}
	if err := f.initTrustMaterial(); err != nil {
		return nil, fmt.Errorf("initialize trust material: %w", err)
	}
	if err := f.initStores(); err != nil {
		return nil, fmt.Errorf("initialize stores: %w", err)
	}
	f.initServices()

	logger.Info("Factory initialized",
		zap.String("environment", cfg.Environment),
		zap.Bool("tls_enabled", cfg.Server.EnableTLS),
		zap.Bool("kms_enabled", cfg.KMS.Enabled),
		zap.Bool("memory_stores", f.memoryMode),
		zap.Bool("dev_bypass", service.BypassEnabled),
	)

	return f, nil
}

// initClients connects to external infrastructure. Failures are fatal in
// production and warnings in development, where the process can run on
// in-memory fallbacks.
func (f *Factory) initClients() error {
	var initErrors []error

	if rc, err := client.NewRedisClient(f.config, f.logger); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = rc
	}

	if sc, err := scylla.NewScyllaClient(f.config, f.logger); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = sc
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, f.logger); err != nil {
			// Events are best-effort everywhere; never a startup failure.
			f.logger.Warn("Kafka producer initialization failed, continuing without security events", zap.Error(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
		}
	}

	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("required infrastructure unavailable: %v", initErrors)
		}
		for _, err := range initErrors {
			f.logger.Warn("Client initialization failed, continuing degraded", zap.Error(err))
		}
	}

	return nil
}

func (f *Factory) initManagers() error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("kms: loading AWS config: %w", err)
			}
			f.logger.Warn("AWS config unavailable, assertion sealing runs in local mode", zap.Error(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)

	return nil
}

// initTrustMaterial builds the credential issuer, the assertion verifier
// and the policy evaluator. Development generates an ephemeral signing
// key when none is configured; credentials then die with the process.
func (f *Factory) initTrustMaterial() error {
	issuer, err := credential.NewIssuer(f.config.Issuer, f.logger)
	if err != nil {
		if f.config.IsProduction() {
			return err
		}
		f.logger.Warn("Signing key unavailable, generating ephemeral development key", zap.Error(err))
		key, genErr := rsa.GenerateKey(rand.Reader, 2048)
		if genErr != nil {
			return fmt.Errorf("generating ephemeral key: %w", genErr)
		}
		issuer = credential.NewIssuerWithKey(f.config.Issuer, key, f.logger)
	}
	f.issuer = issuer

	f.trustStore = assertion.NewTrustStore(f.config.Assertion, f.logger)
	f.verifier = assertion.NewVerifier(f.trustStore, f.config.Assertion, f.logger)
	f.evaluator = access.NewEvaluator(f.config.Access, f.logger)
	f.normalizer = collaborator.NewNormalizer(f.config.Collaborators, f.logger)
	f.scorer = collaborator.NewScorer(f.config.Collaborators, f.logger)

	return nil
}

// initStores picks the storage backend. Scylla when available, otherwise
// in-memory stores in development only.
func (f *Factory) initStores() error {
	if f.scyllaClient != nil {
		f.users = scylla.NewUserRepository(f.scyllaClient, f.bucketingManager)
		f.sessions = scylla.NewSessionRepository(f.scyllaClient, f.config.Issuer.TempTTL)
		f.validations = scylla.NewValidationRepository(f.scyllaClient, f.bucketingManager)
		return nil
	}

	if f.config.IsProduction() {
		return errors.New("scylla unavailable and in-memory stores are not permitted in production")
	}

	f.memoryMode = true
	f.users = memory.NewUserDirectory()
	f.sessions = memory.NewSessionStore(f.config.Issuer.TempTTL)
	f.validations = memory.NewValidationLog()
	f.logger.Warn("Running on in-memory stores; sessions and audit records will not survive a restart")

	return nil
}

// initServices assembles the service layer. Interface fields stay nil for
// infrastructure that did not come up; the services treat nil as
// "concern disabled".
func (f *Factory) initServices() {
	f.directory = directory.NewDirectory(f.users, f.hasher, f.logger)

	deps := service.Deps{
		Directory: f.directory,
		Sessions:  f.sessions,
		Users:     f.users,
		Store:     f.validations,
		Issuer:    f.issuer,
		Verifier:  f.verifier,
		Sealer:    f.encryptionManager,
		Search:    f.esClient,
		Config:    f.config,
		Logger:    f.logger,
	}

	if f.clickhouseClient != nil {
		f.sink = analytics.NewSink(f.clickhouseClient, analyticsBatchSize, analyticsFlushInterval)
		deps.Sink = f.sink
	}
	if f.kafkaProducer != nil {
		deps.Events = events.NewPublisher(f.kafkaProducer, f.bucketingManager, f.config.Kafka.SecurityEventsTopic)
	}
	if f.redisClient != nil {
		deps.Cache = redisrepo.NewSessionCache(f.redisClient)
		limits := redisrepo.NewRateLimitCache(f.redisClient, f.bucketingManager)
		deps.Throttle = limits
		deps.Attempts = limits
	}

	f.serviceFactory = service.NewServiceFactory(deps)

	if f.memoryMode && f.config.IsDevelopment() {
		f.seedDevUser()
	}
}

// seedDevUser provisions one account into the in-memory directory so a
// fresh development process is immediately usable.
func (f *Factory) seedDevUser() {
	seed := f.config.Dev
	if seed.SeedUsername == "" || seed.SeedPassword == "" {
		return
	}

	if _, err := f.directory.Register(context.Background(), seed.SeedUsername, seed.SeedPassword, "customer"); err != nil {
		f.logger.Warn("Seeding development user failed", zap.Error(err))
		return
	}
	f.logger.Info("Seeded development user", zap.String("username", seed.SeedUsername))
}

// Readiness probes dependencies in parallel and reports per-dependency
// failures plus overall readiness. Optional infrastructure (kafka,
// analytics, search) is reported but never flips readiness; session and
// user storage always does, redis and the assertion trust store only in
// production.
func (f *Factory) Readiness(ctx context.Context) (map[string]string, bool) {
	type outcome struct {
		name     string
		required bool
		err      error
	}

	var (
		mu       sync.Mutex
		outcomes []outcome
	)
	g, ctx := errgroup.WithContext(ctx)

	probe := func(name string, required bool, check func(context.Context) error) {
		g.Go(func() error {
			err := check(ctx)
			mu.Lock()
			outcomes = append(outcomes, outcome{name: name, required: required, err: err})
			mu.Unlock()
			return nil
		})
	}

	if !f.memoryMode {
		if f.scyllaClient != nil {
			probe("scylla", true, func(context.Context) error { return f.scyllaClient.HealthCheck() })
		} else {
			probe("scylla", true, func(context.Context) error { return errors.New("not initialized") })
		}
	}
	if f.redisClient != nil {
		probe("redis", f.config.IsProduction(), f.redisClient.HealthCheck)
	}
	if f.kafkaProducer != nil {
		probe("kafka", false, f.kafkaProducer.HealthCheck)
	}
	if f.esClient != nil {
		probe("elasticsearch", false, func(context.Context) error { return f.esClient.HealthCheck() })
	}
	if f.clickhouseClient != nil {
		probe("clickhouse", false, f.clickhouseClient.HealthCheck)
	}
	probe("assertion_jwks", f.config.IsProduction(), f.trustStore.HealthCheck)

	_ = g.Wait()

	failures := make(map[string]string)
	ready := true
	for _, o := range outcomes {
		if o.err == nil {
			continue
		}
		failures[o.name] = o.err.Error()
		if o.required {
			ready = false
		}
	}

	return failures, ready
}

// Close shuts everything down once, in reverse dependency order. The
// analytics sink drains its buffer before the ClickHouse connection goes
// away.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory")

		if f.sink != nil {
			f.sink.Close()
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				f.logger.Error("Failed to close ClickHouse client", zap.Error(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", zap.Error(err))
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", zap.Error(err))
			}
		}
		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Sync()
		f.logger.Info("Factory shutdown complete")
	})

	return nil
}

// WaitForClose blocks until Close has run.
func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Issuer() *credential.Issuer {
	return f.issuer
}

func (f *Factory) Evaluator() *access.Evaluator {
	return f.evaluator
}

func (f *Factory) Normalizer() *collaborator.Normalizer {
	return f.normalizer
}

func (f *Factory) Scorer() *collaborator.Scorer {
	return f.scorer
}
