package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-scoped configuration, loaded once from the
// environment. Key material and thresholds are injected into components
// at construction; nothing reads ambient globals at request time.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Scylla        ScyllaConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Issuer        IssuerConfig
	Assertion     AssertionConfig
	StepUp        StepUpConfig
	Login         LoginConfig
	Access        AccessConfig
	Collaborators CollaboratorsConfig
	Dev           DevConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled             bool
	Brokers             []string
	SecurityEventsTopic string
}

type ClickhouseConfig struct {
	Enabled  bool
	Hosts    []string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	Enabled   bool
	Addresses []string
	Username  string
	Password  string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers are versioned so old hashes stay verifiable after rotation.
	// PEPPERS is a comma list, oldest first; the last entry is current.
	Peppers []string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// IssuerConfig carries the signing key and claim constants for credentials
// minted by this service.
type IssuerConfig struct {
	PrivateKeyPath  string
	PrivateKeyPEM   string // inline PEM wins over the path when set
	Issuer          string
	BackendAudience string
	ClientAudience  string
	TempTTL         time.Duration
	FinalTTL        time.Duration
}

// AssertionConfig describes the externally signed biometric assertion and
// the published key set it is verified against.
type AssertionConfig struct {
	JWKSURL      string
	Issuer       string
	Audience     string
	MaxAge       time.Duration
	ClockSkew    time.Duration
	FetchTimeout time.Duration
	FetchRetries int
	KeyCacheTTL  time.Duration
}

type StepUpConfig struct {
	Threshold     float64
	MaxAttempts   int
	AttemptWindow time.Duration
}

// LoginConfig bounds first-factor abuse: MaxFailures wrong-password
// attempts inside FailureWindow lock the username for LockDuration.
type LoginConfig struct {
	MaxFailures   int
	FailureWindow time.Duration
	LockDuration  time.Duration
}

type AccessConfig struct {
	// Policies maps a resource name to the assurance level it requires.
	Policies     map[string]float64
	DefaultLevel float64
}

type CollaboratorsConfig struct {
	NormalizerURL     string
	NormalizerTimeout time.Duration
	ScorerURL         string
	ScorerUsername    string
	ScorerPassword    string
	ScorerTimeout     time.Duration
}

// DevConfig holds development-only conveniences. Seed credentials
// provision one account at startup when the process runs on in-memory
// stores; both fields empty means no seeding.
type DevConfig struct {
	SeedUsername string
	SeedPassword string
}

var (
	instance *Config
	loadOnce sync.Once
	loadErr  error
)

// LoadConfig reads .env (when present) and the environment into a Config.
// Subsequent calls return the same instance.
func LoadConfig() (*Config, error) {
	loadOnce.Do(func() {
		_ = godotenv.Load()
		instance, loadErr = build()
	})
	return instance, loadErr
}

// Get returns the loaded config; it panics when called before LoadConfig
// succeeded, which is a programming error.
func Get() *Config {
	if instance == nil {
		panic("config: Get called before LoadConfig")
	}
	return instance
}

func build() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			TLSPort:      getEnvAsInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvAsBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvAsBool("SERVER_AUTOCERT", false),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "./certs/autocert"),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvAsSlice("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "stepup"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Enabled:             getEnvAsBool("KAFKA_ENABLED", true),
			Brokers:             getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			SecurityEventsTopic: getEnv("KAFKA_SECURITY_EVENTS_TOPIC", "stepup.security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", true),
			Hosts:    getEnvAsSlice("CLICKHOUSE_HOSTS", []string{"localhost:9000"}),
			Database: getEnv("CLICKHOUSE_DATABASE", "stepup_analytics"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:   getEnvAsBool("ELASTICSEARCH_ENABLED", true),
			Addresses: getEnvAsSlice("ELASTICSEARCH_ADDRESSES", []string{"http://localhost:9200"}),
			Username:  getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:  getEnv("ELASTICSEARCH_PASSWORD", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvAsBool("KMS_ENABLED", false),
			Region:  getEnv("KMS_REGION", "us-east-1"),
			KeyID:   getEnv("KMS_KEY_ID", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvAsInt("ARGON2_MEMORY_COST", 65536),
			Argon2TimeCost:    getEnvAsInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: getEnvAsInt("ARGON2_PARALLELISM", 4),
			Peppers:           getEnvAsSlice("HASH_PEPPERS", []string{"dev-pepper-change-me"}),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvAsInt("USER_BUCKETS", 256),
			EventBuckets: getEnvAsInt("EVENT_BUCKETS", 64),
		},
		Issuer: IssuerConfig{
			PrivateKeyPath:  getEnv("JWT_PRIVATE_KEY_PATH", "./keys/jwt_private.pem"),
			PrivateKeyPEM:   getEnv("JWT_PRIVATE_KEY_PEM", ""),
			Issuer:          getEnv("JWT_ISSUER", "LocalAzure"),
			BackendAudience: getEnv("JWT_BACKEND_AUDIENCE", "bmfa-processor"),
			ClientAudience:  getEnv("JWT_CLIENT_AUDIENCE", "bmfa-client"),
			TempTTL:         getEnvAsDuration("TEMP_CREDENTIAL_TTL", 120*time.Second),
			FinalTTL:        getEnvAsDuration("FINAL_CREDENTIAL_TTL", 900*time.Second),
		},
		Assertion: AssertionConfig{
			JWKSURL:      getEnv("ASSERTION_JWKS_URL", "http://localhost:9000/.well-known/jwks.json"),
			Issuer:       getEnv("ASSERTION_ISSUER", "bmfa-cloud"),
			Audience:     getEnv("ASSERTION_AUDIENCE", "LocalAzure"),
			MaxAge:       getEnvAsDuration("ASSERTION_MAX_AGE", 120*time.Second),
			ClockSkew:    getEnvAsDuration("ASSERTION_CLOCK_SKEW", 10*time.Second),
			FetchTimeout: getEnvAsDuration("ASSERTION_JWKS_TIMEOUT", 4*time.Second),
			FetchRetries: getEnvAsInt("ASSERTION_JWKS_RETRIES", 2),
			KeyCacheTTL:  getEnvAsDuration("ASSERTION_JWKS_CACHE_TTL", 300*time.Second),
		},
		StepUp: StepUpConfig{
			Threshold:     getEnvAsFloat("STEPUP_SCORE_THRESHOLD", 0.85),
			MaxAttempts:   getEnvAsInt("STEPUP_MAX_ATTEMPTS", 10),
			AttemptWindow: getEnvAsDuration("STEPUP_ATTEMPT_WINDOW", 120*time.Second),
		},
		Login: LoginConfig{
			MaxFailures:   getEnvAsInt("LOGIN_MAX_FAILURES", 5),
			FailureWindow: getEnvAsDuration("LOGIN_FAILURE_WINDOW", 900*time.Second),
			LockDuration:  getEnvAsDuration("LOGIN_LOCK_DURATION", 900*time.Second),
		},
		Access: AccessConfig{
			Policies:     parsePolicies(getEnv("ACCESS_POLICIES", "secure/profile=0.5,secure/transfer=1.0,audit/validations=1.0")),
			DefaultLevel: getEnvAsFloat("ACCESS_DEFAULT_LEVEL", 0.5),
		},
		Collaborators: CollaboratorsConfig{
			NormalizerURL:     getEnv("NORMALIZER_URL", "http://localhost:9001"),
			NormalizerTimeout: getEnvAsDuration("NORMALIZER_TIMEOUT", 5*time.Second),
			ScorerURL:         getEnv("SCORER_URL", "https://localhost:9000/api/biometric/validate"),
			ScorerUsername:    getEnv("SCORER_USERNAME", "bmfa_user"),
			ScorerPassword:    getEnv("SCORER_PASSWORD", ""),
			ScorerTimeout:     getEnvAsDuration("SCORER_TIMEOUT", 30*time.Second),
		},
		Dev: DevConfig{
			SeedUsername: getEnv("DEV_SEED_USERNAME", ""),
			SeedPassword: getEnv("DEV_SEED_PASSWORD", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StepUp.Threshold <= 0 || c.StepUp.Threshold > 1 {
		return fmt.Errorf("config: STEPUP_SCORE_THRESHOLD must be in (0,1], got %v", c.StepUp.Threshold)
	}
	if c.Issuer.TempTTL <= 0 || c.Issuer.FinalTTL <= 0 {
		return fmt.Errorf("config: credential TTLs must be positive")
	}
	if c.IsProduction() {
		if c.Issuer.PrivateKeyPEM == "" && c.Issuer.PrivateKeyPath == "" {
			return fmt.Errorf("config: production requires a signing key")
		}
		if len(c.Hashing.Peppers) == 1 && c.Hashing.Peppers[0] == "dev-pepper-change-me" {
			return fmt.Errorf("config: production requires HASH_PEPPERS")
		}
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// parsePolicies parses "resource=level" pairs, comma separated. Malformed
// entries are skipped; the evaluator falls back to the default level for
// resources that end up without a policy.
func parsePolicies(raw string) map[string]float64 {
	policies := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		level, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}
		name := strings.Trim(strings.ToLower(strings.TrimSpace(parts[0])), "/")
		policies[name] = level
	}
	return policies
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("90s", "2m") and, for
// compatibility with older deployments, bare integers meaning seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
