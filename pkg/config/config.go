// Package config provides environment-based configuration for the build engine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backends selectable for storage and build number allocation.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all configuration for the build engine.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string // json or text

	// Server configuration
	APIHost         string
	APIPort         int
	GRPCPort        int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	Engine   EngineConfig
	Retry    RetryConfig
	Storage  StorageConfig
	Executor ExecutorConfig
	Logs     LogsConfig
	Cleanup  CleanupConfig
	Secrets  SecretsConfig
	Status   StatusConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
}

// EngineConfig holds orchestrator settings.
type EngineConfig struct {
	Concurrency     int
	Minute          time.Duration
	CancelGrace     time.Duration
	FinalizeTimeout time.Duration
	// BudgetPolicy is "proportional" or "fixed".
	BudgetPolicy  string
	BudgetCeiling time.Duration
	ArnPrefix     string
	// ProjectArnPrefix is prepended to project names to form project ARNs.
	ProjectArnPrefix string
	LogGroupPrefix   string
	// CounterBackend allocates build numbers: memory, postgres or redis.
	CounterBackend   string
	MetricsRetention time.Duration
}

// RetryConfig holds the retry strategy for collaborator calls.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// StorageConfig holds persistence and on-disk locations.
type StorageConfig struct {
	// Backend is memory or postgres.
	Backend      string
	DatabaseDSN  string
	MaxOpenConns int
	MaxIdleConns int
	// DataDir is the parent of the source, artifact and scratch directories.
	DataDir string
}

// SourceDir is where build sources are checked out.
func (s StorageConfig) SourceDir() string { return s.DataDir + "/sources" }

// ArtifactsDir is the root of the artifact object store.
func (s StorageConfig) ArtifactsDir() string { return s.DataDir + "/artifacts" }

// ObjectDir holds source archives referenced by object-store locations.
func (s StorageConfig) ObjectDir() string { return s.DataDir + "/objects" }

// SecretsDir holds age-encrypted parameters and secrets.
func (s StorageConfig) SecretsDir() string { return s.DataDir + "/secrets" }

// ScratchDir holds per-build executor state.
func (s StorageConfig) ScratchDir() string { return s.DataDir + "/scratch" }

// ExecutorConfig holds local executor settings.
type ExecutorConfig struct {
	Shell string
	// Capacity bounds concurrently running builds; 0 defers to Engine.Concurrency.
	Capacity int
}

// LogsConfig holds build log shipping settings.
type LogsConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	TailLines     int
}

// CleanupConfig holds the janitor schedule.
type CleanupConfig struct {
	Interval time.Duration
	// WorkspaceRetention is the age after which an orphaned workspace is removed.
	WorkspaceRetention time.Duration
	// DiskCheckInterval is how often data directory usage is checked; 0 disables it.
	DiskCheckInterval time.Duration
}

// SecretsConfig holds the age identity secret variables are decrypted
// with. Without one, builds using secret variables fail.
type SecretsConfig struct {
	Identity     string
	IdentityFile string
}

// StatusConfig holds the tokens commit statuses are posted with. A
// source's auth resource, when set, names a secret holding its token
// instead.
type StatusConfig struct {
	GitHubToken    string
	GitLabToken    string
	BitbucketToken string
	// TargetURL is the base of the link attached to each status.
	TargetURL string
}

// RedisConfig holds Redis connection settings. An empty URL disables Redis.
type RedisConfig struct {
	URL    string
	Prefix string
	// PublishEvents mirrors build state changes to Redis.
	PublishEvents bool
}

// KafkaConfig holds Kafka producer settings. Empty brokers disable Kafka.
type KafkaConfig struct {
	BootstrapServers string
	Topic            string
	ClientID         string
}

// Load reads configuration from environment variables. A .env file, or the
// file named by ENV_FILE, is loaded first when present; variables already
// set in the environment win.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	cfg := LoadWithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile() error {
	path := getEnv("ENV_FILE", ".env")
	err := godotenv.Load(path)
	if err == nil || (errors.Is(err, fs.ErrNotExist) && os.Getenv("ENV_FILE") == "") {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// LoadWithDefaults reads the environment without validating it.
func LoadWithDefaults() *Config {
	return &Config{
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		GRPCPort:        getIntEnv("GRPC_PORT", 9090),
		RequestTimeout:  getDurationEnv("REQUEST_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Engine: EngineConfig{
			Concurrency:      getIntEnv("ENGINE_CONCURRENCY", 4),
			Minute:           getDurationEnv("ENGINE_MINUTE", time.Minute),
			CancelGrace:      getDurationEnv("ENGINE_CANCEL_GRACE", 30*time.Second),
			FinalizeTimeout:  getDurationEnv("ENGINE_FINALIZE_TIMEOUT", 2*time.Minute),
			BudgetPolicy:     getEnv("ENGINE_BUDGET_POLICY", "proportional"),
			BudgetCeiling:    getDurationEnv("ENGINE_BUDGET_CEILING", 0),
			ArnPrefix:        getEnv("ENGINE_ARN_PREFIX", "arn:buildengine:build/"),
			ProjectArnPrefix: getEnv("ENGINE_PROJECT_ARN_PREFIX", "arn:buildengine:project/"),
			LogGroupPrefix:   getEnv("ENGINE_LOG_GROUP_PREFIX", "/buildengine/"),
			CounterBackend:   getEnv("ENGINE_COUNTER_BACKEND", ""),
			MetricsRetention: getDurationEnv("ENGINE_METRICS_RETENTION", 30*24*time.Hour),
		},
		Retry: RetryConfig{
			MaxAttempts: getIntEnv("RETRY_MAX_ATTEMPTS", 3),
			Backoff:     getDurationEnv("RETRY_BACKOFF", 2*time.Second),
			Multiplier:  getFloatEnv("RETRY_MULTIPLIER", 2),
			MaxBackoff:  getDurationEnv("RETRY_MAX_BACKOFF", 30*time.Second),
		},
		Storage: StorageConfig{
			Backend:      getEnv("STORE_BACKEND", BackendMemory),
			DatabaseDSN:  getEnv("DATABASE_URL", "postgres://localhost:5432/buildengine?sslmode=disable"),
			MaxOpenConns: getIntEnv("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getIntEnv("DATABASE_MAX_IDLE_CONNS", 5),
			DataDir:      strings.TrimRight(getEnv("DATA_DIR", "/var/lib/buildengine"), "/"),
		},
		Executor: ExecutorConfig{
			Shell:    getEnv("EXECUTOR_SHELL", "sh"),
			Capacity: getIntEnv("EXECUTOR_CAPACITY", 0),
		},
		Logs: LogsConfig{
			BatchSize:     getIntEnv("LOGS_BATCH_SIZE", 200),
			FlushInterval: getDurationEnv("LOGS_FLUSH_INTERVAL", time.Second),
			TailLines:     getIntEnv("LOGS_TAIL_LINES", 5000),
		},
		Cleanup: CleanupConfig{
			Interval:           getDurationEnv("CLEANUP_INTERVAL", time.Hour),
			WorkspaceRetention: getDurationEnv("CLEANUP_WORKSPACE_RETENTION", 24*time.Hour),
			DiskCheckInterval:  getDurationEnv("CLEANUP_DISK_CHECK_INTERVAL", 5*time.Minute),
		},
		Secrets: SecretsConfig{
			Identity:     getEnv("SECRETS_AGE_IDENTITY", ""),
			IdentityFile: getEnv("SECRETS_AGE_IDENTITY_FILE", ""),
		},
		Status: StatusConfig{
			GitHubToken:    getEnv("STATUS_GITHUB_TOKEN", ""),
			GitLabToken:    getEnv("STATUS_GITLAB_TOKEN", ""),
			BitbucketToken: getEnv("STATUS_BITBUCKET_TOKEN", ""),
			TargetURL:      getEnv("STATUS_TARGET_URL", ""),
		},
		Redis: RedisConfig{
			URL:           getEnv("REDIS_URL", ""),
			Prefix:        getEnv("REDIS_PREFIX", "buildengine:"),
			PublishEvents: getBoolEnv("REDIS_PUBLISH_EVENTS", true),
		},
		Kafka: KafkaConfig{
			BootstrapServers: getEnv("KAFKA_BOOTSTRAP_SERVERS", ""),
			Topic:            getEnv("KAFKA_TOPIC", "build-state-changes"),
			ClientID:         getEnv("KAFKA_CLIENT_ID", "buildengine"),
		},
	}
}

// SecretsIdentity returns the configured age identity, reading it from
// IdentityFile when set. An empty result means secrets are disabled.
func (c *Config) SecretsIdentity() (string, error) {
	if c.Secrets.IdentityFile == "" {
		return c.Secrets.Identity, nil
	}
	data, err := os.ReadFile(c.Secrets.IdentityFile)
	if err != nil {
		return "", fmt.Errorf("reading SECRETS_AGE_IDENTITY_FILE: %w", err)
	}
	// age identity files may carry comment lines.
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no identity in %s", c.Secrets.IdentityFile)
}

// CounterBackend returns the configured build number backend. It follows
// the store backend unless set explicitly.
func (c *Config) CounterBackend() string {
	if c.Engine.CounterBackend != "" {
		return c.Engine.CounterBackend
	}
	return c.Storage.Backend
}

// Validate checks that configuration values are usable together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DatabaseDSN == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be memory or postgres, got %q", c.Storage.Backend))
	}
	switch c.CounterBackend() {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Backend != BackendPostgres {
			errs = append(errs, errors.New("the postgres counter requires the postgres store"))
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis counter"))
		}
	default:
		errs = append(errs, fmt.Errorf("ENGINE_COUNTER_BACKEND must be memory, postgres or redis, got %q", c.Engine.CounterBackend))
	}
	if c.Engine.BudgetPolicy != "proportional" && c.Engine.BudgetPolicy != "fixed" {
		errs = append(errs, fmt.Errorf("ENGINE_BUDGET_POLICY must be proportional or fixed, got %q", c.Engine.BudgetPolicy))
	}
	if c.Engine.Concurrency < 1 {
		errs = append(errs, errors.New("ENGINE_CONCURRENCY must be at least 1"))
	}
	if c.Engine.Minute <= 0 {
		errs = append(errs, errors.New("ENGINE_MINUTE must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Cleanup.Interval <= 0 || c.Cleanup.WorkspaceRetention <= 0 {
		errs = append(errs, errors.New("CLEANUP_INTERVAL and CLEANUP_WORKSPACE_RETENTION must be positive"))
	}
	if c.Secrets.Identity != "" && c.Secrets.IdentityFile != "" {
		errs = append(errs, errors.New("set only one of SECRETS_AGE_IDENTITY and SECRETS_AGE_IDENTITY_FILE"))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
