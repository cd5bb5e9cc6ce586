package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/auditdiff/pkg/archive"
	"github.com/platinummonkey/auditdiff/pkg/observability"
	"github.com/platinummonkey/auditdiff/pkg/storage"
)

// ConfigFileEnv names the optional YAML file loaded before the environment
const ConfigFileEnv = "AUDITD_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage storage.Config `yaml:"storage"`

	// Archive configuration, used by auditd-archiver
	Archive ArchiveConfig `yaml:"archive"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server on its own port for k8s liveness and readiness checks
	HealthPort string `yaml:"health_port"`
}

// ArchiveConfig holds the S3 snapshot settings
type ArchiveConfig struct {
	Schedule     string        `yaml:"schedule"`
	Timeout      time.Duration `yaml:"timeout"`
	S3Endpoint   string        `yaml:"s3_endpoint"`
	S3Region     string        `yaml:"s3_region"`
	S3Bucket     string        `yaml:"s3_bucket"`
	S3Prefix     string        `yaml:"s3_prefix"`
	S3AccessKey  string        `yaml:"s3_access_key"`
	S3SecretKey  string        `yaml:"s3_secret_key"`
	UsePathStyle bool          `yaml:"s3_use_path_style"`
	CreateBucket bool          `yaml:"s3_create_bucket"`

	// PushgatewayURL receives the archive metrics of -run-once invocations.
	// Scheduled runs serve them on the health port instead.
	PushgatewayURL string `yaml:"pushgateway_url"`
}

// S3 converts the archive settings to the S3 client configuration
func (a ArchiveConfig) S3() archive.S3Config {
	return archive.S3Config{
		Endpoint:     a.S3Endpoint,
		Region:       a.S3Region,
		Bucket:       a.S3Bucket,
		Prefix:       a.S3Prefix,
		AccessKey:    a.S3AccessKey,
		SecretKey:    a.S3SecretKey,
		UsePathStyle: a.UsePathStyle,
		CreateBucket: a.CreateBucket,
	}
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Archive: ArchiveConfig{
			Schedule: archive.DefaultSchedule,
			Timeout:  5 * time.Minute,
			S3Region: "us-east-1",
			S3Prefix: "audits",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "auditd",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file
// named by AUDITD_CONFIG_FILE if set, then AUDITD_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyServerEnv()
	cfg.applyStorageEnv()
	cfg.applyArchiveEnv()
	cfg.applyObservabilityEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays the YAML file at path; keys missing from the file keep
// their current values
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyServerEnv() {
	s := &c.Server
	s.Host = getEnv("AUDITD_HOST", s.Host)
	s.Port = getEnv("AUDITD_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("AUDITD_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("AUDITD_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("AUDITD_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("AUDITD_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("AUDITD_HEALTH_PORT", s.HealthPort)
}

func (c *Config) applyStorageEnv() {
	s := &c.Storage
	s.Type = getEnv("AUDITD_STORAGE_TYPE", s.Type)

	s.FilePath = getEnv("AUDITD_FILE_PATH", s.FilePath)
	s.SQLitePath = getEnv("AUDITD_SQLITE_PATH", s.SQLitePath)

	// PostgreSQL config
	s.PostgresURL = getEnv("AUDITD_POSTGRES_URL", s.PostgresURL)
	s.PostgresMaxConns = getEnvInt("AUDITD_POSTGRES_MAX_CONNS", s.PostgresMaxConns)
	s.PostgresMinConns = getEnvInt("AUDITD_POSTGRES_MIN_CONNS", s.PostgresMinConns)
	s.PostgresTimeout = getEnvDuration("AUDITD_POSTGRES_TIMEOUT", s.PostgresTimeout)
	s.PostgresMaxLifetime = getEnvDuration("AUDITD_POSTGRES_MAX_LIFETIME", s.PostgresMaxLifetime)
	s.PostgresMaxIdleTime = getEnvDuration("AUDITD_POSTGRES_MAX_IDLE_TIME", s.PostgresMaxIdleTime)

	// Redis config
	s.RedisURL = getEnv("AUDITD_REDIS_URL", s.RedisURL)
	s.RedisPassword = getEnv("AUDITD_REDIS_PASSWORD", s.RedisPassword)
	s.RedisDB = getEnvInt("AUDITD_REDIS_DB", s.RedisDB)
	s.RedisMaxRetries = getEnvInt("AUDITD_REDIS_MAX_RETRIES", s.RedisMaxRetries)
	s.RedisPoolSize = getEnvInt("AUDITD_REDIS_POOL_SIZE", s.RedisPoolSize)
	s.RedisKey = getEnv("AUDITD_REDIS_KEY", s.RedisKey)
}

func (c *Config) applyArchiveEnv() {
	a := &c.Archive
	a.Schedule = getEnv("AUDITD_ARCHIVE_SCHEDULE", a.Schedule)
	a.Timeout = getEnvDuration("AUDITD_ARCHIVE_TIMEOUT", a.Timeout)
	a.S3Endpoint = getEnv("AUDITD_S3_ENDPOINT", a.S3Endpoint)
	a.S3Region = getEnv("AUDITD_S3_REGION", a.S3Region)
	a.S3Bucket = getEnv("AUDITD_S3_BUCKET", a.S3Bucket)
	a.S3Prefix = getEnv("AUDITD_S3_PREFIX", a.S3Prefix)
	a.S3AccessKey = getEnv("AUDITD_S3_ACCESS_KEY", a.S3AccessKey)
	a.S3SecretKey = getEnv("AUDITD_S3_SECRET_KEY", a.S3SecretKey)
	a.UsePathStyle = getEnvBool("AUDITD_S3_USE_PATH_STYLE", a.UsePathStyle)
	a.CreateBucket = getEnvBool("AUDITD_S3_CREATE_BUCKET", a.CreateBucket)
	a.PushgatewayURL = getEnv("AUDITD_ARCHIVE_PUSHGATEWAY_URL", a.PushgatewayURL)
}

func (c *Config) applyObservabilityEnv() {
	o := &c.Observability
	o.LogLevel = getEnv("AUDITD_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("AUDITD_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("AUDITD_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("AUDITD_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("AUDITD_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("AUDITD_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("AUDITD_OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Observability.LogLevel)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ValidateArchive checks the settings auditd-archiver needs. The archiver
// reads a store another process writes, so the backend must support shared
// access: memory is private to one process and the file store has a single
// owner that replays and repairs the file on open.
func (c *Config) ValidateArchive() error {
	switch c.Storage.Type {
	case storage.TypeMemory:
		return fmt.Errorf("archiving requires a durable storage type, got %q", c.Storage.Type)
	case storage.TypeFile:
		return fmt.Errorf("archiving requires a shared storage type (postgres, sqlite or redis), got %q", c.Storage.Type)
	}
	if c.Archive.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required for archiving")
	}
	if c.Archive.S3Region == "" {
		return fmt.Errorf("S3 region is required for archiving")
	}
	if (c.Archive.S3AccessKey == "") != (c.Archive.S3SecretKey == "") {
		return fmt.Errorf("S3 access key and secret key must be set together")
	}
	if c.Archive.Timeout <= 0 {
		return fmt.Errorf("archive timeout must be positive")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
