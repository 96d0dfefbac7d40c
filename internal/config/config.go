package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Worker   WorkerConfig   `yaml:"worker"`
	Health   HealthConfig   `yaml:"health"`
	Cache    CacheConfig    `yaml:"cache"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SchedulerInterval  Duration `yaml:"scheduler_interval"`
	DequeueBatchSize   int      `yaml:"dequeue_batch_size"`
	CacheSweepInterval Duration `yaml:"cache_sweep_interval"`
	RetentionInterval  Duration `yaml:"retention_interval"`
	RetentionDays      int      `yaml:"retention_days"`
	KeepConflicts      bool     `yaml:"keep_conflicts"`
}

// HealthConfig contains health classification thresholds.
type HealthConfig struct {
	StuckBatchAfter   Duration `yaml:"stuck_batch_after"`
	IdleSessionAfter  Duration `yaml:"idle_session_after"`
	ErrorRateWarning  float64  `yaml:"error_rate_warning"`
	ErrorRateCritical float64  `yaml:"error_rate_critical"`
	ConflictsWarning  int      `yaml:"conflicts_warning"`
	ConflictsCritical int      `yaml:"conflicts_critical"`
	IdleWarning       int      `yaml:"idle_warning"`
	IdleCritical      int      `yaml:"idle_critical"`
}

// CacheConfig contains cache layer settings.
type CacheConfig struct {
	DefaultTTL Duration `yaml:"default_ttl"`
}

// ArchiveConfig contains S3-compatible archive storage settings.
// An empty Bucket disables archiving.
type ArchiveConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	Prefix    string   `yaml:"prefix"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → .env → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	return load(true)
}

// LoadOffline is Load without the API key requirement, for commands that
// operate on the database directly.
func LoadOffline() (*Config, error) {
	return load(false)
}

func load(requireAPIKey bool) (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FITSYNC_CONFIG_PATH", "config/fitsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	if err := loadDotEnv(getEnv("FITSYNC_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(requireAPIKey); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used by tests and callers that name the file explicitly.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(true); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/fitsync.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Worker: WorkerConfig{
			SchedulerInterval:  Duration(10 * time.Second),
			DequeueBatchSize:   10,
			CacheSweepInterval: Duration(time.Minute),
			RetentionInterval:  Duration(24 * time.Hour),
			RetentionDays:      30,
			KeepConflicts:      true,
		},
		Health: HealthConfig{
			StuckBatchAfter:   Duration(2 * time.Hour),
			IdleSessionAfter:  Duration(30 * time.Minute),
			ErrorRateWarning:  0.05,
			ErrorRateCritical: 0.10,
			ConflictsWarning:  10,
			ConflictsCritical: 20,
			IdleWarning:       5,
			IdleCritical:      10,
		},
		Cache: CacheConfig{
			DefaultTTL: Duration(5 * time.Minute),
		},
		Archive: ArchiveConfig{
			Region:    "us-east-1",
			UseSSL:    &useSSL,
			Prefix:    "fitsync",
			URLExpiry: Duration(15 * time.Minute),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// loadDotEnv exports the variables of a .env file into the process
// environment. Variables that are already set keep their value.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("parsing env file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("FITSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("FITSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("FITSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("FITSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("FITSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("FITSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("FITSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FITSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Worker
	envDuration("FITSYNC_SCHEDULER_INTERVAL", &cfg.Worker.SchedulerInterval)
	envInt("FITSYNC_DEQUEUE_BATCH_SIZE", &cfg.Worker.DequeueBatchSize)
	envDuration("FITSYNC_CACHE_SWEEP_INTERVAL", &cfg.Worker.CacheSweepInterval)
	envDuration("FITSYNC_RETENTION_INTERVAL", &cfg.Worker.RetentionInterval)
	envInt("FITSYNC_RETENTION_DAYS", &cfg.Worker.RetentionDays)
	if v := os.Getenv("FITSYNC_KEEP_CONFLICTS"); v != "" {
		cfg.Worker.KeepConflicts = v == "true" || v == "1"
	}

	// Health
	envDuration("FITSYNC_STUCK_BATCH_AFTER", &cfg.Health.StuckBatchAfter)
	envDuration("FITSYNC_IDLE_SESSION_AFTER", &cfg.Health.IdleSessionAfter)
	if v := os.Getenv("FITSYNC_ERROR_RATE_WARNING"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Health.ErrorRateWarning = f
		}
	}
	if v := os.Getenv("FITSYNC_ERROR_RATE_CRITICAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Health.ErrorRateCritical = f
		}
	}

	// Cache
	envDuration("FITSYNC_CACHE_TTL", &cfg.Cache.DefaultTTL)

	// Archive
	if v := os.Getenv("FITSYNC_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("FITSYNC_S3_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("FITSYNC_S3_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("FITSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("FITSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("FITSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Archive.UseSSL = &useSSL
	}
	if v := os.Getenv("FITSYNC_ARCHIVE_PREFIX"); v != "" {
		cfg.Archive.Prefix = v
	}
	envDuration("FITSYNC_ARCHIVE_URL_EXPIRY", &cfg.Archive.URLExpiry)
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// validate checks that required configuration values are set.
// In dev mode (FITSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate(requireAPIKey bool) error {
	if c.Worker.RetentionDays < 1 {
		return fmt.Errorf("worker.retention_days must be at least 1, got %d", c.Worker.RetentionDays)
	}
	if c.Worker.DequeueBatchSize < 1 {
		return fmt.Errorf("worker.dequeue_batch_size must be at least 1, got %d", c.Worker.DequeueBatchSize)
	}
	if c.Health.ErrorRateWarning > c.Health.ErrorRateCritical {
		return errors.New("health.error_rate_warning must not exceed health.error_rate_critical")
	}

	if DevMode() || !requireAPIKey {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("FITSYNC_API_KEY is required")
	}
	return nil
}

// DevMode reports whether FITSYNC_DEV_MODE is enabled.
func DevMode() bool {
	return os.Getenv("FITSYNC_DEV_MODE") == "true"
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
