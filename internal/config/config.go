package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Sync      SyncConfig      `yaml:"sync"`
	Live      LiveConfig      `yaml:"live"`
	Client    ClientConfig    `yaml:"client"`
	Authority AuthorityConfig `yaml:"authority"`
	Log       LogConfig       `yaml:"log"`
}

// RemoteConfig contains remote API settings.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig contains offline queue settings.
type QueueConfig struct {
	MaxSize         int      `yaml:"max_size"`
	MaxAttempts     int      `yaml:"max_attempts"`
	Retention       Duration `yaml:"retention"`
	ExhaustedExpiry Duration `yaml:"exhausted_expiry"`
}

// SyncConfig contains connectivity and drain settings.
type SyncConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	RetryInterval Duration `yaml:"retry_interval"`
}

// LiveConfig contains push feed settings.
type LiveConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	BaseDelay    Duration `yaml:"base_delay"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	PingInterval Duration `yaml:"ping_interval"`
}

// ClientConfig contains display-layer defaults.
type ClientConfig struct {
	DefaultEvent string `yaml:"default_event"`
}

// AuthorityConfig contains reference authority server settings.
type AuthorityConfig struct {
	Port            int      `yaml:"port"`
	RosterPath      string   `yaml:"roster_path"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
	WriteRate       float64  `yaml:"write_rate"`
	WriteBurst      int      `yaml:"write_burst"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("ROLLCALL_CONFIG_PATH", "config/rollcall.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
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

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Remote: RemoteConfig{
			Timeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/rollcall.db",
		},
		Queue: QueueConfig{
			MaxSize:         100,
			MaxAttempts:     3,
			Retention:       Duration(24 * time.Hour),
			ExhaustedExpiry: Duration(7 * 24 * time.Hour),
		},
		Sync: SyncConfig{
			PollInterval:  Duration(5 * time.Second),
			RetryInterval: Duration(30 * time.Second),
		},
		Live: LiveConfig{
			MaxAttempts:  5,
			BaseDelay:    Duration(2 * time.Second),
			ReadTimeout:  Duration(60 * time.Second),
			PingInterval: Duration(20 * time.Second),
		},
		Authority: AuthorityConfig{
			Port:            8081,
			RosterPath:      "config/roster.yaml",
			WriteRate:       20,
			WriteBurst:      40,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
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

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Remote
	envString("ROLLCALL_REMOTE_URL", &cfg.Remote.BaseURL)
	envString("ROLLCALL_API_KEY", &cfg.Remote.APIKey)
	envDuration("ROLLCALL_REMOTE_TIMEOUT", &cfg.Remote.Timeout)

	// Database
	envString("ROLLCALL_DB_PATH", &cfg.Database.Path)

	// Queue
	envInt("ROLLCALL_QUEUE_MAX_SIZE", &cfg.Queue.MaxSize)
	envInt("ROLLCALL_QUEUE_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	envDuration("ROLLCALL_QUEUE_RETENTION", &cfg.Queue.Retention)
	envDuration("ROLLCALL_QUEUE_EXHAUSTED_EXPIRY", &cfg.Queue.ExhaustedExpiry)

	// Sync
	envDuration("ROLLCALL_POLL_INTERVAL", &cfg.Sync.PollInterval)
	envDuration("ROLLCALL_RETRY_INTERVAL", &cfg.Sync.RetryInterval)

	// Live
	envInt("ROLLCALL_LIVE_MAX_ATTEMPTS", &cfg.Live.MaxAttempts)
	envDuration("ROLLCALL_LIVE_BASE_DELAY", &cfg.Live.BaseDelay)

	// Client
	envString("ROLLCALL_EVENT", &cfg.Client.DefaultEvent)

	// Authority (the server key has its own variable so one shell can run both sides)
	envInt("ROLLCALL_AUTHORITY_PORT", &cfg.Authority.Port)
	envString("ROLLCALL_ROSTER_PATH", &cfg.Authority.RosterPath)
	envString("ROLLCALL_AUTHORITY_API_KEY", &cfg.Authority.APIKey)
	if v := os.Getenv("ROLLCALL_AUTHORITY_WRITE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Authority.WriteRate = f
		}
	}
	envInt("ROLLCALL_AUTHORITY_WRITE_BURST", &cfg.Authority.WriteBurst)

	// Log
	envString("ROLLCALL_LOG_LEVEL", &cfg.Log.Level)
	envString("ROLLCALL_LOG_FORMAT", &cfg.Log.Format)
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	var errs []error

	if c.Remote.BaseURL != "" && !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("remote.base_url must be an http or https URL, got %q", c.Remote.BaseURL))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Queue.MaxSize < 1 {
		errs = append(errs, errors.New("queue.max_size must be at least 1"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.Retention < 0 || c.Queue.ExhaustedExpiry < 0 {
		errs = append(errs, errors.New("queue retention periods must not be negative"))
	}
	if c.Sync.PollInterval <= 0 {
		errs = append(errs, errors.New("sync.poll_interval must be positive"))
	}
	if c.Sync.RetryInterval < 0 {
		errs = append(errs, errors.New("sync.retry_interval must not be negative"))
	}
	if c.Live.MaxAttempts < 0 || c.Live.BaseDelay < 0 {
		errs = append(errs, errors.New("live reconnect settings must not be negative"))
	}
	if c.Authority.Port < 1 || c.Authority.Port > 65535 {
		errs = append(errs, fmt.Errorf("authority.port out of range: %d", c.Authority.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}

	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
