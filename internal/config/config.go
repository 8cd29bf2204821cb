package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces every environment override, e.g. REMINDER_REDIS__ADDR.
const EnvPrefix = "REMINDER_"

// Config holds shared runtime configuration for the API, scheduler and CLI.
type Config struct {
	Env       string          `koanf:"env"`
	LogLevel  string          `koanf:"log_level"`
	HTTP      HTTPConfig      `koanf:"http"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Reminders RemindersConfig `koanf:"reminders"`
	Twilio    TwilioConfig    `koanf:"twilio"`
	Scripts   ScriptsConfig   `koanf:"scripts"`
	AMQP      AMQPConfig      `koanf:"amqp"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Templates TemplatesConfig `koanf:"templates"`
}

type HTTPConfig struct {
	Port        string `koanf:"port"`
	MetricsAddr string `koanf:"metrics_addr"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// PatientCacheTTL bounds how long patient lookups are cached; 0 disables the cache.
	PatientCacheTTL time.Duration `koanf:"patient_cache_ttl"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type SchedulerConfig struct {
	Embedded          bool          `koanf:"embedded"`
	CheckInterval     time.Duration `koanf:"check_interval"`
	BatchSize         int           `koanf:"batch_size"`
	WorkerThreads     int           `koanf:"worker_threads"`
	ItemTimeout       time.Duration `koanf:"item_timeout"`
	CycleTimeout      time.Duration `koanf:"cycle_timeout"`
	RetryDelays       string        `koanf:"retry_delays"`
	RetryCap          time.Duration `koanf:"retry_cap"`
	MetricsInterval   time.Duration `koanf:"metrics_interval"`
	CleanupInterval   time.Duration `koanf:"cleanup_interval"`
	QueueStaleAfter   time.Duration `koanf:"queue_stale_after"`
	RetentionWindow   time.Duration `koanf:"retention_window"`
	ReconcileGrace    time.Duration `koanf:"reconcile_grace"`
	ProcessingTimeout time.Duration `koanf:"processing_timeout"`
}

type RemindersConfig struct {
	DefaultMaxRetries    int `koanf:"default_max_retries"`
	DefaultRetryInterval int `koanf:"default_retry_interval"`
	MaxBatchSize         int `koanf:"max_batch_size"`
	DefaultPageSize      int `koanf:"default_page_size"`
	MaxPageSize          int `koanf:"max_page_size"`
}

type TwilioConfig struct {
	AccountSID        string `koanf:"account_sid"`
	AuthToken         string `koanf:"auth_token"`
	FromNumber        string `koanf:"from_number"`
	StatusCallbackURL string `koanf:"status_callback_url"`
	ValidateSignature bool   `koanf:"validate_signature"`
	// DryRun logs outgoing messages instead of calling Twilio.
	DryRun bool `koanf:"dry_run"`
	// SendTimeout bounds a single provider call.
	SendTimeout time.Duration `koanf:"send_timeout"`
}

type ScriptsConfig struct {
	Dir         string        `koanf:"dir"`
	BaseURL     string        `koanf:"base_url"`
	S3Bucket    string        `koanf:"s3_bucket"`
	S3Region    string        `koanf:"s3_region"`
	S3Endpoint  string        `koanf:"s3_endpoint"`
	S3PathStyle bool          `koanf:"s3_path_style"`
	URLExpiry   time.Duration `koanf:"url_expiry"`
}

type AMQPConfig struct {
	URL      string `koanf:"url"`
	Exchange string `koanf:"exchange"`
}

type RateLimitConfig struct {
	Capacity        int     `koanf:"capacity"`
	RefillPerSecond float64 `koanf:"refill_per_second"`
}

type TemplatesConfig struct {
	HospitalName    string `koanf:"hospital_name"`
	ContactPhone    string `koanf:"contact_phone"`
	DefaultLanguage string `koanf:"default_language"`
}

// Load reads configuration from defaults, an optional YAML file and REMINDER_* environment
// variables, in that order. A .env file in the working directory is honoured when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(NewDefaultProvider(), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps REMINDER_SCHEDULER__CHECK_INTERVAL to scheduler.check_interval.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate checks ranges that would otherwise surface as runtime misbehaviour.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	s := c.Scheduler
	if s.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.check_interval must be positive")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	if s.WorkerThreads <= 0 {
		return fmt.Errorf("scheduler.worker_threads must be positive")
	}
	if s.ItemTimeout <= 0 {
		return fmt.Errorf("scheduler.item_timeout must be positive")
	}
	if _, err := s.RetryLadder(); err != nil {
		return err
	}
	if c.Reminders.DefaultMaxRetries < 0 || c.Reminders.DefaultMaxRetries > 10 {
		return fmt.Errorf("reminders.default_max_retries must be within [0,10]")
	}
	if c.Reminders.DefaultRetryInterval < 60 {
		return fmt.Errorf("reminders.default_retry_interval must be at least 60 seconds")
	}
	return nil
}

// RetryLadder parses the comma separated retry_delays list.
func (s SchedulerConfig) RetryLadder() ([]time.Duration, error) {
	parts := strings.Split(s.RetryDelays, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("scheduler.retry_delays: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("scheduler.retry_delays: delay %s must be positive", p)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.New("scheduler.retry_delays must list at least one delay")
	}
	return out, nil
}

// LockTTL is the scheduler lock lifetime: always longer than one bounded cycle.
func (s SchedulerConfig) LockTTL() time.Duration {
	ttl := s.CheckInterval
	if s.CycleTimeout > ttl {
		ttl = s.CycleTimeout
	}
	return ttl + s.ItemTimeout
}
