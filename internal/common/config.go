// -----------------------------------------------------------------------
// Configuration - layered application config (defaults -> file -> env -> flags)
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the conveyor service.
// Values are resolved in precedence order: defaults, config file(s),
// CONVEYOR_* environment variables, command-line flags.
type Config struct {
	Environment string          `toml:"environment" yaml:"environment"`
	Server      ServerConfig    `toml:"server" yaml:"server"`
	Auth        AuthConfig      `toml:"auth" yaml:"auth"`
	Limits      LimitsConfig    `toml:"limits" yaml:"limits"`
	Queue       QueueConfig     `toml:"queue" yaml:"queue"`
	Scheduler   SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Worker      WorkerConfig    `toml:"worker" yaml:"worker"`
	Scraper     ScraperConfig   `toml:"scraper" yaml:"scraper"`
	OCR         OCRConfig       `toml:"ocr" yaml:"ocr"`
	Storage     StorageConfig   `toml:"storage" yaml:"storage"`
	Retention   RetentionConfig `toml:"retention" yaml:"retention"`
	Logging     LoggingConfig   `toml:"logging" yaml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket" yaml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" yaml:"port"`
	Host string `toml:"host" yaml:"host"`
}

// APIKeyEntry maps a bearer credential to a principal. The keyring lives in
// config so keys can be rotated by config change without a code deploy.
type APIKeyEntry struct {
	Key         string `toml:"key" yaml:"key"`
	PrincipalID string `toml:"principal_id" yaml:"principal_id"`
	TenantID    string `toml:"tenant_id" yaml:"tenant_id"`
	Role        string `toml:"role" yaml:"role"`
	// ExpiresAt is RFC3339; empty means the key does not expire.
	ExpiresAt string `toml:"expires_at" yaml:"expires_at"`
}

type AuthConfig struct {
	Keys []APIKeyEntry `toml:"keys" yaml:"keys"`
}

// RateLimit is a token bucket: sustained per-second refill plus burst capacity.
type RateLimit struct {
	PerSecond float64 `toml:"per_second" yaml:"per_second"`
	Burst     int     `toml:"burst" yaml:"burst"`
}

type LimitsConfig struct {
	// BroadcastInterval controls how often local bucket consumption is
	// merged into the shared rate_buckets collection.
	BroadcastInterval string    `toml:"broadcast_interval" yaml:"broadcast_interval"`
	Submit            RateLimit `toml:"submit" yaml:"submit"`
	Cancel            RateLimit `toml:"cancel" yaml:"cancel"`
	Read              RateLimit `toml:"read" yaml:"read"`
	Admin             RateLimit `toml:"admin" yaml:"admin"`
}

type QueueConfig struct {
	// AckDeadline is the delivery lease length. Workers renew at one third
	// of this interval.
	AckDeadline  string `toml:"ack_deadline" yaml:"ack_deadline"`
	PollInterval string `toml:"poll_interval" yaml:"poll_interval"`
	MaxBatch     int    `toml:"max_batch" yaml:"max_batch"`
	// MaxAttempts applies when a job carries no retry policy of its own.
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts"`
	// HighWater/LowWater bound per-queue backlog. Publishes are rejected at
	// the high-water mark and accepted again once depth drains below low.
	HighWater int `toml:"high_water" yaml:"high_water"`
	LowWater  int `toml:"low_water" yaml:"low_water"`
	// AntiStarvationAge promotes any ready message older than this ahead of
	// the priority bands.
	AntiStarvationAge string `toml:"anti_starvation_age" yaml:"anti_starvation_age"`
	WeightHigh        int    `toml:"weight_high" yaml:"weight_high"`
	WeightNormal      int    `toml:"weight_normal" yaml:"weight_normal"`
	WeightLow         int    `toml:"weight_low" yaml:"weight_low"`
}

type SchedulerConfig struct {
	TickInterval       string `toml:"tick_interval" yaml:"tick_interval"`
	LeaseTTL           string `toml:"lease_ttl" yaml:"lease_ttl"`
	LeaseRenewInterval string `toml:"lease_renew_interval" yaml:"lease_renew_interval"`
	// MissedFirePolicy is "skip" (default) or "catch_up". Skip records a
	// gap event; catch_up fires once per missed slot on recovery.
	MissedFirePolicy string `toml:"missed_fire_policy" yaml:"missed_fire_policy"`
	SweepInterval    string `toml:"sweep_interval" yaml:"sweep_interval"`
	// PendingThreshold is the age after which a pending_dispatch job is
	// picked up by the recovery sweep.
	PendingThreshold string `toml:"pending_threshold" yaml:"pending_threshold"`
	// RetentionInterval controls how often the retention sweep runs.
	RetentionInterval string `toml:"retention_interval" yaml:"retention_interval"`
}

type WorkerConfig struct {
	// ID defaults to hostname-pid when empty.
	ID    string `toml:"id" yaml:"id"`
	Slots int    `toml:"slots" yaml:"slots"`
	// ShutdownGrace is how long in-flight executions may run after a stop
	// request before their deliveries are nacked.
	ShutdownGrace string `toml:"shutdown_grace" yaml:"shutdown_grace"`
	// CancelGrace is how long a handler gets to honor cancellation before
	// its slot is force-aborted.
	CancelGrace   string `toml:"cancel_grace" yaml:"cancel_grace"`
	ScrapeTimeout string `toml:"scrape_timeout" yaml:"scrape_timeout"`
	OCRTimeout    string `toml:"ocr_timeout" yaml:"ocr_timeout"`
}

type ScraperConfig struct {
	UserAgent      string `toml:"user_agent" yaml:"user_agent"`
	RequestTimeout string `toml:"request_timeout" yaml:"request_timeout"`
	MaxBodyBytes   int64  `toml:"max_body_bytes" yaml:"max_body_bytes"`
	MaxRedirects   int    `toml:"max_redirects" yaml:"max_redirects"`
	// RenderWait is the settle time after page load when render_js is set.
	RenderWait string `toml:"render_wait" yaml:"render_wait"`
}

type OCRConfig struct {
	MaxPages int `toml:"max_pages" yaml:"max_pages"`
	// MinTextChars is the extracted-text floor below which a page counts
	// as empty when scoring confidence.
	MinTextChars int `toml:"min_text_chars" yaml:"min_text_chars"`
}

type DatabaseConfig struct {
	Path           string `toml:"path" yaml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"`
}

type BlobConfig struct {
	Path string `toml:"path" yaml:"path"`
}

type StorageConfig struct {
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Blob     BlobConfig     `toml:"blob" yaml:"blob"`
}

type RetentionConfig struct {
	Artifacts  string `toml:"artifacts" yaml:"artifacts"`
	Executions string `toml:"executions" yaml:"executions"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level"`
	Format     string   `toml:"format" yaml:"format"`
	Output     []string `toml:"output" yaml:"output"`
	TimeFormat string   `toml:"time_format" yaml:"time_format"`
}

type WebSocketConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	MinLevel string `toml:"min_level" yaml:"min_level"`
}

// NewDefaultConfig returns the baseline configuration. Every value here can
// be overridden by file, environment, or flag.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Auth: AuthConfig{
			Keys: []APIKeyEntry{},
		},
		Limits: LimitsConfig{
			BroadcastInterval: "5s",
			Submit:            RateLimit{PerSecond: 1, Burst: 10},
			Cancel:            RateLimit{PerSecond: 1, Burst: 10},
			Read:              RateLimit{PerSecond: 10, Burst: 50},
			Admin:             RateLimit{PerSecond: 0.5, Burst: 5},
		},
		Queue: QueueConfig{
			AckDeadline:       "30s",
			PollInterval:      "250ms",
			MaxBatch:          8,
			MaxAttempts:       5,
			HighWater:         10000,
			LowWater:          8000,
			AntiStarvationAge: "10m",
			WeightHigh:        8,
			WeightNormal:      4,
			WeightLow:         1,
		},
		Scheduler: SchedulerConfig{
			TickInterval:       "1s",
			LeaseTTL:           "15s",
			LeaseRenewInterval: "5s",
			MissedFirePolicy:   "skip",
			SweepInterval:      "1m",
			PendingThreshold:   "1m",
			RetentionInterval:  "1h",
		},
		Worker: WorkerConfig{
			Slots:         4,
			ShutdownGrace: "60s",
			CancelGrace:   "10s",
			ScrapeTimeout: "2m",
			OCRTimeout:    "5m",
		},
		Scraper: ScraperConfig{
			UserAgent:      "conveyor/" + Version,
			RequestTimeout: "30s",
			MaxBodyBytes:   10 * 1024 * 1024,
			MaxRedirects:   5,
			RenderWait:     "2s",
		},
		OCR: OCRConfig{
			MaxPages:     500,
			MinTextChars: 16,
		},
		Storage: StorageConfig{
			Database: DatabaseConfig{
				Path:           "./data/conveyor.db",
				ResetOnStartup: false,
			},
			Blob: BlobConfig{
				Path: "./data/blobs",
			},
		},
		Retention: RetentionConfig{
			Artifacts:  "2160h", // 90 days
			Executions: "720h",  // 30 days
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		WebSocket: WebSocketConfig{
			Enabled:  true,
			MinLevel: "info",
		},
	}
}

// LoadFromFile loads configuration from a single file, applying defaults
// first and environment overrides last.
func LoadFromFile(path string) (*Config, error) {
	return LoadFromFiles([]string{path})
}

// LoadFromFiles loads configuration from multiple files in order. Later
// files override earlier ones; missing files are skipped so a fresh
// checkout runs on defaults alone.
func LoadFromFiles(paths []string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("Config file not found, using defaults: %s\n", path)
				continue
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := unmarshalConfig(path, data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// unmarshalConfig picks the decoder by file extension. TOML is the native
// format; YAML is accepted for deployments that template their config.
func unmarshalConfig(path string, data []byte, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	default:
		return toml.Unmarshal(data, config)
	}
}

// applyEnvOverrides applies CONVEYOR_* environment variables on top of the
// loaded configuration.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("CONVEYOR_ENVIRONMENT"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("CONVEYOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("CONVEYOR_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("CONVEYOR_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("CONVEYOR_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
	if v := os.Getenv("CONVEYOR_STORAGE_PATH"); v != "" {
		config.Storage.Database.Path = v
	}
	if v := os.Getenv("CONVEYOR_STORAGE_RESET"); v != "" {
		if reset, err := strconv.ParseBool(v); err == nil {
			config.Storage.Database.ResetOnStartup = reset
		}
	}
	if v := os.Getenv("CONVEYOR_BLOB_PATH"); v != "" {
		config.Storage.Blob.Path = v
	}
	if v := os.Getenv("CONVEYOR_WORKER_ID"); v != "" {
		config.Worker.ID = v
	}
	if v := os.Getenv("CONVEYOR_WORKER_SLOTS"); v != "" {
		if slots, err := strconv.Atoi(v); err == nil && slots > 0 {
			config.Worker.Slots = slots
		}
	}
	if v := os.Getenv("CONVEYOR_MISSED_FIRE_POLICY"); v != "" {
		config.Scheduler.MissedFirePolicy = v
	}
	if v := os.Getenv("CONVEYOR_ACK_DEADLINE"); v != "" {
		config.Queue.AckDeadline = v
	}

	// A single key can be injected for local development and smoke tests.
	if key := os.Getenv("CONVEYOR_API_KEY"); key != "" {
		entry := APIKeyEntry{
			Key:         key,
			PrincipalID: envOr("CONVEYOR_API_PRINCIPAL", "env-principal"),
			TenantID:    envOr("CONVEYOR_API_TENANT", "default"),
			Role:        envOr("CONVEYOR_API_ROLE", "developer"),
		}
		config.Auth.Keys = append(config.Auth.Keys, entry)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// ApplyFlagOverrides applies command-line flag values. Flags have the
// highest precedence; zero values mean the flag was not set.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks cross-field constraints that the decoders cannot.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Queue.LowWater > c.Queue.HighWater {
		return fmt.Errorf("queue low_water %d exceeds high_water %d", c.Queue.LowWater, c.Queue.HighWater)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	switch c.Scheduler.MissedFirePolicy {
	case "skip", "catch_up":
	default:
		return fmt.Errorf("invalid missed_fire_policy %q (want skip or catch_up)", c.Scheduler.MissedFirePolicy)
	}
	if c.Worker.Slots < 1 {
		return fmt.Errorf("worker slots must be at least 1, got %d", c.Worker.Slots)
	}
	for i, key := range c.Auth.Keys {
		if key.Key == "" {
			return fmt.Errorf("auth key %d has empty credential", i)
		}
		if key.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, key.ExpiresAt); err != nil {
				return fmt.Errorf("auth key %d has invalid expires_at: %w", i, err)
			}
		}
	}
	return nil
}

// IsProduction returns true when the environment is production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// Redacted returns a deep copy with credentials blanked, safe to expose on
// the status endpoint.
func (c *Config) Redacted() *Config {
	clone := *c
	clone.Auth.Keys = make([]APIKeyEntry, len(c.Auth.Keys))
	for i, key := range c.Auth.Keys {
		key.Key = "***"
		clone.Auth.Keys[i] = key
	}
	clone.Logging.Output = append([]string(nil), c.Logging.Output...)
	return &clone
}

// ParseDurationOr parses a duration string, falling back when empty or
// malformed. Config durations are strings so files stay readable.
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// cronParser accepts the standard 5-field spec plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCronSpec validates and parses a cron expression. Both job intake and
// the scheduler use this so they cannot disagree on syntax.
func ParseCronSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return sched, nil
}
