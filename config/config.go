package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of config.yml.
type Config struct {
	Cryptostream CryptostreamConfig        `yaml:"cryptostream"`
	Logging      LoggingConfig             `yaml:"logging"`
	Metrics      MetricsConfig             `yaml:"metrics"`
	Dashboard    DashboardConfig           `yaml:"dashboard"`
	Throttle     ThrottleConfig            `yaml:"throttle"`
	Connection   ConnectionConfig          `yaml:"connection"`
	OrderBook    OrderBookConfig           `yaml:"orderbook"`
	Supervisor   SupervisorConfig          `yaml:"supervisor"`
	Exchanges    map[string]ExchangeConfig `yaml:"exchanges"`
	Storage      StorageConfig             `yaml:"storage"`
}

type CryptostreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Addr       string           `yaml:"addr"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

// DashboardConfig controls the HTTP status server.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// ThrottleConfig tunes request admission. RateLimit is milliseconds per unit
// of cost. A zero RollingWindowSize selects the leaky bucket.
type ThrottleConfig struct {
	RateLimit         float64       `yaml:"rate_limit"`
	Capacity          float64       `yaml:"capacity"`
	MaxCapacity       int           `yaml:"max_capacity"`
	RollingWindowSize int           `yaml:"rolling_window_size"`
	DefaultCost       float64       `yaml:"default_cost"`
	AdmitTimeout      time.Duration `yaml:"admit_timeout"`
}

type ConnectionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	ReadLimit      int64         `yaml:"read_limit"`
	LocalIP        string        `yaml:"local_ip"`
}

type OrderBookConfig struct {
	Depth              int           `yaml:"depth"`
	NonceMode          string        `yaml:"nonce_mode"`
	TrimPolicy         string        `yaml:"trim_policy"`
	Checksum           string        `yaml:"checksum"`
	ChecksumDepth      int           `yaml:"checksum_depth"`
	CacheLimit         int           `yaml:"cache_limit"`
	SnapshotMaxRetries int           `yaml:"snapshot_max_retries"`
	SnapshotDelay      time.Duration `yaml:"snapshot_delay"`
}

type SupervisorConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	MaxElapsedTime      time.Duration `yaml:"max_elapsed_time"`
	UpdateBuffer        int           `yaml:"update_buffer"`
}

// ExchangeConfig holds per-exchange endpoints and overrides. Zero valued
// override fields inherit the global section.
type ExchangeConfig struct {
	Enabled      bool            `yaml:"enabled"`
	WsURL        string          `yaml:"ws_url"`
	RestURL      string          `yaml:"rest_url"`
	Channel      string          `yaml:"channel"`
	UserAgent    string          `yaml:"user_agent"`
	Symbols      []string        `yaml:"symbols"`
	Throttle     ThrottleConfig  `yaml:"throttle"`
	RestThrottle ThrottleConfig  `yaml:"rest_throttle"`
	OrderBook    OrderBookConfig `yaml:"orderbook"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	ArchiveInterval time.Duration `yaml:"archive_interval"`
	ArchiveDepth    int           `yaml:"archive_depth"`
	ArchiveBuffer   int           `yaml:"archive_buffer"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// Defaults returns the configuration applied before the YAML file is
// unmarshalled on top of it.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
		Metrics: MetricsConfig{Addr: ":9100"},
		Throttle: ThrottleConfig{
			RateLimit:   2000,
			Capacity:    1,
			MaxCapacity: 1000,
			DefaultCost: 1,
		},
		Connection: ConnectionConfig{
			ConnectTimeout: 10 * time.Second,
			WriteTimeout:   5 * time.Second,
			PingInterval:   20 * time.Second,
			PongTimeout:    60 * time.Second,
		},
		OrderBook: OrderBookConfig{
			NonceMode:          "contiguous",
			TrimPolicy:         "trim_after_checksum",
			CacheLimit:         1000,
			SnapshotMaxRetries: 3,
			SnapshotDelay:      time.Second,
		},
		Supervisor: SupervisorConfig{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         30 * time.Second,
			Multiplier:          2,
			RandomizationFactor: 0.2,
			UpdateBuffer:        64,
		},
		Storage: StorageConfig{S3: S3Config{ArchiveInterval: time.Minute, ArchiveDepth: 20, ArchiveBuffer: 256, Compression: "snappy", FlushInterval: 5 * time.Minute}},
	}
}

// LoadConfig reads path, or the APP_ENV specific file when path is the
// default, applies environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// ThrottleFor merges the exchange's throttle overrides over the global section.
func (c *Config) ThrottleFor(exchange string) ThrottleConfig {
	ex, ok := c.Exchanges[exchange]
	if !ok {
		return c.Throttle
	}
	return mergeThrottle(c.Throttle, ex.Throttle)
}

// RestThrottleFor returns the budget of the exchange's REST snapshot
// requests. Unset fields inherit ThrottleFor.
func (c *Config) RestThrottleFor(exchange string) ThrottleConfig {
	return mergeThrottle(c.ThrottleFor(exchange), c.Exchanges[exchange].RestThrottle)
}

func mergeThrottle(out, o ThrottleConfig) ThrottleConfig {
	if o.RateLimit > 0 {
		out.RateLimit = o.RateLimit
	}
	if o.Capacity > 0 {
		out.Capacity = o.Capacity
	}
	if o.MaxCapacity > 0 {
		out.MaxCapacity = o.MaxCapacity
	}
	if o.RollingWindowSize > 0 {
		out.RollingWindowSize = o.RollingWindowSize
	}
	if o.DefaultCost > 0 {
		out.DefaultCost = o.DefaultCost
	}
	if o.AdmitTimeout > 0 {
		out.AdmitTimeout = o.AdmitTimeout
	}
	return out
}

// OrderBookFor merges the exchange's order book overrides over the global section.
func (c *Config) OrderBookFor(exchange string) OrderBookConfig {
	out := c.OrderBook
	ex, ok := c.Exchanges[exchange]
	if !ok {
		return out
	}
	o := ex.OrderBook
	if o.Depth > 0 {
		out.Depth = o.Depth
	}
	if o.NonceMode != "" {
		out.NonceMode = o.NonceMode
	}
	if o.TrimPolicy != "" {
		out.TrimPolicy = o.TrimPolicy
	}
	if o.Checksum != "" {
		out.Checksum = o.Checksum
	}
	if o.ChecksumDepth > 0 {
		out.ChecksumDepth = o.ChecksumDepth
	}
	if o.CacheLimit > 0 {
		out.CacheLimit = o.CacheLimit
	}
	if o.SnapshotMaxRetries > 0 {
		out.SnapshotMaxRetries = o.SnapshotMaxRetries
	}
	if o.SnapshotDelay > 0 {
		out.SnapshotDelay = o.SnapshotDelay
	}
	return out
}

var (
	nonceModes   = map[string]bool{"contiguous": true, "monotonic": true, "previous": true, "none": true}
	trimPolicies = map[string]bool{"trim_before_checksum": true, "trim_after_checksum": true}
	checksums    = map[string]bool{"": true, "none": true, "crc32_interleaved": true, "crc32_sequential": true}
)

func validateConfig(cfg *Config) error {
	if cfg.Cryptostream.Name == "" {
		return fmt.Errorf("cryptostream.name is required")
	}
	if cfg.Cryptostream.Version == "" {
		return fmt.Errorf("cryptostream.version is required")
	}

	if err := validateThrottle("throttle", cfg.Throttle); err != nil {
		return err
	}
	if cfg.Connection.ConnectTimeout <= 0 {
		return fmt.Errorf("connection.connect_timeout must be greater than 0")
	}
	if cfg.Connection.PingInterval > 0 && cfg.Connection.PongTimeout <= cfg.Connection.PingInterval {
		return fmt.Errorf("connection.pong_timeout must exceed connection.ping_interval")
	}
	if err := validateOrderBook("orderbook", cfg.OrderBook); err != nil {
		return err
	}
	if cfg.Supervisor.Multiplier < 1 {
		return fmt.Errorf("supervisor.multiplier must be at least 1")
	}
	if cfg.Supervisor.UpdateBuffer <= 0 {
		return fmt.Errorf("supervisor.update_buffer must be greater than 0")
	}

	for id := range cfg.Exchanges {
		ex := cfg.Exchanges[id]
		if !ex.Enabled {
			continue
		}
		if ex.WsURL == "" {
			return fmt.Errorf("exchanges.%s.ws_url is required", id)
		}
		if err := validateThrottle("exchanges."+id+".throttle", cfg.ThrottleFor(id)); err != nil {
			return err
		}
		if err := validateOrderBook("exchanges."+id+".orderbook", cfg.OrderBookFor(id)); err != nil {
			return err
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.ArchiveInterval <= 0 {
			return fmt.Errorf("storage.s3.archive_interval must be greater than 0")
		}
	}

	return nil
}

func validateThrottle(section string, t ThrottleConfig) error {
	if t.RateLimit <= 0 {
		return fmt.Errorf("%s.rate_limit must be greater than 0", section)
	}
	if t.Capacity <= 0 {
		return fmt.Errorf("%s.capacity must be greater than 0", section)
	}
	if t.MaxCapacity <= 0 {
		return fmt.Errorf("%s.max_capacity must be greater than 0", section)
	}
	if t.RollingWindowSize < 0 {
		return fmt.Errorf("%s.rolling_window_size must not be negative", section)
	}
	return nil
}

func validateOrderBook(section string, o OrderBookConfig) error {
	if o.Depth < 0 {
		return fmt.Errorf("%s.depth must not be negative", section)
	}
	if !nonceModes[o.NonceMode] {
		return fmt.Errorf("%s.nonce_mode '%s' is invalid", section, o.NonceMode)
	}
	if !trimPolicies[o.TrimPolicy] {
		return fmt.Errorf("%s.trim_policy '%s' is invalid", section, o.TrimPolicy)
	}
	if !checksums[o.Checksum] {
		return fmt.Errorf("%s.checksum '%s' is invalid", section, o.Checksum)
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
