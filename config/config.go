package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cryptolink CryptolinkConfig `yaml:"cryptolink"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Reader     ReaderConfig     `yaml:"reader"`
	Source     SourceConfig     `yaml:"source"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type CryptolinkConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type ChannelsConfig struct {
	Buffer int `yaml:"buffer"`
}

// ReaderConfig holds the timing knobs shared by every stream.
type ReaderConfig struct {
	Timeout         time.Duration   `yaml:"timeout"`
	MessageTimeout  time.Duration   `yaml:"message_timeout"`
	PingTimeout     time.Duration   `yaml:"ping_timeout"`
	Backoff         time.Duration   `yaml:"backoff"`
	SnapshotBackoff time.Duration   `yaml:"snapshot_backoff"`
	UserAgent       string          `yaml:"user_agent"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Bitglobal BitglobalSourceConfig `yaml:"bitglobal"`
	Binance   BinanceSourceConfig   `yaml:"binance"`
}

type SnapshotConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Limit     int           `yaml:"limit"`
	PairDelay time.Duration `yaml:"pair_delay"`
}

type StreamConfig struct {
	Enabled bool `yaml:"enabled"`
}

type UserStreamConfig struct {
	Enabled         bool `yaml:"enabled"`
	FatalAuthErrors bool `yaml:"fatal_auth_errors"`
}

type BitglobalSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	RestURL        string               `yaml:"rest_url"`
	WSURL          string               `yaml:"ws_url"`
	LocalIP        string               `yaml:"local_ip"`
	TradingPairs   []string             `yaml:"trading_pairs"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Snapshots      SnapshotConfig       `yaml:"snapshots"`
	Trades         StreamConfig         `yaml:"trades"`
	Diffs          StreamConfig         `yaml:"diffs"`
	User           UserStreamConfig     `yaml:"user"`

	// Credentials are only read from the environment.
	APIKey    string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

type BinanceSourceConfig struct {
	Enabled      bool             `yaml:"enabled"`
	RestURL      string           `yaml:"rest_url"`
	WSURL        string           `yaml:"ws_url"`
	LocalIP      string           `yaml:"local_ip"`
	TradingPairs []string         `yaml:"trading_pairs"`
	Snapshots    SnapshotConfig   `yaml:"snapshots"`
	Trades       StreamConfig     `yaml:"trades"`
	Diffs        StreamConfig     `yaml:"diffs"`
	User         UserStreamConfig `yaml:"user"`

	APIKey    string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const (
	DefaultBitglobalRestURL = "https://global-openapi.bithumb.pro/openapi/v1"
	DefaultBitglobalWSURL   = "wss://global-api.bithumb.pro/message/realtime"
	DefaultBinanceRestURL   = "https://api.binance.com"
	DefaultBinanceWSURL     = "wss://stream.binance.com:9443/ws"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Source: SourceConfig{
			Bitglobal: BitglobalSourceConfig{
				Enabled:   true,
				Snapshots: SnapshotConfig{Enabled: true},
				Trades:    StreamConfig{Enabled: true},
				Diffs:     StreamConfig{Enabled: true},
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BITGLOBAL_API_KEY"); v != "" {
		cfg.Source.Bitglobal.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BITGLOBAL_API_SECRET"); v != "" {
		cfg.Source.Bitglobal.SecretKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Source.Binance.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Source.Binance.SecretKey = strings.TrimSpace(v)
	}

	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

// applyDefaults fills the zero values with the exchange defaults.
func applyDefaults(cfg *Config) {
	r := &cfg.Reader
	if r.Timeout <= 0 {
		r.Timeout = 10 * time.Second
	}
	if r.MessageTimeout <= 0 {
		r.MessageTimeout = 30 * time.Second
	}
	if r.PingTimeout <= 0 {
		r.PingTimeout = 10 * time.Second
	}
	if r.Backoff <= 0 {
		r.Backoff = 30 * time.Second
	}
	if r.SnapshotBackoff <= 0 {
		r.SnapshotBackoff = 5 * time.Second
	}
	if r.UserAgent == "" {
		r.UserAgent = "cryptolink"
	}
	if r.RateLimit.RequestsPerSecond <= 0 {
		r.RateLimit.RequestsPerSecond = 5
	}
	if r.RateLimit.BurstSize <= 0 {
		r.RateLimit.BurstSize = 1
	}

	bg := &cfg.Source.Bitglobal
	if bg.RestURL == "" {
		bg.RestURL = DefaultBitglobalRestURL
	}
	if bg.WSURL == "" {
		bg.WSURL = DefaultBitglobalWSURL
	}
	if bg.Snapshots.Limit <= 0 {
		bg.Snapshots.Limit = 1000
	}
	if bg.Snapshots.PairDelay <= 0 {
		bg.Snapshots.PairDelay = 5 * time.Second
	}

	bn := &cfg.Source.Binance
	if bn.RestURL == "" {
		bn.RestURL = DefaultBinanceRestURL
	}
	if bn.WSURL == "" {
		bn.WSURL = DefaultBinanceWSURL
	}
	if bn.Snapshots.Limit <= 0 {
		bn.Snapshots.Limit = 1000
	}
	if bn.Snapshots.PairDelay <= 0 {
		bn.Snapshots.PairDelay = 5 * time.Second
	}

	if cfg.Channels.Buffer <= 0 {
		cfg.Channels.Buffer = 1024
	}
	if cfg.Writer.BatchSize <= 0 {
		cfg.Writer.BatchSize = 500
	}
	if cfg.Writer.FlushInterval <= 0 {
		cfg.Writer.FlushInterval = time.Minute
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "0.0.0.0:2112"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Cryptolink.Name == "" {
		return fmt.Errorf("cryptolink.name is required")
	}
	if cfg.Cryptolink.Version == "" {
		return fmt.Errorf("cryptolink.version is required")
	}

	bg := cfg.Source.Bitglobal
	if bg.Enabled {
		if len(bg.TradingPairs) == 0 {
			return fmt.Errorf("source.bitglobal.trading_pairs must not be empty")
		}
		if bg.User.Enabled && (bg.APIKey == "" || bg.SecretKey == "") {
			return fmt.Errorf("BITGLOBAL_API_KEY and BITGLOBAL_API_SECRET are required when source.bitglobal.user is enabled")
		}
	}

	bn := cfg.Source.Binance
	if bn.Enabled {
		if len(bn.TradingPairs) == 0 {
			return fmt.Errorf("source.binance.trading_pairs must not be empty")
		}
		if bn.User.Enabled && (bn.APIKey == "" || bn.SecretKey == "") {
			return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required when source.binance.user is enabled")
		}
	}

	if !bg.Enabled && !bn.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
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
