// Package config loads the canonical configuration surface from spec.md §6:
// database selection, cache, collection windows, and resilience tuning.
// Structured the way the teacher repo's config/config.go nests its YAML
// config, with secrets layered in from the environment via godotenv.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseType selects the Storage Driver backend (spec.md §4.5/§6).
type DatabaseType string

const (
	DatabaseRelational   DatabaseType = "relational"
	DatabaseEmbeddedFile DatabaseType = "embedded_file"
	DatabaseCloudDoc     DatabaseType = "cloud_doc"
)

type Config struct {
	DatabaseType DatabaseType   `yaml:"database_type"`
	Database     DatabaseConfig `yaml:"database"`
	Embedded     EmbeddedConfig `yaml:"embedded"`
	Cloud        CloudConfig    `yaml:"cloud"`
	Cache        CacheConfig    `yaml:"cache"`
	Collection   CollectionConfig `yaml:"collection"`
	Resilience   ResilienceConfig `yaml:"resilience"`
	Exchange     ExchangeConfig `yaml:"exchange"`
	Logging      LoggingConfig  `yaml:"logging"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type EmbeddedConfig struct {
	Path string `yaml:"path"`
}

type CloudConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
	URL             string `yaml:"url"` // interpreted as "bucket[/prefix]" for the S3-backed CLOUD_DOC driver
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type CacheConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type CollectionConfig struct {
	Symbols          []string      `yaml:"symbols"`
	Timeframes       []string      `yaml:"timeframes"`
	OIPeriods        []string      `yaml:"oi_periods"`
	RatioPeriods     []string      `yaml:"ratio_periods"`
	OrderBookDepth   int           `yaml:"order_book_depth"`
	HistoricalDays   int           `yaml:"historical_days"`
	BatchSize        int           `yaml:"batch_size"`
	WSBatchSize      int           `yaml:"ws_batch_size"`
	WSBatchInterval  time.Duration `yaml:"ws_batch_interval"`
	ConcurrencyLimit int           `yaml:"concurrency_limit"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type ExchangeConfig struct {
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age_days"`
}

// Load reads .env (if present) then the YAML config at path, applying
// environment overrides for secrets the way main.go's godotenv.Load() +
// config.LoadConfig() sequence does in the teacher repo.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := os.Getenv("CLOUD_CREDENTIALS_PATH"); v != "" {
		cfg.Cloud.CredentialsPath = v
	}
}

func (c *Config) applyDefaults() {
	if c.DatabaseType == "" {
		c.DatabaseType = DatabaseEmbeddedFile
	}
	if c.Collection.BatchSize <= 0 {
		c.Collection.BatchSize = 1000
	}
	if c.Collection.WSBatchSize <= 0 {
		c.Collection.WSBatchSize = 10
	}
	if c.Collection.WSBatchInterval <= 0 {
		c.Collection.WSBatchInterval = 100 * time.Millisecond
	}
	if len(c.Collection.OIPeriods) == 0 {
		c.Collection.OIPeriods = []string{"5m"}
	}
	if len(c.Collection.RatioPeriods) == 0 {
		c.Collection.RatioPeriods = c.Collection.OIPeriods
	}
	if c.Collection.OrderBookDepth <= 0 {
		c.Collection.OrderBookDepth = 20
	}
	if c.Resilience.Retry.MaxRetries <= 0 {
		c.Resilience.Retry.MaxRetries = 3
	}
	if c.Resilience.Retry.InitialDelay <= 0 {
		c.Resilience.Retry.InitialDelay = time.Second
	}
	if c.Resilience.Retry.MaxDelay <= 0 {
		c.Resilience.Retry.MaxDelay = 60 * time.Second
	}
	if c.Resilience.Breaker.FailureThreshold <= 0 {
		c.Resilience.Breaker.FailureThreshold = 10
	}
	if c.Resilience.Breaker.RecoveryTimeout <= 0 {
		c.Resilience.Breaker.RecoveryTimeout = 120 * time.Second
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://fapi.binance.com"
	}
	if c.Exchange.StreamURL == "" {
		c.Exchange.StreamURL = "wss://fstream.binance.com/stream"
	}
}

// Validate reports a KindConfig-class fatal error (spec.md §7) for an
// unusable configuration.
func (c *Config) Validate() error {
	switch c.DatabaseType {
	case DatabaseRelational:
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("config: database.host and database.database are required for database_type=relational")
		}
	case DatabaseEmbeddedFile:
		if c.Embedded.Path == "" {
			return fmt.Errorf("config: embedded.path is required for database_type=embedded_file")
		}
	case DatabaseCloudDoc:
		if c.Cloud.URL == "" {
			return fmt.Errorf("config: cloud.url is required for database_type=cloud_doc")
		}
	default:
		return fmt.Errorf("config: unsupported database_type %q", c.DatabaseType)
	}

	if len(c.Collection.Symbols) == 0 {
		return fmt.Errorf("config: collection.symbols must not be empty")
	}
	return nil
}

// NormalizeSymbol converts "SOL/USDT" style canonical symbols into the
// exchange's concatenated form ("SOLUSDT"), the normalization spec.md §4.4
// requires to happen inside the Exchange Client layer, its only caller.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// CanonicalSymbol is the inverse best-effort mapping, used for display:
// it turns an exchange-concatenated symbol back into "BASE/QUOTE" form.
func CanonicalSymbol(exchangeSymbol, quote string) string {
	exchangeSymbol = strings.ToUpper(exchangeSymbol)
	quote = strings.ToUpper(quote)
	if quote != "" && strings.HasSuffix(exchangeSymbol, quote) {
		base := strings.TrimSuffix(exchangeSymbol, quote)
		return base + "/" + quote
	}
	return exchangeSymbol
}
