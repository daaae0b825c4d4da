package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultQueryPack is the query pack results are recorded under when
	// the collector has no per-archive pack information.
	DefaultQueryPack = "codeql-all"

	// DefaultMaxDatabases bounds a collection run when no explicit limit
	// is configured.
	DefaultMaxDatabases = 1000

	// DefaultConcurrency is the collector worker pool size.
	DefaultConcurrency = 4

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultStorePath is the default metadata store location, relative
	// to the archive store directory.
	DefaultStorePath = "metadata.sql"

	// envPrefix is the prefix for environment variable overrides,
	// e.g. HEPC_SERVER_LISTEN overrides server.listen.
	envPrefix = "HEPC"
)

// Config is the root configuration for hepc.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Collector CollectorConfig `yaml:"collector" mapstructure:"collector"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Storage   StorageConfig   `yaml:"storage,omitempty" mapstructure:"storage"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// CollectorConfig configures the database archive collector.
type CollectorConfig struct {
	SourceRoot   string `yaml:"source_root" mapstructure:"source_root"`
	StoreDir     string `yaml:"store_dir" mapstructure:"store_dir"`
	MaxDatabases int    `yaml:"max_databases" mapstructure:"max_databases"`
	QueryPack    string `yaml:"query_pack,omitempty" mapstructure:"query_pack"`
	Concurrency  int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	ToolName     string `yaml:"tool_name,omitempty" mapstructure:"tool_name"`
	ToolVersion  string `yaml:"tool_version,omitempty" mapstructure:"tool_version"`

	// Interval enables periodic background collection inside the server
	// when non-empty (e.g. "15m"). One-shot `hepc collect` ignores it.
	Interval string `yaml:"interval,omitempty" mapstructure:"interval"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	BaseURL     string          `yaml:"base_url" mapstructure:"base_url"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains metadata store connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// StorageConfig selects the archive read backend for the serving layer.
// Local serving from the collector's store directory is the default;
// an S3 backend may be enabled instead.
type StorageConfig struct {
	S3 *S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3Config contains S3-compatible storage settings for archive downloads.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	KeyPrefix       string `yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load reads a configuration file and applies HEPC_* environment
// variable overrides (HEPC_SERVER_LISTEN overrides server.listen).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Collector.QueryPack == "" {
		c.Collector.QueryPack = DefaultQueryPack
	}

	if c.Collector.MaxDatabases == 0 {
		c.Collector.MaxDatabases = DefaultMaxDatabases
	}

	if c.Collector.Concurrency <= 0 {
		c.Collector.Concurrency = DefaultConcurrency
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" &&
		c.Collector.StoreDir != "" {
		c.Database.SQLite.Path =
			c.Collector.StoreDir + "/" + DefaultStorePath
	}
}

// ValidateCollector checks the collector configuration. The source root
// must be an existing directory and the admission bound must be positive.
func (c *Config) ValidateCollector() error {
	if c.Collector.SourceRoot == "" {
		return fmt.Errorf("collector.source_root is required")
	}

	info, err := os.Stat(c.Collector.SourceRoot)
	if err != nil {
		return fmt.Errorf(
			"collector.source_root %q: %w", c.Collector.SourceRoot, err,
		)
	}

	if !info.IsDir() {
		return fmt.Errorf(
			"collector.source_root %q is not a directory",
			c.Collector.SourceRoot,
		)
	}

	if c.Collector.StoreDir == "" {
		return fmt.Errorf("collector.store_dir is required")
	}

	if c.Collector.MaxDatabases <= 0 {
		return fmt.Errorf(
			"collector.max_databases must be positive, got %d",
			c.Collector.MaxDatabases,
		)
	}

	return nil
}

// ValidateServer checks the serving configuration. The base URL is the
// endpoint identity new result_url values are generated with, so it must
// be a valid absolute URL.
func (c *Config) ValidateServer() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("server.base_url %q is not an absolute URL",
			c.Server.BaseURL)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s",
			c.Database.Driver)
	}

	if c.Storage.S3 != nil && c.Storage.S3.Enabled &&
		c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
	}

	return nil
}
