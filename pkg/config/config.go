package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/hotload/pkg/observability"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// as well as bare nanosecond integers.
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration: %s", value.Value)
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// RepositoryType selects the backing store.
type RepositoryType string

const (
	RepositoryPath RepositoryType = "path"
	RepositoryJar  RepositoryType = "jar"
	RepositorySQL  RepositoryType = "sql"
	RepositoryS3   RepositoryType = "s3"
)

// Config is the daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// WorkDir hosts compile scratch space and fetched archives.
	WorkDir string `yaml:"work_dir"`
	// AppPackageFilters selects the platform packages exposed to modules.
	AppPackageFilters []string `yaml:"app_package_filters"`

	Repository    RepositoryConfig            `yaml:"repository"`
	Poller        PollerConfig                `yaml:"poller"`
	Server        ServerConfig                `yaml:"server"`
	Observability observability.OTelConfig    `yaml:"observability"`
}

// RepositoryConfig configures the archive repository.
type RepositoryConfig struct {
	Type RepositoryType `yaml:"type"`
	ID   string         `yaml:"id"`

	// Root backs the path and jar repositories.
	Root string `yaml:"root"`

	// SQL repository settings.
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	TableName      string `yaml:"table_name"`
	ShardCount     int    `yaml:"shard_count"`
	FetchBatchSize int    `yaml:"fetch_batch_size"`

	// S3 repository settings.
	S3 S3Config `yaml:"s3"`

	// Cache decorates the repository views with Redis when enabled.
	Cache CacheConfig `yaml:"cache"`
}

// S3Config configures the S3 repository.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// CacheConfig configures the Redis view cache.
type CacheConfig struct {
	Enabled  bool     `yaml:"enabled"`
	RedisURL string   `yaml:"redis_url"`
	TTL      Duration `yaml:"ttl"`
}

// PollerConfig configures repository polling.
type PollerConfig struct {
	Interval           Duration `yaml:"interval"`
	WaitForInitialPoll bool     `yaml:"wait_for_initial_poll"`
}

// ServerConfig configures the metrics/health listener.
type ServerConfig struct {
	HealthAddr string `yaml:"health_addr"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		WorkDir:  "/tmp/hotload",
		Repository: RepositoryConfig{
			Type:           RepositoryPath,
			ID:             "default",
			Root:           "/tmp/hotload/repo",
			TableName:      "script_repo",
			ShardCount:     10,
			FetchBatchSize: 10,
		},
		Poller: PollerConfig{
			Interval:           Duration(30 * time.Second),
			WaitForInitialPoll: true,
		},
		Server: ServerConfig{
			HealthAddr: ":9090",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getEnv("HOTLOAD_LOG_LEVEL", cfg.LogLevel)
	cfg.WorkDir = getEnv("HOTLOAD_WORK_DIR", cfg.WorkDir)

	cfg.Repository.Type = RepositoryType(getEnv("HOTLOAD_REPOSITORY_TYPE", string(cfg.Repository.Type)))
	cfg.Repository.ID = getEnv("HOTLOAD_REPOSITORY_ID", cfg.Repository.ID)
	cfg.Repository.Root = getEnv("HOTLOAD_REPOSITORY_ROOT", cfg.Repository.Root)
	cfg.Repository.Driver = getEnv("HOTLOAD_SQL_DRIVER", cfg.Repository.Driver)
	cfg.Repository.DSN = getEnv("HOTLOAD_SQL_DSN", cfg.Repository.DSN)
	cfg.Repository.TableName = getEnv("HOTLOAD_SQL_TABLE", cfg.Repository.TableName)
	cfg.Repository.ShardCount = getEnvInt("HOTLOAD_SQL_SHARD_COUNT", cfg.Repository.ShardCount)
	cfg.Repository.FetchBatchSize = getEnvInt("HOTLOAD_SQL_FETCH_BATCH_SIZE", cfg.Repository.FetchBatchSize)

	cfg.Repository.S3.Endpoint = getEnv("HOTLOAD_S3_ENDPOINT", cfg.Repository.S3.Endpoint)
	cfg.Repository.S3.Region = getEnv("HOTLOAD_S3_REGION", cfg.Repository.S3.Region)
	cfg.Repository.S3.Bucket = getEnv("HOTLOAD_S3_BUCKET", cfg.Repository.S3.Bucket)
	cfg.Repository.S3.Prefix = getEnv("HOTLOAD_S3_PREFIX", cfg.Repository.S3.Prefix)
	cfg.Repository.S3.AccessKey = getEnv("HOTLOAD_S3_ACCESS_KEY", cfg.Repository.S3.AccessKey)
	cfg.Repository.S3.SecretKey = getEnv("HOTLOAD_S3_SECRET_KEY", cfg.Repository.S3.SecretKey)

	cfg.Repository.Cache.RedisURL = getEnv("HOTLOAD_REDIS_URL", cfg.Repository.Cache.RedisURL)
	if cfg.Repository.Cache.RedisURL != "" {
		cfg.Repository.Cache.Enabled = true
	}

	cfg.Poller.Interval = Duration(getEnvDuration("HOTLOAD_POLL_INTERVAL", cfg.Poller.Interval.Std()))
	cfg.Server.HealthAddr = getEnv("HOTLOAD_HEALTH_ADDR", cfg.Server.HealthAddr)

	cfg.Observability.Endpoint = getEnv("HOTLOAD_OTEL_ENDPOINT", cfg.Observability.Endpoint)
	if cfg.Observability.Endpoint != "" {
		cfg.Observability.Enabled = true
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "hotload"
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Repository.Type {
	case RepositoryPath, RepositoryJar:
		if c.Repository.Root == "" {
			return fmt.Errorf("repository type %q requires root", c.Repository.Type)
		}
	case RepositorySQL:
		if c.Repository.Driver == "" || c.Repository.DSN == "" {
			return fmt.Errorf("sql repository requires driver and dsn")
		}
	case RepositoryS3:
		if c.Repository.S3.Bucket == "" {
			return fmt.Errorf("s3 repository requires bucket")
		}
	default:
		return fmt.Errorf("unknown repository type %q", c.Repository.Type)
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller interval must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
