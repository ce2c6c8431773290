// Package config loads engine configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	ItemStore ItemStoreConfig `mapstructure:"item_store"`
	Staging   StagingConfig   `mapstructure:"staging"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Ops       OpsConfig       `mapstructure:"ops"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Pretty enables human-readable console output.
	Pretty bool `mapstructure:"pretty"`
}

// ItemStoreConfig selects and configures the item catalog backend.
type ItemStoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`

	// Path is the database file for the sqlite driver.
	Path string `mapstructure:"path"`

	// DSN is the connection string for the postgres driver.
	DSN string `mapstructure:"dsn"`
}

// StagingConfig configures the local content-addressed staging store.
type StagingConfig struct {
	DataDir string `mapstructure:"data_dir"`
	TempDir string `mapstructure:"temp_dir"`

	// HashMethod is the chunk hash method: sha256 or blake2b.
	HashMethod string `mapstructure:"hash_method"`
}

// RedisConfig configures the optional redis cache and run lock.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PipelineConfig holds the engine knobs.
type PipelineConfig struct {
	// ChunkSize is the fixed chunk size for backup runs; must be > 0.
	ChunkSize uint64 `mapstructure:"chunk_size"`

	// ItemPageSize bounds item-table pages.
	ItemPageSize uint64 `mapstructure:"item_page_size"`

	// ChunkPageSize bounds missing-chunk pages during negotiation.
	ChunkPageSize uint64 `mapstructure:"chunk_page_size"`
}

// OpsConfig configures the operational HTTP surface.
type OpsConfig struct {
	// Addr is the listen address for /health and /metrics; empty
	// disables the server.
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from an optional file path plus NDNSYNC_*
// environment variables, applying defaults first.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("item_store.driver", "sqlite")
	v.SetDefault("item_store.path", "ndn-sync.db")
	v.SetDefault("staging.data_dir", "staging/data")
	v.SetDefault("staging.temp_dir", "staging/tmp")
	v.SetDefault("staging.hash_method", "sha256")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("pipeline.chunk_size", 4*1024*1024)
	v.SetDefault("pipeline.item_page_size", 64)
	v.SetDefault("pipeline.chunk_page_size", 16)
	v.SetDefault("ops.addr", "")

	v.SetEnvPrefix("NDNSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.ChunkSize == 0 {
		return fmt.Errorf("pipeline.chunk_size must be > 0")
	}
	switch c.ItemStore.Driver {
	case "sqlite":
		if c.ItemStore.Path == "" {
			return fmt.Errorf("item_store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.ItemStore.DSN == "" {
			return fmt.Errorf("item_store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown item_store.driver %q", c.ItemStore.Driver)
	}
	return nil
}
