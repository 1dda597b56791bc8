// Package config loads runtime configuration from TAGCACHE_* environment
// variables.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"

	"tagredis/manager"
	"tagredis/tagcache"
)

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "parse env")
	}
	return nil
}

// Cache is the environment form of a manager configuration.
type Cache struct {
	Enabled  bool          `env:"TAGCACHE_ENABLED" envDefault:"true"`
	Prefix   string        `env:"TAGCACHE_PREFIX" envDefault:"CZE_CACHE_"`
	Lifetime time.Duration `env:"TAGCACHE_LIFETIME" envDefault:"1h"`
	Backend  string        `env:"TAGCACHE_BACKEND" envDefault:"redis"`

	Redis  Redis  `envPrefix:"TAGCACHE_REDIS_"`
	Memory Memory `envPrefix:"TAGCACHE_MEMORY_"`

	NotMatchingTags         bool   `env:"TAGCACHE_NOT_MATCHING_TAGS"`
	CompressData            int    `env:"TAGCACHE_COMPRESS_DATA"`
	CompressTags            int    `env:"TAGCACHE_COMPRESS_TAGS"`
	CompressThreshold       int    `env:"TAGCACHE_COMPRESS_THRESHOLD" envDefault:"20480"`
	CompressionLib          string `env:"TAGCACHE_COMPRESSION_LIB"`
	AutomaticCleaningFactor int    `env:"TAGCACHE_AUTOMATIC_CLEANING_FACTOR"`
	Strict                  bool   `env:"TAGCACHE_STRICT"`
	StrictRetries           int    `env:"TAGCACHE_STRICT_RETRIES" envDefault:"3"`
}

// Redis holds the TAGCACHE_REDIS_* variables.
type Redis struct {
	Server           string        `env:"SERVER" envDefault:"127.0.0.1"`
	Port             int           `env:"PORT" envDefault:"6379"`
	ConnectTimeout   time.Duration `env:"TIMEOUT" envDefault:"2s"`
	ReadWriteTimeout time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	DB               int           `env:"DB"`
	Password         string        `env:"PASSWORD"`
	Standalone       bool          `env:"FORCE_STANDALONE"`
	PoolSize         int           `env:"POOL_SIZE" envDefault:"4"`
}

// Memory holds the TAGCACHE_MEMORY_* variables.
type Memory struct {
	DB         int    `env:"DB"`
	MaxBytes   int64  `env:"MAX_BYTES"`
	Policy     string `env:"POLICY" envDefault:"lru"`
	AppendFile string `env:"APPEND_FILE"`
}

// LoadCache parses the environment into a Cache.
func LoadCache() (Cache, error) {
	var c Cache
	if err := ParseEnv(&c); err != nil {
		return Cache{}, err
	}
	return c, nil
}

// Manager converts c into a manager configuration. An unknown backend kind is
// a configuration error.
func (c Cache) Manager() (manager.Config, error) {
	cfg := manager.Config{
		Enabled:  c.Enabled,
		Prefix:   c.Prefix,
		NoPrefix: c.Prefix == "",
		Lifetime: c.Lifetime,
		Cache: tagcache.Options{
			NotMatchingTags:         c.NotMatchingTags,
			CompressData:            c.CompressData,
			CompressTags:            c.CompressTags,
			CompressThreshold:       c.CompressThreshold,
			CompressionLib:          c.CompressionLib,
			AutomaticCleaningFactor: c.AutomaticCleaningFactor,
			Strict:                  c.Strict,
			StrictRetries:           c.StrictRetries,
		},
	}
	switch c.Backend {
	case "redis":
		cfg.Backend = manager.RedisBackend{
			Server:           c.Redis.Server,
			Port:             c.Redis.Port,
			ConnectTimeout:   c.Redis.ConnectTimeout,
			ReadWriteTimeout: c.Redis.ReadWriteTimeout,
			DB:               c.Redis.DB,
			Password:         c.Redis.Password,
			Standalone:       c.Redis.Standalone,
			PoolSize:         c.Redis.PoolSize,
		}
	case "memory":
		cfg.Backend = manager.MemoryBackend{
			DB:         c.Memory.DB,
			MaxBytes:   c.Memory.MaxBytes,
			Policy:     c.Memory.Policy,
			AppendFile: c.Memory.AppendFile,
		}
	default:
		return manager.Config{}, errors.Newf(errors.CodeInvalidConfig, "backend not found or not supported: %q", c.Backend)
	}
	return cfg, nil
}
