package config

import (
	"strings"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagredis/manager"
)

type envTestConfig struct {
	Port int `env:"TAGCACHE_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	require.NoError(t, ParseEnv(&cfg))
	assert.Equal(t, 123, cfg.Port)
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("TAGCACHE_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "parse env"))
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestLoadCacheDefaults(t *testing.T) {
	c, err := LoadCache()
	require.NoError(t, err)

	cfg, err := c.Manager()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "CZE_CACHE_", cfg.Prefix)
	assert.Equal(t, time.Hour, cfg.Lifetime)
	assert.Equal(t, 20480, cfg.Cache.CompressThreshold)

	redis, ok := cfg.Backend.(manager.RedisBackend)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", redis.Server)
	assert.Equal(t, 6379, redis.Port)
	assert.Equal(t, 2*time.Second, redis.ConnectTimeout)
}

func TestLoadCacheMemoryBackend(t *testing.T) {
	t.Setenv("TAGCACHE_BACKEND", "memory")
	t.Setenv("TAGCACHE_MEMORY_POLICY", "lfu")
	t.Setenv("TAGCACHE_MEMORY_MAX_BYTES", "1048576")
	t.Setenv("TAGCACHE_NOT_MATCHING_TAGS", "true")
	t.Setenv("TAGCACHE_COMPRESSION_LIB", "zstd")

	c, err := LoadCache()
	require.NoError(t, err)
	cfg, err := c.Manager()
	require.NoError(t, err)

	mem, ok := cfg.Backend.(manager.MemoryBackend)
	require.True(t, ok)
	assert.Equal(t, "lfu", mem.Policy)
	assert.Equal(t, int64(1048576), mem.MaxBytes)
	assert.True(t, cfg.Cache.NotMatchingTags)
	assert.Equal(t, "zstd", cfg.Cache.CompressionLib)
}

func TestUnknownBackend(t *testing.T) {
	t.Setenv("TAGCACHE_BACKEND", "memcached")
	c, err := LoadCache()
	require.NoError(t, err)

	_, err = c.Manager()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}
