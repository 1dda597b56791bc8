package manager

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"

	"tagredis/client"
	"tagredis/db"
	"tagredis/store"
)

// BackendConfig selects the store behind the cache. It is either RedisBackend
// or MemoryBackend.
type BackendConfig interface {
	// Kind names the variant: "redis" or "memory".
	Kind() string
	Validate() error
	open(ctx context.Context, log *slog.Logger) (store.Conn, error)
}

// RedisBackend talks to a Redis server over the network.
type RedisBackend struct {
	// Server is a host name, or a unix socket path starting with "/".
	Server string
	// Port is required unless Server is a socket path.
	Port             int
	ConnectTimeout   time.Duration
	ReadWriteTimeout time.Duration
	DB               int
	Password         string
	Standalone       bool
	PoolSize         int
}

func (RedisBackend) Kind() string { return "redis" }

func (c RedisBackend) Validate() error {
	if c.Server == "" {
		return errors.New(errors.CodeInvalidConfig, "redis 'server' not specified")
	}
	if c.Port == 0 && !strings.HasPrefix(c.Server, "/") {
		return errors.New(errors.CodeInvalidConfig, "redis 'port' not specified")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Newf(errors.CodeInvalidConfig, "redis port %d out of range", c.Port)
	}
	return c.clientOptions().Validate()
}

func (c RedisBackend) clientOptions() client.Options {
	addr := c.Server
	if !strings.HasPrefix(c.Server, "/") {
		addr = net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
	}
	return client.Options{
		Addr:             addr,
		ConnectTimeout:   c.ConnectTimeout,
		ReadWriteTimeout: c.ReadWriteTimeout,
		DB:               c.DB,
		Password:         c.Password,
		PoolSize:         c.PoolSize,
		Standalone:       c.Standalone,
	}
}

func (c RedisBackend) open(ctx context.Context, _ *slog.Logger) (store.Conn, error) {
	return client.New(ctx, c.clientOptions())
}

// MemoryBackend runs the in-process store, optionally persisted to an
// append-only file.
type MemoryBackend struct {
	DB int
	// MaxBytes bounds the database; only records, which carry a TTL, are
	// evicted to honour it.
	MaxBytes   int64
	Policy     string
	AppendFile string
}

func (MemoryBackend) Kind() string { return "memory" }

func (c MemoryBackend) Validate() error {
	if c.DB < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "invalid database index %d", c.DB)
	}
	switch c.Policy {
	case "", "lru", "lfu":
	default:
		return errors.Newf(errors.CodeInvalidConfig, "unknown eviction policy %q", c.Policy)
	}
	if c.MaxBytes < 0 {
		return errors.New(errors.CodeInvalidConfig, "max bytes must not be negative")
	}
	return nil
}

func (c MemoryBackend) open(_ context.Context, log *slog.Logger) (store.Conn, error) {
	conn, err := db.OpenLocal(db.Config{
		MaxBytes:   c.MaxBytes,
		Policy:     c.Policy,
		AppendFile: c.AppendFile,
		Logger:     log,
	}, c.DB)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "open in-process store")
	}
	return conn, nil
}

var (
	_ BackendConfig = RedisBackend{}
	_ BackendConfig = MemoryBackend{}
)
