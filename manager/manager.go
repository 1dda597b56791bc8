// Package manager is the caller-facing cache API. It namespaces keys and tags
// with a prefix, picks the backend once from configuration and can be switched
// off, in which case every call is an inert miss and no store is contacted.
package manager

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"

	"tagredis/store"
	"tagredis/tagcache"
)

// DefaultPrefix namespaces every key and tag.
const DefaultPrefix = "CZE_CACHE_"

// Config configures a Manager.
type Config struct {
	Enabled bool
	// Prefix defaults to DefaultPrefix; set NoPrefix to store keys verbatim.
	Prefix   string
	NoPrefix bool
	// Lifetime is the default record lifetime when Cache.Lifetime is unset.
	Lifetime time.Duration

	Backend BackendConfig
	Cache   tagcache.Options

	Logger *slog.Logger
	// Rand returns a number in [0, n); it drives automatic cleaning.
	Rand func(n int) int
}

// Manager is safe for concurrent use.
type Manager struct {
	enabled atomic.Bool
	prefix  string
	conn    store.Conn
	backend *tagcache.RedisBackend
	factor  int
	log     *slog.Logger
	rand    func(n int) int
	group   singleflight.Group
}

// New validates cfg and connects the backend. A disabled configuration returns
// an inert manager without connecting.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.IntN
	}
	m := &Manager{
		prefix: cfg.Prefix,
		log:    cfg.Logger,
		rand:   cfg.Rand,
	}
	if m.prefix == "" && !cfg.NoPrefix {
		m.prefix = DefaultPrefix
	}
	if !cfg.Enabled {
		return m, nil
	}

	if cfg.Backend == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "cache backend not configured")
	}
	if err := cfg.Backend.Validate(); err != nil {
		return nil, err
	}
	opts := cfg.Cache
	if opts.Lifetime == 0 {
		opts.Lifetime = cfg.Lifetime
	}
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	conn, err := cfg.Backend.open(ctx, cfg.Logger)
	if err != nil {
		return nil, err
	}
	backend, err := tagcache.New(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	m.conn = conn
	m.backend = backend
	m.factor = opts.AutomaticCleaningFactor
	m.enabled.Store(true)
	m.log.Info("initialized cache backend", "kind", cfg.Backend.Kind(), "prefix", m.prefix)
	return m, nil
}

// Enabled reports whether calls reach the backend.
func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// Disable turns the manager into an inert one. The connection stays open until
// Close.
func (m *Manager) Disable() {
	m.enabled.Store(false)
}

// Backend returns the backend, nil when the manager was built disabled.
func (m *Manager) Backend() tagcache.Backend {
	if m.backend == nil {
		return nil
	}
	return m.backend
}

func (m *Manager) key(key string) string {
	return m.prefix + key
}

func (m *Manager) tags(tags []string) []string {
	out := make([]string, len(tags))
	for i, tag := range tags {
		out[i] = m.prefix + tag
	}
	return out
}

// Load returns the cached bytes for key.
func (m *Manager) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if !m.Enabled() {
		return nil, false, nil
	}
	return m.backend.Load(ctx, m.key(key))
}

// Save stores data under key without tags.
func (m *Manager) Save(ctx context.Context, key string, data []byte, lifetime tagcache.Lifetime) error {
	return m.SaveTagged(ctx, key, data, nil, lifetime)
}

// SaveTagged stores data under key with tags.
func (m *Manager) SaveTagged(ctx context.Context, key string, data []byte, tags []string, lifetime tagcache.Lifetime) error {
	if !m.Enabled() {
		return nil
	}
	if err := m.backend.Save(ctx, data, m.key(key), m.tags(tags), lifetime); err != nil {
		return err
	}
	m.log.Info("saved key", "key", key, "size", len(data), "lifetime", lifetime.String(), "tags", tags)
	m.autoClean(ctx)
	return nil
}

// autoClean runs a garbage collection pass on one write in factor.
func (m *Manager) autoClean(ctx context.Context) {
	if m.factor <= 0 || m.rand(m.factor) != 0 {
		return
	}
	if err := m.backend.Clean(ctx, tagcache.ModeOld); err != nil {
		m.log.Warn("automatic cleaning failed", "error", err)
	}
}

// Remove deletes key and reports whether it existed.
func (m *Manager) Remove(ctx context.Context, key string) (bool, error) {
	if !m.Enabled() {
		return false, nil
	}
	removed, err := m.backend.Remove(ctx, m.key(key))
	if err != nil {
		return false, err
	}
	m.log.Info("removed key", "key", key, "removed", removed)
	return removed, nil
}

// Exists reports whether key is cached.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	if !m.Enabled() {
		return false, nil
	}
	_, ok, err := m.backend.Test(ctx, m.key(key))
	return ok, err
}

// Flush drops everything in the backend's database.
func (m *Manager) Flush(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	return m.backend.Clean(ctx, tagcache.ModeAll)
}

// FlushTags removes every record carrying any of tags.
func (m *Manager) FlushTags(ctx context.Context, tags ...string) error {
	if !m.Enabled() {
		return nil
	}
	return m.backend.Clean(ctx, tagcache.ModeMatchingAnyTag, m.tags(tags)...)
}

// Clean runs a backend clean with tags namespaced by the prefix.
func (m *Manager) Clean(ctx context.Context, mode tagcache.Mode, tags ...string) error {
	if !m.Enabled() {
		return nil
	}
	return m.backend.Clean(ctx, mode, m.tags(tags)...)
}

// Prefix returns the namespace applied to keys and tags.
func (m *Manager) Prefix() string {
	return m.prefix
}

// Collect runs a garbage collection pass over the tag index.
func (m *Manager) Collect(ctx context.Context) (tagcache.GCReport, error) {
	if !m.Enabled() {
		return tagcache.GCReport{}, nil
	}
	return m.backend.CollectGarbage(ctx)
}

// GetOrLoad returns the cached value for key or fills it from loader.
// Concurrent misses on one key share a single loader call.
func (m *Manager) GetOrLoad(ctx context.Context, key string, lifetime tagcache.Lifetime, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if !m.Enabled() {
		return loader(ctx)
	}
	if data, ok, err := m.Load(ctx, key); err != nil || ok {
		return data, err
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		if data, ok, err := m.Load(ctx, key); err != nil || ok {
			return data, err
		}
		data, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.Save(ctx, key, data, lifetime); err != nil {
			m.log.Warn("cache fill failed", "key", key, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Close releases the store connection.
func (m *Manager) Close() error {
	m.Disable()
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
