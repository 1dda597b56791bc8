package tagcache

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagredis/db"
	"tagredis/resp"
	"tagredis/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	b     *RedisBackend
	conn  *db.Local
	clock *fakeClock
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	conn, err := db.OpenLocal(db.Config{Now: clock.Now}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	opts.Now = clock.Now
	b, err := New(conn, opts)
	require.NoError(t, err)
	return &env{b: b, conn: conn, clock: clock}
}

func (e *env) do(t *testing.T, a ...any) any {
	t.Helper()
	name, _ := a[0].(string)
	reply, err := e.conn.Do(context.Background(), store.NewCmd(name, a[1:]...))
	require.NoError(t, err)
	switch r := reply.(type) {
	case *resp.IntReply:
		return r.Code
	case *resp.BulkReply:
		if r.Arg == nil {
			return nil
		}
		return string(r.Arg)
	}
	members, err := store.Strings(reply)
	require.NoError(t, err)
	return members
}

func (e *env) members(t *testing.T, key string) []string {
	t.Helper()
	reply, err := e.conn.Do(context.Background(), store.NewCmd("SMEMBERS", key))
	require.NoError(t, err)
	out, err := store.Strings(reply)
	require.NoError(t, err)
	return out
}

func (e *env) save(t *testing.T, id string, data string, lifetime Lifetime, tags ...string) {
	t.Helper()
	require.NoError(t, e.b.Save(context.Background(), []byte(data), id, tags, lifetime))
}

func TestLoadSmallPayloadStoredRaw(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{CompressData: 6, CompressionLib: LibGzip})

	e.save(t, "k1", "hello", Default, "a")

	data, ok, err := e.b.Load(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "hello", e.do(t, "HGET", "k1", "d"))

	_, ok, err = e.b.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadLargePayloadCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdefghij"), 1250) // 25000 bytes

	for _, lib := range []string{LibGzip, LibSnappy, LibZstd} {
		t.Run(lib, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, Options{CompressData: 1, CompressionLib: lib})

			require.NoError(t, e.b.Save(ctx, payload, "big", nil, Default))

			raw, _ := e.do(t, "HGET", "big", "d").(string)
			assert.Equal(t, lib[:2]+Marker, raw[:5])
			assert.Less(t, len(raw), len(payload))

			data, ok, err := e.b.Load(ctx, "big")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, payload, data)
		})
	}
}

func TestSaveFailsOnCompressionError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{CompressData: 42, CompressionLib: LibGzip, CompressThreshold: 10})

	err := e.b.Save(ctx, bytes.Repeat([]byte("x"), 100), "k", []string{"a"}, Default)
	require.ErrorIs(t, err, ErrCompression)
	assert.Equal(t, errors.CodeInternal, errors.GetCode(err))

	assert.Equal(t, int64(0), e.do(t, "EXISTS", "k"))
	assert.Empty(t, e.members(t, SetTags))
}

func TestCompressedTags(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{CompressTags: 1, CompressThreshold: 8})

	e.save(t, "k", "v", Default, "alpha", "beta", "gamma")
	raw, _ := e.do(t, "HGET", "k", "t").(string)
	assert.Equal(t, "sn"+Marker, raw[:5])

	md, ok, err := e.b.Metadata(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, md.Tags)

	removed, err := e.b.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, e.members(t, "beta"))
}

func TestSaveRecordLayout(t *testing.T) {
	e := newEnv(t, Options{Lifetime: 10 * time.Minute})

	e.save(t, "k", "v", Default, "a", "b", "a")
	assert.Equal(t, "a,b", e.do(t, "HGET", "k", "t"))
	assert.Equal(t, "1700000000", e.do(t, "HGET", "k", "m"))
	assert.Equal(t, "0", e.do(t, "HGET", "k", "i"))
	assert.Equal(t, int64(600), e.do(t, "TTL", "k"))

	e.save(t, "inf", "v", Infinite)
	assert.Equal(t, "1", e.do(t, "HGET", "inf", "i"))
	assert.Equal(t, int64(2592000), e.do(t, "TTL", "inf"))

	e.save(t, "zero", "v", For(0))
	assert.Equal(t, "1", e.do(t, "HGET", "zero", "i"))

	e.save(t, "short", "v", For(1500*time.Millisecond))
	assert.Equal(t, int64(2), e.do(t, "TTL", "short"))
}

func TestDefaultLifetimeNegativeIsInfinite(t *testing.T) {
	e := newEnv(t, Options{Lifetime: -1})
	e.save(t, "k", "v", Default)
	assert.Equal(t, "1", e.do(t, "HGET", "k", "i"))
}

func TestSaveUpdatesTagIndexByDiff(t *testing.T) {
	e := newEnv(t, Options{})

	e.save(t, "k1", "v1", Default, "a", "b")
	e.save(t, "k1", "v2", Default, "b", "c")

	assert.NotContains(t, e.members(t, "a"), "k1")
	assert.Contains(t, e.members(t, "b"), "k1")
	assert.Contains(t, e.members(t, "c"), "k1")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, e.members(t, SetTags))
}

func TestSaveValidatesInput(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})

	err := e.b.Save(ctx, []byte("v"), "", nil, Default)
	assert.ErrorIs(t, err, ErrInvalidID)

	err = e.b.Save(ctx, []byte("v"), "k", []string{"a,b"}, Default)
	assert.ErrorIs(t, err, ErrInvalidTag)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))

	err = e.b.Save(ctx, []byte("v"), "k", []string{""}, Default)
	assert.ErrorIs(t, err, ErrInvalidTag)
}

func TestSaveMaintainsIDSet(t *testing.T) {
	e := newEnv(t, Options{NotMatchingTags: true})
	e.save(t, "k1", "v", Default)
	e.save(t, "k2", "v", Default, "a")
	assert.ElementsMatch(t, []string{"k1", "k2"}, e.members(t, SetIDs))

	_, err := e.b.Remove(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, e.members(t, SetIDs))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	e.save(t, "k", "v", Default, "a", "b")

	removed, err := e.b.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(0), e.do(t, "EXISTS", "k"))
	assert.Empty(t, e.members(t, "a"))
	assert.Empty(t, e.members(t, "b"))

	removed, err = e.b.Remove(ctx, "nonexistent")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestTest(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	e.save(t, "k", "v", Default)

	mtime, ok, err := e.b.Test(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Unix(1_700_000_000, 0), mtime)

	_, ok, err = e.b.Test(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})

	e.save(t, "inf", "v", Infinite)
	touched, err := e.b.Touch(ctx, "inf", 60*time.Second)
	require.NoError(t, err)
	assert.False(t, touched)
	assert.Equal(t, int64(2592000), e.do(t, "TTL", "inf"))

	e.save(t, "fin", "v", For(100*time.Second))
	e.clock.Advance(30 * time.Second)
	touched, err = e.b.Touch(ctx, "fin", 60*time.Second)
	require.NoError(t, err)
	assert.True(t, touched)
	assert.Equal(t, int64(130), e.do(t, "TTL", "fin"))

	touched, err = e.b.Touch(ctx, "missing", 60*time.Second)
	require.NoError(t, err)
	assert.False(t, touched)
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})

	e.save(t, "fin", "v", For(time.Minute), "a", "b")
	md, ok, err := e.b.Metadata(ctx, "fin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, md.Tags)
	assert.Equal(t, time.Unix(1_700_000_000, 0), md.Mtime)
	assert.Equal(t, time.Unix(1_700_000_060, 0), md.Expire)
	assert.False(t, md.Infinite)

	e.save(t, "inf", "v", Infinite)
	md, ok, err = e.b.Metadata(ctx, "inf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, md.Infinite)
	assert.True(t, md.Expire.IsZero())
	assert.Empty(t, md.Tags)

	_, ok, err = e.b.Metadata(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIDs(t *testing.T) {
	ctx := context.Background()

	e := newEnv(t, Options{KeyPrefix: "rec:", TagPrefix: "tag:"})
	e.save(t, "k2", "v", Default, "a")
	e.save(t, "k1", "v", Default)
	ids, err := e.b.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, ids)

	// shared empty prefixes: index keys are not ids
	e = newEnv(t, Options{})
	e.save(t, "k1", "v", Default, "a", "b")
	ids, err = e.b.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, ids)

	e = newEnv(t, Options{NotMatchingTags: true})
	e.save(t, "k1", "v", Default, "a")
	ids, err = e.b.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, ids)
}

func TestTagQueries(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{NotMatchingTags: true, KeyPrefix: "rec:"})
	e.save(t, "ab", "v", Default, "a", "b")
	e.save(t, "a", "v", Default, "a")
	e.save(t, "c", "v", Default, "c")
	e.save(t, "none", "v", Default)

	tags, err := e.b.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, tags)

	ids, err := e.b.IDsMatchingTags(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"ab"}, ids)

	ids, err = e.b.IDsMatchingAnyTags(ctx, "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "c"}, ids)

	ids, err = e.b.IDsNotMatchingTags(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "none"}, ids)

	ids, err = e.b.IDsMatchingTags(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIDsNotMatchingTagsDisabled(t *testing.T) {
	e := newEnv(t, Options{})
	_, err := e.b.IDsNotMatchingTags(context.Background(), "a")
	assert.ErrorIs(t, err, ErrFeatureDisabled)
}

func TestCapabilities(t *testing.T) {
	e := newEnv(t, Options{})
	assert.Equal(t, Capabilities{Tags: true, InfiniteLifetime: true, GetList: true}, e.b.Capabilities())

	e = newEnv(t, Options{AutomaticCleaningFactor: 10})
	assert.True(t, e.b.Capabilities().AutomaticCleaning)
}

func TestOptionsValidate(t *testing.T) {
	_, err := New(nil, Options{Lifetime: MaxLifetime + time.Second})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	_, err = New(nil, Options{CompressionLib: "lzf"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	_, err = New(nil, Options{CompressData: -1})
	assert.Error(t, err)
}

// racingConn writes to the watched key inside the first races transactions.
type racingConn struct {
	*db.Local
	races int
}

func (c *racingConn) Watch(ctx context.Context, fn func(tx store.Tx) error, keys ...string) error {
	return c.Local.Watch(ctx, func(tx store.Tx) error {
		if c.races > 0 {
			c.races--
			if _, err := c.Local.Do(ctx, store.NewCmd("HSET", keys[0], "m", 1)); err != nil {
				return err
			}
		}
		return fn(tx)
	}, keys...)
}

type retryCounter struct {
	nopMetrics
	retries int
}

func (m *retryCounter) StrictRetry(string) { m.retries++ }

func TestStrictModeRetries(t *testing.T) {
	ctx := context.Background()
	local, err := db.OpenLocal(db.Config{}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	conn := &racingConn{Local: local, races: 2}
	m := &retryCounter{}
	b, err := New(conn, Options{Strict: true, Metrics: m})
	require.NoError(t, err)

	require.NoError(t, b.Save(ctx, []byte("v"), "k", []string{"a"}, Default))
	assert.Equal(t, 2, m.retries)
	ids, err := b.IDsMatchingTags(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, ids)

	conn.races = 10
	err = b.Save(ctx, []byte("v2"), "k", []string{"b"}, Default)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, errors.CodeConflict, errors.GetCode(err))

	data, _, err := b.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))

	conn.races = 1
	touched, err := b.Touch(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, touched)
}

func TestBoundedStoreKeepsTagIndex(t *testing.T) {
	conn, err := db.OpenLocal(db.Config{MaxBytes: 4096}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	b, err := New(conn, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, []byte("hot"), "hot", []string{"news"}, Default))
	filler := bytes.Repeat([]byte("x"), 200)
	for i := 0; i < 40; i++ {
		_, ok, err := b.Load(ctx, "hot")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, b.Save(ctx, filler, "filler"+strconv.Itoa(i), nil, Default))
	}

	ids, err := b.IDs(ctx)
	require.NoError(t, err)
	assert.Less(t, len(ids), 41, "the bound evicted older records")
	assert.Contains(t, ids, "hot")

	ids, err = b.IDsMatchingTags(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, []string{"hot"}, ids)
	tags, err := b.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"news"}, tags)

	require.NoError(t, b.Clean(ctx, ModeMatchingTag, "news"))
	_, ok, err := b.Load(ctx, "hot")
	require.NoError(t, err)
	assert.False(t, ok, "invalidating the tag removes the record")
}
