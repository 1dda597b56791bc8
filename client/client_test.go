package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagredis/db"
	"tagredis/resp"
	"tagredis/server"
	"tagredis/store"
)

func startServer(t *testing.T, cfg server.Config) string {
	t.Helper()
	st, err := db.New(db.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := server.New(cfg, st)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv.Addr().String()
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDoAndPipeline(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, Options{Addr: startServer(t, server.Config{})})

	reply, err := c.Do(ctx, store.NewCmd("HSET", "r", "d", "data", "m", 1700000000))
	require.NoError(t, err)
	n, err := store.Int(reply)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = c.Do(ctx, store.NewCmd("SADD", "r", "x"))
	var e *resp.ErrorReply
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "WRONGTYPE", e.Prefix())

	replies, err := c.Pipeline(ctx,
		store.NewCmd("HGET", "r", "d"),
		store.NewCmd("HGET", "r", "missing"),
		store.NewCmd("NOPE"),
	)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	b, ok, err := store.Bytes(replies[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "data", string(b))
	_, ok, err = store.Bytes(replies[1])
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, resp.IsError(replies[2]))

	// the connection is still in sync after an error reply
	reply, err = c.Do(ctx, store.NewCmd("PING"))
	require.NoError(t, err)
	assert.Equal(t, resp.PongReply, reply)
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, Options{Addr: startServer(t, server.Config{})})

	replies, err := c.Multi(ctx,
		store.NewCmd("SADD", "s", "a", "b"),
		store.NewCmd("EXPIRE", "s", 100),
		store.NewCmd("SMEMBERS", "s"),
	)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	members, err := store.Strings(replies[2])
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	_, err = c.Multi(ctx, store.NewCmd("HSET", "h"))
	var e *resp.ErrorReply
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "EXECABORT", e.Prefix())

	replies, err = c.Multi(ctx, store.NewCmd("HSET", "s", "f", "v"), store.NewCmd("SCARD", "s"))
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "WRONGTYPE", e.Prefix())
	require.Len(t, replies, 2)
	assert.Equal(t, resp.MakeIntReply(2), replies[1])
}

func TestWatch(t *testing.T) {
	ctx := context.Background()
	addr := startServer(t, server.Config{})
	c := newClient(t, Options{Addr: addr})
	other := newClient(t, Options{Addr: addr})

	err := c.Watch(ctx, func(tx store.Tx) error {
		if _, err := other.Do(ctx, store.NewCmd("SET", "k", "theirs")); err != nil {
			return err
		}
		_, err := tx.Multi(ctx, store.NewCmd("SET", "k", "mine"))
		return err
	}, "k")
	assert.ErrorIs(t, err, store.ErrTxAborted)

	err = c.Watch(ctx, func(tx store.Tx) error {
		reply, err := tx.Do(ctx, store.NewCmd("GET", "k"))
		if err != nil {
			return err
		}
		b, _, _ := store.Bytes(reply)
		_, err = tx.Multi(ctx, store.NewCmd("SET", "k", string(b)+"+mine"))
		return err
	}, "k")
	require.NoError(t, err)

	reply, err := c.Do(ctx, store.NewCmd("GET", "k"))
	require.NoError(t, err)
	assert.Equal(t, resp.MakeBulkReply([]byte("theirs+mine")), reply)
}

func TestWatchWithoutExecUnwatches(t *testing.T) {
	ctx := context.Background()
	addr := startServer(t, server.Config{})
	c := newClient(t, Options{Addr: addr, Standalone: true})
	other := newClient(t, Options{Addr: addr})

	require.NoError(t, c.Watch(ctx, func(store.Tx) error { return nil }, "k"))
	_, err := other.Do(ctx, store.NewCmd("SET", "k", "v"))
	require.NoError(t, err)

	// same pinned connection; a leftover watch would abort this
	_, err = c.Multi(ctx, store.NewCmd("SET", "k", "w"))
	require.NoError(t, err)
}

func TestHandshake(t *testing.T) {
	addr := startServer(t, server.Config{RequirePass: "pw"})

	_, err := New(context.Background(), Options{Addr: addr, Password: "bad"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnauthorized, errors.GetCode(err))

	_, err = New(context.Background(), Options{Addr: addr, Password: "pw", DB: 99})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	c := newClient(t, Options{Addr: addr, Password: "pw", DB: 2})
	_, err = c.Do(context.Background(), store.NewCmd("SET", "k", "v"))
	require.NoError(t, err)
}

func TestOptionsValidate(t *testing.T) {
	assert.Error(t, Options{}.Validate())
	assert.Error(t, Options{Addr: "x", Network: "udp"}.Validate())
	assert.Error(t, Options{Addr: "x", DB: -1}.Validate())
	assert.NoError(t, Options{Addr: "x"}.Validate())

	assert.Equal(t, "unix", Options{Addr: "/tmp/redis.sock"}.withDefaults().Network)
	assert.Equal(t, 1, Options{Addr: "x", Standalone: true, PoolSize: 8}.withDefaults().PoolSize)
}

func TestUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = New(context.Background(), Options{Addr: addr, ConnectTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNetwork, errors.GetCode(err))
}

func TestStandaloneSerializesCallers(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, Options{Addr: startServer(t, server.Config{}), Standalone: true})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Do(ctx, store.NewCmd("SADD", "s", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	reply, err := c.Do(ctx, store.NewCmd("SCARD", "s"))
	require.NoError(t, err)
	assert.Equal(t, resp.MakeIntReply(20), reply)
}

func TestClosed(t *testing.T) {
	c := newClient(t, Options{Addr: startServer(t, server.Config{})})
	require.NoError(t, c.Close())

	_, err := c.Do(context.Background(), store.NewCmd("PING"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServerGoneDropsConnection(t *testing.T) {
	st, err := db.New(db.Config{})
	require.NoError(t, err)
	defer st.Close()
	srv := server.New(server.Config{Addr: "127.0.0.1:0"}, st)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	c := newClient(t, Options{Addr: srv.Addr().String()})
	require.NoError(t, srv.Shutdown(context.Background()))

	_, err = c.Do(context.Background(), store.NewCmd("PING"))
	require.Error(t, err)
	assert.Empty(t, c.pool, "broken connection must not be pooled")
}
