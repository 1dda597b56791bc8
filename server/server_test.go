package server

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagredis/db"
	"tagredis/resp"
)

func startServer(t *testing.T, cfg Config) (*Server, *db.DB) {
	t.Helper()
	store, err := db.New(db.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := New(cfg, store)
	require.NoError(t, srv.Listen())

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-served
	})
	return srv, store
}

type rawConn struct {
	t  *testing.T
	nc net.Conn
	p  *resp.StreamParser
}

func dialRaw(t *testing.T, srv *Server) *rawConn {
	t.Helper()
	nc, err := net.Dial(srv.Addr().Network(), srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	_ = nc.SetDeadline(time.Now().Add(5 * time.Second))
	return &rawConn{t: t, nc: nc, p: resp.NewStreamParser(bufio.NewReader(nc))}
}

func (c *rawConn) do(a ...string) resp.Reply {
	c.t.Helper()
	cmd := make([][]byte, len(a))
	for i, s := range a {
		cmd[i] = []byte(s)
	}
	_, err := c.nc.Write(resp.MakeCommand(cmd...).ToBytes())
	require.NoError(c.t, err)
	reply, err := c.p.ReadReply()
	require.NoError(c.t, err)
	return reply
}

func errPrefix(r resp.Reply) string {
	if e, ok := r.(*resp.ErrorReply); ok {
		return e.Prefix()
	}
	return ""
}

func TestPingAndHash(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dialRaw(t, srv)

	assert.Equal(t, resp.PongReply, c.do("PING"))
	assert.Equal(t, resp.MakeIntReply(2), c.do("HSET", "r", "d", "data", "t", "a,b"))
	assert.Equal(t, resp.MakeBulkReply([]byte("data")), c.do("HGET", "r", "d"))
	assert.Equal(t, "ERR", errPrefix(c.do("NOPE")))
	assert.Equal(t, "WRONGTYPE", errPrefix(c.do("SADD", "r", "x")))
}

func TestAuth(t *testing.T) {
	srv, _ := startServer(t, Config{RequirePass: "s3cret"})
	c := dialRaw(t, srv)

	assert.Equal(t, "NOAUTH", errPrefix(c.do("PING")))
	assert.Equal(t, "WRONGPASS", errPrefix(c.do("AUTH", "nope")))
	assert.Equal(t, resp.OkReply, c.do("AUTH", "s3cret"))
	assert.Equal(t, resp.PongReply, c.do("PING"))

	other := dialRaw(t, srv)
	assert.Equal(t, resp.OkReply, other.do("AUTH", "default", "s3cret"))
}

func TestAuthWithoutPassword(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dialRaw(t, srv)
	assert.Equal(t, "ERR", errPrefix(c.do("AUTH", "x")))
}

func TestSelect(t *testing.T) {
	srv, store := startServer(t, Config{})
	c := dialRaw(t, srv)

	assert.Equal(t, resp.OkReply, c.do("SELECT", "3"))
	c.do("SADD", "s", "a")
	assert.Equal(t, "ERR", errPrefix(c.do("SELECT", "16")))
	assert.Equal(t, "ERR", errPrefix(c.do("SELECT", "x")))

	reply, err := store.Exec(context.Background(), 3, [][]byte{[]byte("SCARD"), []byte("s")})
	require.NoError(t, err)
	assert.Equal(t, resp.MakeIntReply(1), reply)

	reply, err = store.Exec(context.Background(), 0, [][]byte{[]byte("SCARD"), []byte("s")})
	require.NoError(t, err)
	assert.Equal(t, resp.MakeIntReply(0), reply)
}

func TestMultiExec(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dialRaw(t, srv)

	assert.Equal(t, resp.OkReply, c.do("MULTI"))
	assert.Equal(t, "ERR", errPrefix(c.do("MULTI")))
	assert.Equal(t, resp.QueuedReply, c.do("SADD", "s", "a", "b"))
	assert.Equal(t, resp.QueuedReply, c.do("SCARD", "s"))

	exec, ok := c.do("EXEC").(*resp.ArrayReply)
	require.True(t, ok)
	require.Len(t, exec.Items, 2)
	assert.Equal(t, resp.MakeIntReply(2), exec.Items[0])
	assert.Equal(t, resp.MakeIntReply(2), exec.Items[1])

	assert.Equal(t, "ERR", errPrefix(c.do("EXEC")))
	assert.Equal(t, "ERR", errPrefix(c.do("DISCARD")))
}

func TestMultiQueueErrorAbortsExec(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dialRaw(t, srv)

	c.do("MULTI")
	assert.Equal(t, resp.QueuedReply, c.do("SADD", "s", "a"))
	assert.Equal(t, "ERR", errPrefix(c.do("HSET", "h")))
	assert.Equal(t, "ERR", errPrefix(c.do("SELECT", "1")))
	assert.Equal(t, "EXECABORT", errPrefix(c.do("EXEC")))
	assert.Equal(t, resp.MakeIntReply(0), c.do("EXISTS", "s"))
}

func TestDiscard(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dialRaw(t, srv)

	c.do("MULTI")
	c.do("SADD", "s", "a")
	assert.Equal(t, resp.OkReply, c.do("DISCARD"))
	assert.Equal(t, resp.MakeIntReply(0), c.do("EXISTS", "s"))
}

func TestWatchAbortsOnConcurrentWrite(t *testing.T) {
	srv, _ := startServer(t, Config{})
	a := dialRaw(t, srv)
	b := dialRaw(t, srv)

	assert.Equal(t, resp.OkReply, a.do("WATCH", "k"))
	b.do("SET", "k", "other")

	a.do("MULTI")
	a.do("SET", "k", "mine")
	exec, ok := a.do("EXEC").(*resp.MultiBulkReply)
	require.True(t, ok)
	assert.True(t, exec.IsNull())
	assert.Equal(t, resp.MakeBulkReply([]byte("other")), a.do("GET", "k"))

	// the watch set is cleared by EXEC
	a.do("MULTI")
	a.do("SET", "k", "mine")
	_, ok = a.do("EXEC").(*resp.ArrayReply)
	assert.True(t, ok)
}

func TestQuitClosesConnection(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dialRaw(t, srv)

	assert.Equal(t, resp.OkReply, c.do("QUIT"))
	_, err := c.p.ReadReply()
	assert.Error(t, err)
}

func TestUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "tagcache.sock")
	srv, _ := startServer(t, Config{Network: "unix", Addr: sock})
	assert.Equal(t, "unix", srv.Addr().Network())

	c := dialRaw(t, srv)
	assert.Equal(t, resp.PongReply, c.do("PING"))
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dialRaw(t, srv)
	assert.Equal(t, resp.PongReply, c.do("PING"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err := c.p.ReadReply()
	assert.Error(t, err)
	_, err = net.Dial("tcp", srv.Addr().String())
	assert.Error(t, err)
}

type countingMetrics struct {
	nopMetrics
	mu     sync.Mutex
	failed []string
}

func (m *countingMetrics) CommandFailed(cmd string) {
	m.mu.Lock()
	m.failed = append(m.failed, cmd)
	m.mu.Unlock()
}

func (m *countingMetrics) Failed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failed...)
}

func TestMetricsRecordFailures(t *testing.T) {
	m := &countingMetrics{}
	srv, _ := startServer(t, Config{Metrics: m})
	c := dialRaw(t, srv)

	c.do("PING")
	c.do("NOPE")
	c.do("HGET", "k")
	// dispatch runs on the connection goroutine before the reply is written
	assert.Equal(t, []string{"nope", "hget"}, m.Failed())
}
