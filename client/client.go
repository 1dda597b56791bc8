// Package client is a pooled RESP client for Redis-compatible servers. Idle
// connections wait in a channel and are reused one request/reply exchange at a
// time; a connection that saw an I/O error is closed instead of returned.
// Every new connection runs the AUTH and SELECT handshake before use.
package client

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"

	"tagredis/resp"
	"tagredis/store"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New(errors.CodeUnavailable, "redis client closed")

const (
	defaultConnectTimeout   = 2 * time.Second
	defaultReadWriteTimeout = 5 * time.Second
	defaultPoolSize         = 4
)

// Options configures the client.
type Options struct {
	// Network is "tcp" or "unix". Empty means unix when Addr starts with "/",
	// tcp otherwise.
	Network string
	// Addr is host:port or a socket path.
	Addr             string
	ConnectTimeout   time.Duration
	ReadWriteTimeout time.Duration
	// DB is the logical database selected on every connection.
	DB       int
	Password string
	// PoolSize caps the idle connections kept for reuse.
	PoolSize int
	// Standalone pins the client to a single connection: callers queue for it.
	Standalone bool
}

func (o Options) withDefaults() Options {
	if o.Network == "" {
		o.Network = "tcp"
		if strings.HasPrefix(o.Addr, "/") {
			o.Network = "unix"
		}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReadWriteTimeout <= 0 {
		o.ReadWriteTimeout = defaultReadWriteTimeout
	}
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}
	if o.Standalone {
		o.PoolSize = 1
	}
	return o
}

// Validate reports configuration errors.
func (o Options) Validate() error {
	if o.Addr == "" {
		return errors.New(errors.CodeInvalidConfig, "redis address is required")
	}
	if o.Network != "" && o.Network != "tcp" && o.Network != "unix" {
		return errors.Newf(errors.CodeInvalidConfig, "unsupported network %q", o.Network)
	}
	if o.DB < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "invalid database index %d", o.DB)
	}
	return nil
}

type conn struct {
	nc     net.Conn
	parser *resp.StreamParser
}

// Client implements store.Conn over the network.
type Client struct {
	opts Options

	pool chan *conn
	// slots bounds open connections in standalone mode; nil otherwise.
	slots chan struct{}

	closing   chan struct{}
	closeOnce sync.Once
}

var _ store.Conn = (*Client)(nil)

// New validates opts and dials the first connection, so unreachable servers,
// bad credentials and bad database indexes fail here.
func New(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	c := &Client{
		opts:    opts,
		pool:    make(chan *conn, opts.PoolSize),
		closing: make(chan struct{}),
	}
	if opts.Standalone {
		c.slots = make(chan struct{}, 1)
	}

	cn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	c.release(cn)
	return c, nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	for {
		select {
		case cn := <-c.pool:
			_ = cn.nc.Close()
		default:
			return nil
		}
	}
}

func (c *Client) Do(ctx context.Context, cmd store.Cmd) (resp.Reply, error) {
	replies, err := c.roundTrip(ctx, []store.Cmd{cmd})
	if err != nil {
		return nil, err
	}
	return asError(replies[0])
}

// Pipeline writes all commands in one go and reads the replies in order.
func (c *Client) Pipeline(ctx context.Context, cmds ...store.Cmd) ([]resp.Reply, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	return c.roundTrip(ctx, cmds)
}

func (c *Client) Multi(ctx context.Context, cmds ...store.Cmd) ([]resp.Reply, error) {
	cn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	replies, err := c.multi(ctx, cn, cmds)
	c.finish(cn, err)
	return replies, err
}

// Watch pins one connection for the whole of fn. UNWATCH is sent when fn
// returns without having run EXEC.
func (c *Client) Watch(ctx context.Context, fn func(tx store.Tx) error, keys ...string) error {
	cn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	tx := &clientTx{c: c, cn: cn}
	_, err = tx.Do(ctx, store.NewCmd("WATCH").Append(keys...))
	if err == nil {
		err = fn(tx)
		if !tx.execed && tx.ioErr == nil {
			_, _ = c.exchange(ctx, cn, []store.Cmd{store.NewCmd("UNWATCH")})
		}
	}
	c.finish(cn, tx.ioErr)
	return err
}

type clientTx struct {
	c      *Client
	cn     *conn
	execed bool
	ioErr  error
}

func (tx *clientTx) Do(ctx context.Context, cmd store.Cmd) (resp.Reply, error) {
	replies, err := tx.c.exchange(ctx, tx.cn, []store.Cmd{cmd})
	if err != nil {
		tx.ioErr = err
		return nil, err
	}
	return asError(replies[0])
}

func (tx *clientTx) Multi(ctx context.Context, cmds ...store.Cmd) ([]resp.Reply, error) {
	tx.execed = true
	replies, err := tx.c.multi(ctx, tx.cn, cmds)
	if isIOError(err) {
		tx.ioErr = err
	}
	return replies, err
}

// multi sends MULTI, the commands and EXEC in one write and reads 1+n+1
// replies. Queue-time errors surface through the EXECABORT reply.
func (c *Client) multi(ctx context.Context, cn *conn, cmds []store.Cmd) ([]resp.Reply, error) {
	batch := make([]store.Cmd, 0, len(cmds)+2)
	batch = append(batch, store.NewCmd("MULTI"))
	batch = append(batch, cmds...)
	batch = append(batch, store.NewCmd("EXEC"))

	replies, err := c.exchange(ctx, cn, batch)
	if err != nil {
		return nil, err
	}
	if e, ok := replies[0].(*resp.ErrorReply); ok {
		return nil, e
	}
	return store.ExecResults(replies[len(replies)-1])
}

func (c *Client) roundTrip(ctx context.Context, cmds []store.Cmd) ([]resp.Reply, error) {
	cn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	replies, err := c.exchange(ctx, cn, cmds)
	c.finish(cn, err)
	return replies, err
}

// exchange writes cmds and reads one reply per command under a deadline that
// is the earlier of the context deadline and the read/write timeout.
func (c *Client) exchange(ctx context.Context, cn *conn, cmds []store.Cmd) ([]resp.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeTimeout, "redis request")
	}
	deadline := time.Now().Add(c.opts.ReadWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = cn.nc.SetDeadline(deadline)

	var buf []byte
	for _, cmd := range cmds {
		buf = append(buf, resp.MakeCommand(cmd...).ToBytes()...)
	}
	if _, err := cn.nc.Write(buf); err != nil {
		return nil, wrapIO(err, "write "+cmds[0].Name())
	}
	replies, err := cn.parser.ReadReplies(len(cmds))
	if err != nil {
		return nil, wrapIO(err, "read "+cmds[0].Name())
	}
	_ = cn.nc.SetDeadline(time.Time{})
	return replies, nil
}

func (c *Client) acquire(ctx context.Context) (*conn, error) {
	select {
	case <-c.closing:
		return nil, ErrClosed
	default:
	}

	if c.slots != nil {
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.CodeTimeout, "wait for redis connection")
		case <-c.closing:
			return nil, ErrClosed
		}
	}

	select {
	case cn := <-c.pool:
		return cn, nil
	default:
	}
	cn, err := c.dial(ctx)
	if err != nil {
		c.freeSlot()
		return nil, err
	}
	return cn, nil
}

// finish returns cn to the pool, or closes it after an I/O error.
func (c *Client) finish(cn *conn, err error) {
	if isIOError(err) {
		_ = cn.nc.Close()
		c.freeSlot()
		return
	}
	c.release(cn)
}

func (c *Client) release(cn *conn) {
	defer c.freeSlot()
	select {
	case <-c.closing:
		_ = cn.nc.Close()
		return
	default:
	}
	select {
	case c.pool <- cn:
	default:
		_ = cn.nc.Close()
	}
}

func (c *Client) freeSlot() {
	if c.slots != nil {
		<-c.slots
	}
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	d := net.Dialer{Timeout: c.opts.ConnectTimeout}
	nc, err := d.DialContext(ctx, c.opts.Network, c.opts.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "connect to %s", c.opts.Addr)
	}
	cn := &conn{nc: nc, parser: resp.NewStreamParser(nc)}

	var handshake []store.Cmd
	if c.opts.Password != "" {
		handshake = append(handshake, store.NewCmd("AUTH", c.opts.Password))
	}
	if c.opts.DB != 0 {
		handshake = append(handshake, store.NewCmd("SELECT", c.opts.DB))
	}
	if len(handshake) == 0 {
		return cn, nil
	}

	replies, err := c.exchange(ctx, cn, handshake)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	for i, r := range replies {
		e, ok := r.(*resp.ErrorReply)
		if !ok {
			continue
		}
		_ = nc.Close()
		if handshake[i].Name() == "AUTH" {
			return nil, errors.Wrap(e, errors.CodeUnauthorized, "unable to authenticate with the redis server")
		}
		return nil, errors.Wrapf(e, errors.CodeInvalidConfig, "select database %d", c.opts.DB)
	}
	return cn, nil
}

func asError(reply resp.Reply) (resp.Reply, error) {
	if e, ok := reply.(*resp.ErrorReply); ok {
		return reply, e
	}
	return reply, nil
}

// ioError marks transport failures so pooled connections are dropped.
type ioError struct {
	err error
}

func (e *ioError) Error() string { return e.err.Error() }
func (e *ioError) Unwrap() error { return e.err }

func wrapIO(err error, op string) error {
	code := errors.CodeNetwork
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		code = errors.CodeTimeout
	}
	return errors.Wrap(&ioError{err: err}, code, "redis "+strings.ToLower(op))
}

func isIOError(err error) bool {
	if err == nil {
		return false
	}
	var ioe *ioError
	if errors.As(err, &ioe) {
		return true
	}
	return errors.GetCode(err) == errors.CodeTimeout
}
