// Package db is an in-process Redis-compatible store covering the command
// subset the cache backend uses: strings, hashes, sets, TTLs, KEYS, FLUSHDB,
// MULTI/EXEC and WATCH.
//
// Concurrency follows the single-threaded actor model: every command and every
// MULTI batch is a closure executed by one goroutine, so a batch can never be
// interleaved with another client's commands.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tagredis/aof"
	"tagredis/resp"
)

// ErrClosed is returned once the store has been closed.
var ErrClosed = errors.New("db: store closed")

// Config tunes a DB. The zero value is usable.
type Config struct {
	// Databases is the number of logical databases SELECT can address.
	Databases int
	// MaxBytes bounds each keyspace; 0 disables eviction. Only keys with a
	// TTL are evicted; when none is left the keyspace grows past the bound.
	MaxBytes int64
	// Policy orders the volatile keys for eviction, "lru" (default) or "lfu".
	Policy string
	// ActiveExpireInterval is the period of the expiry sampler.
	ActiveExpireInterval time.Duration
	// AppendFile enables the append-only log when set.
	AppendFile string
	// AppendFsync is the fsync period of the append-only log.
	AppendFsync time.Duration
	// Now overrides the clock, for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

const (
	defaultDatabases      = 16
	defaultExpireInterval = 100 * time.Millisecond
	activeExpireSample    = 20
)

type commandRequest struct {
	fn     func() resp.Reply
	result chan resp.Reply
}

// DB is the store. All keyspace state is owned by the actor goroutine.
type DB struct {
	spaces []*keyspace
	now    func() time.Time
	log    *slog.Logger
	aof    *aof.Handler

	ops       chan *commandRequest
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	interval  time.Duration
}

// New builds the store, replays the append-only log if one is configured and
// starts the actor.
func New(cfg Config) (*DB, error) {
	if cfg.Databases <= 0 {
		cfg.Databases = defaultDatabases
	}
	if cfg.ActiveExpireInterval <= 0 {
		cfg.ActiveExpireInterval = defaultExpireInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db := &DB{
		now:      cfg.Now,
		log:      cfg.Logger,
		ops:      make(chan *commandRequest, 1000),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: cfg.ActiveExpireInterval,
	}
	for i := 0; i < cfg.Databases; i++ {
		ks, err := newKeyspace(i, cfg.Policy, cfg.MaxBytes, db)
		if err != nil {
			return nil, err
		}
		db.spaces = append(db.spaces, ks)
	}

	if cfg.AppendFile != "" {
		if err := db.replay(cfg.AppendFile); err != nil {
			return nil, err
		}
		handler, err := aof.Open(cfg.AppendFile, cfg.AppendFsync, cfg.Logger)
		if err != nil {
			return nil, err
		}
		db.aof = handler
	}

	go db.background()
	return db, nil
}

// Databases returns how many logical databases exist.
func (db *DB) Databases() int {
	return len(db.spaces)
}

// Exec runs one command against database index. RESP errors come back as
// *resp.ErrorReply values; the error is reserved for a closed store or ctx.
func (db *DB) Exec(ctx context.Context, index int, cmd [][]byte) (resp.Reply, error) {
	ks, errReply := db.space(index)
	if errReply != nil {
		return errReply, nil
	}
	return db.submit(ctx, func() resp.Reply {
		reply, logged := ks.exec(cmd)
		if len(logged) > 0 {
			db.appendLog(index, logged)
		}
		return reply
	})
}

// Validate reports the error a command would get at queue time (unknown
// command or wrong arity), or nil.
func Validate(cmd [][]byte) *resp.ErrorReply {
	if len(cmd) == 0 {
		return resp.MakeErrReply("ERR empty command")
	}
	name := strings.ToLower(string(cmd[0]))
	c, ok := commandTable[name]
	if !ok {
		return resp.MakeErrReply("ERR unknown command '" + name + "'")
	}
	if (c.arity > 0 && len(cmd) != c.arity) || (c.arity < 0 && len(cmd) < -c.arity) {
		return resp.MakeErrReply("ERR wrong number of arguments for '" + name + "' command")
	}
	return nil
}

// Close stops the actor and flushes the append-only log.
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		close(db.stop)
		<-db.done
		if db.aof != nil {
			err = db.aof.Close()
		}
	})
	return err
}

func (db *DB) space(index int) (*keyspace, *resp.ErrorReply) {
	if index < 0 || index >= len(db.spaces) {
		return nil, resp.MakeErrReply("ERR DB index is out of range")
	}
	return db.spaces[index], nil
}

func (db *DB) submit(ctx context.Context, fn func() resp.Reply) (resp.Reply, error) {
	req := &commandRequest{fn: fn, result: make(chan resp.Reply, 1)}
	select {
	case <-db.stop:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case db.ops <- req:
	}

	// Once queued the command runs regardless of ctx, so wait for it.
	select {
	case res := <-req.result:
		return res, nil
	case <-db.done:
		return nil, ErrClosed
	}
}

func (db *DB) background() {
	defer close(db.done)
	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case req := <-db.ops:
			req.result <- req.fn()
		case <-ticker.C:
			for _, ks := range db.spaces {
				ks.activeExpire(activeExpireSample)
			}
		case <-db.stop:
			return
		}
	}
}

func (db *DB) appendLog(index int, cmds [][][]byte) {
	if db.aof != nil {
		db.aof.Append(aof.Entry{Index: index, Cmds: cmds})
	}
}

func (db *DB) replay(filename string) error {
	n := 0
	err := aof.Load(filename, func(e aof.Entry) error {
		ks, errReply := db.space(e.Index)
		if errReply != nil {
			return fmt.Errorf("replay aof: %w", errReply)
		}
		ks.execBatch(e.Cmds)
		n++
		return nil
	})
	if err != nil {
		return err
	}
	db.log.Info("aof replayed", "entries", n)
	return nil
}
