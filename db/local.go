package db

import (
	"context"

	"tagredis/resp"
	"tagredis/store"
)

// Local is a store.Conn bound to one database of an in-process DB.
type Local struct {
	db    *DB
	index int
	owned bool
}

var _ store.Conn = (*Local)(nil)

// NewLocal binds db's database index. Close leaves db running.
func NewLocal(db *DB, index int) *Local {
	return &Local{db: db, index: index}
}

// OpenLocal creates a DB from cfg and binds its database index. Close closes
// the DB.
func OpenLocal(cfg Config, index int) (*Local, error) {
	db, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if _, errReply := db.space(index); errReply != nil {
		_ = db.Close()
		return nil, errReply
	}
	return &Local{db: db, index: index, owned: true}, nil
}

// DB exposes the underlying store.
func (l *Local) DB() *DB {
	return l.db
}

func (l *Local) Do(ctx context.Context, cmd store.Cmd) (resp.Reply, error) {
	return doLocal(ctx, l.db, l.index, cmd)
}

func (l *Local) Pipeline(ctx context.Context, cmds ...store.Cmd) ([]resp.Reply, error) {
	out := make([]resp.Reply, 0, len(cmds))
	for _, cmd := range cmds {
		reply, err := l.db.Exec(ctx, l.index, cmd)
		if err != nil {
			return out, err
		}
		out = append(out, reply)
	}
	return out, nil
}

func (l *Local) Multi(ctx context.Context, cmds ...store.Cmd) ([]resp.Reply, error) {
	return multiLocal(ctx, l.db, l.index, cmds, nil)
}

func (l *Local) Watch(ctx context.Context, fn func(tx store.Tx) error, keys ...string) error {
	ws := NewWatchSet()
	if err := l.db.Watch(ctx, ws, l.index, keys...); err != nil {
		return err
	}
	defer func() { _ = l.db.Unwatch(context.WithoutCancel(ctx), ws) }()
	return fn(&localTx{l: l, ws: ws})
}

func (l *Local) Close() error {
	if l.owned {
		return l.db.Close()
	}
	return nil
}

type localTx struct {
	l  *Local
	ws *WatchSet
}

func (tx *localTx) Do(ctx context.Context, cmd store.Cmd) (resp.Reply, error) {
	return doLocal(ctx, tx.l.db, tx.l.index, cmd)
}

func (tx *localTx) Multi(ctx context.Context, cmds ...store.Cmd) ([]resp.Reply, error) {
	return multiLocal(ctx, tx.l.db, tx.l.index, cmds, tx.ws)
}

func doLocal(ctx context.Context, db *DB, index int, cmd store.Cmd) (resp.Reply, error) {
	reply, err := db.Exec(ctx, index, cmd)
	if err != nil {
		return nil, err
	}
	if e, ok := reply.(*resp.ErrorReply); ok {
		return reply, e
	}
	return reply, nil
}

func multiLocal(ctx context.Context, db *DB, index int, cmds []store.Cmd, ws *WatchSet) ([]resp.Reply, error) {
	raw := make([][][]byte, len(cmds))
	for i, cmd := range cmds {
		raw[i] = cmd
	}
	reply, err := db.ExecMulti(ctx, index, raw, ws)
	if err != nil {
		return nil, err
	}
	return store.ExecResults(reply)
}
