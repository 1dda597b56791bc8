package db

import (
	"context"

	"tagredis/resp"
)

// WatchSet is the WATCH state of one client. A write to any watched key marks
// it dirty and the next ExecMulti with it is aborted. It is only read and
// written by the actor.
type WatchSet struct {
	dirty bool
	keys  []watchedKey
}

type watchedKey struct {
	index int
	key   string
}

func NewWatchSet() *WatchSet {
	return &WatchSet{}
}

// signal marks every client watching key.
func (ks *keyspace) signal(key string) {
	for ws := range ks.watchers[key] {
		ws.dirty = true
	}
}

// Watch adds keys of database index to ws.
func (db *DB) Watch(ctx context.Context, ws *WatchSet, index int, keys ...string) error {
	ks, errReply := db.space(index)
	if errReply != nil {
		return errReply
	}
	_, err := db.submit(ctx, func() resp.Reply {
		for _, key := range keys {
			set, ok := ks.watchers[key]
			if !ok {
				set = make(map[*WatchSet]struct{})
				ks.watchers[key] = set
			}
			if _, dup := set[ws]; dup {
				continue
			}
			set[ws] = struct{}{}
			ws.keys = append(ws.keys, watchedKey{index: index, key: key})
		}
		return resp.OkReply
	})
	return err
}

// Unwatch forgets every watched key of ws.
func (db *DB) Unwatch(ctx context.Context, ws *WatchSet) error {
	_, err := db.submit(ctx, func() resp.Reply {
		db.unwatch(ws)
		return resp.OkReply
	})
	return err
}

func (db *DB) unwatch(ws *WatchSet) {
	for _, wk := range ws.keys {
		ks := db.spaces[wk.index]
		if set, ok := ks.watchers[wk.key]; ok {
			delete(set, ws)
			if len(set) == 0 {
				delete(ks.watchers, wk.key)
			}
		}
	}
	ws.keys = nil
	ws.dirty = false
}

// ExecMulti runs cmds as one indivisible batch and answers like EXEC: an array
// of per-command replies, the null array when ws is dirty, or an EXECABORT
// error when a command would have been rejected at queue time. ws may be nil
// and is always released.
func (db *DB) ExecMulti(ctx context.Context, index int, cmds [][][]byte, ws *WatchSet) (resp.Reply, error) {
	ks, errReply := db.space(index)
	if errReply != nil {
		return errReply, nil
	}
	for _, cmd := range cmds {
		if errReply := Validate(cmd); errReply != nil {
			if ws != nil {
				_ = db.Unwatch(ctx, ws)
			}
			return resp.MakeErrReply("EXECABORT Transaction discarded because of previous errors."), nil
		}
	}

	return db.submit(ctx, func() resp.Reply {
		if ws != nil {
			dirty := ws.dirty
			db.unwatch(ws)
			if dirty {
				return resp.NullArrayReply
			}
		}

		replies, logged := ks.execBatch(cmds)
		if len(logged) > 0 {
			db.appendLog(index, logged)
		}
		return resp.MakeArrayReply(replies)
	})
}
