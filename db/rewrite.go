package db

import (
	"context"
	"errors"
	"strconv"

	"tagredis/aof"
	"tagredis/resp"
)

// ErrNoAppendLog is returned by RewriteAppendLog without AppendFile.
var ErrNoAppendLog = errors.New("db: append-only log disabled")

// RewriteAppendLog replaces the append-only log with the minimal commands that
// rebuild the current data. The snapshot is taken inside the actor, so it sits
// exactly between the commands before and after it in the log.
func (db *DB) RewriteAppendLog(ctx context.Context) error {
	if db.aof == nil {
		return ErrNoAppendLog
	}
	var done <-chan error
	if _, err := db.submit(ctx, func() resp.Reply {
		done = db.aof.StartRewrite(db.snapshot())
		return resp.OkReply
	}); err != nil {
		return err
	}
	return <-done
}

func (db *DB) snapshot() []aof.Entry {
	entries := make([]aof.Entry, 0)
	for _, ks := range db.spaces {
		ks.activeExpire(len(ks.expires))
		ks.data.ForEach(func(key string, v DataEntity) bool {
			cmds := rebuild(key, v)
			if at, ok := ks.expires[key]; ok {
				cmds = append(cmds, [][]byte{[]byte("PEXPIREAT"), []byte(key), []byte(strconv.FormatInt(at.UnixMilli(), 10))})
			}
			entries = append(entries, aof.Entry{Index: ks.index, Cmds: cmds})
			return true
		})
	}
	return entries
}

// rebuild deep-copies v into the command that recreates it.
func rebuild(key string, v DataEntity) [][][]byte {
	switch d := v.(type) {
	case StringData:
		return [][][]byte{{[]byte("SET"), []byte(key), append([]byte(nil), d...)}}
	case HashData:
		cmd := [][]byte{[]byte("HSET"), []byte(key)}
		for f, val := range d {
			cmd = append(cmd, []byte(f), append([]byte(nil), val...))
		}
		return [][][]byte{cmd}
	case SetData:
		cmd := [][]byte{[]byte("SADD"), []byte(key)}
		for m := range d {
			cmd = append(cmd, []byte(m))
		}
		return [][][]byte{cmd}
	default:
		return nil
	}
}
