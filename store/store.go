// Package store is the narrow command surface the cache backend needs from a
// Redis-compatible server. The network client and the in-process store both
// implement Conn, so the backend never knows which one it talks to.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"tagredis/resp"
)

// ErrTxAborted is returned when EXEC answers with a null array because a
// watched key changed.
var ErrTxAborted = errors.New("transaction aborted: watched key modified")

// Cmd is one command as the array of bulk strings sent on the wire.
type Cmd [][]byte

// NewCmd builds a command. Strings, byte slices and integers are encoded
// directly; anything else goes through fmt.Sprint.
func NewCmd(name string, args ...any) Cmd {
	cmd := make(Cmd, 0, len(args)+1)
	cmd = append(cmd, []byte(name))
	for _, a := range args {
		cmd = append(cmd, encodeArg(a))
	}
	return cmd
}

// Append adds string arguments, typically a list of keys or members.
func (c Cmd) Append(args ...string) Cmd {
	for _, a := range args {
		c = append(c, []byte(a))
	}
	return c
}

// Name returns the command name as sent.
func (c Cmd) Name() string {
	if len(c) == 0 {
		return ""
	}
	return string(c[0])
}

func encodeArg(a any) []byte {
	switch v := a.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case uint64:
		return strconv.AppendUint(nil, v, 10)
	default:
		return []byte(fmt.Sprint(v))
	}
}

// Conn executes commands against one logical database.
//
// Do returns a RESP error reply as a Go error (*resp.ErrorReply). Pipeline
// returns the raw replies, error replies included, in command order. Multi wraps
// the commands in MULTI/EXEC and returns the EXEC results; the first error reply
// inside them is also returned as the error.
type Conn interface {
	Do(ctx context.Context, cmd Cmd) (resp.Reply, error)
	Pipeline(ctx context.Context, cmds ...Cmd) ([]resp.Reply, error)
	Multi(ctx context.Context, cmds ...Cmd) ([]resp.Reply, error)
	// Watch runs fn with the keys watched on a dedicated connection. fn reads
	// through tx and finishes with tx.Multi; ErrTxAborted reports a lost race.
	Watch(ctx context.Context, fn func(tx Tx) error, keys ...string) error
	Close() error
}

// Tx is the view of a connection inside Watch.
type Tx interface {
	Do(ctx context.Context, cmd Cmd) (resp.Reply, error)
	Multi(ctx context.Context, cmds ...Cmd) ([]resp.Reply, error)
}

// ExecResults unpacks an EXEC reply. A null array becomes ErrTxAborted; the
// first error reply inside the results is returned alongside them.
func ExecResults(reply resp.Reply) ([]resp.Reply, error) {
	switch r := reply.(type) {
	case *resp.ArrayReply:
		for _, item := range r.Items {
			if e, ok := item.(*resp.ErrorReply); ok {
				return r.Items, e
			}
		}
		return r.Items, nil
	case *resp.MultiBulkReply:
		if r.IsNull() {
			return nil, ErrTxAborted
		}
		out := make([]resp.Reply, len(r.Args))
		for i, arg := range r.Args {
			out[i] = resp.MakeBulkReply(arg)
		}
		return out, nil
	case *resp.ErrorReply:
		return nil, r
	default:
		return nil, fmt.Errorf("unexpected EXEC reply %T", reply)
	}
}
