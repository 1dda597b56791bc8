package db

import (
	"strconv"
	"time"

	"tagredis/resp"
)

// setDeadline applies an absolute deadline to an existing key. A deadline in
// the past deletes the key. The log always gets the absolute form so that a
// replay never extends a lifetime.
func setDeadline(ks *keyspace, key string, at time.Time) resp.Reply {
	if _, ok := ks.peek(key); !ok {
		return resp.MakeIntReply(0)
	}
	if !at.After(ks.now()) {
		ks.propagate([]byte("DEL"), []byte(key))
		ks.data.Remove(key)
		return resp.MakeIntReply(1)
	}
	ks.propagate([]byte("PEXPIREAT"), []byte(key), []byte(strconv.FormatInt(at.UnixMilli(), 10)))
	ks.expires[key] = at
	ks.signal(key)
	return resp.MakeIntReply(1)
}

// EXPIRE key seconds
func expire(ks *keyspace, args [][]byte) resp.Reply {
	seconds, ok := parseInt(args[2])
	if !ok {
		return errNotInteger
	}
	return setDeadline(ks, string(args[1]), ks.now().Add(time.Duration(seconds)*time.Second))
}

// EXPIREAT key unix-seconds
func expireat(ks *keyspace, args [][]byte) resp.Reply {
	ts, ok := parseInt(args[2])
	if !ok {
		return errNotInteger
	}
	return setDeadline(ks, string(args[1]), time.Unix(ts, 0))
}

// PEXPIREAT key unix-ms, the form the append-only log replays.
func pexpireat(ks *keyspace, args [][]byte) resp.Reply {
	ms, ok := parseInt(args[2])
	if !ok {
		return errNotInteger
	}
	return setDeadline(ks, string(args[1]), time.UnixMilli(ms))
}

// remaining returns -2 for a missing key, -1 without deadline.
func remaining(ks *keyspace, key string) (time.Duration, int64) {
	if _, ok := ks.peek(key); !ok {
		return 0, -2
	}
	at, ok := ks.expires[key]
	if !ok {
		return 0, -1
	}
	return at.Sub(ks.now()), 0
}

// TTL rounds to the nearest second, as Redis does.
func ttl(ks *keyspace, args [][]byte) resp.Reply {
	d, code := remaining(ks, string(args[1]))
	if code != 0 {
		return resp.MakeIntReply(code)
	}
	return resp.MakeIntReply((d.Milliseconds() + 500) / 1000)
}

func pttl(ks *keyspace, args [][]byte) resp.Reply {
	d, code := remaining(ks, string(args[1]))
	if code != 0 {
		return resp.MakeIntReply(code)
	}
	return resp.MakeIntReply(d.Milliseconds())
}

func persist(ks *keyspace, args [][]byte) resp.Reply {
	key := string(args[1])
	if _, ok := ks.peek(key); !ok {
		return resp.MakeIntReply(0)
	}
	if _, ok := ks.expires[key]; !ok {
		return resp.MakeIntReply(0)
	}
	ks.propagate(args...)
	delete(ks.expires, key)
	ks.signal(key)
	return resp.MakeIntReply(1)
}
