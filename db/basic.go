package db

import (
	"sort"

	"github.com/gobwas/glob"

	"tagredis/resp"
)

// PING [message]
func ping(_ *keyspace, args [][]byte) resp.Reply {
	if len(args) > 1 {
		return resp.MakeBulkReply(args[1])
	}
	return resp.PongReply
}

func echo(_ *keyspace, args [][]byte) resp.Reply {
	return resp.MakeBulkReply(args[1])
}

// SET key value drops any previous TTL.
func set(ks *keyspace, args [][]byte) resp.Reply {
	key := string(args[1])
	ks.propagate(args...)
	delete(ks.expires, key)
	ks.put(key, StringData(args[2]))
	return resp.OkReply
}

func get(ks *keyspace, args [][]byte) resp.Reply {
	v, ok := ks.get(string(args[1]))
	if !ok {
		return resp.NullBulkReply
	}
	str, ok := v.(StringData)
	if !ok {
		return resp.MakeErrReply(wrongTypeErr)
	}
	return resp.MakeBulkReply([]byte(str))
}

// DEL k1 k2 ...
func del(ks *keyspace, args [][]byte) resp.Reply {
	ks.propagate(args...)
	deleted := 0
	for _, key := range args[1:] {
		if ks.remove(string(key)) {
			deleted++
		}
	}
	return resp.MakeIntReply(int64(deleted))
}

// EXISTS counts repeated keys once per occurrence, like Redis.
func exists(ks *keyspace, args [][]byte) resp.Reply {
	n := 0
	for _, key := range args[1:] {
		if _, ok := ks.peek(string(key)); ok {
			n++
		}
	}
	return resp.MakeIntReply(int64(n))
}

func typeOf(ks *keyspace, args [][]byte) resp.Reply {
	v, ok := ks.peek(string(args[1]))
	if !ok {
		return resp.MakeStatusReply("none")
	}
	return resp.MakeStatusReply(typeName(v))
}

// KEYS pattern, glob-style. Expired keys found on the way are deleted.
func keys(ks *keyspace, args [][]byte) resp.Reply {
	g, err := glob.Compile(string(args[1]))
	if err != nil {
		return resp.MakeErrReply("ERR invalid pattern: " + err.Error())
	}

	now := ks.now()
	matched := make([]string, 0)
	var dead []string
	ks.data.ForEach(func(key string, _ DataEntity) bool {
		if at, ok := ks.expires[key]; ok && !now.Before(at) {
			dead = append(dead, key)
			return true
		}
		if g.Match(key) {
			matched = append(matched, key)
		}
		return true
	})
	for _, key := range dead {
		ks.data.Remove(key)
	}

	sort.Strings(matched)
	return stringsReply(matched)
}

func dbsize(ks *keyspace, _ [][]byte) resp.Reply {
	return resp.MakeIntReply(int64(ks.data.Len()))
}

// FLUSHDB [ASYNC|SYNC]; both run synchronously here.
func flushdb(ks *keyspace, args [][]byte) resp.Reply {
	ks.propagate([]byte("FLUSHDB"))
	ks.flush()
	return resp.OkReply
}

func stringsReply(values []string) *resp.MultiBulkReply {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return resp.MakeMultiBulkReply(out)
}
