package db

import "tagredis/resp"

func writeFields(h HashData, args [][]byte) int {
	added := 0
	for i := 0; i+1 < len(args); i += 2 {
		field := string(args[i])
		if _, ok := h[field]; !ok {
			added++
		}
		h[field] = args[i+1]
	}
	return added
}

// HSET key field value [field value ...] returns the number of new fields.
func hset(ks *keyspace, args [][]byte) resp.Reply {
	if len(args)%2 != 0 {
		return resp.MakeErrReply("ERR wrong number of arguments for 'hset' command")
	}
	key := string(args[1])
	h, errReply := ks.getHash(key)
	if errReply != nil {
		return errReply
	}
	if h == nil {
		h = make(HashData)
	}
	ks.propagate(args...)
	added := writeFields(h, args[2:])
	ks.put(key, h)
	return resp.MakeIntReply(int64(added))
}

// HMSET is HSET answering +OK.
func hmset(ks *keyspace, args [][]byte) resp.Reply {
	reply := hset(ks, args)
	if resp.IsError(reply) {
		return reply
	}
	return resp.OkReply
}

func hget(ks *keyspace, args [][]byte) resp.Reply {
	h, errReply := ks.getHash(string(args[1]))
	if errReply != nil {
		return errReply
	}
	v, ok := h[string(args[2])]
	if !ok {
		return resp.NullBulkReply
	}
	return resp.MakeBulkReply(v)
}

// HMGET answers one element per field, null for missing ones.
func hmget(ks *keyspace, args [][]byte) resp.Reply {
	h, errReply := ks.getHash(string(args[1]))
	if errReply != nil {
		return errReply
	}
	out := make([][]byte, len(args)-2)
	for i, field := range args[2:] {
		if v, ok := h[string(field)]; ok {
			out[i] = v
		}
	}
	return resp.MakeMultiBulkReply(out)
}

func hgetall(ks *keyspace, args [][]byte) resp.Reply {
	h, errReply := ks.getHash(string(args[1]))
	if errReply != nil {
		return errReply
	}
	out := make([][]byte, 0, len(h)*2)
	for k, v := range h {
		out = append(out, []byte(k), v)
	}
	return resp.MakeMultiBulkReply(out)
}

// HDEL removes the key once its last field is gone.
func hdel(ks *keyspace, args [][]byte) resp.Reply {
	key := string(args[1])
	h, errReply := ks.getHash(key)
	if errReply != nil {
		return errReply
	}
	if h == nil {
		return resp.MakeIntReply(0)
	}

	ks.propagate(args...)
	removed := 0
	for _, field := range args[2:] {
		if _, ok := h[string(field)]; ok {
			delete(h, string(field))
			removed++
		}
	}
	if len(h) == 0 {
		ks.data.Remove(key)
	} else if removed > 0 {
		ks.put(key, h)
	}
	return resp.MakeIntReply(int64(removed))
}

func hlen(ks *keyspace, args [][]byte) resp.Reply {
	h, errReply := ks.getHash(string(args[1]))
	if errReply != nil {
		return errReply
	}
	return resp.MakeIntReply(int64(len(h)))
}
