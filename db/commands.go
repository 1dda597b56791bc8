package db

import (
	"strconv"

	"tagredis/resp"
)

type command struct {
	handler func(ks *keyspace, args [][]byte) resp.Reply
	// arity counts the command name; negative means "at least".
	arity int
}

var commandTable = map[string]command{
	"ping":    {ping, -1},
	"echo":    {echo, 2},
	"set":     {set, 3},
	"get":     {get, 2},
	"del":     {del, -2},
	"exists":  {exists, -2},
	"type":    {typeOf, 2},
	"keys":    {keys, 2},
	"dbsize":  {dbsize, 1},
	"flushdb": {flushdb, -1},

	"hset":    {hset, -4},
	"hmset":   {hmset, -4},
	"hget":    {hget, 3},
	"hmget":   {hmget, -3},
	"hgetall": {hgetall, 2},
	"hdel":    {hdel, -3},
	"hlen":    {hlen, 2},

	"sadd":      {sadd, -3},
	"srem":      {srem, -3},
	"smembers":  {smembers, 2},
	"scard":     {scard, 2},
	"sismember": {sismember, 3},
	"sinter":    {sinter, -2},
	"sunion":    {sunion, -2},
	"sdiff":     {sdiff, -2},

	"expire":    {expire, 3},
	"expireat":  {expireat, 3},
	"pexpireat": {pexpireat, 3},
	"ttl":       {ttl, 2},
	"pttl":      {pttl, 2},
	"persist":   {persist, 2},
}

var errNotInteger = resp.MakeErrReply("ERR value is not an integer or out of range")

func parseInt(b []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	return n, err == nil
}
