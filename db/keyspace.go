package db

import (
	"strings"
	"time"

	"tagredis/pkg/lru"
	"tagredis/resp"
)

const wrongTypeErr = "WRONGTYPE Operation against a key holding the wrong kind of value"

// keyspace is one logical database. Only the actor goroutine touches it.
type keyspace struct {
	index    int
	data     lru.EvictionCache
	expires  map[string]time.Time
	watchers map[string]map[*WatchSet]struct{}
	db       *DB

	// propagated collects the commands of the current exec call for the
	// append-only log.
	propagated [][][]byte
	// batch holds eviction back while a MULTI batch runs.
	batch bool
}

func newKeyspace(index int, policy string, maxBytes int64, db *DB) (*keyspace, error) {
	ks := &keyspace{
		index:    index,
		expires:  make(map[string]time.Time),
		watchers: make(map[string]map[*WatchSet]struct{}),
		db:       db,
	}
	data, err := lru.NewCache(policy, maxBytes, ks.onRemove)
	if err != nil {
		return nil, err
	}
	data.SetEvictable(ks.evictable)
	ks.data = data
	return ks, nil
}

// evictable implements volatile eviction: only keys with a deadline may go,
// so the tag index sets, which never carry a TTL, stay.
func (ks *keyspace) evictable(key string) bool {
	if ks.batch {
		return false
	}
	_, ok := ks.expires[key]
	return ok
}

// execBatch runs cmds back to back and evicts once they are all applied.
func (ks *keyspace) execBatch(cmds [][][]byte) ([]resp.Reply, [][][]byte) {
	replies := make([]resp.Reply, len(cmds))
	var logged [][][]byte
	ks.batch = true
	for i, cmd := range cmds {
		var l [][][]byte
		replies[i], l = ks.exec(cmd)
		logged = append(logged, l...)
	}
	ks.batch = false

	ks.propagated = nil
	ks.data.Trim()
	logged = append(logged, ks.propagated...)
	ks.propagated = nil
	return replies, logged
}

func (ks *keyspace) now() time.Time {
	return ks.db.now()
}

// exec runs one validated-or-not command and returns the reply together with
// what it propagated.
func (ks *keyspace) exec(cmd [][]byte) (resp.Reply, [][][]byte) {
	ks.propagated = nil
	if errReply := Validate(cmd); errReply != nil {
		return errReply, nil
	}
	c := commandTable[strings.ToLower(string(cmd[0]))]
	reply := c.handler(ks, cmd)
	logged := ks.propagated
	ks.propagated = nil
	return reply, logged
}

func (ks *keyspace) propagate(args ...[]byte) {
	ks.propagated = append(ks.propagated, args)
}

func (ks *keyspace) onRemove(key string, _ lru.Value, reason lru.RemoveReason) {
	delete(ks.expires, key)
	ks.signal(key)
	if reason == lru.RemoveReasonEvicted {
		ks.db.log.Debug("key evicted", "db", ks.index, "key", key)
		ks.propagate([]byte("DEL"), []byte(key))
	}
}

// expired deletes key when its deadline has passed.
func (ks *keyspace) expired(key string) bool {
	at, ok := ks.expires[key]
	if !ok || ks.now().Before(at) {
		return false
	}
	ks.data.Remove(key)
	return true
}

// get is a read access: it counts for the eviction policy.
func (ks *keyspace) get(key string) (DataEntity, bool) {
	if ks.expired(key) {
		return nil, false
	}
	return ks.data.Get(key)
}

// peek is a metadata access (TTL, EXISTS, TYPE) that leaves eviction order alone.
func (ks *keyspace) peek(key string) (DataEntity, bool) {
	if ks.expired(key) {
		return nil, false
	}
	return ks.data.Peek(key)
}

// put stores or re-measures a value. The key's TTL is kept.
func (ks *keyspace) put(key string, v DataEntity) {
	ks.signal(key)
	ks.data.Add(key, v)
}

func (ks *keyspace) remove(key string) bool {
	if _, ok := ks.peek(key); !ok {
		return false
	}
	ks.data.Remove(key)
	return true
}

func (ks *keyspace) getHash(key string) (HashData, *resp.ErrorReply) {
	v, ok := ks.get(key)
	if !ok {
		return nil, nil
	}
	h, ok := v.(HashData)
	if !ok {
		return nil, resp.MakeErrReply(wrongTypeErr)
	}
	return h, nil
}

func (ks *keyspace) getSet(key string) (SetData, *resp.ErrorReply) {
	v, ok := ks.get(key)
	if !ok {
		return nil, nil
	}
	s, ok := v.(SetData)
	if !ok {
		return nil, resp.MakeErrReply(wrongTypeErr)
	}
	return s, nil
}

// activeExpire samples up to n keys with a deadline and deletes the expired
// ones. Map iteration order is random, which makes the sample random too.
func (ks *keyspace) activeExpire(n int) int {
	now := ks.now()
	var dead []string
	for key, at := range ks.expires {
		if !now.Before(at) {
			dead = append(dead, key)
		}
		n--
		if n <= 0 {
			break
		}
	}
	for _, key := range dead {
		ks.data.Remove(key)
	}
	return len(dead)
}

func (ks *keyspace) flush() {
	ks.data.Clear()
	ks.expires = make(map[string]time.Time)
	for _, set := range ks.watchers {
		for ws := range set {
			ws.dirty = true
		}
	}
}
