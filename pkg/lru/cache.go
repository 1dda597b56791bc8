// Package lru holds the memory-bounded containers behind each keyspace of the
// in-process store. A keyspace picks LRU or LFU eviction; TTL bookkeeping stays
// in the keyspace, so these containers only track size and access order.
// None of them is safe for concurrent use: the store actor serialises every call.
package lru

import "fmt"

// RemoveReason tells the owner why an entry left the cache.
type RemoveReason uint8

const (
	// RemoveReasonEvicted means the entry was dropped to get back under maxBytes.
	RemoveReasonEvicted RemoveReason = iota
	// RemoveReasonDeleted means an explicit Remove (DEL, expiry, emptied set).
	RemoveReasonDeleted
	// RemoveReasonCleared means Clear (FLUSHDB).
	RemoveReasonCleared
)

func (r RemoveReason) String() string {
	switch r {
	case RemoveReasonEvicted:
		return "evicted"
	case RemoveReasonDeleted:
		return "deleted"
	case RemoveReasonCleared:
		return "cleared"
	default:
		return fmt.Sprintf("RemoveReason(%d)", uint8(r))
	}
}

// Value reports how many bytes an entry accounts for.
type Value interface {
	Len() int
}

// OnRemoveFunc lets the keyspace drop its expiry entry and bump the key version.
type OnRemoveFunc func(key string, value Value, reason RemoveReason)

// EvictableFunc reports whether key may be dropped to get back under maxBytes.
type EvictableFunc func(key string) bool

// EvictionCache is the container contract the keyspace depends on.
//
// Get counts as an access for the eviction policy, Peek does not. Add must be
// called again after a value was mutated in place so the size is re-measured.
// Add never evicts the key it stores; Trim evicts without that exception. When
// no evictable entry is left the cache stays over maxBytes.
type EvictionCache interface {
	Add(key string, value Value)
	Trim()
	SetEvictable(fn EvictableFunc)
	Get(key string) (Value, bool)
	Peek(key string) (Value, bool)
	Remove(key string)
	ForEach(fn func(key string, value Value) bool)
	Clear()
	Len() int
	Bytes() int64
}

// Policy names accepted by NewCache.
const (
	PolicyLRU = "lru"
	PolicyLFU = "lfu"
)

// NewCache builds the container for policy. maxBytes <= 0 disables eviction.
func NewCache(policy string, maxBytes int64, onRemove OnRemoveFunc) (EvictionCache, error) {
	switch policy {
	case "", PolicyLRU:
		return New(maxBytes, onRemove), nil
	case PolicyLFU:
		return NewLFU(maxBytes, onRemove), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", policy)
	}
}

func entrySize(key string, value Value) int64 {
	return int64(len(key)) + int64(value.Len())
}
