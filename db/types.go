// Value types held by a keyspace. Each one reports an approximate byte size so
// the eviction container can enforce the memory budget.
package db

import "tagredis/pkg/lru"

// DataEntity is anything a key can hold.
type DataEntity = lru.Value

// StringData backs SET/GET.
type StringData []byte

func (d StringData) Len() int {
	return len(d)
}

// HashData backs the cache records (fields d, t, m, i).
type HashData map[string][]byte

func (d HashData) Len() int {
	size := 0
	for k, v := range d {
		size += len(k) + len(v) + 16
	}
	return size
}

// SetData backs the tag index.
type SetData map[string]struct{}

func (d SetData) Len() int {
	size := 0
	for k := range d {
		size += len(k) + 16
	}
	return size
}

func typeName(v DataEntity) string {
	switch v.(type) {
	case StringData:
		return "string"
	case HashData:
		return "hash"
	case SetData:
		return "set"
	default:
		return "none"
	}
}
