// LFU eviction: entries live in per-frequency buckets so that both the access
// bump and the eviction are O(1). Within one frequency the least recently used
// entry goes first, which keeps eviction order predictable.
package lru

import (
	"container/list"
	"slices"
)

type lfuEntry struct {
	key     string
	value   Value
	size    int64
	freq    int
	element *list.Element
}

// LFUCache is the LFU EvictionCache.
type LFUCache struct {
	maxBytes int64
	nbytes   int64
	items    map[string]*lfuEntry
	buckets  map[int]*list.List
	minFreq  int
	onRemove OnRemoveFunc

	evictable EvictableFunc
}

func NewLFU(maxBytes int64, onRemove OnRemoveFunc) *LFUCache {
	return &LFUCache{
		maxBytes: maxBytes,
		items:    make(map[string]*lfuEntry),
		buckets:  make(map[int]*list.List),
		onRemove: onRemove,
	}
}

// Add stores value; a write counts as an access.
func (c *LFUCache) Add(key string, value Value) {
	size := entrySize(key, value)
	if ent, ok := c.items[key]; ok {
		c.nbytes += size - ent.size
		ent.value = value
		ent.size = size
		c.touch(ent)
	} else {
		ent := &lfuEntry{key: key, value: value, size: size, freq: 1}
		ent.element = c.bucket(1).PushFront(ent)
		c.items[key] = ent
		c.nbytes += size
		c.minFreq = 1
	}

	c.evict(key)
}

func (c *LFUCache) Trim() {
	c.evict("")
}

// SetEvictable restricts eviction to the keys fn accepts. nil accepts all.
func (c *LFUCache) SetEvictable(fn EvictableFunc) {
	c.evictable = fn
}

func (c *LFUCache) evict(keep string) {
	for c.maxBytes > 0 && c.nbytes > c.maxBytes {
		ent := c.victim(keep)
		if ent == nil {
			return
		}
		c.removeEntry(ent, RemoveReasonEvicted)
	}
}

func (c *LFUCache) Get(key string) (Value, bool) {
	ent, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.touch(ent)
	return ent.value, true
}

func (c *LFUCache) Peek(key string) (Value, bool) {
	ent, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return ent.value, true
}

func (c *LFUCache) Remove(key string) {
	if ent, ok := c.items[key]; ok {
		c.removeEntry(ent, RemoveReasonDeleted)
	}
}

func (c *LFUCache) ForEach(fn func(key string, value Value) bool) {
	for key, ent := range c.items {
		if !fn(key, ent.value) {
			return
		}
	}
}

func (c *LFUCache) Clear() {
	for _, ent := range c.items {
		c.removeEntry(ent, RemoveReasonCleared)
	}
}

func (c *LFUCache) Len() int { return len(c.items) }

func (c *LFUCache) Bytes() int64 { return c.nbytes }

func (c *LFUCache) bucket(freq int) *list.List {
	l, ok := c.buckets[freq]
	if !ok {
		l = list.New()
		c.buckets[freq] = l
	}
	return l
}

func (c *LFUCache) unlink(ent *lfuEntry) {
	b := c.buckets[ent.freq]
	if b == nil {
		return
	}
	b.Remove(ent.element)
	if b.Len() == 0 {
		delete(c.buckets, ent.freq)
	}
}

func (c *LFUCache) touch(ent *lfuEntry) {
	c.unlink(ent)
	if c.minFreq == ent.freq && c.buckets[ent.freq] == nil {
		c.minFreq = ent.freq + 1
	}
	ent.freq++
	ent.element = c.bucket(ent.freq).PushFront(ent)
}

// victim picks the least recently used evictable entry of the lowest
// frequency, trying the minFreq bucket before scanning the others in order.
func (c *LFUCache) victim(keep string) *lfuEntry {
	if ent := c.victimIn(c.buckets[c.minFreq], keep); ent != nil {
		return ent
	}
	freqs := make([]int, 0, len(c.buckets))
	for f := range c.buckets {
		freqs = append(freqs, f)
	}
	slices.Sort(freqs)
	for _, f := range freqs {
		if ent := c.victimIn(c.buckets[f], keep); ent != nil {
			return ent
		}
	}
	return nil
}

func (c *LFUCache) victimIn(b *list.List, keep string) *lfuEntry {
	if b == nil {
		return nil
	}
	for e := b.Back(); e != nil; e = e.Prev() {
		ent := e.Value.(*lfuEntry)
		if ent.key != keep && (c.evictable == nil || c.evictable(ent.key)) {
			return ent
		}
	}
	return nil
}

func (c *LFUCache) recalculateMinFreq() {
	c.minFreq = 0
	for f := range c.buckets {
		if c.minFreq == 0 || f < c.minFreq {
			c.minFreq = f
		}
	}
}

func (c *LFUCache) removeEntry(ent *lfuEntry, reason RemoveReason) {
	c.unlink(ent)
	delete(c.items, ent.key)
	c.nbytes -= ent.size
	if c.minFreq == ent.freq && c.buckets[ent.freq] == nil {
		c.recalculateMinFreq()
	}
	if c.onRemove != nil {
		c.onRemove(ent.key, ent.value, reason)
	}
}
