// LRU eviction: a doubly linked list ordered by access plus a key index.
// Get moves the entry to the front, Peek leaves the order alone, and the back
// of the list is evicted first whenever the byte budget is exceeded.
package lru

import "container/list"

type entry struct {
	key   string
	value Value
	size  int64
}

// Cache is the LRU EvictionCache.
type Cache struct {
	maxBytes int64
	nbytes   int64
	ll       *list.List
	items    map[string]*list.Element
	onRemove OnRemoveFunc

	evictable EvictableFunc
}

func New(maxBytes int64, onRemove OnRemoveFunc) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		onRemove: onRemove,
	}
}

func (c *Cache) Add(key string, value Value) {
	size := entrySize(key, value)
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry)
		c.nbytes += size - ent.size
		ent.value = value
		ent.size = size
	} else {
		c.items[key] = c.ll.PushFront(&entry{key: key, value: value, size: size})
		c.nbytes += size
	}

	c.evict(key)
}

func (c *Cache) Trim() {
	c.evict("")
}

// SetEvictable restricts eviction to the keys fn accepts. nil accepts all.
func (c *Cache) SetEvictable(fn EvictableFunc) {
	c.evictable = fn
}

// evict walks from the least recently used end, skipping keep and the keys
// the evictable filter rejects.
func (c *Cache) evict(keep string) {
	ele := c.ll.Back()
	for c.maxBytes > 0 && c.nbytes > c.maxBytes && ele != nil {
		prev := ele.Prev()
		key := ele.Value.(*entry).key
		if key != keep && (c.evictable == nil || c.evictable(key)) {
			c.removeElement(ele, RemoveReasonEvicted)
		}
		ele = prev
	}
}

func (c *Cache) Get(key string) (Value, bool) {
	ele, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(ele)
	return ele.Value.(*entry).value, true
}

func (c *Cache) Peek(key string) (Value, bool) {
	ele, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return ele.Value.(*entry).value, true
}

func (c *Cache) Remove(key string) {
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele, RemoveReasonDeleted)
	}
}

// ForEach visits entries in no particular order. fn may not modify the cache.
func (c *Cache) ForEach(fn func(key string, value Value) bool) {
	for key, ele := range c.items {
		if !fn(key, ele.Value.(*entry).value) {
			return
		}
	}
}

func (c *Cache) Clear() {
	for c.ll.Len() > 0 {
		c.removeElement(c.ll.Back(), RemoveReasonCleared)
	}
}

func (c *Cache) Len() int { return c.ll.Len() }

func (c *Cache) Bytes() int64 { return c.nbytes }

func (c *Cache) removeElement(ele *list.Element, reason RemoveReason) {
	ent := ele.Value.(*entry)
	c.ll.Remove(ele)
	delete(c.items, ent.key)
	c.nbytes -= ent.size
	if c.onRemove != nil {
		c.onRemove(ent.key, ent.value, reason)
	}
}
