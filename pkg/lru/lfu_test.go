package lru

import "testing"

func TestLFU_EvictByFrequency(t *testing.T) {
	evicted := make([]string, 0)
	onRemove := func(key string, _ Value, reason RemoveReason) {
		if reason == RemoveReasonEvicted {
			evicted = append(evicted, key)
		}
	}

	// each entry accounts for 4 bytes, so the third Add evicts one
	c := NewLFU(8, onRemove)
	c.Add("k1", String("v1"))
	c.Add("k2", String("v2"))

	for i := 0; i < 3; i++ {
		if _, ok := c.Get("k1"); !ok {
			t.Fatalf("expected k1 to exist")
		}
	}

	c.Add("k3", String("v3"))

	if _, ok := c.Peek("k2"); ok {
		t.Fatalf("expected k2 evicted")
	}
	if _, ok := c.Peek("k1"); !ok {
		t.Fatalf("expected k1 kept")
	}
	if _, ok := c.Peek("k3"); !ok {
		t.Fatalf("expected k3 kept")
	}
	if len(evicted) != 1 || evicted[0] != "k2" {
		t.Fatalf("expected only k2 evicted, got %v", evicted)
	}
}

func TestLFU_EvictLRUWithinSameFreq(t *testing.T) {
	c := NewLFU(8, nil)
	c.Add("k1", String("v1"))
	c.Add("k2", String("v2"))
	c.Add("k3", String("v3"))

	if _, ok := c.Peek("k1"); ok {
		t.Fatalf("expected k1 evicted as LRU within same freq")
	}
	if _, ok := c.Peek("k2"); !ok {
		t.Fatalf("expected k2 kept")
	}
}

func TestLFU_PeekDoesNotAffectFrequency(t *testing.T) {
	c := NewLFU(8, nil)
	c.Add("k1", String("v1"))
	c.Add("k2", String("v2"))

	for i := 0; i < 5; i++ {
		c.Peek("k1")
	}
	c.Add("k3", String("v3"))

	if _, ok := c.Peek("k1"); ok {
		t.Fatalf("expected k1 evicted, Peek must not count as access")
	}
}

func TestLFU_RemoveAndClear(t *testing.T) {
	c := NewLFU(0, nil)
	c.Add("a", String("1"))
	c.Add("b", String("2"))
	c.Get("a")

	c.Remove("a")
	if c.Len() != 1 || c.Bytes() != 2 {
		t.Fatalf("unexpected state after remove: len=%d bytes=%d", c.Len(), c.Bytes())
	}

	c.Clear()
	if c.Len() != 0 || c.Bytes() != 0 {
		t.Fatalf("unexpected state after clear: len=%d bytes=%d", c.Len(), c.Bytes())
	}

	c.Add("c", String("3"))
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected cache usable after clear")
	}
}

func TestLFU_EvictableFilter(t *testing.T) {
	c := NewLFU(8, nil)
	c.SetEvictable(func(key string) bool { return key != "k1" })
	c.Add("k1", String("v1"))
	c.Add("k2", String("v2"))
	c.Get("k2")
	c.Add("k3", String("v3"))

	if _, ok := c.Peek("k1"); !ok {
		t.Fatalf("expected k1 kept, it is not evictable")
	}
	if _, ok := c.Peek("k2"); ok {
		t.Fatalf("expected k2 evicted from a higher frequency")
	}

	c.SetEvictable(func(string) bool { return false })
	c.Add("k4", String("v4"))
	if c.Len() != 3 {
		t.Fatalf("expected the cache to grow past the bound, len=%d", c.Len())
	}
}
