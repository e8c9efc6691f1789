package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// NewResultCache Tests
// =============================================================================

func TestNewResultCache(t *testing.T) {
	t.Run("valid parameters", func(t *testing.T) {
		cache := NewResultCache[string](100, 5*time.Minute)

		if cache.maxSize != 100 {
			t.Errorf("maxSize = %d, want 100", cache.maxSize)
		}
		if cache.ttl != 5*time.Minute {
			t.Errorf("ttl = %v, want 5m", cache.ttl)
		}
		if !cache.enabled {
			t.Error("cache should be enabled by default")
		}
	})

	t.Run("non-positive maxSize uses default", func(t *testing.T) {
		for _, size := range []int{0, -10} {
			cache := NewResultCache[string](size, time.Minute)
			if cache.maxSize != 1000 {
				t.Errorf("maxSize = %d, want 1000 (default)", cache.maxSize)
			}
		}
	})
}

// =============================================================================
// Key Generation Tests
// =============================================================================

func TestKey(t *testing.T) {
	t.Run("same parts same key", func(t *testing.T) {
		if Key("cluster", "1,2,3") != Key("cluster", "1,2,3") {
			t.Error("same parts produced different keys")
		}
	})

	t.Run("different parts different key", func(t *testing.T) {
		if Key("cluster", "1,2,3") == Key("cluster", "1,2,4") {
			t.Error("different parts produced same key")
		}
	})

	t.Run("boundaries matter", func(t *testing.T) {
		if Key("ab", "c") == Key("a", "bc") {
			t.Error("re-splitting parts produced same key")
		}
	})

	t.Run("hex encoded", func(t *testing.T) {
		if got := len(Key()); got != 64 {
			t.Errorf("len(Key()) = %d, want 64", got)
		}
	})
}

// =============================================================================
// Get/Put Tests
// =============================================================================

func TestResultCache_GetPut(t *testing.T) {
	t.Run("put and get", func(t *testing.T) {
		cache := NewResultCache[string](100, time.Minute)
		key := Key("nnsearch", "42")

		cache.Put(key, "result1")

		val, ok := cache.Get(key)
		if !ok {
			t.Fatal("Get returned false for existing key")
		}
		if val != "result1" {
			t.Errorf("Get returned %v, want %v", val, "result1")
		}
	})

	t.Run("get non-existent key", func(t *testing.T) {
		cache := NewResultCache[*int](100, time.Minute)

		val, ok := cache.Get("missing")
		if ok {
			t.Error("Get returned true for non-existent key")
		}
		if val != nil {
			t.Errorf("Get returned %v for non-existent key, want nil", val)
		}
	})

	t.Run("update existing key", func(t *testing.T) {
		cache := NewResultCache[string](100, time.Minute)

		cache.Put("k", "result1")
		cache.Put("k", "result2")

		val, ok := cache.Get("k")
		if !ok {
			t.Fatal("Get returned false")
		}
		if val != "result2" {
			t.Errorf("Get returned %v, want result2", val)
		}
		if cache.Len() != 1 {
			t.Errorf("Len = %d, want 1", cache.Len())
		}
	})
}

// =============================================================================
// TTL Tests
// =============================================================================

func TestResultCache_TTL(t *testing.T) {
	t.Run("entry expires after TTL", func(t *testing.T) {
		cache := NewResultCache[string](100, 50*time.Millisecond)
		cache.Put("k", "result")

		if _, ok := cache.Get("k"); !ok {
			t.Error("entry should exist before TTL")
		}

		time.Sleep(150 * time.Millisecond)

		if _, ok := cache.Get("k"); ok {
			t.Error("entry should be expired after TTL")
		}
	})

	t.Run("zero TTL means no expiration", func(t *testing.T) {
		cache := NewResultCache[string](100, 0)
		cache.Put("k", "result")

		time.Sleep(50 * time.Millisecond)

		if _, ok := cache.Get("k"); !ok {
			t.Error("entry should not expire with zero TTL")
		}
	})
}

// =============================================================================
// LRU Eviction Tests
// =============================================================================

func TestResultCache_LRUEviction(t *testing.T) {
	t.Run("evicts oldest when full", func(t *testing.T) {
		cache := NewResultCache[string](3, time.Hour)

		cache.Put("1", "r1")
		cache.Put("2", "r2")
		cache.Put("3", "r3")
		cache.Put("4", "r4")

		if cache.Len() != 3 {
			t.Errorf("Len = %d, want 3", cache.Len())
		}
		if _, ok := cache.Get("1"); ok {
			t.Error("key 1 should have been evicted")
		}
		if _, ok := cache.Get("4"); !ok {
			t.Error("key 4 should exist")
		}
	})

	t.Run("access promotes entry", func(t *testing.T) {
		cache := NewResultCache[string](3, time.Hour)

		cache.Put("1", "r1")
		cache.Put("2", "r2")
		cache.Put("3", "r3")
		cache.Get("1")
		cache.Put("4", "r4")

		if _, ok := cache.Get("1"); !ok {
			t.Error("key 1 should still exist (was accessed)")
		}
		if _, ok := cache.Get("2"); ok {
			t.Error("key 2 should have been evicted")
		}
	})
}

// =============================================================================
// Remove and Clear Tests
// =============================================================================

func TestResultCache_RemoveClear(t *testing.T) {
	cache := NewResultCache[string](100, time.Hour)

	cache.Put("1", "r1")
	cache.Put("2", "r2")
	cache.Put("3", "r3")

	cache.Remove("1")
	if _, ok := cache.Get("1"); ok {
		t.Error("removed key should not exist")
	}
	if cache.Len() != 2 {
		t.Errorf("Len = %d, want 2", cache.Len())
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Len = %d after clear, want 0", cache.Len())
	}
}

// =============================================================================
// Statistics Tests
// =============================================================================

func TestResultCache_Stats(t *testing.T) {
	cache := NewResultCache[string](100, time.Hour)
	if cache.Stats().HitRate != 0 {
		t.Errorf("HitRate = %.2f with no operations, want 0", cache.Stats().HitRate)
	}

	cache.Put("1", "r1")
	cache.Put("2", "r2")

	cache.Get("1")
	cache.Get("2")
	cache.Get("999")
	cache.Get("888")

	stats := cache.Stats()
	if stats.Size != 2 {
		t.Errorf("Size = %d, want 2", stats.Size)
	}
	if stats.MaxSize != 100 {
		t.Errorf("MaxSize = %d, want 100", stats.MaxSize)
	}
	if stats.Hits != 2 || stats.Misses != 2 {
		t.Errorf("Hits/Misses = %d/%d, want 2/2", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 50.0 {
		t.Errorf("HitRate = %.2f, want 50.00", stats.HitRate)
	}
}

// =============================================================================
// SetEnabled Tests
// =============================================================================

func TestResultCache_SetEnabled(t *testing.T) {
	t.Run("disable clears cache", func(t *testing.T) {
		cache := NewResultCache[string](100, time.Hour)
		cache.Put("1", "r1")
		cache.SetEnabled(false)

		if cache.Len() != 0 {
			t.Errorf("disabled cache Len = %d, want 0", cache.Len())
		}
	})

	t.Run("disabled cache returns miss", func(t *testing.T) {
		cache := NewResultCache[string](100, time.Hour)
		cache.SetEnabled(false)
		cache.Put("1", "r1")

		if _, ok := cache.Get("1"); ok {
			t.Error("disabled cache should return miss")
		}
	})

	t.Run("re-enable works", func(t *testing.T) {
		cache := NewResultCache[string](100, time.Hour)
		cache.SetEnabled(false)
		cache.SetEnabled(true)
		cache.Put("1", "r1")

		if _, ok := cache.Get("1"); !ok {
			t.Error("re-enabled cache should work")
		}
	})
}

// =============================================================================
// Concurrent Access Tests
// =============================================================================

func TestResultCache_ConcurrentEviction(t *testing.T) {
	cache := NewResultCache[string](10, time.Hour)

	const goroutines = 50
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				key := strconv.Itoa(id*iterations + j)
				cache.Put(key, "result")
				cache.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if cache.Len() > 10 {
		t.Errorf("Len = %d, should not exceed maxSize 10", cache.Len())
	}
	if s := cache.Stats(); s.Hits+s.Misses != goroutines*iterations {
		t.Errorf("operations = %d, want %d", s.Hits+s.Misses, goroutines*iterations)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkKey(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Key("cluster_points", "stats", "1,2,3,4,5,6,7,8,9,10")
	}
}

func BenchmarkResultCache_Get_Hit(b *testing.B) {
	cache := NewResultCache[string](1000, time.Hour)
	cache.Put("k", "result")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Get("k")
	}
}
