package resultcache

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryCache_EvictsOverCapacity(t *testing.T) {
	c := NewInMemoryCacheWithConfig(L1Config{MaxEntries: shardCount, EvictionPolicy: EvictionLRU})
	defer c.Close()
	ctx := context.Background()

	// One entry per shard capacity; the (shardCount+1)th key lands in some
	// shard that is now over its 1-entry cap and must evict.
	for i := 0; i < shardCount+1; i++ {
		key := string(rune('a' + i))
		if err := c.Set(ctx, key, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
	}

	total := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	if total > shardCount {
		t.Fatalf("expected at most %d entries after eviction, got %d", shardCount, total)
	}
}

func TestInMemoryCache_AdaptivePrefersFrequentOverRecent(t *testing.T) {
	shard := &l1Shard{entries: make(map[string]*l1Entry)}
	c := &InMemoryCache{cfg: L1Config{EvictionPolicy: EvictionAdaptive}}
	now := time.Now()

	// "hot" was accessed often but a while ago; "fresh" was just touched
	// once. The 0.7 frequency weight should make "fresh" the victim.
	shard.entries["hot"] = &l1Entry{accessCount: 100, lastAccessed: now.Add(-time.Minute)}
	shard.entries["fresh"] = &l1Entry{accessCount: 1, lastAccessed: now}

	victim := c.pickVictimLocked(shard)
	if victim != "fresh" {
		t.Fatalf("expected 'fresh' to be evicted over high-frequency 'hot', got %q", victim)
	}
}

func TestInMemoryCache_CompressionRoundTrips(t *testing.T) {
	c := NewInMemoryCacheWithConfig(L1Config{CompressionEnabled: true})
	defer c.Close()
	ctx := context.Background()

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")
	if err := c.Set(ctx, "k", payload, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("compressed round-trip mismatch: got %q", got)
	}
}

func TestInMemoryCache_ExportImportRoundTrip(t *testing.T) {
	src := NewInMemoryCache()
	defer src.Close()
	ctx := context.Background()
	_ = src.Set(ctx, "persisted", []byte("warm-start-value"), time.Hour)

	blob := src.Export()

	dst := NewInMemoryCache()
	defer dst.Close()
	if err := dst.Import(blob); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	val, err := dst.Get(ctx, "persisted")
	if err != nil {
		t.Fatalf("Get after import failed: %v", err)
	}
	if string(val) != "warm-start-value" {
		t.Fatalf("expected 'warm-start-value', got %q", val)
	}
}
