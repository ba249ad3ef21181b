package resultcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EvictionPolicy selects how InMemoryCache picks a victim when a shard is
// over its capacity.
type EvictionPolicy string

const (
	EvictionLRU      EvictionPolicy = "lru"
	EvictionLFU      EvictionPolicy = "lfu"
	EvictionFIFO     EvictionPolicy = "fifo"
	EvictionAdaptive EvictionPolicy = "adaptive"
)

// adaptiveRecencyWeight and adaptiveFrequencyWeight are the fixed weights
// in the Adaptive eviction score: score = 0.3*(1/(recency+1)) + 0.7*frequency.
const (
	adaptiveRecencyWeight   = 0.3
	adaptiveFrequencyWeight = 0.7
	shardCount              = 16
)

// L1Config configures a capacity-bounded InMemoryCache. The zero value is
// an unbounded cache with no compression (the original default behavior),
// which is what NewInMemoryCache still produces.
type L1Config struct {
	MaxSizeBytes       int64
	MaxEntries         int
	DefaultTTL         time.Duration
	CompressionEnabled bool
	EvictionPolicy     EvictionPolicy // defaults to LRU
}

// InMemoryCache is a sharded in-memory cache satisfying the Cache interface.
// Each shard holds a single writer lock so eviction and insertion within a
// shard are atomic with respect to each other, while distinct shards never
// contend. When capacity bounds are configured it evicts according to
// EvictionPolicy once a shard exceeds its share of MaxEntries/MaxSizeBytes.
type InMemoryCache struct {
	cfg    L1Config
	shards [shardCount]*l1Shard
	closed atomic.Bool
	seq    atomic.Int64
	stop   chan struct{}
}

type l1Shard struct {
	mu       sync.Mutex
	entries  map[string]*l1Entry
	sizeUsed int64
}

type l1Entry struct {
	key          string
	value        []byte
	compressed   bool
	size         int64
	expiresAt    time.Time
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	seq          int64
}

func (e *l1Entry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// NewInMemoryCache creates an unbounded, uncompressed in-memory cache with
// periodic TTL eviction only (no capacity-based eviction).
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithConfig(L1Config{})
}

// NewInMemoryCacheWithConfig creates the L1 result cache (§4.7): bounded by
// MaxSizeBytes and MaxEntries, with compressed payloads when
// CompressionEnabled, evicting per EvictionPolicy once a shard is over its
// capacity share.
func NewInMemoryCacheWithConfig(cfg L1Config) *InMemoryCache {
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = EvictionLRU
	}
	c := &InMemoryCache{cfg: cfg, stop: make(chan struct{})}
	for i := range c.shards {
		c.shards[i] = &l1Shard{entries: make(map[string]*l1Entry)}
	}
	go c.evictLoop()
	return c
}

func (c *InMemoryCache) shardFor(key string) *l1Shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// maxEntriesPerShard and maxBytesPerShard divide the configured capacity
// evenly across shards; zero means unbounded on that dimension.
func (c *InMemoryCache) maxEntriesPerShard() int {
	if c.cfg.MaxEntries <= 0 {
		return 0
	}
	per := c.cfg.MaxEntries / shardCount
	if per < 1 {
		per = 1
	}
	return per
}

func (c *InMemoryCache) maxBytesPerShard() int64 {
	if c.cfg.MaxSizeBytes <= 0 {
		return 0
	}
	per := c.cfg.MaxSizeBytes / shardCount
	if per < 1 {
		per = 1
	}
	return per
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	shard := c.shardFor(key)
	shard.mu.Lock()
	entry, ok := shard.entries[key]
	if !ok || entry.expired() {
		shard.mu.Unlock()
		return nil, ErrNotFound
	}
	entry.accessCount++
	entry.lastAccessed = time.Now()
	value := entry.value
	compressed := entry.compressed
	shard.mu.Unlock()

	if compressed {
		return decompress(value)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if c.closed.Load() {
		return nil
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	stored := value
	compressed := false
	if c.cfg.CompressionEnabled {
		if z, err := compress(value); err == nil && len(z) < len(value) {
			stored = z
			compressed = true
		}
	}
	cp := make([]byte, len(stored))
	copy(cp, stored)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	now := time.Now()
	entry := &l1Entry{
		key:          key,
		value:        cp,
		compressed:   compressed,
		size:         int64(len(cp)),
		expiresAt:    expiresAt,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  1,
		seq:          c.seq.Add(1),
	}

	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if old, ok := shard.entries[key]; ok {
		shard.sizeUsed -= old.size
	}
	shard.entries[key] = entry
	shard.sizeUsed += entry.size

	c.evictShardLocked(shard)
	return nil
}

// evictShardLocked removes entries from shard, caller's policy, until it is
// back under its capacity share. Must be called with shard.mu held.
func (c *InMemoryCache) evictShardLocked(shard *l1Shard) {
	maxEntries := c.maxEntriesPerShard()
	maxBytes := c.maxBytesPerShard()
	for {
		overEntries := maxEntries > 0 && len(shard.entries) > maxEntries
		overBytes := maxBytes > 0 && shard.sizeUsed > maxBytes
		if !overEntries && !overBytes {
			return
		}
		victim := c.pickVictimLocked(shard)
		if victim == "" {
			return
		}
		if e, ok := shard.entries[victim]; ok {
			shard.sizeUsed -= e.size
			delete(shard.entries, victim)
		}
	}
}

func (c *InMemoryCache) pickVictimLocked(shard *l1Shard) string {
	if len(shard.entries) == 0 {
		return ""
	}
	switch c.cfg.EvictionPolicy {
	case EvictionLFU:
		return minBy(shard.entries, func(e *l1Entry) float64 { return float64(e.accessCount) })
	case EvictionFIFO:
		return minBy(shard.entries, func(e *l1Entry) float64 { return float64(e.seq) })
	case EvictionAdaptive:
		now := time.Now()
		return minBy(shard.entries, func(e *l1Entry) float64 {
			recency := now.Sub(e.lastAccessed).Seconds()
			return adaptiveRecencyWeight*(1.0/(recency+1)) + adaptiveFrequencyWeight*float64(e.accessCount)
		})
	default: // LRU
		return minBy(shard.entries, func(e *l1Entry) float64 { return float64(e.lastAccessed.UnixNano()) })
	}
}

// minBy returns the key of the entry with the lowest score(entry). For
// Adaptive, the entry with the lowest 0.3*(1/(recency+1))+0.7*frequency
// score is evicted.
func minBy(entries map[string]*l1Entry, score func(*l1Entry) float64) string {
	var bestKey string
	var bestScore float64
	first := true
	for k, e := range entries {
		s := score(e)
		if first || s < bestScore {
			bestKey = k
			bestScore = s
			first = false
		}
	}
	return bestKey
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if e, ok := shard.entries[key]; ok {
		shard.sizeUsed -= e.size
		delete(shard.entries, key)
	}
	return nil
}

func (c *InMemoryCache) Exists(_ context.Context, key string) (bool, error) {
	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.entries[key]
	return ok && !entry.expired(), nil
}

func (c *InMemoryCache) Ping(_ context.Context) error { return nil }

func (c *InMemoryCache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.stop)
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.entries = nil
		shard.mu.Unlock()
	}
	return nil
}

func (c *InMemoryCache) evictLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.closed.Load() {
				return
			}
			for _, shard := range c.shards {
				shard.mu.Lock()
				for key, entry := range shard.entries {
					if entry.expired() {
						shard.sizeUsed -= entry.size
						delete(shard.entries, key)
					}
				}
				shard.mu.Unlock()
			}
		}
	}
}

// exportRecord is one serialized L1 entry (fingerprint, compressed bytes,
// remaining TTL) per §4.7's export/import warm-start format.
type exportRecord struct {
	Key        string        `json:"key"`
	Value      []byte        `json:"value"`
	Compressed bool          `json:"compressed"`
	RemainingTTL time.Duration `json:"remaining_ttl_ns"`
}

// Export serializes all live (non-expired) L1 entries for warm start.
func (c *InMemoryCache) Export() []byte {
	var records []exportRecord
	now := time.Now()
	for _, shard := range c.shards {
		shard.mu.Lock()
		keys := make([]string, 0, len(shard.entries))
		for k := range shard.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e := shard.entries[k]
			if e.expired() {
				continue
			}
			var remaining time.Duration
			if !e.expiresAt.IsZero() {
				remaining = e.expiresAt.Sub(now)
			}
			records = append(records, exportRecord{
				Key:        k,
				Value:      e.value,
				Compressed: e.compressed,
				RemainingTTL: remaining,
			})
		}
		shard.mu.Unlock()
	}
	data, _ := json.Marshal(records)
	return data
}

// Import restores entries previously produced by Export, skipping any whose
// remaining TTL has already lapsed in transit.
func (c *InMemoryCache) Import(data []byte) error {
	var records []exportRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	for _, r := range records {
		if r.RemainingTTL <= 0 && r.RemainingTTL != 0 {
			continue
		}
		entry := &l1Entry{
			key:          r.Key,
			value:        r.Value,
			compressed:   r.Compressed,
			size:         int64(len(r.Value)),
			createdAt:    time.Now(),
			lastAccessed: time.Now(),
			accessCount:  1,
			seq:          c.seq.Add(1),
		}
		if r.RemainingTTL > 0 {
			entry.expiresAt = time.Now().Add(r.RemainingTTL)
		}
		shard := c.shardFor(r.Key)
		shard.mu.Lock()
		shard.entries[r.Key] = entry
		shard.sizeUsed += entry.size
		c.evictShardLocked(shard)
		shard.mu.Unlock()
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
