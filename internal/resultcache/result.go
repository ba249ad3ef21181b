package resultcache

import (
	"context"
	"encoding/json"
	"time"
)

// Result is the cached value for one fingerprint: a completed execution's
// captured output and timing. Output carries the handler's actual return
// value (distinct from captured stdout/stderr) so a cache hit can replay
// the exact response the caller would have received from a live execution.
type Result struct {
	Output          []byte `json:"output,omitempty"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	CacheLevelTag   string `json:"cache_level_tag"`
}

// ResultStore wraps a Cache with the result cache's Open Question
// resolution: only a successful execution (ExitCode == 0) is ever stored,
// so a subsequent cache hit can never replay a failure.
type ResultStore struct {
	cache Cache
	ttl   time.Duration
}

// NewResultStore wraps cache (typically a MultiLevelCache) with the
// success-only write policy and a default TTL applied when Put is not
// given an explicit one.
func NewResultStore(cache Cache, defaultTTL time.Duration) *ResultStore {
	return &ResultStore{cache: cache, ttl: defaultTTL}
}

// Get looks up the cached result for fingerprint, tagging which cache it
// arrived from is the caller's responsibility via the underlying Cache
// implementation (MultiLevelCache does not currently report the hit tier
// back to Get; CacheLevelTag on a stored Result reflects the tier at Put
// time, not at Get time).
func (s *ResultStore) Get(ctx context.Context, fingerprint string) (*Result, error) {
	raw, err := s.cache.Get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Put stores r under fingerprint, but only when r.ExitCode == 0. A failed
// execution is never cached, so a cache hit always means "this exact
// input succeeded before" — callers must not use a miss to infer failure.
func (s *ResultStore) Put(ctx context.Context, fingerprint string, r Result, ttl time.Duration) error {
	if r.ExitCode != 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, fingerprint, raw, ttl)
}
