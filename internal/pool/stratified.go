package pool

import (
	"sync"

	"github.com/oriys/nova/internal/domain"
)

// Tier is one of the three global capacity bands a priority class draws
// pre-warm budget from.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// tierForPriority maps a function's Priority to the tier it draws capacity
// from, mirroring the donor's Realtime->hot, Standard->warm, Batch->cold
// assignment.
func tierForPriority(p domain.Priority) Tier {
	switch p {
	case domain.PriorityRealtime:
		return TierHot
	case domain.PriorityBatch:
		return TierCold
	default:
		return TierWarm
	}
}

// StratifiedPool is the pool's first acquisition layer (§4.2's two-layer
// policy): a global, priority-keyed capacity budget consulted before a
// function ever reaches its own per-image functionPool. Each tier bounds
// how many concurrent cold starts of its priority class may be in flight
// across the whole system, so a flood of batch work can never starve
// realtime functions of the host resources (CPU, boot bandwidth, memory)
// a cold start consumes.
//
// Unlike the donor's container pool, a Go microVM/container pool cannot
// literally hand a pre-warmed instance from one function to another — two
// functions rarely share a code image. So the tiers here bound admission
// rather than recycle instances; the actual instance reuse still happens
// one layer down, in the per-function functionPool this type gates access
// to.
type StratifiedPool struct {
	mu        sync.Mutex
	inUse     [3]int
	capacity  [3]int
	waitersCh [3]chan struct{}
}

// StratifiedConfig sets each tier's concurrent cold-start budget. Zero
// means unlimited for that tier.
type StratifiedConfig struct {
	HotCapacity  int
	WarmCapacity int
	ColdCapacity int
}

// DefaultStratifiedConfig favours realtime work heavily, consistent with
// the donor's hot-tier-first acquisition order.
func DefaultStratifiedConfig() StratifiedConfig {
	return StratifiedConfig{HotCapacity: 32, WarmCapacity: 16, ColdCapacity: 4}
}

// NewStratifiedPool creates a stratified pool with the given per-tier
// budgets.
func NewStratifiedPool(cfg StratifiedConfig) *StratifiedPool {
	return &StratifiedPool{
		capacity: [3]int{cfg.HotCapacity, cfg.WarmCapacity, cfg.ColdCapacity},
	}
}

// TryAcquire attempts to reserve one cold-start slot for priority p without
// blocking. It returns false if that tier is at capacity; the caller
// should then fall through to the function-level queueing/backoff it
// already has, exactly as if this layer did not exist.
func (s *StratifiedPool) TryAcquire(p domain.Priority) (Tier, bool) {
	tier := tierForPriority(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	cap := s.capacity[tier]
	if cap > 0 && s.inUse[tier] >= cap {
		return tier, false
	}
	s.inUse[tier]++
	return tier, true
}

// Release returns a previously acquired slot to its tier.
func (s *StratifiedPool) Release(tier Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[tier] > 0 {
		s.inUse[tier]--
	}
}

// Stats reports current occupancy per tier, for the metrics collector.
func (s *StratifiedPool) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{
		TierHot.String():  s.inUse[TierHot],
		TierWarm.String(): s.inUse[TierWarm],
		TierCold.String(): s.inUse[TierCold],
	}
}
