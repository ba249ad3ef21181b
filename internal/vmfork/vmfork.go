// Package vmfork implements the copy-on-write VM fork tree (§4.6): instant
// branching of a running microVM from a base or from another fork, tracked
// in an arena-indexed tree so lineage never needs cyclic pointers.
package vmfork

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/nova/internal/errkind"
)

// VmFork is one node's payload: the live VM and snapshot it was restored
// from, plus lineage bookkeeping.
type VmFork struct {
	ID             string
	VMID           string
	SnapshotID     string
	Generation     uint32
	MemoryPagesCOW int64
	COWEnabled     bool
	CreatedAt      time.Time
}

// forkNode is one arena slot. ParentIdx/ChildIdx are slice indices into
// ForkTree.nodes, never pointers — §9's redesign guidance rules out
// pointer-based tree links so a cleanup pass can never leave a dangling
// cyclic reference.
type forkNode struct {
	fork      VmFork
	parentIdx int // -1 for a root
	childIdx  []int
	depth     uint32
	removed   bool
}

// SnapshotCreator is the subset of the snapshot store a ForkTree needs:
// creating a full or incremental (CoW) snapshot and restoring a VM from
// one. Kept as an interface so the fork tree can be tested without a real
// Firecracker backend.
type SnapshotCreator interface {
	CreateSnapshot(ctx context.Context, vmID, label string) (snapshotID string, err error)
	CreateIncrementalSnapshot(ctx context.Context, vmID, label, parentSnapshotID string) (snapshotID string, cowPages int64, err error)
	RestoreSnapshot(ctx context.Context, snapshotID, newVMID string) error
}

// Config mirrors the donor's ForkConfig defaults.
type Config struct {
	EnableCOW    bool
	MaxForkDepth uint32
}

// DefaultConfig matches the donor's Default impl.
func DefaultConfig() Config {
	return Config{EnableCOW: true, MaxForkDepth: 10}
}

// ForkTree owns the arena of fork nodes and the index from fork id to arena
// slot. It is safe for concurrent use.
type ForkTree struct {
	mu       sync.RWMutex
	nodes    []forkNode
	byID     map[string]int
	roots    []int
	snapshot SnapshotCreator
	config   Config
}

// New creates an empty fork tree backed by the given snapshot creator.
func New(snapshot SnapshotCreator, cfg Config) *ForkTree {
	if cfg.MaxForkDepth == 0 {
		cfg.MaxForkDepth = DefaultConfig().MaxForkDepth
	}
	return &ForkTree{
		byID:     make(map[string]int),
		snapshot: snapshot,
		config:   cfg,
	}
}

// CreateBaseVM registers baseID as a new root fork for an already-running
// VM, snapshotting it so descendants can be forked from it.
func (t *ForkTree) CreateBaseVM(ctx context.Context, baseID, vmID string) (*VmFork, error) {
	snapshotID, err := t.snapshot.CreateSnapshot(ctx, vmID, "base-"+baseID)
	if err != nil {
		return nil, errkind.Wrap(errkind.SandboxCreationFailed, "create base snapshot", err)
	}

	fork := VmFork{
		ID:         baseID,
		VMID:       vmID,
		SnapshotID: snapshotID,
		Generation: 0,
		COWEnabled: t.config.EnableCOW,
		CreatedAt:  time.Now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byID[baseID]; exists {
		return nil, errkind.New(errkind.InvalidRequest, "base fork id already exists: "+baseID)
	}
	idx := len(t.nodes)
	t.nodes = append(t.nodes, forkNode{fork: fork, parentIdx: -1, depth: 0})
	t.byID[baseID] = idx
	t.roots = append(t.roots, idx)

	result := fork
	return &result, nil
}

// ForkedVM is the result of a successful Fork call.
type ForkedVM struct {
	ForkID     string
	VMID       string
	ForkTimeMs int64
	Fork       VmFork
}

// Fork branches parentID into a new fork, restoring a fresh VM from either
// an incremental CoW snapshot (when enabled) or a full snapshot. It
// returns ForkParentMissing when parentID is unknown and MaxDepthExceeded
// when the new depth would exceed Config.MaxForkDepth.
func (t *ForkTree) Fork(ctx context.Context, parentID, forkID string) (*ForkedVM, error) {
	start := time.Now()

	t.mu.RLock()
	parentIdx, ok := t.byID[parentID]
	var parent forkNode
	if ok {
		parent = t.nodes[parentIdx]
	}
	t.mu.RUnlock()

	if !ok || parent.removed {
		return nil, errkind.New(errkind.ForkParentMissing, "parent fork not found: "+parentID)
	}
	newDepth := parent.depth + 1
	if newDepth > t.config.MaxForkDepth {
		return nil, errkind.New(errkind.MaxDepthExceeded, fmt.Sprintf("max fork depth %d exceeded", t.config.MaxForkDepth))
	}

	var snapshotID string
	var cowPages int64
	var err error
	if t.config.EnableCOW {
		snapshotID, cowPages, err = t.snapshot.CreateIncrementalSnapshot(ctx, parent.fork.VMID, "cow-fork-"+forkID, parent.fork.SnapshotID)
	} else {
		snapshotID, err = t.snapshot.CreateSnapshot(ctx, parent.fork.VMID, "full-fork-"+forkID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.SandboxCreationFailed, "create fork snapshot", err)
	}

	newVMID := "vm-fork-" + uuid.New().String()
	if err := t.snapshot.RestoreSnapshot(ctx, snapshotID, newVMID); err != nil {
		return nil, errkind.Wrap(errkind.RestoreFailed, "restore fork snapshot", err)
	}

	fork := VmFork{
		ID:             forkID,
		VMID:           newVMID,
		SnapshotID:     snapshotID,
		Generation:     parent.fork.Generation + 1,
		MemoryPagesCOW: cowPages,
		COWEnabled:     t.config.EnableCOW,
		CreatedAt:      time.Now(),
	}

	t.mu.Lock()
	if _, exists := t.byID[forkID]; exists {
		t.mu.Unlock()
		return nil, errkind.New(errkind.InvalidRequest, "fork id already exists: "+forkID)
	}
	idx := len(t.nodes)
	t.nodes = append(t.nodes, forkNode{fork: fork, parentIdx: parentIdx, depth: newDepth})
	t.byID[forkID] = idx
	t.nodes[parentIdx].childIdx = append(t.nodes[parentIdx].childIdx, idx)
	t.mu.Unlock()

	return &ForkedVM{
		ForkID:     forkID,
		VMID:       newVMID,
		ForkTimeMs: time.Since(start).Milliseconds(),
		Fork:       fork,
	}, nil
}

// Get returns the fork record for id.
func (t *ForkTree) Get(id string) (VmFork, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byID[id]
	if !ok || t.nodes[idx].removed {
		return VmFork{}, false
	}
	return t.nodes[idx].fork, true
}

// Children returns the direct child fork ids of id.
func (t *ForkTree) Children(id string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byID[id]
	if !ok || t.nodes[idx].removed {
		return nil, errkind.New(errkind.ForkParentMissing, "fork not found: "+id)
	}
	children := make([]string, 0, len(t.nodes[idx].childIdx))
	for _, ci := range t.nodes[idx].childIdx {
		if !t.nodes[ci].removed {
			children = append(children, t.nodes[ci].fork.ID)
		}
	}
	return children, nil
}

// Depth returns id's distance from its root.
func (t *ForkTree) Depth(id string) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byID[id]
	if !ok || t.nodes[idx].removed {
		return 0, false
	}
	return t.nodes[idx].depth, true
}

// CleanupFork removes a single fork node from the index. Children are left
// in place with their parentIdx pointing at the now-removed slot — this
// mirrors the donor's "no cascading delete" behaviour, since a fork's
// descendants remain independently restorable VMs even after the fork they
// branched from is torn down.
func (t *ForkTree) CleanupFork(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byID[id]
	if !ok {
		return errkind.New(errkind.ForkParentMissing, "fork not found: "+id)
	}
	t.nodes[idx].removed = true
	delete(t.byID, id)
	return nil
}

// Len reports how many live (non-removed) forks the tree holds.
func (t *ForkTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
