// Package snapshot implements the VM Snapshot Store (§4.5): content
// addressed full and incremental (page-diff) snapshots, restore by
// materializing a diff chain from its root, and a bounded hot cache that
// keeps the most frequently restored snapshots' bytes in memory.
//
// The store does not itself talk to Firecracker; it is driven by a
// VMSnapshotter (implemented by the firecracker package) that captures a
// VM's memory/state files to disk. This package owns content-addressing,
// the on-disk index, the incremental diff format, and cache eviction.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/nova/internal/errkind"
	"github.com/oriys/nova/internal/logging"
)

const pageSize = 4096

// VMSnapshotter captures a running VM's memory and state to the given
// destination paths. Implemented by the firecracker package against a real
// VM, and by fakes in tests.
type VMSnapshotter interface {
	SnapshotVM(ctx context.Context, vmID, memPath, statePath string) error
	RestoreVM(ctx context.Context, newVMID, memPath, statePath string) error
}

// Metadata describes one stored snapshot, full or incremental.
type Metadata struct {
	ID             string    `json:"id"`
	VMID           string    `json:"vm_id"`
	ParentID       string    `json:"parent_id,omitempty"`
	Incremental    bool      `json:"incremental"`
	ContentHash    string    `json:"content_hash"`
	MemoryFile     string    `json:"memory_file"`
	StateFile      string    `json:"state_file"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// cachedEntry is one hot-cache slot: the materialized memory/state bytes
// plus the access-count the eviction policy ranks on.
type cachedEntry struct {
	memory      []byte
	state       []byte
	accessCount int64
	lastAccess  time.Time
}

// Store is the content-addressed snapshot index plus hot cache. Safe for
// concurrent use.
type Store struct {
	dir        string
	vm         VMSnapshotter
	mu         sync.RWMutex
	index      map[string]Metadata
	cache      map[string]*cachedEntry
	cacheLimit int // max resident snapshots in the hot cache
}

// Option configures a Store.
type Option func(*Store)

// WithCacheLimit bounds the number of snapshots kept fully resident in
// memory. The default is 8.
func WithCacheLimit(n int) Option {
	return func(s *Store) { s.cacheLimit = n }
}

// New creates a Store rooted at dir, loading any existing index.
func New(dir string, vm VMSnapshotter, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	s := &Store{
		dir:        dir,
		vm:         vm,
		index:      make(map[string]Metadata),
		cache:      make(map[string]*cachedEntry),
		cacheLimit: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loadIndex()
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *Store) loadIndex() {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return
	}
	var entries map[string]Metadata
	if err := json.Unmarshal(data, &entries); err == nil {
		s.index = entries
	}
}

// persistIndexLocked writes the index to disk. Callers must hold s.mu.
func (s *Store) persistIndexLocked() error {
	data, err := json.Marshal(s.index)
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

// CreateSnapshot captures a full snapshot of vmID.
func (s *Store) CreateSnapshot(ctx context.Context, vmID, label string) (string, error) {
	return s.create(ctx, vmID, label, "")
}

// CreateIncrementalSnapshot captures a page-diff snapshot against
// parentID's memory file. Returns the new snapshot id and the number of
// pages that differed from the parent (the "CoW pages" the fork tree
// reports).
func (s *Store) CreateIncrementalSnapshot(ctx context.Context, vmID, label, parentID string) (string, int64, error) {
	id, err := s.create(ctx, vmID, label, parentID)
	if err != nil {
		return "", 0, err
	}
	s.mu.RLock()
	meta := s.index[id]
	s.mu.RUnlock()
	info, err := os.Stat(meta.MemoryFile)
	if err != nil {
		return "", 0, fmt.Errorf("stat memory diff: %w", err)
	}
	diffPages := (info.Size() + pageSize - 1) / pageSize
	return id, diffPages, nil
}

func (s *Store) create(ctx context.Context, vmID, label, parentID string) (string, error) {
	id := label
	if id == "" {
		id = uuid.New().String()
	}
	snapDir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return "", errkind.Wrap(errkind.SandboxCreationFailed, "create snapshot directory", err)
	}

	memPath := filepath.Join(snapDir, "memory.snap")
	statePath := filepath.Join(snapDir, "state.snap")

	if err := s.vm.SnapshotVM(ctx, vmID, memPath, statePath); err != nil {
		return "", errkind.Wrap(errkind.SandboxCreationFailed, "capture vm snapshot", err)
	}

	incremental := parentID != ""
	if incremental {
		s.mu.RLock()
		parent, ok := s.index[parentID]
		s.mu.RUnlock()
		if !ok {
			return "", errkind.New(errkind.SnapshotNotFound, "parent snapshot not found: "+parentID)
		}
		diffPath := filepath.Join(snapDir, "memory.diff")
		if err := writeMemoryDiff(parent.MemoryFile, memPath, diffPath); err != nil {
			return "", errkind.Wrap(errkind.SandboxCreationFailed, "compute memory diff", err)
		}
		// The diff replaces the full memory file as this snapshot's
		// on-disk artifact; the full capture above only existed to
		// compute it.
		_ = os.Remove(memPath)
		memPath = diffPath
	}

	hash, size, err := contentHash(memPath, statePath)
	if err != nil {
		return "", err
	}

	meta := Metadata{
		ID:          id,
		VMID:        vmID,
		ParentID:    parentID,
		Incremental: incremental,
		ContentHash: hash,
		MemoryFile:  memPath,
		StateFile:   statePath,
		SizeBytes:   size,
		CreatedAt:   time.Now(),
	}

	// Atomic index registration: metadata (and therefore the id's
	// visibility to Restore/List) is only recorded once both backing
	// files exist on disk.
	s.mu.Lock()
	s.index[id] = meta
	err = s.persistIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("persist snapshot index: %w", err)
	}

	return id, nil
}

// writeMemoryDiff computes a page-level diff of current against base: each
// page of current that differs from base is copied whole into diffPath. Per the memory-diff length-mismatch
// policy, the shorter array is treated as zero-padded to the longer
// length; a shrink (current shorter than base) is logged as a warning,
// never rejected.
func writeMemoryDiff(basePath, currentPath, diffPath string) error {
	base, err := os.ReadFile(basePath)
	if err != nil {
		return fmt.Errorf("read base memory: %w", err)
	}
	current, err := os.ReadFile(currentPath)
	if err != nil {
		return fmt.Errorf("read current memory: %w", err)
	}

	length := len(base)
	if len(current) > length {
		length = len(current)
	}
	if len(current) < len(base) {
		logging.Op().Warn("memory snapshot shrank relative to base",
			"base_bytes", len(base), "current_bytes", len(current))
	}

	diff := make([]byte, 0, length)
	for i := 0; i < length; i += pageSize {
		end := i + pageSize
		if end > length {
			end = length
		}
		basePage := pad(base, i, end)
		curPage := pad(current, i, end)
		if !bytesEqual(basePage, curPage) {
			diff = append(diff, curPage...)
		}
	}

	return os.WriteFile(diffPath, diff, 0o644)
}

func pad(b []byte, start, end int) []byte {
	out := make([]byte, end-start)
	if start < len(b) {
		copy(out, b[start:min(end, len(b))])
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contentHash(paths ...string) (string, int64, error) {
	h := sha256.New()
	var total int64
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", 0, fmt.Errorf("hash %s: %w", p, err)
		}
		h.Write(data)
		total += int64(len(data))
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// RestoreSnapshot materializes id (walking its parent chain if
// incremental) and restores a new VM from it.
func (s *Store) RestoreSnapshot(ctx context.Context, id, newVMID string) error {
	memBytes, stateBytes, err := s.materialize(id)
	if err != nil {
		return err
	}

	restoreDir := filepath.Join(s.dir, "restore", newVMID)
	if err := os.MkdirAll(restoreDir, 0o755); err != nil {
		return fmt.Errorf("create restore directory: %w", err)
	}
	memPath := filepath.Join(restoreDir, "memory.snap")
	statePath := filepath.Join(restoreDir, "state.snap")
	if err := os.WriteFile(memPath, memBytes, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(statePath, stateBytes, 0o644); err != nil {
		return err
	}

	if err := s.vm.RestoreVM(ctx, newVMID, memPath, statePath); err != nil {
		return errkind.Wrap(errkind.RestoreFailed, "restore vm from snapshot", err)
	}
	return nil
}

// materialize returns id's fully-assembled memory and state bytes,
// consulting the hot cache first and applying the incremental chain from
// its root otherwise.
func (s *Store) materialize(id string) ([]byte, []byte, error) {
	if entry, ok := s.cacheGet(id); ok {
		return entry.memory, entry.state, nil
	}

	s.mu.RLock()
	meta, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, errkind.New(errkind.SnapshotNotFound, "snapshot not found: "+id)
	}

	stateBytes, err := os.ReadFile(meta.StateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read state file: %w", err)
	}

	var memBytes []byte
	if !meta.Incremental {
		memBytes, err = os.ReadFile(meta.MemoryFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read memory file: %w", err)
		}
	} else {
		memBytes, err = s.applyIncrementalChain(meta)
		if err != nil {
			return nil, nil, err
		}
	}

	s.cachePut(id, memBytes, stateBytes)
	return memBytes, stateBytes, nil
}

// applyIncrementalChain walks parent links to the nearest full snapshot
// and applies each diff in order.
func (s *Store) applyIncrementalChain(meta Metadata) ([]byte, error) {
	var chain []Metadata
	cur := meta
	for {
		chain = append([]Metadata{cur}, chain...)
		if !cur.Incremental {
			break
		}
		s.mu.RLock()
		parent, ok := s.index[cur.ParentID]
		s.mu.RUnlock()
		if !ok {
			return nil, errkind.New(errkind.SnapshotNotFound, "parent snapshot missing from chain: "+cur.ParentID)
		}
		cur = parent
	}

	base, err := os.ReadFile(chain[0].MemoryFile)
	if err != nil {
		return nil, fmt.Errorf("read root memory: %w", err)
	}
	for _, step := range chain[1:] {
		diff, err := os.ReadFile(step.MemoryFile)
		if err != nil {
			return nil, fmt.Errorf("read diff file: %w", err)
		}
		base = applyDiff(base, diff)
	}
	return base, nil
}

// applyDiff overlays non-empty diff pages onto base. Both are assumed
// page-aligned; base is extended if the diff is longer.
func applyDiff(base, diff []byte) []byte {
	if len(diff) > len(base) {
		extended := make([]byte, len(diff))
		copy(extended, base)
		base = extended
	}
	for i := 0; i+pageSize <= len(diff); i += pageSize {
		page := diff[i : i+pageSize]
		if !isZeroPage(page) {
			copy(base[i:i+pageSize], page)
		}
	}
	return base
}

func isZeroPage(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

func (s *Store) cacheGet(id string) (*cachedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[id]
	if ok {
		entry.accessCount++
		entry.lastAccess = time.Now()
	}
	return entry, ok
}

func (s *Store) cachePut(id string, mem, state []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= s.cacheLimit {
		s.evictColdestLocked()
	}
	s.cache[id] = &cachedEntry{memory: mem, state: state, accessCount: 1, lastAccess: time.Now()}
}

// evictColdestLocked removes the cache entry with the lowest access
// count. Callers must hold s.mu.
func (s *Store) evictColdestLocked() {
	var coldestID string
	var coldestCount int64 = -1
	for id, entry := range s.cache {
		if coldestCount == -1 || entry.accessCount < coldestCount {
			coldestID = id
			coldestCount = entry.accessCount
		}
	}
	if coldestID != "" {
		delete(s.cache, coldestID)
	}
}

// Get returns a snapshot's metadata.
func (s *Store) Get(id string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	return m, ok
}

// List returns all known snapshot ids.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	return ids
}

// Delete removes a snapshot from the index and evicts it from the hot
// cache before unlinking its backing files, so a crash mid-delete never
// leaves the index pointing at files that no longer exist.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	meta, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return errkind.New(errkind.SnapshotNotFound, "snapshot not found: "+id)
	}
	delete(s.index, id)
	delete(s.cache, id)
	err := s.persistIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist snapshot index: %w", err)
	}

	return os.RemoveAll(filepath.Dir(meta.MemoryFile))
}
