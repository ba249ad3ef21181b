package vmfork

import (
	"context"
	"fmt"
	"testing"

	"github.com/oriys/nova/internal/errkind"
)

type fakeSnapshots struct {
	nextID int
}

func (f *fakeSnapshots) CreateSnapshot(ctx context.Context, vmID, label string) (string, error) {
	f.nextID++
	return fmt.Sprintf("snap-%d", f.nextID), nil
}

func (f *fakeSnapshots) CreateIncrementalSnapshot(ctx context.Context, vmID, label, parentSnapshotID string) (string, int64, error) {
	f.nextID++
	return fmt.Sprintf("snap-%d", f.nextID), 128, nil
}

func (f *fakeSnapshots) RestoreSnapshot(ctx context.Context, snapshotID, newVMID string) error {
	return nil
}

func TestForkTree_CreateBaseVMAndFork(t *testing.T) {
	tree := New(&fakeSnapshots{}, DefaultConfig())
	ctx := context.Background()

	if _, err := tree.CreateBaseVM(ctx, "base", "vm-base"); err != nil {
		t.Fatalf("CreateBaseVM failed: %v", err)
	}

	forked, err := tree.Fork(ctx, "base", "child-1")
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if forked.Fork.Generation != 1 {
		t.Errorf("Generation = %d, want 1", forked.Fork.Generation)
	}

	children, err := tree.Children("base")
	if err != nil || len(children) != 1 || children[0] != "child-1" {
		t.Errorf("Children(base) = %v, %v", children, err)
	}
}

func TestForkTree_ForkUnknownParent(t *testing.T) {
	tree := New(&fakeSnapshots{}, DefaultConfig())
	_, err := tree.Fork(context.Background(), "missing", "child")
	if kind, ok := errkind.KindOf(err); !ok || kind != errkind.ForkParentMissing {
		t.Errorf("Fork(missing parent) kind = %v, ok=%v, want ForkParentMissing", kind, ok)
	}
}

func TestForkTree_MaxDepthExceeded(t *testing.T) {
	cfg := Config{EnableCOW: true, MaxForkDepth: 1}
	tree := New(&fakeSnapshots{}, cfg)
	ctx := context.Background()

	if _, err := tree.CreateBaseVM(ctx, "base", "vm-base"); err != nil {
		t.Fatalf("CreateBaseVM failed: %v", err)
	}
	if _, err := tree.Fork(ctx, "base", "gen1"); err != nil {
		t.Fatalf("Fork gen1 failed: %v", err)
	}
	_, err := tree.Fork(ctx, "gen1", "gen2")
	if kind, ok := errkind.KindOf(err); !ok || kind != errkind.MaxDepthExceeded {
		t.Errorf("Fork(over depth) kind = %v, ok=%v, want MaxDepthExceeded", kind, ok)
	}
}

func TestForkTree_CleanupDoesNotCascade(t *testing.T) {
	tree := New(&fakeSnapshots{}, DefaultConfig())
	ctx := context.Background()

	if _, err := tree.CreateBaseVM(ctx, "base", "vm-base"); err != nil {
		t.Fatalf("CreateBaseVM failed: %v", err)
	}
	if _, err := tree.Fork(ctx, "base", "child-1"); err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := tree.CleanupFork("base"); err != nil {
		t.Fatalf("CleanupFork failed: %v", err)
	}
	if _, ok := tree.Get("child-1"); !ok {
		t.Errorf("child-1 should survive parent cleanup")
	}
}
