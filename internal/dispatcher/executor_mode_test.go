package dispatcher

import (
	"context"
	"testing"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/errkind"
	"github.com/oriys/nova/internal/pool"
)

// Seed test: Branched mode without branch_from_id must be rejected before
// any fork-tree or pool work happens.
func TestInvokeBranched_RequiresBranchFromID(t *testing.T) {
	e := &Executor{persistentLocks: newKeyedMutex()}
	fn := &domain.Function{Name: "fn-a"}

	_, err := e.invokeBranched(context.Background(), fn, "fn-a", domain.InvokeRequest{})
	if err == nil {
		t.Fatal("expected error for missing branch_from_id")
	}
	kind, ok := errkind.KindOf(err)
	if !ok || kind != errkind.InvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v (ok=%v)", kind, ok)
	}
}

func TestInvokeBranched_RequiresForkTree(t *testing.T) {
	e := &Executor{persistentLocks: newKeyedMutex()}
	fn := &domain.Function{Name: "fn-a"}

	_, err := e.invokeBranched(context.Background(), fn, "fn-a", domain.InvokeRequest{BranchFromID: "parent-1"})
	if err == nil {
		t.Fatal("expected error when no fork tree is configured")
	}
	kind, ok := errkind.KindOf(err)
	if !ok || kind != errkind.InvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v (ok=%v)", kind, ok)
	}
}

func TestInvokeCheckpointed_RejectsUnknownParentWithoutStore(t *testing.T) {
	e := &Executor{persistentLocks: newKeyedMutex()}
	fn := &domain.Function{Name: "fn-a"}

	_, err := e.invokeCheckpointed(context.Background(), fn, "fn-a", domain.InvokeRequest{ParentSnapshotID: "snap-1"})
	if err == nil {
		t.Fatal("expected error when no snapshot store is configured and a parent id is named")
	}
	kind, ok := errkind.KindOf(err)
	if !ok || kind != errkind.InvalidRequest {
		t.Fatalf("expected InvalidRequest, got %v (ok=%v)", kind, ok)
	}
}

func TestSelectPool_NoAlternatePoolAlwaysPrimary(t *testing.T) {
	e := &Executor{}
	fn := &domain.Function{Runtime: domain.RuntimePython}

	if got := e.selectPool(fn, domain.RuntimeHintContainer); got != e.pool {
		t.Fatal("expected primary pool when no alternate pool is configured")
	}
}

func TestSelectPool_ExplicitHintsWin(t *testing.T) {
	prim := &pool.Pool{}
	alt := &pool.Pool{}
	e := &Executor{pool: prim, altPool: alt}
	fn := &domain.Function{Runtime: domain.RuntimePython}

	if got := e.selectPool(fn, domain.RuntimeHintMicroVM); got != prim {
		t.Fatal("RuntimeHintMicroVM must select the primary pool")
	}
	if got := e.selectPool(fn, domain.RuntimeHintContainer); got != alt {
		t.Fatal("RuntimeHintContainer must select the alternate pool")
	}
}

func TestSelectPool_BackendFirecrackerDefaultsToPrimary(t *testing.T) {
	prim := &pool.Pool{}
	alt := &pool.Pool{}
	e := &Executor{pool: prim, altPool: alt}
	fn := &domain.Function{Runtime: domain.RuntimePython, Backend: domain.BackendFirecracker}

	if got := e.selectPool(fn, ""); got != prim {
		t.Fatal("a function already pinned to firecracker must stay on the primary pool under Auto routing")
	}
}
