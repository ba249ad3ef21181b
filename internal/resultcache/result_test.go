package resultcache

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestResultStore_RefusesFailedExecutions(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	store := NewResultStore(c, time.Minute)
	ctx := context.Background()

	if err := store.Put(ctx, "fp-failed", Result{ExitCode: 1, Stderr: "boom"}, 0); err != nil {
		t.Fatalf("Put failed execution returned error: %v", err)
	}
	if _, err := store.Get(ctx, "fp-failed"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a failed execution, got %v", err)
	}
}

func TestResultStore_StoresSuccessfulExecutions(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	store := NewResultStore(c, time.Minute)
	ctx := context.Background()

	want := Result{Stdout: "ok", ExitCode: 0, ExecutionTimeMs: 42, CacheLevelTag: "l1"}
	if err := store.Put(ctx, "fp-ok", want, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "fp-ok")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("expected %+v, got %+v", want, *got)
	}
}
