package singleflight

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestGroup_DedupsConcurrentCalls(t *testing.T) {
	var g Group
	var calls atomic.Int64

	const n = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]int, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, err, _ := g.Do("vm-cold-start", func() (interface{}, error) {
				calls.Add(1)
				return 42, nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = v.(int)
		}(i)
	}
	close(start)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected the underlying function to run exactly once, ran %d times", calls.Load())
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("caller %d got %d, want 42", i, v)
		}
	}
}
