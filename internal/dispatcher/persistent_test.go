package dispatcher

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Seed test: two Persistent-mode invocations of the same function must
// serialize against each other's retained workspace state.
func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	started := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		unlock := km.Lock("fn-a")
		close(started)
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		unlock()
	}()

	<-started
	unlock := km.Lock("fn-a")
	mu.Lock()
	order = append(order, "second")
	mu.Unlock()
	unlock()

	wg.Wait()
	require.Equal(t, []string{"first", "second"}, order)
}

// Calls against different function ids must never block on each other.
func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("fn-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("fn-b")
		defer unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked unexpectedly")
	}
}

func TestMergeRetainedState_NoRetainedState(t *testing.T) {
	payload := json.RawMessage(`{"x":1}`)
	merged := mergeRetainedState(payload, nil)
	assert.Equal(t, payload, merged)
}

func TestMergeRetainedState_InjectsUnderReservedKey(t *testing.T) {
	merged := mergeRetainedState(json.RawMessage(`{"x":1}`), json.RawMessage(`{"counter":7}`))

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(merged, &obj))
	assert.JSONEq(t, `1`, string(obj["x"]))
	assert.JSONEq(t, `{"counter":7}`, string(obj["_retained_state"]))
}

func TestMergeRetainedState_EmptyPayloadStillGetsState(t *testing.T) {
	merged := mergeRetainedState(nil, json.RawMessage(`"previous-output"`))

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(merged, &obj))
	assert.JSONEq(t, `"previous-output"`, string(obj["_retained_state"]))
}

// A payload that isn't a JSON object (e.g. a bare array) can't be merged
// into without corrupting it, so it must pass through unchanged.
func TestMergeRetainedState_NonObjectPayloadPassesThrough(t *testing.T) {
	payload := json.RawMessage(`[1,2,3]`)
	merged := mergeRetainedState(payload, json.RawMessage(`{"counter":7}`))
	assert.Equal(t, payload, merged)
}

func TestKeyedMutex_ReacquireAfterUnlock(t *testing.T) {
	km := newKeyedMutex()
	unlock := km.Lock("fn-a")
	assert.NotNil(t, unlock)
	unlock()

	// Re-acquiring the same key after unlock must not deadlock.
	done := make(chan struct{})
	go func() {
		unlock2 := km.Lock("fn-a")
		unlock2()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-acquiring the same key after unlock deadlocked")
	}
}
