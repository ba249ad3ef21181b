// Package domain holds the caller-facing types shared by the pool,
// dispatcher, and scaler: the deployed Function and the small set of
// policy/resource types attached to it.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"
)

// Runtime identifies the language/interpreter a function's code runs under.
type Runtime string

const (
	RuntimePython   Runtime = "python"
	RuntimeGo       Runtime = "go"
	RuntimeRust     Runtime = "rust"
	RuntimeNode     Runtime = "node"
	RuntimeDeno     Runtime = "deno"
	RuntimeBun      Runtime = "bun"
	RuntimeRuby     Runtime = "ruby"
	RuntimeJava     Runtime = "java"
	RuntimeKotlin   Runtime = "kotlin"
	RuntimeScala    Runtime = "scala"
	RuntimePHP      Runtime = "php"
	RuntimeLua      Runtime = "lua"
	RuntimeDotnet   Runtime = "dotnet"
	RuntimeCustom   Runtime = "custom"
	RuntimeProvided Runtime = "provided"
)

func (r Runtime) IsValid() bool {
	return strings.TrimSpace(string(r)) != ""
}

// NeedsCompilation reports whether a runtime requires a build step before
// its code can be handed to a sandbox. Matching is by prefix so versioned
// runtime strings ("rust1.84", "go1.23") are recognized.
func NeedsCompilation(r Runtime) bool {
	s := string(r)
	for _, prefix := range []Runtime{RuntimeRust, RuntimeGo, RuntimeJava, RuntimeKotlin, RuntimeScala, RuntimeDotnet} {
		if strings.HasPrefix(s, string(prefix)) {
			return true
		}
	}
	return false
}

// ExecutionMode is the dispatcher's §4.1 mode enum.
type ExecutionMode string

const (
	ModeEphemeral    ExecutionMode = "ephemeral"
	ModeCached       ExecutionMode = "cached"
	ModeCheckpointed ExecutionMode = "checkpointed"
	ModeBranched     ExecutionMode = "branched"
	ModePersistent   ExecutionMode = "persistent"
)

// BackendType selects which Sandbox variant (§3) serves a function.
type BackendType string

const (
	BackendDocker      BackendType = "docker"
	BackendFirecracker BackendType = "firecracker"
	// BackendAuto defers to the dispatcher's routing rules (§4.1 step 3).
	BackendAuto BackendType = "auto"
)

// RuntimeHint is the per-request backend override named in §4.1/§6.
type RuntimeHint string

const (
	RuntimeHintContainer RuntimeHint = "container"
	RuntimeHintMicroVM   RuntimeHint = "microvm"
	RuntimeHintAuto      RuntimeHint = "auto"
)

// Priority classifies a function's latency sensitivity for the pool's
// stratified acquisition policy (§4.2): Realtime functions get first claim
// on the hot tier's pre-warmed capacity, Batch functions are served last.
type Priority string

const (
	PriorityRealtime Priority = "realtime"
	PriorityStandard Priority = "standard"
	PriorityBatch    Priority = "batch"
)

// ResourceLimits constrains a sandbox's resource consumption.
type ResourceLimits struct {
	VCPUs          int   `json:"vcpus,omitempty"`
	DiskIOPS       int64 `json:"disk_iops,omitempty"`
	DiskBandwidth  int64 `json:"disk_bandwidth,omitempty"`
	NetRxBandwidth int64 `json:"net_rx_bandwidth,omitempty"`
	NetTxBandwidth int64 `json:"net_tx_bandwidth,omitempty"`
}

// CapacityPolicy bounds how many concurrent sandboxes back one function,
// configures admission control on the acquisition hot path, and configures
// the per-function circuit breaker guarding the invocation path. Enabled
// gates all of it at once: a zero-value (or nil) policy imposes no limits
// and never trips the breaker.
type CapacityPolicy struct {
	Enabled             bool `json:"enabled,omitempty"`
	MinReplicas         int  `json:"min_replicas"`
	MaxReplicas         int  `json:"max_replicas,omitempty"`
	InstanceConcurrency int  `json:"instance_concurrency,omitempty"`
	MaxUseCount         int  `json:"max_use_count,omitempty"`

	// Admission control on the pool's acquisition path (§4.2): reject or
	// queue a request before it consumes a sandbox slot.
	MaxInflight    int   `json:"max_inflight,omitempty"`
	MaxQueueDepth  int   `json:"max_queue_depth,omitempty"`
	MaxQueueWaitMs int64 `json:"max_queue_wait_ms,omitempty"`

	// ShedStatusCode/RetryAfterS tell an HTTP-facing caller how to react to
	// a shed request (429 or 503, plus a Retry-After hint); the dispatcher
	// itself only returns the typed error, it never sees these.
	ShedStatusCode int `json:"shed_status_code,omitempty"`
	RetryAfterS    int `json:"retry_after_s,omitempty"`

	// Breaker* fields configure the circuit breaker (§7); shares Enabled
	// with the admission-control fields above, matching the single on/off
	// switch a capacity policy update applies as a whole.
	BreakerErrorPct float64 `json:"breaker_error_pct,omitempty"`
	BreakerWindowS  int     `json:"breaker_window_s,omitempty"`
	BreakerOpenS    int     `json:"breaker_open_s,omitempty"`
	HalfOpenProbes  int     `json:"half_open_probes,omitempty"`
}

// ScaleThresholds groups the scale-up trigger thresholds consulted by the
// predictive scaler's heuristic layer.
type ScaleThresholds struct {
	QueueDepth        int     `json:"queue_depth,omitempty"`
	QueueWaitMs       int64   `json:"queue_wait_ms,omitempty"`
	ColdStartPct      float64 `json:"cold_start_pct,omitempty"`
	AvgLatencyMs      int64   `json:"avg_latency_ms,omitempty"`
	TargetConcurrency float64 `json:"target_concurrency,omitempty"`
}

// ScaleDownThresholds groups the scale-down trigger thresholds.
type ScaleDownThresholds struct {
	IdlePct float64 `json:"idle_pct,omitempty"`
}

// AutoScalePolicy is the per-function configuration consumed by the
// predictive scaler (§4.8).
type AutoScalePolicy struct {
	Enabled                 bool                `json:"enabled"`
	MinReplicas             int                 `json:"min_replicas"`
	MaxReplicas             int                 `json:"max_replicas,omitempty"`
	TargetUtilization       float64             `json:"target_utilization,omitempty"`
	MinSampleCount          int                 `json:"min_sample_count,omitempty"`
	ScaleUpThresholds       ScaleThresholds     `json:"scale_up_thresholds"`
	ScaleDownThresholds     ScaleDownThresholds `json:"scale_down_thresholds"`
	ScaleUpStepMax          int                 `json:"scale_up_step_max,omitempty"`
	ScaleDownStep           int                 `json:"scale_down_step,omitempty"`
	CooldownScaleUpS        int                 `json:"cooldown_scale_up_s,omitempty"`
	CooldownScaleDownS      int                 `json:"cooldown_scale_down_s,omitempty"`
	ScaleDownStabilizationS int                 `json:"scale_down_stabilization_s,omitempty"`
}

// EgressRule is one allow-listed network destination for a function.
type EgressRule struct {
	CIDR  string `json:"cidr"`
	Ports []int  `json:"ports,omitempty"`
}

// NetworkPolicy constrains a function's outbound networking.
type NetworkPolicy struct {
	EgressAllowed bool         `json:"egress_allowed"`
	EgressRules   []EgressRule `json:"egress_rules,omitempty"`
}

// Layer is a content-addressed code/dependency layer merged into a
// function's root filesystem at startup.
type Layer struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Runtime     Runtime         `json:"runtime"`
	Version     int             `json:"version"`
	SizeMB      int             `json:"size_mb,omitempty"`
	Files       json.RawMessage `json:"files,omitempty"`
	ImagePath   string          `json:"image_path"`
	ContentHash string          `json:"content_hash,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Volume is a named, possibly persistent, storage volume.
type Volume struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Namespace   string    `json:"namespace,omitempty"`
	Name        string    `json:"name"`
	SizeMB      int       `json:"size_mb,omitempty"`
	ImagePath   string    `json:"image_path"`
	Shared      bool      `json:"shared,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// VolumeMount attaches a Volume to a function at a guest-side path.
type VolumeMount struct {
	VolumeID string `json:"volume_id"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

// ResolvedMount is a VolumeMount with its backing host image path resolved.
type ResolvedMount struct {
	ImagePath string `json:"image_path"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

// CompileStatus tracks the build pipeline for runtimes that need
// compilation before a sandbox can execute them.
type CompileStatus string

const (
	CompileStatusNone      CompileStatus = ""
	CompileStatusPending   CompileStatus = "pending"
	CompileStatusCompiling CompileStatus = "compiling"
	CompileStatusReady     CompileStatus = "ready"
	CompileStatusFailed    CompileStatus = "failed"
)

// FunctionCode is the stored source/binary payload for a function.
type FunctionCode struct {
	FunctionID     string        `json:"function_id"`
	SourceCode     string        `json:"source_code,omitempty"`
	SourceHash     string        `json:"source_hash,omitempty"`
	CompiledBinary []byte        `json:"compiled_binary,omitempty"`
	BinaryHash     string        `json:"binary_hash,omitempty"`
	CompileStatus  CompileStatus `json:"compile_status,omitempty"`
	CompileError   string        `json:"compile_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Function is the deployed unit the dispatcher invokes.
type Function struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TenantID  string `json:"tenant_id,omitempty"`
	Namespace string `json:"namespace,omitempty"`

	Runtime  Runtime `json:"runtime"`
	Handler  string  `json:"handler"`
	CodePath string  `json:"code_path,omitempty"`
	CodeHash string  `json:"code_hash,omitempty"`

	// Environment selects the entry in the external environment registry
	// (§6); it is the base image / logical environment tag that keys
	// per-environment pools and the scaler's load patterns.
	Environment string `json:"environment"`

	Backend  BackendType   `json:"backend,omitempty"`
	Mode     ExecutionMode `json:"mode,omitempty"`
	MemoryMB int           `json:"memory_mb"`
	TimeoutS int           `json:"timeout_s"`

	// Priority defaults to PriorityStandard when empty; see pool.StratifiedPool.
	Priority Priority `json:"priority,omitempty"`

	Limits          *ResourceLimits   `json:"limits,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	MinReplicas     int               `json:"min_replicas"`
	MaxReplicas     int               `json:"max_replicas,omitempty"`
	CapacityPolicy  *CapacityPolicy   `json:"capacity_policy,omitempty"`
	AutoScalePolicy *AutoScalePolicy  `json:"autoscale_policy,omitempty"`
	NetworkPolicy   *NetworkPolicy    `json:"network_policy,omitempty"`

	Layers []string      `json:"layers,omitempty"` // layer IDs
	Mounts []VolumeMount `json:"mounts,omitempty"`

	// Populated by the dispatcher at invocation time from resolved layers
	// and runtime config; not persisted.
	LayerPaths       []string        `json:"-"`
	ResolvedMounts   []ResolvedMount `json:"-"`
	RuntimeCommand   []string        `json:"-"`
	RuntimeExtension string          `json:"-"`
	RuntimeImageName string          `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstanceConcurrency returns the per-sandbox concurrency limit. Firecracker
// sandboxes are always pinned to 1 for strong isolation; Docker sandboxes
// default to 1 unless a capacity policy overrides it.
func (f *Function) InstanceConcurrency() int {
	if f.Backend == BackendFirecracker {
		return 1
	}
	if f.CapacityPolicy != nil && f.CapacityPolicy.InstanceConcurrency > 0 {
		return f.CapacityPolicy.InstanceConcurrency
	}
	return 1
}

// EnvironmentTag returns the opaque tag (§3 Pool, §6 registry) used to key
// per-environment pools and load patterns, falling back to the function
// name when no explicit environment was configured.
func (f *Function) EnvironmentTag() string {
	if f.Environment != "" {
		return f.Environment
	}
	return f.Name
}

func (f *Function) MarshalBinary() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Function) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, f)
}

// HashCodeFile calculates a SHA256 hash of a code file for change detection.
func HashCodeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// CodeHashChanged reports whether the on-disk code file differs from the
// hash recorded on the function.
func (f *Function) CodeHashChanged() bool {
	if f.CodeHash == "" || f.CodePath == "" {
		return false
	}
	currentHash, err := HashCodeFile(f.CodePath)
	if err != nil {
		return false
	}
	return currentHash != f.CodeHash
}

// InvokeRequest is the dispatcher's external request shape (§4.1). Mode and
// RuntimeHint default to the function's own stored values when empty;
// ParentSnapshotID and BranchFromID are only consulted for Checkpointed and
// Branched mode respectively.
type InvokeRequest struct {
	FunctionID       string          `json:"function_id,omitempty"`
	FunctionName     string          `json:"function_name,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	Mode             ExecutionMode   `json:"mode,omitempty"`
	RuntimeHint      RuntimeHint     `json:"runtime_hint,omitempty"`
	ParentSnapshotID string          `json:"parent_snapshot_id,omitempty"`
	BranchFromID     string          `json:"branch_from_id,omitempty"`
}

// InvokeResponse is the dispatcher's external result shape (§6 Response).
type InvokeResponse struct {
	RequestID  string          `json:"request_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	ColdStart  bool            `json:"cold_start"`
	SnapshotID string          `json:"snapshot_id,omitempty"`
}
