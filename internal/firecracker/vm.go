package firecracker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/metrics"
)

type VMState string

const (
	VMStateCreating VMState = "creating"
	VMStateRunning  VMState = "running"
	VMStatePaused   VMState = "paused"
	VMStateStopped  VMState = "stopped"
	// VMStateFailed marks a VM that exhausted its guest-communication
	// retries or failed to boot; it is never returned to the pool and
	// carries a FailureReason for the eviction log.
	VMStateFailed VMState = "failed"

	// Fixed path inside VM where function code lives
	GuestCodeDir  = "/code"
	GuestCodePath = "/code/handler"

	// Default code drive size for template (16MB, suitable for most functions)
	defaultCodeDriveSizeMB = 16

	// Minimum code drive size (4MB) for small functions
	minCodeDriveSizeMB = 4

	// Ext4 overhead factor - actual usable space is ~85% of drive size
	ext4OverheadFactor = 0.85

	// Default vsock port used by the guest agent (must match cmd/agent)
	defaultVsockPort = 9999

	// Maximum vsock message size to protect against oversized responses.
	maxVsockMessageBytes = 8 * 1024 * 1024 // 8MB
)

type Config struct {
	Backend            string // "firecracker" or "docker"
	FirecrackerBin     string
	KernelPath         string
	RootfsDir          string
	SnapshotDir        string
	SocketDir          string
	VsockDir           string
	LogDir             string
	BridgeName         string
	Subnet             string
	BootTimeout        time.Duration
	LogLevel           string // Firecracker log level: Error, Warning, Info, Debug
	CodeDriveSizeMB    int    // standard template size; 0 uses defaultCodeDriveSizeMB
	MinCodeDriveSizeMB int    // smallest custom drive size; 0 uses minCodeDriveSizeMB
}

// NovaDir is the base installation directory for nova
const NovaDir = "/opt/nova"

func DefaultConfig() *Config {
	backend := "firecracker"
	if v := os.Getenv("NOVA_BACKEND"); v != "" {
		backend = v
	}
	return &Config{
		Backend:        backend,
		FirecrackerBin: NovaDir + "/bin/firecracker",
		KernelPath:     NovaDir + "/kernel/vmlinux",
		RootfsDir:      NovaDir + "/rootfs",
		SnapshotDir:    NovaDir + "/snapshots",
		SocketDir:      "/tmp/nova/sockets",
		VsockDir:       "/tmp/nova/vsock",
		LogDir:         "/tmp/nova/logs",
		BridgeName:     "novabr0",
		Subnet:         "172.30.0.0/24",
		BootTimeout:    10 * time.Second,
		LogLevel:       "Warning",
	}
}

// VM tracks one Firecracker guest's runtime state. Lifecycle transitions
// (CreateSnapshot/StopVM/monitorProcess) live in vm_lifecycle.go; the
// wire-protocol details (apiBoot/apiLoadSnapshot) live in
// firecracker_api.go; this type is shared across all of them.
type VM struct {
	ID                string
	Runtime           domain.Runtime
	State             VMState
	CID               uint32
	SocketPath        string
	VsockPath         string
	CodeDrive         string // path to per-VM code drive
	PreserveCodeDrive bool   // true once a snapshot references CodeDrive on disk
	TapDevice         string // TAP device name (e.g., "nova-abc123")
	NetNS             string // network namespace name, set when isolation is enabled
	GuestIP           string // IP assigned to guest (e.g., "172.30.0.2")
	GuestMAC          string // MAC address for guest
	Cmd               *exec.Cmd
	DockerContainerID string // For Docker backend
	AssignedPort      int    // For Docker backend (host port mapped to agent)
	CreatedAt         time.Time
	LastUsed          time.Time
	FailureReason     string // set when State transitions to VMStateFailed
	mu                sync.RWMutex
}

// MarkFailed transitions the VM to VMStateFailed and records why, so the
// pool's eviction path can log a cause instead of a bare "unhealthy" flag.
func (vm *VM) MarkFailed(reason string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.State = VMStateFailed
	vm.FailureReason = reason
}

// Manager owns the set of live VMs plus the host-side resources (vsock
// CIDs, TAP IPs, the shared bridge, the code-drive template) they're
// allocated from. Its methods are split across this file (creation) and
// vm_lifecycle.go/firecracker_api.go/network.go/code_drive.go (the rest
// of the lifecycle and wire protocol).
type Manager struct {
	config *Config
	vms    map[string]*VM
	mu     sync.RWMutex

	cidPool *resourcePool[uint32]
	ipPool  *resourcePool[string]

	// usedCIDs/usedIPs additionally track CIDs/IPs reserved directly from
	// a snapshot's metadata during restore (firecracker_api.go), which
	// bypasses the pool's own free-list bookkeeping.
	cidMu    sync.Mutex
	ipMu     sync.Mutex
	usedCIDs map[uint32]struct{}
	usedIPs  map[string]struct{}

	templateReady atomic.Bool
	templateMu    sync.Mutex
	bridgeReady   atomic.Bool
	bridgeMu      sync.Mutex
}

func NewManager(cfg *Config) (*Manager, error) {
	for _, dir := range []string{cfg.SocketDir, cfg.VsockDir, cfg.LogDir, cfg.SnapshotDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	m := &Manager{
		config:   cfg,
		vms:      make(map[string]*VM),
		cidPool:  newResourcePool[uint32](),
		ipPool:   newResourcePool[string](),
		usedCIDs: make(map[uint32]struct{}),
		usedIPs:  make(map[string]struct{}),
	}
	m.initCIDPool()
	if err := m.initIPPool(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) CreateVM(ctx context.Context, fn *domain.Function, codeContent []byte) (*VM, error) {
	vmID := uuid.New().String()[:8]
	cid, err := m.allocateCID()
	if err != nil {
		return nil, err
	}
	cidAllocated := true

	vm := &VM{
		ID:         vmID,
		Runtime:    fn.Runtime,
		State:      VMStateCreating,
		CID:        cid,
		SocketPath: filepath.Join(m.config.SocketDir, vmID+".sock"),
		VsockPath:  filepath.Join(m.config.VsockDir, vmID+".vsock"),
		CreatedAt:  time.Now(),
		LastUsed:   time.Now(),
	}
	defer func() {
		if vm.State == VMStateStopped {
			if cidAllocated {
				m.releaseCID(cid)
			}
			m.releaseIP(vm.GuestIP)
		}
	}()

	// Clean up any stale sockets before starting Firecracker.
	_ = os.Remove(vm.SocketPath)
	_ = os.Remove(vm.VsockPath)

	// Prepare resources
	rootfsPath := filepath.Join(m.config.RootfsDir, rootfsForRuntime(fn.Runtime))
	if _, err := os.Stat(rootfsPath); os.IsNotExist(err) {
		vm.State = VMStateStopped
		return nil, fmt.Errorf("rootfs not found: %s", rootfsPath)
	}

	codeDrive := filepath.Join(m.config.SocketDir, vmID+"-code.ext4")
	if err := m.buildCodeDrive(codeDrive, codeContent); err != nil {
		vm.State = VMStateStopped
		return nil, fmt.Errorf("build code drive: %w", err)
	}
	vm.CodeDrive = codeDrive

	// Setup network
	if err := m.ensureBridge(); err != nil {
		vm.State = VMStateStopped
		return nil, fmt.Errorf("ensure bridge: %w", err)
	}
	tap, err := m.createTAP(vmID)
	if err != nil {
		vm.State = VMStateStopped
		return nil, fmt.Errorf("create tap: %w", err)
	}
	vm.TapDevice = tap
	ip, err := m.allocateIP()
	if err != nil {
		vm.State = VMStateStopped
		deleteTAP(vm.TapDevice)
		return nil, err
	}
	vm.GuestIP = ip
	vm.GuestMAC = generateMAC(vmID)

	// Check for snapshot
	snapshotPath := filepath.Join(m.config.SnapshotDir, fn.ID+".snap")
	memPath := filepath.Join(m.config.SnapshotDir, fn.ID+".mem")
	useSnapshot := false
	if _, err := os.Stat(snapshotPath); err == nil {
		if _, err := os.Stat(memPath); err == nil {
			useSnapshot = true
		}
	}

	// Start Firecracker process
	logFile, err := os.Create(filepath.Join(m.config.LogDir, vmID+".log"))
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	// Note: We don't pass --config-file if loading from snapshot,
	// or we pass a minimal one. For simplicity, we start without config
	// and use API to configure/load.
	// Use exec.Command (not CommandContext) so the process survives beyond
	// the HTTP request that created it.
	cmd := exec.Command(m.config.FirecrackerBin,
		"--api-sock", vm.SocketPath,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		deleteTAP(vm.TapDevice)
		vm.State = VMStateStopped
		return nil, fmt.Errorf("start firecracker: %w", err)
	}
	if err := logFile.Close(); err != nil {
		m.StopVM(vm.ID)
		return nil, fmt.Errorf("close log file: %w", err)
	}
	vm.Cmd = cmd

	// Wait for API socket
	if err := m.waitForSocket(ctx, vm.SocketPath, cmd.Process, m.config.BootTimeout); err != nil {
		m.StopVM(vm.ID) // cleanup
		return nil, fmt.Errorf("wait api socket: %w", err)
	}

	if useSnapshot {
		// Load Snapshot (pass funcID for metadata lookup)
		err = m.apiLoadSnapshot(ctx, vm, snapshotPath, memPath, fn.ID, cid)
	} else {
		// Regular Boot
		err = m.apiBoot(ctx, vm, rootfsPath, codeDrive, fn)
	}

	if err != nil {
		m.StopVM(vm.ID)
		return nil, err
	}

	vm.State = VMStateRunning
	m.mu.Lock()
	m.vms[vm.ID] = vm
	m.mu.Unlock()

	// Record metrics
	metrics.Global().RecordVMCreated()
	if useSnapshot {
		metrics.Global().RecordSnapshotHit()
	}

	// Monitor the Firecracker process - clean up if it dies unexpectedly
	go m.monitorProcess(vm)

	if err := m.waitForVsock(ctx, vm); err != nil {
		m.StopVM(vm.ID)
		return nil, fmt.Errorf("wait vsock: %w", err)
	}

	return vm, nil
}
