// Package criu wraps the CRIU (Checkpoint/Restore In Userspace) binary to
// checkpoint and restore a process tree for the dispatcher's Checkpointed
// execution mode (§4.3).
//
// The adapter is stateless: every fact it needs (binary path, images
// directory, per-checkpoint options) lives on disk or in the Adapter value
// itself, never in package-level state. Concurrent checkpoint/restore calls
// for distinct checkpoint ids are safe; CRIU itself serializes operations
// against the same images directory.
package criu

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/nova/internal/errkind"
	"github.com/oriys/nova/internal/logging"
)

// candidateBinaryPaths mirrors the donor's hardcoded probe list before
// falling back to $PATH.
var candidateBinaryPaths = []string{
	"/usr/sbin/criu",
	"/usr/local/sbin/criu",
	"/usr/bin/criu",
	"/sbin/criu",
}

// Config tunes the flags passed to `criu dump`/`criu restore`.
type Config struct {
	ImagesDirectory string
	LogFile         string
	TCPEstablished  bool
	ShellJob        bool
	ExtUnixSK       bool
	FileLocks       bool
	GhostLimit      int64
	Timeout         time.Duration
}

// DefaultConfig mirrors the Rust adapter's Default impl.
func DefaultConfig(imagesDirectory string) Config {
	return Config{
		ImagesDirectory: imagesDirectory,
		LogFile:         "dump.log",
		TCPEstablished:  true,
		ShellJob:        true,
		ExtUnixSK:       true,
		FileLocks:       true,
		GhostLimit:      1 << 20,
		Timeout:         30 * time.Second,
	}
}

// Adapter drives the criu binary. The zero value is not usable; construct
// via New.
type Adapter struct {
	binaryPath string
	workDir    string
	config     Config
}

// CheckpointResult reports what a checkpoint produced.
type CheckpointResult struct {
	CheckpointID    string
	ImagesPath      string
	ProcessTreeSize int
	MemoryPages     int64
	Duration        time.Duration
	LogPath         string
}

// RestoreResult reports what a restore produced.
type RestoreResult struct {
	NewPID            int
	RestoredProcesses int
	Duration          time.Duration
	LogPath           string
}

// New probes for a usable criu binary, validates it via `criu check`, and
// creates the images/log directories. It returns UnhealthyBackend if no
// binary is found or the check fails.
func New(ctx context.Context, workDir string, cfg Config) (*Adapter, error) {
	binaryPath, err := locateBinary(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.UnhealthyBackend, "criu binary not found", err)
	}

	if cfg.ImagesDirectory == "" {
		cfg.ImagesDirectory = filepath.Join(workDir, "images")
	}
	if err := os.MkdirAll(cfg.ImagesDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("create images directory: %w", err)
	}
	logDir := filepath.Join(workDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	a := &Adapter{binaryPath: binaryPath, workDir: workDir, config: cfg}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(checkCtx, binaryPath, "check").CombinedOutput(); err != nil {
		return nil, errkind.Wrap(errkind.UnhealthyBackend, "criu check failed: "+string(out), err)
	}

	return a, nil
}

func locateBinary(ctx context.Context) (string, error) {
	for _, candidate := range candidateBinaryPaths {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath("criu")
	if err != nil {
		return "", fmt.Errorf("no criu binary found in known locations or PATH: %w", err)
	}
	_ = ctx
	return path, nil
}

// validateCheckpointID enforces the invariant that a checkpoint id can never
// escape its images subdirectory.
func validateCheckpointID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("invalid checkpoint id: %q", id)
	}
	return nil
}

// Checkpoint dumps the process tree rooted at pid into a fresh, atomically
// created per-checkpoint images directory.
func (a *Adapter) Checkpoint(ctx context.Context, pid int, checkpointID string) (*CheckpointResult, error) {
	if err := validateCheckpointID(checkpointID); err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "checkpoint id", err)
	}

	start := time.Now()
	imagesPath := filepath.Join(a.config.ImagesDirectory, checkpointID)
	if err := os.MkdirAll(imagesPath, 0o755); err != nil {
		return nil, errkind.Wrap(errkind.CheckpointFailed, "create images directory", err)
	}

	logPath := filepath.Join(imagesPath, "dump.log")

	args := []string{
		"dump",
		"--tree", strconv.Itoa(pid),
		"--images-dir", imagesPath,
		"--leave-running",
		"--log-file", logPath,
	}
	args = append(args, a.flagArgs()...)

	timeout := a.config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dumpCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(dumpCtx, a.binaryPath, args...)
	cmd.Dir = a.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		logContent, _ := os.ReadFile(logPath)
		logging.Op().Error("criu dump failed",
			"checkpoint_id", checkpointID, "pid", pid, "stderr", string(out), "log", string(logContent), "error", err)
		return nil, errkind.Wrap(errkind.CheckpointFailed, "criu dump: "+string(out), err)
	}

	treeSize, memPages := analyzeCheckpoint(ctx, a.binaryPath, imagesPath)

	return &CheckpointResult{
		CheckpointID:    checkpointID,
		ImagesPath:      imagesPath,
		ProcessTreeSize: treeSize,
		MemoryPages:     memPages,
		Duration:        time.Since(start),
		LogPath:         logPath,
	}, nil
}

func (a *Adapter) flagArgs() []string {
	var args []string
	if a.config.TCPEstablished {
		args = append(args, "--tcp-established")
	}
	if a.config.ShellJob {
		args = append(args, "--shell-job")
	}
	if a.config.ExtUnixSK {
		args = append(args, "--ext-unix-sk")
	}
	if a.config.FileLocks {
		args = append(args, "--file-locks")
	}
	if a.config.GhostLimit > 0 {
		args = append(args, "--ghost-limit", strconv.FormatInt(a.config.GhostLimit, 10))
	}
	return args
}

// analyzeCheckpoint estimates the restored process count (via `criu show`
// over pstree.img) and total memory pages (summing pages-*.img sizes). Both
// are best-effort; failures yield zero rather than aborting the checkpoint.
func analyzeCheckpoint(ctx context.Context, binaryPath, imagesPath string) (int, int64) {
	treeSize := 0
	showCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(showCtx, binaryPath, "show", filepath.Join(imagesPath, "pstree.img")).Output(); err == nil {
		scanner := bufio.NewScanner(strings.NewReader(string(out)))
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), "pid") {
				treeSize++
			}
		}
	}

	var memBytes int64
	entries, err := os.ReadDir(imagesPath)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), "pages-") {
				continue
			}
			if info, err := e.Info(); err == nil {
				memBytes += info.Size()
			}
		}
	}
	return treeSize, memBytes / 4096
}

// Restore resumes a checkpointed process tree from checkpointID's images
// directory.
func (a *Adapter) Restore(ctx context.Context, checkpointID, restoreID string) (*RestoreResult, error) {
	if err := validateCheckpointID(checkpointID); err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "checkpoint id", err)
	}

	start := time.Now()
	imagesPath := filepath.Join(a.config.ImagesDirectory, checkpointID)
	if _, err := os.Stat(imagesPath); err != nil {
		return nil, errkind.Wrap(errkind.SnapshotNotFound, "checkpoint images not found: "+checkpointID, err)
	}

	logPath := filepath.Join(imagesPath, fmt.Sprintf("restore-%s.log", restoreID))
	args := []string{
		"restore",
		"--images-dir", imagesPath,
		"--log-file", logPath,
	}
	args = append(args, a.flagArgs()...)

	timeout := a.config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	restoreCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(restoreCtx, a.binaryPath, args...)
	cmd.Dir = a.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		logContent, _ := os.ReadFile(logPath)
		logging.Op().Error("criu restore failed",
			"checkpoint_id", checkpointID, "restore_id", restoreID, "stderr", string(out), "log", string(logContent), "error", err)
		return nil, errkind.Wrap(errkind.RestoreFailed, "criu restore: "+string(out), err)
	}

	pid := extractRestoredPID(string(out))
	restoredProcesses := countCoreImages(imagesPath)

	return &RestoreResult{
		NewPID:            pid,
		RestoredProcesses: restoredProcesses,
		Duration:          time.Since(start),
		LogPath:           logPath,
	}, nil
}

// extractRestoredPID scans criu restore's stdout for the new root pid. CRIU
// does not print this in a single documented format, so the donor's
// heuristic is kept: first look at lines mentioning both "restore" and
// "pid", then fall back to any standalone numeric token in (0, 65536).
func extractRestoredPID(output string) int {
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "restore") && strings.Contains(lower, "pid") {
			if pid, ok := firstNumericToken(line); ok {
				return pid
			}
		}
	}
	if pid, ok := firstNumericToken(output); ok {
		return pid
	}
	return 0
}

func firstNumericToken(s string) (int, bool) {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ":,()[]")
		n, err := strconv.Atoi(tok)
		if err == nil && n > 0 && n < 65536 {
			return n, true
		}
	}
	return 0, false
}

func countCoreImages(imagesPath string) int {
	entries, err := os.ReadDir(imagesPath)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "core-") {
			count++
		}
	}
	return count
}

// IsProcessRunning reports whether pid is alive, via `kill -0`.
func (a *Adapter) IsProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscallSigZero()) == nil
}

// Version returns the criu binary's reported version string.
func (a *Adapter) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, a.binaryPath, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("criu --version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// List returns the checkpoint ids present under the images directory,
// sorted for deterministic output.
func (a *Adapter) List() ([]string, error) {
	entries, err := os.ReadDir(a.config.ImagesDirectory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a checkpoint's images directory.
func (a *Adapter) Delete(checkpointID string) error {
	if err := validateCheckpointID(checkpointID); err != nil {
		return errkind.Wrap(errkind.InvalidRequest, "checkpoint id", err)
	}
	return os.RemoveAll(filepath.Join(a.config.ImagesDirectory, checkpointID))
}
