package backend

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/oriys/nova/internal/domain"
)

// BackendInfo describes an available backend and its detection status.
type BackendInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// DetectAvailableBackends checks which execution backends are available on
// the current system. Only the two Sandbox variants named in the data model
// (Container, MicroVM) are probed.
func DetectAvailableBackends() []BackendInfo {
	return []BackendInfo{
		detectFirecracker(),
		detectDocker(),
	}
}

// DetectDefaultBackend returns the best available backend for the current
// system: MicroVM when KVM and the firecracker binary are present, Container
// otherwise.
func DetectDefaultBackend() domain.BackendType {
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/dev/kvm"); err == nil {
			if _, err := exec.LookPath("firecracker"); err == nil {
				return domain.BackendFirecracker
			}
		}
	}
	return domain.BackendDocker
}

func detectFirecracker() BackendInfo {
	info := BackendInfo{Name: "firecracker"}
	if runtime.GOOS != "linux" {
		info.Reason = "requires Linux"
		return info
	}
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		info.Reason = "requires amd64 or arm64 architecture"
		return info
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		info.Reason = "KVM not available (/dev/kvm not found)"
		return info
	}
	if _, err := exec.LookPath("firecracker"); err != nil {
		info.Reason = "firecracker binary not found in PATH"
		return info
	}
	info.Available = true
	return info
}

func detectDocker() BackendInfo {
	info := BackendInfo{Name: "docker"}
	if _, err := exec.LookPath("docker"); err != nil {
		info.Reason = "docker not found in PATH"
		return info
	}
	info.Available = true
	return info
}
