package registry

import "testing"

const sampleYAML = `
environments:
  python-ml:
    base_image: "python:3.11-slim"
    display_name: "Python ML"
    cache_mounts:
      - source: pip-cache
        target: /root/.cache/pip
        cache_type: DependencyCache
        shared: true
        persistent: true
    resource_requirements:
      min_cpu_cores: 1
      max_cpu_cores: 4
      min_memory_gb: 1
      max_memory_gb: 8
      disk_space_gb: 10
      gpu_count: 1
      gpu_memory_gb: 16
      network_bandwidth_mbps: 1000
    performance_hints:
      cpu_intensive: true
      memory_intensive: true
      gpu_required: true
      typical_duration_ms: 5000
      parallelizable: false
      cache_hit_rate: 0.8
    layers:
      - name: base
        build_commands: ["pip install -r requirements.txt"]
`

func TestParse_ExtractsInterpretedFields(t *testing.T) {
	reg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	env, ok := reg.Get("python-ml")
	if !ok {
		t.Fatalf("environment python-ml not found")
	}
	if env.ID != "python-ml" {
		t.Errorf("ID = %q, want python-ml", env.ID)
	}
	if env.BaseImage != "python:3.11-slim" {
		t.Errorf("BaseImage = %q", env.BaseImage)
	}
	if len(env.CacheMounts) != 1 || env.CacheMounts[0].Target != "/root/.cache/pip" {
		t.Errorf("CacheMounts = %+v", env.CacheMounts)
	}
	if env.ResourceRequirements.GPUCount != 1 {
		t.Errorf("GPUCount = %d, want 1", env.ResourceRequirements.GPUCount)
	}
	if !env.PerformanceHints.GPURequired {
		t.Errorf("GPURequired = false, want true")
	}
}

func TestEnvironment_RoutesToMicroVM(t *testing.T) {
	reg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	env, _ := reg.Get("python-ml")
	if !env.RoutesToMicroVM() {
		t.Errorf("RoutesToMicroVM() = false, want true for gpu_required environment")
	}
}

func TestGet_MissingEnvironment(t *testing.T) {
	reg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, ok := reg.Get("does-not-exist"); ok {
		t.Errorf("Get(missing) = true, want false")
	}
}
