// Package registry loads the external environment-registry file (§6): a
// YAML document naming the environments the dispatcher can route requests
// into. Only BaseImage, CacheMounts, ResourceRequirements, and
// PerformanceHints are interpreted by the core; every other field is parsed
// but left opaque, matching the distilled spec's "opaque to the core"
// framing of the schema.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CacheMount is a dependency/build-artifact cache mount point consulted by
// the container pool when warming an environment's image.
type CacheMount struct {
	Source     string `yaml:"source"`
	Target     string `yaml:"target"`
	CacheType  string `yaml:"cache_type"`
	Shared     bool   `yaml:"shared"`
	Persistent bool   `yaml:"persistent"`
}

// ResourceRequirements bounds the sandbox resources an environment needs.
type ResourceRequirements struct {
	MinCPUCores           float64 `yaml:"min_cpu_cores"`
	MaxCPUCores           float64 `yaml:"max_cpu_cores"`
	MinMemoryGB           float64 `yaml:"min_memory_gb"`
	MaxMemoryGB           float64 `yaml:"max_memory_gb"`
	DiskSpaceGB           float64 `yaml:"disk_space_gb"`
	GPUCount              int     `yaml:"gpu_count"`
	GPUMemoryGB           float64 `yaml:"gpu_memory_gb"`
	NetworkBandwidthMbps  int     `yaml:"network_bandwidth_mbps"`
}

// PerformanceHints feeds the dispatcher's backend-selection routing rules
// (§4.1 step 3: GPU/high-performance workloads route to MicroVM) and the
// predictive scaler's workload classification.
type PerformanceHints struct {
	CPUIntensive     bool    `yaml:"cpu_intensive"`
	MemoryIntensive  bool    `yaml:"memory_intensive"`
	IOIntensive      bool    `yaml:"io_intensive"`
	GPURequired      bool    `yaml:"gpu_required"`
	TypicalDurationMs int64  `yaml:"typical_duration_ms"`
	Parallelizable   bool    `yaml:"parallelizable"`
	CacheHitRate     float64 `yaml:"cache_hit_rate"`
	// BenefitsFromWarmPool is consulted by the dispatcher's Auto routing
	// rule (§4.1 step 3); absent from the original schema's hint set but
	// named explicitly by this module's routing contract, so it is parsed
	// here rather than left to the opaque passthrough fields below.
	BenefitsFromWarmPool bool `yaml:"benefits_from_warm_pool"`
	// SecuritySensitive likewise drives the MicroVM-vs-Container rule.
	SecuritySensitive bool `yaml:"security_sensitive"`
}

// Environment is one registered entry. The schema carries additional
// fields (layers, dependency graph, cache strategy, feature flags) that
// this module does not declare and therefore leaves opaque, per the
// distilled spec's "opaque to the core" framing: yaml.v3 silently drops
// unknown mapping keys rather than erroring.
type Environment struct {
	ID                   string               `yaml:"id"`
	BaseImage            string               `yaml:"base_image"`
	DisplayName          string               `yaml:"display_name,omitempty"`
	Description          string               `yaml:"description,omitempty"`
	CacheMounts          []CacheMount         `yaml:"cache_mounts,omitempty"`
	ResourceRequirements ResourceRequirements `yaml:"resource_requirements"`
	PerformanceHints     PerformanceHints     `yaml:"performance_hints"`
}

// Registry is the parsed document: a set of named environments.
type Registry struct {
	Environments map[string]Environment `yaml:"environments"`
}

// Load parses a registry document from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environment registry: %w", err)
	}
	return Parse(data)
}

// Parse parses a registry document from raw YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse environment registry: %w", err)
	}
	for id, env := range reg.Environments {
		env.ID = id
		reg.Environments[id] = env
	}
	return &reg, nil
}

// Get returns the named environment, or false if it isn't registered.
func (r *Registry) Get(name string) (Environment, bool) {
	if r == nil {
		return Environment{}, false
	}
	env, ok := r.Environments[name]
	return env, ok
}

// RoutesToMicroVM implements the GPU/security-sensitive half of the
// dispatcher's Auto backend-selection rule (§4.1 step 3).
func (e Environment) RoutesToMicroVM() bool {
	return e.PerformanceHints.SecuritySensitive ||
		e.PerformanceHints.GPURequired ||
		(e.PerformanceHints.CPUIntensive && e.ResourceRequirements.MaxCPUCores >= 4)
}
