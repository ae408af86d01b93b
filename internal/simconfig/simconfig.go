// Package simconfig loads the optional YAML tuning file that overrides the
// simulator's compiled-in sizing defaults (spec §9 "tunable limits").
package simconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"rvsim/internal/physmem"
	"rvsim/internal/rv64"
)

// DefaultPhysicalMemoryBytes is used when a config file is absent or leaves
// physical_memory_bytes unset.
const DefaultPhysicalMemoryBytes = 1 << 30

// Config is the on-disk shape of the tuning file. Every field is optional;
// zero values fall back to the compiled-in defaults.
type Config struct {
	BBCacheCapacity     int    `yaml:"bb_cache_capacity"`
	HotnessThreshold    int32  `yaml:"hotness_threshold"`
	PhysicalMemoryBytes uint64 `yaml:"physical_memory_bytes"`
}

// Load reads a YAML config from path and merges it over the compiled-in
// defaults. An empty path, or a path that does not exist, yields the
// defaults with no error.
func Load(path string) (rv64.Config, uint64, error) {
	hartCfg := rv64.DefaultConfig()
	memBytes := uint64(DefaultPhysicalMemoryBytes)

	if path == "" {
		return hartCfg, memBytes, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hartCfg, memBytes, nil
		}
		return hartCfg, memBytes, fmt.Errorf("simconfig: read %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return hartCfg, memBytes, fmt.Errorf("simconfig: parse %s: %w", path, err)
	}

	if file.BBCacheCapacity != 0 {
		if file.BBCacheCapacity&(file.BBCacheCapacity-1) != 0 {
			return hartCfg, memBytes, fmt.Errorf("simconfig: bb_cache_capacity %d is not a power of two", file.BBCacheCapacity)
		}
		hartCfg.BBCacheCapacity = file.BBCacheCapacity
	}
	if file.HotnessThreshold != 0 {
		hartCfg.HotnessThreshold = file.HotnessThreshold
	}
	if file.PhysicalMemoryBytes != 0 {
		memBytes = file.PhysicalMemoryBytes
	}

	return hartCfg, memBytes, nil
}

// NewMemory allocates physical memory sized per a Load result. Broken out
// so cmd/rvsim can sequence memory allocation, then Hart construction,
// without re-parsing the config.
func NewMemory(sizeBytes uint64) (*physmem.Memory, error) {
	return physmem.New(sizeBytes)
}
