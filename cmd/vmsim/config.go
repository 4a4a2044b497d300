package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"vmcore/kernel/boot"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/vmm"
)

// envPrefix is the prefix of the environment variables that override the
// configuration file.
const envPrefix = "VMSIM_"

// config describes the simulated machine and the kernel booted on it.
type config struct {
	// Multiboot is the path of a multiboot2 boot information blob that
	// provides the memory map.
	Multiboot string `toml:"multiboot"`
	LogLevel  string `toml:"log_level"`

	Machine machineConfig  `toml:"machine"`
	Kernel  kernelConfig   `toml:"kernel"`
	Layout  layoutConfig   `toml:"layout"`
	Regions []regionConfig `toml:"region"`
}

type machineConfig struct {
	MemoryMiB uint64 `toml:"memory_mib"`
	Cores     int    `toml:"cores"`
	Arch      string `toml:"arch"`
}

type kernelConfig struct {
	ImageKiB uint64 `toml:"image_kib"`
}

type layoutConfig struct {
	ASLR     bool   `toml:"aslr"`
	HeapMiB  uint64 `toml:"heap_mib"`
	StackKiB uint64 `toml:"stack_kib"`
}

type regionConfig struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Kind   string `toml:"kind"`
}

func defaultConfig() config {
	return config{
		LogLevel: "info",
		Machine:  machineConfig{MemoryMiB: 64, Cores: 2, Arch: "amd64"},
		Kernel:   kernelConfig{ImageKiB: 2048},
		Layout:   layoutConfig{ASLR: true, HeapMiB: 64, StackKiB: 64},
	}
}

// loadConfig decodes the TOML file at path on top of the defaults. An empty
// path yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, err
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return cfg, fmt.Errorf("%s: unknown configuration keys: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// readEnv returns the VMSIM_ variables defined in envFile and in the process
// environment. Process variables take precedence; a missing envFile is not
// an error.
func readEnv(envFile string) (map[string]string, error) {
	env := make(map[string]string)

	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			for k, v := range fileEnv {
				env[k] = v
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, envPrefix) {
			env[k] = v
		}
	}

	return env, nil
}

// applyEnv overrides cfg with the supported environment variables.
func (cfg *config) applyEnv(env map[string]string) error {
	if v, ok := env[envPrefix+"LOG_LEVEL"]; ok {
		cfg.LogLevel = v
	}

	if v, ok := env[envPrefix+"ASLR"]; ok {
		aslr, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sASLR: %w", envPrefix, err)
		}
		cfg.Layout.ASLR = aslr
	}

	if v, ok := env[envPrefix+"CORES"]; ok {
		cores, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCORES: %w", envPrefix, err)
		}
		cfg.Machine.Cores = cores
	}

	return nil
}

// validate checks the configuration for values that cannot describe a
// machine.
func (cfg *config) validate() error {
	switch {
	case cfg.Machine.MemoryMiB == 0:
		return fmt.Errorf("machine.memory_mib must be positive")
	case cfg.Machine.Cores < 1:
		return fmt.Errorf("machine.cores must be positive; got %d", cfg.Machine.Cores)
	case cfg.Kernel.ImageKiB == 0:
		return fmt.Errorf("kernel.image_kib must be positive")
	}

	if _, ok := vmm.FormatByName(cfg.Machine.Arch); !ok {
		return fmt.Errorf("unsupported machine.arch %q", cfg.Machine.Arch)
	}

	_, err := cfg.regions()
	return err
}

func (cfg *config) format() vmm.PageTableFormat {
	format, _ := vmm.FormatByName(cfg.Machine.Arch)
	return format
}

func (cfg *config) memorySize() mem.Size { return mem.Size(cfg.Machine.MemoryMiB) * mem.Mb }

// regions converts the configured memory map.
func (cfg *config) regions() ([]boot.MemoryRegion, error) {
	regions := make([]boot.MemoryRegion, 0, len(cfg.Regions))
	for i, r := range cfg.Regions {
		kind, ok := boot.ParseRegionKind(r.Kind)
		if !ok {
			return nil, fmt.Errorf("region %d: unknown kind %q", i, r.Kind)
		}
		regions = append(regions, boot.MemoryRegion{Base: mem.PhysAddr(r.Base), Length: mem.Size(r.Length), Kind: kind})
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	return regions, nil
}
