package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmcore/kernel/boot"
	"vmcore/kernel/mem"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.NoError(t, cfg.validate())
	assert.Equal(t, 64*mem.Mb, cfg.memorySize())
	assert.Equal(t, "amd64", cfg.format().Name())
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "machine.toml", `
log_level = "debug"

[machine]
memory_mib = 128
arch = "sv39"

[layout]
aslr = false

[[region]]
base = 0x100000
length = 0x7f00000
kind = "usable"

[[region]]
base = 0
length = 0x100000
kind = "reserved"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	exp := defaultConfig()
	exp.LogLevel = "debug"
	exp.Machine.MemoryMiB = 128
	exp.Machine.Arch = "sv39"
	exp.Layout.ASLR = false
	exp.Regions = []regionConfig{
		{Base: 0x100000, Length: 0x7f00000, Kind: "usable"},
		{Base: 0, Length: 0x100000, Kind: "reserved"},
	}
	if diff := cmp.Diff(exp, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	regions, err := cfg.regions()
	require.NoError(t, err)
	assert.Equal(t, []boot.MemoryRegion{
		{Base: 0, Length: mem.Mb, Kind: boot.Reserved},
		{Base: 0x100000, Length: 0x7f00000, Kind: boot.Usable},
	}, regions)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(writeFile(t, "bad.toml", "[machine\n"))
	assert.Error(t, err)

	_, err = loadConfig(writeFile(t, "unknown.toml", "[machine]\nmemory_gib = 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine.memory_gib")

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestReadEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "VMSIM_LOG_LEVEL=warn\nVMSIM_CORES=3\nOTHER=1\n")
	t.Setenv("VMSIM_CORES", "8")

	env, err := readEnv(envFile)
	require.NoError(t, err)
	assert.Equal(t, "warn", env["VMSIM_LOG_LEVEL"])
	assert.Equal(t, "8", env["VMSIM_CORES"], "process environment must take precedence")

	cfg := defaultConfig()
	require.NoError(t, cfg.applyEnv(env))
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Machine.Cores)

	// A missing env file is not an error.
	_, err = readEnv(filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestApplyEnv(t *testing.T) {
	specs := []struct {
		env    map[string]string
		expErr bool
		check  func(config) bool
	}{
		{map[string]string{"VMSIM_ASLR": "false"}, false, func(c config) bool { return !c.Layout.ASLR }},
		{map[string]string{"VMSIM_ASLR": "maybe"}, true, nil},
		{map[string]string{"VMSIM_CORES": "four"}, true, nil},
		{map[string]string{"VMSIM_CORES": "1", "VMSIM_LOG_LEVEL": "error"}, false, func(c config) bool {
			return c.Machine.Cores == 1 && c.LogLevel == "error"
		}},
	}

	for specIndex, spec := range specs {
		cfg := defaultConfig()
		err := cfg.applyEnv(spec.env)
		if spec.expErr {
			assert.Error(t, err, "[spec %d]", specIndex)
			continue
		}

		require.NoError(t, err, "[spec %d]", specIndex)
		assert.True(t, spec.check(cfg), "[spec %d] unexpected config %+v", specIndex, cfg)
	}
}

func TestValidate(t *testing.T) {
	specs := []struct {
		descr  string
		mutate func(*config)
	}{
		{"no memory", func(c *config) { c.Machine.MemoryMiB = 0 }},
		{"no cores", func(c *config) { c.Machine.Cores = 0 }},
		{"no image", func(c *config) { c.Kernel.ImageKiB = 0 }},
		{"unknown arch", func(c *config) { c.Machine.Arch = "sparc" }},
		{"unknown region kind", func(c *config) { c.Regions = []regionConfig{{Length: 1, Kind: "rom"}} }},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cfg := defaultConfig()
			spec.mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}
