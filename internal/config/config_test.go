package config

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/dwarflink/pkg/dwarflinker"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DWARFLINK_DWARF_VERSION", "5")
	t.Setenv("DWARFLINK_NO_ODR", "true")
	t.Setenv("DWARFLINK_THREADS", "3")
	t.Setenv("DWARFLINK_ACCELERATORS", "apple, debug_names")
	t.Setenv("DWARFLINK_PREPEND_PATH", "/sysroot")
	t.Setenv("DWARFLINK_LOG_LEVEL", "debug")

	cfg := DefaultLinkConfig()
	require.NoError(t, LoadFromEnv(cfg))

	assert.Equal(t, uint16(5), cfg.DWARFVersion)
	assert.True(t, cfg.NoODR)
	assert.Equal(t, 3, cfg.Threads)
	assert.Equal(t, []string{"apple", "debug_names"}, cfg.Accelerators)
	assert.Equal(t, "/sysroot", cfg.Modules.PrependPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Update, "unset variables keep their value")
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{name: "integer", env: "DWARFLINK_THREADS", val: "many"},
		{name: "unsigned", env: "DWARFLINK_DWARF_VERSION", val: "-1"},
		{name: "overflow", env: "DWARFLINK_DWARF_VERSION", val: "70000"},
		{name: "boolean", env: "DWARFLINK_UPDATE", val: "perhaps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			err := LoadFromEnv(DefaultLinkConfig())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestLayeredLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dwarflink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dwarf_version: 5
threads: 2
accelerators: [pub]
prefix_map:
  - /build=/src
output:
  directory: out
`), 0o600))

	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := NewLayeredLoader().LoadLinkConfig(path, true)
		require.NoError(t, err)
		assert.Equal(t, uint16(5), cfg.DWARFVersion)
		assert.Equal(t, 2, cfg.Threads)
		assert.Equal(t, "out", cfg.Output.Directory)
		assert.Equal(t, "little", cfg.Output.ByteOrder, "defaults survive partial files")
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("DWARFLINK_THREADS", "8")
		cfg, err := NewLayeredLoader().LoadLinkConfig(path, true)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Threads)
	})

	t.Run("file layer disabled", func(t *testing.T) {
		l := NewLayeredLoader()
		l.DisableLayer(LayerFile)
		cfg, err := l.LoadLinkConfig(path, true)
		require.NoError(t, err)
		assert.Equal(t, uint16(4), cfg.DWARFVersion)
	})

	t.Run("missing optional file", func(t *testing.T) {
		cfg, err := NewLayeredLoader().LoadLinkConfig(filepath.Join(t.TempDir(), "none.yaml"), false)
		require.NoError(t, err)
		assert.Equal(t, DefaultLinkConfig().DWARFVersion, cfg.DWARFVersion)
	})

	t.Run("missing required file", func(t *testing.T) {
		_, err := NewLayeredLoader().LoadLinkConfig(filepath.Join(t.TempDir(), "none.yaml"), true)
		assert.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("threads: [1"), 0o600))
		_, err := NewLayeredLoader().LoadLinkConfig(bad, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse YAML")
	})
}

func TestLinkConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*LinkConfig)
		wantErr string
	}{
		{name: "defaults", mutate: func(*LinkConfig) {}},
		{name: "version", mutate: func(c *LinkConfig) { c.DWARFVersion = 6 }, wantErr: "dwarf_version"},
		{name: "threads", mutate: func(c *LinkConfig) { c.Threads = 0 }, wantErr: "threads"},
		{name: "unknown accelerator", mutate: func(c *LinkConfig) { c.Accelerators = []string{"gdb_index"} }, wantErr: "unknown accelerator"},
		{name: "duplicate accelerator", mutate: func(c *LinkConfig) { c.Accelerators = []string{"pub", "pub"} }, wantErr: "listed twice"},
		{name: "prefix without separator", mutate: func(c *LinkConfig) { c.PrefixMap = []string{"/a"} }, wantErr: "old=new"},
		{name: "empty prefix", mutate: func(c *LinkConfig) { c.PrefixMap = []string{"=/b"} }, wantErr: "empty prefix"},
		{name: "byte order", mutate: func(c *LinkConfig) { c.Output.ByteOrder = "middle" }, wantErr: "byte_order"},
		{name: "log level", mutate: func(c *LinkConfig) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLinkConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg := DefaultLinkConfig()
	cfg.DWARFVersion = 0
	cfg.Threads = 0
	err := cfg.Validate()
	var multi *MultiValidationError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 2)
	assert.Contains(t, err.Error(), "validation failed with 2 errors")
}

func TestLinkerOptions(t *testing.T) {
	cfg := DefaultLinkConfig()
	cfg.DWARFVersion = 5
	cfg.Accelerators = []string{"apple", "DWARF"}
	cfg.PrefixMap = []string{"/build=/src", "/tmp="}
	cfg.PaperTrail = true
	cfg.Output.ByteOrder = "big"

	opts, err := cfg.LinkerOptions()
	require.NoError(t, err)
	assert.Equal(t, uint16(5), opts.TargetVersion)
	assert.Equal(t, []dwarflinker.AccelKind{dwarflinker.AccelApple, dwarflinker.AccelDebugNames}, opts.Accelerators)
	assert.Equal(t, []dwarflinker.PrefixRule{{Old: "/build", New: "/src"}, {Old: "/tmp", New: ""}}, opts.PrefixMap)
	assert.True(t, opts.PaperTrail)
	assert.NoError(t, opts.Validate())
	assert.Equal(t, binary.BigEndian, cfg.ByteOrder())

	cfg.Threads = -1
	_, err = cfg.LinkerOptions()
	assert.Error(t, err)
}

func TestJSONSchema(t *testing.T) {
	out, err := JSONSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(out, &schema))
	assert.Equal(t, "dwarflink configuration", schema["title"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "dwarf_version")
	assert.Contains(t, props, "prefix_map")
	assert.Contains(t, props, "output")
}
