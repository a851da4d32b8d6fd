package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/dwarflink/internal/config"
)

// execute runs the config command with a --config flag the way the root
// command provides it.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DWARFLINK_CONFIG", "")

	root := &cobra.Command{Use: "dwarflink", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", "", "")
	root.PersistentFlags().String("log-level", "", "")
	root.AddCommand(NewConfigCmd())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"config"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dwarflink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewConfigCmd(t *testing.T) {
	cmd := NewConfigCmd()
	assert.Equal(t, "config", cmd.Use)
	assert.NotEmpty(t, cmd.Short)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"view", "validate", "schema", "init"}, names)
}

func TestView(t *testing.T) {
	path := writeConfig(t, "dwarf_version: 5\nno_odr: true\n")

	t.Run("annotated", func(t *testing.T) {
		out, err := execute(t, "view", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "# Config file: "+path+" (present)")
		assert.Contains(t, out, "dwarf_version: 5")
	})

	t.Run("raw", func(t *testing.T) {
		out, err := execute(t, "view", "--raw", "--config", path)
		require.NoError(t, err)

		var cfg config.LinkConfig
		require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
		assert.Equal(t, uint16(5), cfg.DWARFVersion)
		assert.True(t, cfg.NoODR)
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("DWARFLINK_DWARF_VERSION", "3")
		out, err := execute(t, "view", "--raw", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "dwarf_version: 3")
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		out, err := execute(t, "validate", "--config", writeConfig(t, "threads: 2\n"))
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid.")
	})

	t.Run("invalid table", func(t *testing.T) {
		path := writeConfig(t, "dwarf_version: 9\naccelerators: [gdb_index]\n")
		out, err := execute(t, "validate", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 errors")
		assert.Contains(t, out, "dwarf_version")
		assert.Contains(t, out, "accelerators")
	})

	t.Run("invalid json", func(t *testing.T) {
		path := writeConfig(t, "threads: 0\n")
		out, err := execute(t, "validate", "--format", "json", "--config", path)
		require.Error(t, err)

		var result struct {
			Valid  bool `json:"valid"`
			Errors []struct {
				Field string `json:"field"`
			} `json:"errors"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "threads", result.Errors[0].Field)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "none.yaml"))
		assert.Error(t, err)
	})
}

func TestSchema(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, "dwarflink configuration", schema["title"])
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dwarflink.yaml")

	out, err := execute(t, "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	cfg, err := config.NewLayeredLoader().LoadLinkConfig(path, true)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())

	_, err = execute(t, "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "init", "--force", path)
	assert.NoError(t, err)
}
