// Package config provides loading, layering and validation of the link
// configuration.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaVersion is the configuration schema version.
const SchemaVersion = "1"

// LinkConfig represents a dwarflink.yaml file.
type LinkConfig struct {
	Version string `yaml:"version" json:"version"`

	// DWARFVersion is the version of the emitted debug info.
	DWARFVersion uint16 `yaml:"dwarf_version" json:"dwarf_version" env:"DWARFLINK_DWARF_VERSION" jsonschema:"minimum=1,maximum=5"`
	NoODR        bool   `yaml:"no_odr" json:"no_odr" env:"DWARFLINK_NO_ODR"`
	Update       bool   `yaml:"update" json:"update" env:"DWARFLINK_UPDATE"`
	Threads      int    `yaml:"threads" json:"threads" env:"DWARFLINK_THREADS" jsonschema:"minimum=1"`

	// Accelerators lists the lookup tables to build.
	Accelerators []string `yaml:"accelerators,omitempty" json:"accelerators,omitempty" env:"DWARFLINK_ACCELERATORS" jsonschema:"enum=apple,enum=pub,enum=debug_names"`

	KeepFunctionForStatic bool `yaml:"keep_function_for_static" json:"keep_function_for_static" env:"DWARFLINK_KEEP_FUNCTION_FOR_STATIC"`
	VerifyInput           bool `yaml:"verify_input" json:"verify_input" env:"DWARFLINK_VERIFY_INPUT"`
	Verbose               bool `yaml:"verbose" json:"verbose" env:"DWARFLINK_VERBOSE"`
	Statistics            bool `yaml:"statistics" json:"statistics" env:"DWARFLINK_STATISTICS"`
	PaperTrail            bool `yaml:"paper_trail" json:"paper_trail" env:"DWARFLINK_PAPER_TRAIL"`

	// PrefixMap holds "old=new" path rewrites, first match wins.
	PrefixMap []string `yaml:"prefix_map,omitempty" json:"prefix_map,omitempty" env:"DWARFLINK_PREFIX_MAP"`

	Modules ModulesConfig `yaml:"modules" json:"modules"`
	Output  OutputConfig  `yaml:"output" json:"output"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ModulesConfig controls how referenced modules are found.
type ModulesConfig struct {
	// PrependPath is joined in front of every module path.
	PrependPath string `yaml:"prepend_path,omitempty" json:"prepend_path,omitempty" env:"DWARFLINK_PREPEND_PATH"`
	CacheSize   int    `yaml:"cache_size" json:"cache_size" env:"DWARFLINK_MODULE_CACHE_SIZE" jsonschema:"minimum=1"`
}

// OutputConfig controls where and how sections are written.
type OutputConfig struct {
	Directory string `yaml:"directory" json:"directory" env:"DWARFLINK_OUTPUT"`
	ByteOrder string `yaml:"byte_order" json:"byte_order" env:"DWARFLINK_BYTE_ORDER" jsonschema:"enum=little,enum=big"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"DWARFLINK_LOG_LEVEL" jsonschema:"enum=trace,enum=debug,enum=info,enum=warn,enum=error"`
	Pretty bool   `yaml:"pretty" json:"pretty" env:"DWARFLINK_LOG_PRETTY"`
}

// JSONSchema returns the JSON schema of LinkConfig, indented for display.
func JSONSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true, // Inline nested sections instead of using $defs
	}
	schema := reflector.Reflect(&LinkConfig{})
	schema.Title = "dwarflink configuration"

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}
