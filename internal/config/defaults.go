package config

import (
	"runtime"

	"github.com/coral-mesh/dwarflink/internal/constants"
)

// DefaultLinkConfig returns a link config with sensible defaults.
func DefaultLinkConfig() *LinkConfig {
	return &LinkConfig{
		Version:      SchemaVersion,
		DWARFVersion: constants.DefaultDWARFVersion,
		Threads:      runtime.GOMAXPROCS(0),
		Modules: ModulesConfig{
			CacheSize: constants.DefaultModuleCacheSize,
		},
		Output: OutputConfig{
			Directory: constants.DefaultOutputDir,
			ByteOrder: constants.DefaultByteOrder,
		},
		Logging: LoggingConfig{
			Level:  constants.DefaultLogLevel,
			Pretty: true,
		},
	}
}
