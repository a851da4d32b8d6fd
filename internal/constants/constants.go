// Package constants defines shared configuration constants.
package constants

var (
	// ConfigFile is the link configuration looked up in the working
	// directory when --config is not given.
	ConfigFile = "dwarflink.yaml"

	// ConfigEnv names an alternative configuration file.
	ConfigEnv = "DWARFLINK_CONFIG"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DWARFLINK_"

	DefaultOutputDir = "dwarflink.out"
)
