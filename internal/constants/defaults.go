package constants

// Link defaults.
const (
	// DefaultDWARFVersion is the output version when none is configured.
	DefaultDWARFVersion = 4

	// DefaultModuleCacheSize bounds the number of loaded modules kept open.
	DefaultModuleCacheSize = 64

	DefaultLogLevel = "info"

	// DefaultByteOrder of emitted sections.
	DefaultByteOrder = "little"
)
