// Package modules loads the auxiliary debug-info files that skeleton units
// point to, such as precompiled module files and split DWARF objects.
package modules

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/dwarflink/internal/constants"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// Loader resolves module references relative to PrependPath and caches
// the files it reads.
type Loader struct {
	// PrependPath is joined in front of every module path when set.
	PrependPath string

	cache  *lruCache
	open   func(path string) (*dwarfinfo.File, error)
	logger zerolog.Logger
}

// NewLoader creates a loader reading modules with dwarfinfo.Load.
func NewLoader(prependPath string, cacheSize int, logger zerolog.Logger) *Loader {
	if cacheSize <= 0 {
		cacheSize = constants.DefaultModuleCacheSize
	}
	return &Loader{
		PrependPath: prependPath,
		cache:       newLRUCache(cacheSize),
		open:        dwarfinfo.Load,
		logger:      logger.With().Str("component", "modules").Logger(),
	}
}

// Load returns the module file at path. dwoID is only used for logging:
// the linker compares ids across references itself.
func (l *Loader) Load(path string, dwoID uint64) (*dwarfinfo.File, error) {
	full := l.resolve(path)
	if f, ok := l.cache.Get(full); ok {
		return f, nil
	}

	l.logger.Debug().Str("path", full).Uint64("dwo_id", dwoID).Msg("Loading module")
	f, err := l.open(full)
	if err != nil {
		return nil, fmt.Errorf("failed to load module %s: %w", full, err)
	}
	if len(f.Units) == 0 {
		return nil, fmt.Errorf("module %s has no debug info", full)
	}
	l.cache.Put(full, f)
	return f, nil
}

func (l *Loader) resolve(path string) string {
	if l.PrependPath == "" {
		return path
	}
	return filepath.Join(l.PrependPath, path)
}
