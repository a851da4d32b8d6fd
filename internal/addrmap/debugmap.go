// Package addrmap tells the linker where the code and data of each object
// file ended up in the linked binary, as recorded by a YAML debug map.
package addrmap

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/dwarflink/internal/safe"
)

// DebugMap lists the objects that went into a binary and where their
// symbols were placed.
type DebugMap struct {
	Triple     string   `yaml:"triple"`
	BinaryPath string   `yaml:"binary-path"`
	Objects    []Object `yaml:"objects"`
}

// Object is one input object of the native link.
type Object struct {
	Filename string   `yaml:"filename"`
	Symbols  []Symbol `yaml:"symbols"`
}

// Symbol maps a symbol's address in its object to its address in the
// binary.
type Symbol struct {
	Name    string `yaml:"sym"`
	ObjAddr uint64 `yaml:"objAddr"`
	BinAddr uint64 `yaml:"binAddr"`
	Size    uint64 `yaml:"size"`
}

// LoadDebugMap reads and validates a debug map file.
func LoadDebugMap(path string) (*DebugMap, error) {
	data, err := safe.ReadFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read debug map: %w", err)
	}
	m, err := ParseDebugMap(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseDebugMap decodes and validates a debug map.
func ParseDebugMap(data []byte) (*DebugMap, error) {
	var m DebugMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse debug map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every object is named and no symbol wraps around
// the address space.
func (m *DebugMap) Validate() error {
	if len(m.Objects) == 0 {
		return errors.New("debug map lists no objects")
	}
	for i, o := range m.Objects {
		if o.Filename == "" {
			return fmt.Errorf("object %d: missing filename", i)
		}
		for _, s := range o.Symbols {
			if s.ObjAddr+s.Size < s.ObjAddr {
				return fmt.Errorf("%s: symbol %q overflows the address space", o.Filename, s.Name)
			}
		}
	}
	return nil
}
