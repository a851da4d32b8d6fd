package config

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/coral-mesh/dwarflink/internal/emit"
	"github.com/coral-mesh/dwarflink/pkg/dwarflinker"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "validation failed with %d errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&builder, "  %d. %s\n", i+1, err.Error())
	}
	return builder.String()
}

// Validate validates LinkConfig.
func (c *LinkConfig) Validate() error {
	var errors []ValidationError
	add := func(field, format string, args ...any) {
		errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.DWARFVersion < 1 || c.DWARFVersion > 5 {
		add("dwarf_version", "must be between 1 and 5, got %d", c.DWARFVersion)
	}
	if c.Threads < 1 {
		add("threads", "must be at least 1, got %d", c.Threads)
	}

	seen := make(map[dwarflinker.AccelKind]bool)
	for _, name := range c.Accelerators {
		kind, err := dwarflinker.ParseAccelKind(name)
		if err != nil {
			add("accelerators", "%v", err)
			continue
		}
		if seen[kind] {
			add("accelerators", "%s listed twice", kind)
		}
		seen[kind] = true
	}

	for _, rule := range c.PrefixMap {
		if _, err := ParsePrefixRule(rule); err != nil {
			add("prefix_map", "%v", err)
		}
	}

	if c.Modules.CacheSize < 1 {
		add("modules.cache_size", "must be at least 1, got %d", c.Modules.CacheSize)
	}
	if _, err := parseByteOrder(c.Output.ByteOrder); err != nil {
		add("output.byte_order", "%v", err)
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}

// ParsePrefixRule parses an "old=new" prefix map entry.
func ParsePrefixRule(s string) (dwarflinker.PrefixRule, error) {
	old, replacement, ok := strings.Cut(s, "=")
	if !ok {
		return dwarflinker.PrefixRule{}, fmt.Errorf("prefix map entry %q is not of the form old=new", s)
	}
	if old == "" {
		return dwarflinker.PrefixRule{}, fmt.Errorf("prefix map entry %q has an empty prefix", s)
	}
	return dwarflinker.PrefixRule{Old: old, New: replacement}, nil
}

func parseByteOrder(s string) (emit.ByteOrder, error) {
	switch strings.ToLower(s) {
	case "", "little":
		return binary.LittleEndian, nil
	case "big":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q", s)
}

// ByteOrder returns the configured section byte order.
func (c *LinkConfig) ByteOrder() emit.ByteOrder {
	order, err := parseByteOrder(c.Output.ByteOrder)
	if err != nil {
		return binary.LittleEndian
	}
	return order
}

// LinkerOptions converts a validated config into linker options. Callbacks
// and the logger are left for the caller to set.
func (c *LinkConfig) LinkerOptions() (dwarflinker.Options, error) {
	if err := c.Validate(); err != nil {
		return dwarflinker.Options{}, err
	}
	opts := dwarflinker.Options{
		TargetVersion:         c.DWARFVersion,
		NoODR:                 c.NoODR,
		Update:                c.Update,
		KeepFunctionForStatic: c.KeepFunctionForStatic,
		Threads:               c.Threads,
		VerifyInput:           c.VerifyInput,
		PaperTrail:            c.PaperTrail,
		Verbose:               c.Verbose,
		Statistics:            c.Statistics,
	}
	for _, name := range c.Accelerators {
		kind, _ := dwarflinker.ParseAccelKind(name)
		opts.Accelerators = append(opts.Accelerators, kind)
	}
	for _, entry := range c.PrefixMap {
		rule, _ := ParsePrefixRule(entry)
		opts.PrefixMap = append(opts.PrefixMap, rule)
	}
	return opts, nil
}
