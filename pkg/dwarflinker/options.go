// Package dwarflinker merges DWARF debug information from many relocatable
// objects into one deduplicated image.
//
// Linking runs in two phases. Retention analysis decides, per input file
// and possibly in parallel, which entries survive the native link. Cloning
// then rebuilds the kept entries into a shared output arena, one file at a
// time in addition order, and hands the result to an Emitter.
package dwarflinker

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

var (
	// ErrUnsupportedVersion is returned for a target DWARF version outside 1..5.
	ErrUnsupportedVersion = errors.New("unsupported target DWARF version")

	// ErrNoEmitter is returned when a linker is created without an emitter.
	ErrNoEmitter = errors.New("no emitter configured")

	// ErrAlreadyLinked is returned when Link or AddFile is called after Link.
	ErrAlreadyLinked = errors.New("linker already ran")
)

// AccelKind selects an accelerator table flavor.
type AccelKind int

const (
	// AccelApple builds .apple_names, .apple_types, .apple_namespaces and .apple_objc.
	AccelApple AccelKind = iota
	// AccelPub builds .debug_pubnames and .debug_pubtypes.
	AccelPub
	// AccelDebugNames builds the DWARF 5 .debug_names index.
	AccelDebugNames
)

func (k AccelKind) String() string {
	switch k {
	case AccelApple:
		return "apple"
	case AccelPub:
		return "pub"
	case AccelDebugNames:
		return "debug_names"
	}
	return fmt.Sprintf("AccelKind(%d)", int(k))
}

// ParseAccelKind maps a configuration name to an AccelKind.
func ParseAccelKind(s string) (AccelKind, error) {
	switch strings.ToLower(s) {
	case "apple":
		return AccelApple, nil
	case "pub":
		return AccelPub, nil
	case "debug_names", "debug-names", "dwarf":
		return AccelDebugNames, nil
	}
	return 0, fmt.Errorf("unknown accelerator kind %q", s)
}

// MessageHandler receives a diagnostic, the name of the file it concerns
// and, when known, the offending input entry.
type MessageHandler func(msg string, file string, entry *dwarf.Entry)

// InputVerificationHandler receives the problems found in an input file
// when input verification is enabled.
type InputVerificationHandler func(file *dwarfinfo.File, problems []string)

// StringsTranslator rewrites a string before it is interned.
type StringsTranslator func(s string) string

// PrefixRule rewrites paths starting with Old so they start with New.
type PrefixRule struct {
	Old string
	New string
}

// Options configures a link.
type Options struct {
	// TargetVersion is the DWARF version of the output, 1 through 5.
	// Version 1 is emitted using the version 2 encoding.
	TargetVersion uint16

	// NoODR disables type uniquing across units.
	NoODR bool

	// Update keeps every entry and only refreshes the lookup tables.
	Update bool

	// KeepFunctionForStatic keeps function-local statics whose address
	// is live, and keeps dead ones inside live functions.
	KeepFunctionForStatic bool

	// Threads bounds the number of files analyzed concurrently.
	Threads int

	Accelerators []AccelKind

	// PrefixMap rewrites DW_AT_comp_dir values and line table paths. The
	// first matching rule wins.
	PrefixMap []PrefixRule

	// VerifyInput checks each input file before analysis and reports the
	// problems to InputVerification.
	VerifyInput       bool
	InputVerification InputVerificationHandler

	// PaperTrail adds a synthetic unit recording the warnings of each file
	// that produced any.
	PaperTrail bool

	Verbose    bool
	Statistics bool

	Warning           MessageHandler
	Error             MessageHandler
	StringsTranslator StringsTranslator

	// Logger receives structured progress logs. The zero value logs nothing.
	Logger zerolog.Logger
}

// Validate checks the options for values the linker cannot honor.
func (o *Options) Validate() error {
	if o.TargetVersion < 1 || o.TargetVersion > 5 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, o.TargetVersion)
	}
	if o.Threads < 0 {
		return fmt.Errorf("threads must be positive, got %d", o.Threads)
	}
	seen := map[AccelKind]bool{}
	for _, k := range o.Accelerators {
		if k < AccelApple || k > AccelDebugNames {
			return fmt.Errorf("unknown accelerator kind %d", int(k))
		}
		if seen[k] {
			return fmt.Errorf("accelerator kind %s listed twice", k)
		}
		seen[k] = true
	}
	return nil
}

func (o *Options) hasAccel(k AccelKind) bool {
	for _, a := range o.Accelerators {
		if a == k {
			return true
		}
	}
	return false
}

// outputVersion is the version actually encoded.
func (o *Options) outputVersion() uint16 {
	if o.TargetVersion < 2 {
		return 2
	}
	return o.TargetVersion
}

func (o *Options) remapPath(p string) string {
	for _, r := range o.PrefixMap {
		if strings.HasPrefix(p, r.Old) {
			return r.New + p[len(r.Old):]
		}
	}
	return p
}

func (o *Options) translate(s string) string {
	if o.StringsTranslator != nil {
		return o.StringsTranslator(s)
	}
	return s
}
