package dwarflinker

import (
	"sort"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// traversalFlags describe how an entry is reached during retention analysis.
type traversalFlags uint8

const (
	flagKeep traversalFlags = 1 << iota
	flagInFunctionScope
	flagDependencyWalk
	flagParentWalk
	flagODR
	flagSkipPC

	flagStates = 1 << 6
)

// EntryInfo holds the retention state of one input entry.
type EntryInfo struct {
	// Keep never goes back to false once set.
	Keep            bool
	InFunctionScope bool
	Incomplete      bool
	ODRCanonical    bool
	// InDebugMap is set when the entry's own address was found live.
	InDebugMap  bool
	HasAddrExpr bool
	AddrAdjust  int64
	Clone       DIEHandle

	// seen records the flag states already processed by decide-keep.
	seen uint64

	// An elided entry belongs to an ODR duplicate; references to it go to
	// the entry at redirectIdx of redirectUnit.
	elided       bool
	redirectUnit *CompileUnit
	redirectIdx  int32
}

type funcRange struct {
	Low    uint64
	High   uint64
	Adjust int64
}

// CompileUnit pairs an input unit with its retention state.
type CompileUnit struct {
	// ID is unique across the run and follows addition order.
	ID   int
	Orig *dwarfinfo.Unit
	Info []EntryInfo

	ctx    *LinkContext
	odr    bool
	module bool

	funcRanges []funcRange
	// maxHigh[i] is the highest end among funcRanges[:i+1].
	maxHigh    []uint64
	labels     map[uint64]int64
	candidates []odrCandidate

	// live is set once any entry of the unit is kept. Until then
	// unconditional entries wait in deferred.
	live     bool
	deferred []int

	// clones survives Clear for units owning ODR canonical entries, so
	// later files can still reach them.
	clones        []DIEHandle
	ownsCanonical bool

	out  *OutputUnit
	kept int
}

func newCompileUnit(id int, u *dwarfinfo.Unit, ctx *LinkContext) *CompileUnit {
	cu := &CompileUnit{
		ID:     id,
		Orig:   u,
		Info:   make([]EntryInfo, len(u.Entries)),
		ctx:    ctx,
		labels: map[uint64]int64{},
	}
	for i := range cu.Info {
		cu.Info[i].Clone = NoDIE
	}
	return cu
}

// cloneOf returns the output entry of idx, also after the owning context
// was cleared.
func (cu *CompileUnit) cloneOf(idx int) DIEHandle {
	if cu.Info != nil {
		return cu.Info[idx].Clone
	}
	if cu.clones != nil {
		return cu.clones[idx]
	}
	return NoDIE
}

func (cu *CompileUnit) addFunctionRange(low, high uint64, adjust int64) {
	cu.funcRanges = append(cu.funcRanges, funcRange{Low: low, High: high, Adjust: adjust})
}

func (cu *CompileUnit) hasLabelAt(addr uint64) bool {
	_, ok := cu.labels[addr]
	return ok
}

// sortRanges orders function ranges by input address and drops exact
// duplicates left by multiple declarations of one function.
func (cu *CompileUnit) sortRanges() {
	sort.SliceStable(cu.funcRanges, func(i, j int) bool {
		return cu.funcRanges[i].Low < cu.funcRanges[j].Low
	})
	out := cu.funcRanges[:0]
	for _, r := range cu.funcRanges {
		if n := len(out); n > 0 && out[n-1] == r {
			continue
		}
		out = append(out, r)
	}
	cu.funcRanges = out

	cu.maxHigh = make([]uint64, len(out))
	var hi uint64
	for i, r := range out {
		hi = max(hi, r.High)
		cu.maxHigh[i] = hi
	}
}

// rangeFor finds the live function range containing addr. Ranges must be
// sorted.
func (cu *CompileUnit) rangeFor(addr uint64) (funcRange, bool) {
	i := sort.Search(len(cu.funcRanges), func(i int) bool { return cu.funcRanges[i].Low > addr })
	for j := i - 1; j >= 0 && cu.maxHigh[j] > addr; j-- {
		if r := cu.funcRanges[j]; addr < r.High {
			return r, true
		}
	}
	return funcRange{}, false
}

// outputRanges returns the relocated function ranges, merged and sorted.
func (cu *CompileUnit) outputRanges() []dwarfinfo.Range {
	out := make([]dwarfinfo.Range, 0, len(cu.funcRanges))
	for _, r := range cu.funcRanges {
		out = append(out, dwarfinfo.Range{
			Low:  uint64(int64(r.Low) + r.Adjust),
			High: uint64(int64(r.High) + r.Adjust),
		})
	}
	return mergeRanges(out)
}

// mergeRanges sorts ranges and coalesces overlapping or adjacent ones.
// Empty ranges are dropped.
func mergeRanges(in []dwarfinfo.Range) []dwarfinfo.Range {
	rs := make([]dwarfinfo.Range, 0, len(in))
	for _, r := range in {
		if r.High > r.Low {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Low != rs[j].Low {
			return rs[i].Low < rs[j].Low
		}
		return rs[i].High < rs[j].High
	})
	out := rs[:0]
	for _, r := range rs {
		if n := len(out); n > 0 && r.Low <= out[n-1].High {
			if r.High > out[n-1].High {
				out[n-1].High = r.High
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

type fileState int

const (
	stateAdded fileState = iota
	stateVerified
	stateRootsDiscovered
	stateClonedOrSkipped
	stateEmitted
	stateCleared
)

func (s fileState) String() string {
	switch s {
	case stateAdded:
		return "Added"
	case stateVerified:
		return "Verified"
	case stateRootsDiscovered:
		return "RootsDiscovered"
	case stateClonedOrSkipped:
		return "ClonedOrSkipped"
	case stateEmitted:
		return "Emitted"
	case stateCleared:
		return "Cleared"
	}
	return "Unknown"
}

type entryRef struct {
	unit *CompileUnit
	idx  int32
}

// LinkContext pairs an input file with the units built from it.
type LinkContext struct {
	File  *dwarfinfo.File
	Addrs AddressMap
	// Units are ordered by input offset.
	Units []*CompileUnit
	// Modules are auxiliary module files pulled in by skeleton units.
	Modules []*LinkContext

	module   bool
	skipped  bool
	state    fileState
	warnings []string
	// referrers maps an entry to the entries referencing it.
	referrers map[entryRef][]entryRef
	stats     FileStats
}

// Clear releases the per-file working state.
func (lc *LinkContext) Clear() {
	for _, cu := range lc.Units {
		if cu.ownsCanonical {
			cu.clones = make([]DIEHandle, len(cu.Info))
			for i := range cu.Info {
				cu.clones[i] = cu.Info[i].Clone
			}
		}
		cu.Info = nil
		cu.candidates = nil
		cu.labels = nil
	}
	lc.referrers = nil
	if lc.Addrs != nil {
		lc.Addrs.Clear()
	}
	for _, m := range lc.Modules {
		m.Clear()
	}
}
