package dwarflinker

import (
	"debug/dwarf"

	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

type workKind uint8

const (
	workDecideKeep workKind = iota
	workChildren
	workReferences
	workAncestors
	workChildIncompleteness
	workRefIncompleteness
	workMarkODRCanonical
)

// workItem is one pending step of the retention analysis.
type workItem struct {
	kind  workKind
	unit  *CompileUnit
	idx   int
	flags traversalFlags
	// other is the child or referenced entry for incompleteness updates.
	other *EntryInfo
}

// analyzer runs the worklist for the units of one link context. It never
// touches shared state, so analyzers of different files run concurrently.
type analyzer struct {
	l     *Linker
	ctx   *LinkContext
	stack []workItem
}

func (a *analyzer) push(it workItem) { a.stack = append(a.stack, it) }

// run processes the stack until it is empty.
func (a *analyzer) run() {
	for len(a.stack) > 0 {
		it := a.stack[len(a.stack)-1]
		a.stack = a.stack[:len(a.stack)-1]

		switch it.kind {
		case workDecideKeep:
			a.decideKeep(it)
		case workChildren:
			a.walkChildren(it)
		case workReferences:
			a.walkReferences(it)
		case workAncestors:
			a.walkAncestors(it)
		case workChildIncompleteness:
			a.updateChildIncompleteness(it)
		case workRefIncompleteness:
			a.updateRefIncompleteness(it)
		case workMarkODRCanonical:
			a.l.odr.mark(it.unit, it.idx)
		}
	}
}

// analyzeUnit discovers the entries of cu to keep, starting from its root.
func (a *analyzer) analyzeUnit(cu *CompileUnit) {
	if a.l.opts.Update || cu.module {
		a.keepEverything(cu)
		return
	}
	a.push(workItem{kind: workDecideKeep, unit: cu, idx: 0})
	a.run()
}

// keepEverything marks every entry kept. Addresses are not relocated.
func (a *analyzer) keepEverything(cu *CompileUnit) {
	u := cu.Orig
	cu.live = len(u.Entries) > 0
	for i, e := range u.Entries {
		info := &cu.Info[i]
		info.Keep = true
		info.Incomplete = isIncompleteDecl(e)
		if e.Tag == dwarf.TagSubprogram {
			low, ok := e.Val(dwarf.AttrLowpc).(uint64)
			if high, ok2 := dwarfinfo.HighPC(e); ok && ok2 && low <= high {
				cu.addFunctionRange(low, high, 0)
			}
		}
		a.recordReferences(cu, i)
	}
}

func (a *analyzer) decideKeep(it workItem) {
	cu, idx, flags := it.unit, it.idx, it.flags
	info := &cu.Info[idx]

	bit := uint64(1) << (flags % flagStates)
	if info.seen&bit != 0 {
		return
	}
	info.seen |= bit

	alreadyKept := info.Keep
	if flags&flagDependencyWalk != 0 && alreadyKept {
		return
	}
	if flags&flagDependencyWalk == 0 {
		flags = a.shouldKeep(cu, idx, flags)
	}
	if flags&flagInFunctionScope != 0 {
		info.InFunctionScope = true
	}

	// LIFO: pushed first, runs after the references and ancestors.
	a.push(workItem{kind: workChildren, unit: cu, idx: idx, flags: flags})

	if alreadyKept || flags&flagKeep == 0 {
		return
	}
	info.Keep = true
	e := cu.Orig.Entries[idx]
	info.Incomplete = isIncompleteDecl(e)
	if !cu.live {
		a.markLive(cu)
	}

	if flags&flagSkipPC == 0 {
		a.push(workItem{kind: workReferences, unit: cu, idx: idx, flags: flags})
	}

	useODR := cu.odr
	if flags&flagDependencyWalk != 0 {
		useODR = flags&flagODR != 0
	}
	parentFlags := flagParentWalk | flagKeep | flagDependencyWalk | flags&flagSkipPC
	if useODR {
		parentFlags |= flagODR
	}
	if p := cu.Orig.Parent(idx); p >= 0 {
		a.push(workItem{kind: workAncestors, unit: cu, idx: p, flags: parentFlags})
	}
}

// isIncompleteDecl reports whether e is a declaration that makes the types
// containing or referencing it incomplete.
func isIncompleteDecl(e *dwarf.Entry) bool {
	switch e.Tag {
	case dwarf.TagMember, dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
		return false
	}
	return dwarfinfo.Flag(e, dwarf.AttrDeclaration)
}

func (a *analyzer) shouldKeep(cu *CompileUnit, idx int, flags traversalFlags) traversalFlags {
	e := cu.Orig.Entries[idx]
	switch e.Tag {
	case dwarf.TagConstant, dwarf.TagVariable:
		return a.shouldKeepVariable(cu, idx, flags)
	case dwarf.TagSubprogram, dwarf.TagLabel:
		return a.shouldKeepSubprogram(cu, idx, flags)
	case dwarf.TagBaseType, dwarf.TagImportedModule, dwarf.TagImportedDeclaration, dwarf.TagImportedUnit:
		// Expressions may name base types; they are tiny, keep them all,
		// but only in units that keep something else.
		if cu.live {
			return flags | flagKeep
		}
		cu.deferred = append(cu.deferred, idx)
	}
	return flags
}

// markLive records the first kept entry of cu and releases the entries
// whose keep waited for it.
func (a *analyzer) markLive(cu *CompileUnit) {
	cu.live = true
	flags := flagKeep | flagDependencyWalk
	if cu.odr {
		flags |= flagODR
	}
	for i := len(cu.deferred) - 1; i >= 0; i-- {
		a.push(workItem{kind: workDecideKeep, unit: cu, idx: cu.deferred[i], flags: flags})
	}
	cu.deferred = nil
}

func (a *analyzer) shouldKeepVariable(cu *CompileUnit, idx int, flags traversalFlags) traversalFlags {
	e := cu.Orig.Entries[idx]
	info := &cu.Info[idx]
	inFunction := flags&flagInFunctionScope != 0

	if !inFunction && e.AttrField(dwarf.AttrConstValue) != nil {
		info.InDebugMap = true
		return flags | flagKeep
	}

	adjust, hasAddr, live := a.locationAdjustment(cu, e.AttrField(dwarf.AttrLocation))
	if !hasAddr {
		// Stack and register locals follow their scope.
		return flags
	}
	info.HasAddrExpr = true

	if !live {
		// A static optimized away survives only in a kept function when
		// statics retain their function.
		if inFunction && flags&flagKeep != 0 && a.l.opts.KeepFunctionForStatic {
			return flags
		}
		return flags &^ flagKeep
	}

	info.AddrAdjust = adjust
	info.InDebugMap = true
	if inFunction && !a.l.opts.KeepFunctionForStatic {
		// A live static does not drag in its function by itself.
		return flags
	}
	if a.l.opts.Verbose {
		a.l.log.Debug().Str("file", cu.ctx.File.Name).Str("name", dwarfinfo.Name(e)).
			Int64("adjust", adjust).Msg("Keeping variable")
	}
	return flags | flagKeep
}

// locationAdjustment inspects the first address operand of a location
// expression.
func (a *analyzer) locationAdjustment(cu *CompileUnit, f *dwarf.Field) (adjust int64, hasAddr, live bool) {
	if f == nil {
		return 0, false, false
	}
	expr, ok := f.Val.([]byte)
	if !ok {
		return 0, false, false
	}
	dec := decoderFor(cu)
	err := dec.Walk(expr, func(op dwarfexpr.Op) bool {
		switch op.Code {
		case dwarfexpr.OpAddr, dwarfexpr.OpAddrx, dwarfexpr.OpGNUAddrIndex:
		default:
			return true
		}
		hasAddr = true
		if op.HasAddress {
			adjust, live = cu.ctx.Addrs.ExprOpAddressRelocAdjustment(cu.Orig, op)
		}
		return false
	})
	if err != nil && !hasAddr {
		return 0, false, false
	}
	return adjust, hasAddr, live
}

func (a *analyzer) shouldKeepSubprogram(cu *CompileUnit, idx int, flags traversalFlags) traversalFlags {
	e := cu.Orig.Entries[idx]
	info := &cu.Info[idx]
	flags |= flagInFunctionScope

	low, ok := e.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return flags
	}
	adjust, ok := cu.ctx.Addrs.SubprogramRelocAdjustment(e)
	if !ok {
		return flags
	}
	info.AddrAdjust = adjust
	info.InDebugMap = true

	if a.l.opts.Verbose {
		a.l.log.Debug().Str("file", cu.ctx.File.Name).Str("name", dwarfinfo.Name(e)).
			Uint64("low_pc", low).Int64("adjust", adjust).Msg("Keeping subprogram")
	}

	if e.Tag == dwarf.TagLabel {
		if cu.hasLabelAt(low) {
			return flags
		}
		unitHigh, ok := dwarfinfo.HighPC(cu.Orig.Root())
		if !ok {
			unitHigh = ^uint64(0)
		}
		if unitHigh <= low {
			return flags
		}
		cu.labels[low] = adjust
		return flags | flagKeep
	}

	flags |= flagKeep
	high, ok := dwarfinfo.HighPC(e)
	if !ok {
		a.l.warn(cu.ctx, "function without high_pc, range will be discarded", e)
		return flags
	}
	if low > high {
		a.l.warn(cu.ctx, "low_pc greater than high_pc, range will be discarded", e)
		return flags
	}
	cu.addFunctionRange(low, high, adjust)
	return flags
}

// needsChildren lists the tags whose children are walked even when the
// entry is only kept as an ancestor.
func needsChildren(tag dwarf.Tag) bool {
	switch tag {
	case dwarf.TagArrayType, dwarf.TagClassType, dwarf.TagCommonDwarfBlock,
		dwarf.TagLexDwarfBlock, dwarf.TagStructType, dwarf.TagSubprogram,
		dwarf.TagSubroutineType, dwarf.TagUnionType:
		return true
	}
	return false
}

func (a *analyzer) walkChildren(it workItem) {
	u := it.unit.Orig
	flags := it.flags
	if needsChildren(u.Entries[it.idx].Tag) {
		flags &^= flagParentWalk
	}
	if flags&flagParentWalk != 0 {
		return
	}
	children := u.Children(it.idx)
	for i := len(children) - 1; i >= 0; i-- {
		a.push(workItem{kind: workDecideKeep, unit: it.unit, idx: children[i], flags: flags})
	}
}

// isReferenceAttr reports whether the attribute should pull in its target.
func isReferenceAttr(f *dwarf.Field) bool {
	return f.Attr != dwarf.AttrSibling && dwarfinfo.IsReference(f)
}

func (a *analyzer) walkReferences(it workItem) {
	cu, idx := it.unit, it.idx
	e := cu.Orig.Entries[idx]

	useODR := cu.odr
	if it.flags&flagDependencyWalk != 0 {
		useODR = it.flags&flagODR != 0
	}
	flags := flagKeep | flagDependencyWalk
	if useODR {
		flags |= flagODR
	}

	var targets []entryRef
	for i := range e.Field {
		f := &e.Field[i]
		if !isReferenceAttr(f) {
			continue
		}
		tcu, tidx, ok := a.l.resolveField(cu, idx, f)
		if !ok {
			continue
		}
		targets = append(targets, entryRef{unit: tcu, idx: int32(tidx)})
	}
	for i := len(targets) - 1; i >= 0; i-- {
		t := targets[i]
		a.addReferrer(t, entryRef{unit: cu, idx: int32(idx)})
		a.push(workItem{kind: workDecideKeep, unit: t.unit, idx: int(t.idx), flags: flags})
	}
}

// recordReferences registers the reverse reference edges of an entry kept
// without a reference walk.
func (a *analyzer) recordReferences(cu *CompileUnit, idx int) {
	e := cu.Orig.Entries[idx]
	for i := range e.Field {
		f := &e.Field[i]
		if !isReferenceAttr(f) {
			continue
		}
		if tcu, tidx, ok := a.l.resolveField(cu, idx, f); ok {
			a.addReferrer(entryRef{unit: tcu, idx: int32(tidx)}, entryRef{unit: cu, idx: int32(idx)})
		}
	}
}

func (a *analyzer) addReferrer(target, from entryRef) {
	if a.ctx.referrers == nil {
		a.ctx.referrers = map[entryRef][]entryRef{}
	}
	a.ctx.referrers[target] = append(a.ctx.referrers[target], from)
}

func (a *analyzer) walkAncestors(it workItem) {
	cu, idx := it.unit, it.idx
	if cu.Info[idx].Keep {
		return
	}
	if p := cu.Orig.Parent(idx); p >= 0 {
		a.push(workItem{kind: workAncestors, unit: cu, idx: p, flags: it.flags})
	}
	a.push(workItem{kind: workDecideKeep, unit: cu, idx: idx, flags: it.flags})
}

// propagateIncompleteness runs once the keep decisions have converged:
// each incomplete kept entry taints its enclosing aggregate and the
// entries referencing it.
func (a *analyzer) propagateIncompleteness(units []*CompileUnit) {
	for _, cu := range units {
		for i := range cu.Info {
			if cu.Info[i].Keep && cu.Info[i].Incomplete {
				a.pushIncompleteness(cu, i)
			}
		}
	}
	a.run()
}

func (a *analyzer) pushIncompleteness(cu *CompileUnit, idx int) {
	info := &cu.Info[idx]
	if p := cu.Orig.Parent(idx); p >= 0 {
		a.push(workItem{kind: workChildIncompleteness, unit: cu, idx: p, other: info})
	}
	for _, r := range a.ctx.referrers[entryRef{unit: cu, idx: int32(idx)}] {
		a.push(workItem{kind: workRefIncompleteness, unit: r.unit, idx: int(r.idx), other: info})
	}
}

func (a *analyzer) updateChildIncompleteness(it workItem) {
	switch it.unit.Orig.Entries[it.idx].Tag {
	case dwarf.TagStructType, dwarf.TagClassType, dwarf.TagUnionType:
	default:
		return
	}
	a.taint(it)
}

func (a *analyzer) updateRefIncompleteness(it workItem) {
	switch it.unit.Orig.Entries[it.idx].Tag {
	case dwarf.TagTypedef, dwarf.TagMember, dwarf.TagReferenceType,
		dwarf.TagPtrToMemberType, dwarf.TagPointerType:
	default:
		return
	}
	a.taint(it)
}

func (a *analyzer) taint(it workItem) {
	info := &it.unit.Info[it.idx]
	if !info.Keep || info.Incomplete || !it.other.Incomplete {
		return
	}
	info.Incomplete = true
	a.pushIncompleteness(it.unit, it.idx)
}

// decoderFor builds the expression decoder of a unit.
func decoderFor(cu *CompileUnit) dwarfexpr.Decoder {
	u := cu.Orig
	refSize := 4
	if u.Version <= 2 {
		refSize = u.AddrSize
	}
	return dwarfexpr.Decoder{
		AddrSize: u.AddrSize,
		Order:    cu.ctx.File.ByteOrder,
		RefSize:  refSize,
		AddrIndex: func(i uint64) (uint64, bool) {
			if i < uint64(len(u.AddrTable)) {
				return u.AddrTable[i], true
			}
			return 0, false
		},
	}
}
