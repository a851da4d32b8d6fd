package dwarflinker

import (
	"debug/dwarf"
	"fmt"
	"strings"

	"github.com/coral-mesh/dwarflink/internal/safe"
	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// attrPatch locates an attribute value patched after cloning.
type attrPatch struct {
	die  DIEHandle
	attr int
}

type rangePatch struct {
	attrPatch
	ranges []dwarfinfo.Range
}

type locPatch struct {
	attrPatch
	entries []dwarfinfo.LocEntry
}

// refFixup is a reference whose target offset is only known once every
// unit of the file has been laid out.
type refFixup struct {
	attrPatch
	unit *CompileUnit
	idx  int
	form Form
}

type pubDraft struct {
	name string
	die  DIEHandle
}

// cloner rebuilds kept entries into the shared arena. It runs in the
// serial phase only.
type cloner struct {
	l       *Linker
	version uint16

	pubNames []pubDraft
	pubTypes []pubDraft
}

// expressionAttrs hold DWARF expressions even when encoded as blocks.
var expressionAttrs = map[dwarf.Attr]bool{
	dwarf.AttrLocation:         true,
	dwarf.AttrFrameBase:        true,
	dwarf.AttrDataMemberLoc:    true,
	dwarf.AttrVtableElemLoc:    true,
	dwarf.AttrStringLength:     true,
	dwarf.AttrUseLocation:      true,
	dwarf.AttrReturnAddr:       true,
	dwarf.AttrStaticLink:       true,
	dwarf.AttrSegment:          true,
	dwarf.AttrDataLocation:     true,
	dwarf.AttrAllocated:        true,
	dwarf.AttrAssociated:       true,
	dwarf.AttrCallValue:        true,
	dwarf.AttrCallTarget:       true,
	dwarf.AttrCallDataLocation: true,
	dwarf.AttrCallDataValue:    true,
}

// cloneUnit clones cu into a new output unit. It returns nil when the unit
// has no kept entry.
func (c *cloner) cloneUnit(cu *CompileUnit) *OutputUnit {
	if len(cu.Info) == 0 || !cu.Info[0].Keep {
		return nil
	}
	l := c.l
	out := &OutputUnit{
		Index:      l.nextUnit,
		Version:    c.version,
		AddrSize:   cu.Orig.AddrSize,
		Name:       dwarfinfo.Name(cu.Orig.Root()),
		sourceUnit: cu,
	}
	l.nextUnit++
	cu.out = out
	c.pubNames, c.pubTypes = nil, nil

	out.Root = c.cloneEntry(cu, out, 0, 0)
	out.pubDrafts = [2][]pubDraft{c.pubNames, c.pubTypes}
	return out
}

func (c *cloner) cloneEntry(cu *CompileUnit, out *OutputUnit, idx int, pcOffset int64) DIEHandle {
	info := &cu.Info[idx]
	if !info.Keep || info.elided {
		return NoDIE
	}
	arena := c.l.arena
	e := cu.Orig.Entries[idx]
	h := arena.New(e.Tag, out.Index)
	info.Clone = h
	cu.kept++

	if e.Tag == dwarf.TagSubprogram && info.InDebugMap {
		pcOffset = info.AddrAdjust
	}

	arena.SetAttrs(h, c.cloneAttrs(cu, out, idx, h, pcOffset))

	u := cu.Orig
	for ch := u.FirstChild(idx); ch >= 0; ch = u.NextSibling(ch) {
		if k := c.cloneEntry(cu, out, ch, pcOffset); k != NoDIE {
			arena.AppendChild(h, k)
		}
	}

	d := arena.DIE(h)
	d.Abbrev = c.l.abbrevs.Intern(e.Tag, d.FirstChild != NoDIE, specsOf(arena.Attrs(h)))

	c.addAccelerators(cu, idx, h)
	return h
}

func (c *cloner) cloneAttrs(cu *CompileUnit, out *OutputUnit, idx int, h DIEHandle, pcOffset int64) []AttrValue {
	e := cu.Orig.Entries[idx]
	info := &cu.Info[idx]
	isRoot := idx == 0
	skipPC := c.l.opts.Update || cu.module
	vals := make([]AttrValue, 0, len(e.Field)+2)

	for i := range e.Field {
		f := &e.Field[i]
		if f.Attr == dwarf.AttrSibling {
			continue
		}
		if isRoot && (f.Attr == dwarf.AttrLowpc || f.Attr == dwarf.AttrHighpc || f.Attr == dwarf.AttrRanges) {
			continue
		}

		switch f.Class {
		case dwarf.ClassString:
			s, _ := f.Val.(string)
			if f.Attr == dwarf.AttrCompDir {
				s = c.l.opts.remapPath(s)
			}
			vals = append(vals, AttrValue{Attr: f.Attr, Form: FormStrp, Str: c.l.strings.Intern(c.l.opts.translate(s))})

		case dwarf.ClassAddress:
			v, _ := f.Val.(uint64)
			if !skipPC {
				adjust := pcOffset
				if e.Tag == dwarf.TagLabel && f.Attr == dwarf.AttrLowpc {
					adjust = info.AddrAdjust
				}
				v = uint64(int64(v) + adjust)
			}
			vals = append(vals, AttrValue{Attr: f.Attr, Form: FormAddr, Int: v})

		case dwarf.ClassConstant:
			vals = append(vals, cloneConstant(f))

		case dwarf.ClassFlag:
			if f.Attr == dwarf.AttrDeclaration && c.hasLocalSpecification(cu, idx) {
				continue
			}
			v, _ := f.Val.(bool)
			switch {
			case v && c.version >= 4:
				vals = append(vals, AttrValue{Attr: f.Attr, Form: FormFlagPresent, Int: 1})
			case v:
				vals = append(vals, AttrValue{Attr: f.Attr, Form: FormFlag, Int: 1})
			default:
				vals = append(vals, AttrValue{Attr: f.Attr, Form: FormFlag})
			}

		case dwarf.ClassReference:
			if v, ok := c.cloneReference(cu, out, idx, h, len(vals), f); ok {
				vals = append(vals, v)
			}

		case dwarf.ClassReferenceSig, dwarf.ClassReferenceAlt:
			// Reported during analysis.

		case dwarf.ClassExprLoc, dwarf.ClassBlock:
			data, _ := f.Val.([]byte)
			if f.Class == dwarf.ClassBlock && !expressionAttrs[f.Attr] {
				vals = append(vals, AttrValue{Attr: f.Attr, Form: FormBlock, Data: append([]byte(nil), data...)})
				continue
			}
			if f.Attr == dwarf.AttrLocation && e.Tag == dwarf.TagVariable && info.HasAddrExpr && !info.InDebugMap && !skipPC {
				// The address is dead; keeping it would point into unrelated code.
				continue
			}
			vals = append(vals, AttrValue{Attr: f.Attr, Form: c.exprForm(), Data: c.rewriteExpr(cu, data, skipPC)})

		case dwarf.ClassLinePtr:
			if !isRoot || cu.Orig.Lines == nil {
				continue
			}
			out.lines = c.buildLineTable(cu)
			out.stmtPatch = attrPatch{die: h, attr: len(vals)}
			vals = append(vals, AttrValue{Attr: f.Attr, Form: c.secOffsetForm()})

		case dwarf.ClassRangeListPtr, dwarf.ClassRngList:
			key, _ := sectionKey(f.Val)
			list, ok := cu.Orig.RangeLists[key]
			if !ok {
				c.l.warn(cu.ctx, "range list could not be read, attribute dropped", e)
				continue
			}
			out.rangePatch = append(out.rangePatch, rangePatch{
				attrPatch: attrPatch{die: h, attr: len(vals)},
				ranges:    c.relocateRanges(cu, list, skipPC),
			})
			vals = append(vals, AttrValue{Attr: f.Attr, Form: c.secOffsetForm()})

		case dwarf.ClassLocListPtr:
			key, _ := sectionKey(f.Val)
			list, ok := cu.Orig.LocLists[key]
			if !ok {
				c.l.warn(cu.ctx, "location list could not be read, attribute dropped", e)
				continue
			}
			out.locPatch = append(out.locPatch, locPatch{
				attrPatch: attrPatch{die: h, attr: len(vals)},
				entries:   c.relocateLocations(cu, list, skipPC),
			})
			vals = append(vals, AttrValue{Attr: f.Attr, Form: c.secOffsetForm()})

		case dwarf.ClassLocList:
			c.l.warn(cu.ctx, "DWARF 5 location lists are not supported, attribute dropped", e)

		default:
			// Table bases (addr, str_offsets, rnglists, loclists) and macro
			// pointers do not survive: the output uses direct forms only.
		}
	}

	if isRoot {
		vals = c.unitRangeAttrs(cu, out, h, vals, skipPC)
	}
	return vals
}

func cloneConstant(f *dwarf.Field) AttrValue {
	switch v := f.Val.(type) {
	case int64:
		if u, negative := safe.Int64ToUint64(v); !negative {
			return AttrValue{Attr: f.Attr, Form: FormUdata, Int: u}
		}
		return AttrValue{Attr: f.Attr, Form: FormSdata, Int: uint64(v)}
	case uint64:
		return AttrValue{Attr: f.Attr, Form: FormUdata, Int: v}
	case []byte:
		return AttrValue{Attr: f.Attr, Form: FormBlock, Data: append([]byte(nil), v...)}
	}
	return AttrValue{Attr: f.Attr, Form: FormUdata}
}

// unitRangeAttrs rebuilds the address range of the unit entry from the
// kept functions.
func (c *cloner) unitRangeAttrs(cu *CompileUnit, out *OutputUnit, h DIEHandle, vals []AttrValue, skipPC bool) []AttrValue {
	ranges := cu.outputRanges()
	out.Ranges = ranges
	switch {
	case len(ranges) == 1:
		vals = append(vals, AttrValue{Attr: dwarf.AttrLowpc, Form: FormAddr, Int: ranges[0].Low})
		if c.version >= 4 {
			vals = append(vals, AttrValue{Attr: dwarf.AttrHighpc, Form: FormUdata, Int: ranges[0].High - ranges[0].Low})
		} else {
			vals = append(vals, AttrValue{Attr: dwarf.AttrHighpc, Form: FormAddr, Int: ranges[0].High})
		}
	case len(ranges) > 1:
		vals = append(vals, AttrValue{Attr: dwarf.AttrLowpc, Form: FormAddr})
		out.rangePatch = append(out.rangePatch, rangePatch{
			attrPatch: attrPatch{die: h, attr: len(vals)},
			ranges:    ranges,
		})
		vals = append(vals, AttrValue{Attr: dwarf.AttrRanges, Form: c.secOffsetForm()})
	default:
		if _, ok := cu.Orig.Root().Val(dwarf.AttrLowpc).(uint64); ok {
			vals = append(vals, AttrValue{Attr: dwarf.AttrLowpc, Form: FormAddr})
		}
	}
	return vals
}

func (c *cloner) exprForm() Form {
	if c.version >= 4 {
		return FormExprloc
	}
	return FormBlock
}

func (c *cloner) secOffsetForm() Form {
	if c.version >= 4 {
		return FormSecOffset
	}
	return FormData4
}

// rewriteExpr relocates every address operand of expr independently, as
// one expression may span several relocated regions.
func (c *cloner) rewriteExpr(cu *CompileUnit, expr []byte, skipPC bool) []byte {
	dec := decoderFor(cu)
	out, err := dec.Rewrite(expr, func(op dwarfexpr.Op) (int64, bool) {
		if skipPC {
			return 0, false
		}
		return cu.ctx.Addrs.ExprOpAddressRelocAdjustment(cu.Orig, op)
	})
	if err != nil {
		c.l.warn(cu.ctx, fmt.Sprintf("expression copied partially verbatim: %v", err), nil)
	}
	return out
}

// hasLocalSpecification reports whether the entry at idx completes a
// declaration of the same unit through DW_AT_specification.
func (c *cloner) hasLocalSpecification(cu *CompileUnit, idx int) bool {
	off, ok := dwarfinfo.RefOffset(cu.Orig.Entries[idx].AttrField(dwarf.AttrSpecification))
	if !ok || !cu.Orig.Contains(off) {
		return false
	}
	t, ok := cu.Orig.Index(off)
	return ok && dwarfinfo.Flag(cu.Orig.Entries[t], dwarf.AttrDeclaration)
}

func (c *cloner) cloneReference(cu *CompileUnit, out *OutputUnit, idx int, h DIEHandle, slot int, f *dwarf.Field) (AttrValue, bool) {
	off, _ := dwarfinfo.RefOffset(f)
	tcu, tidx, ok := resolveOffset(cu.ctx.Units, off)
	if !ok {
		return AttrValue{}, false
	}
	tcu, tidx = followRedirects(tcu, tidx)
	if tcu.Info != nil && !tcu.Info[tidx].Keep {
		c.l.warn(cu.ctx, fmt.Sprintf("reference to dropped entry at 0x%x omitted", off), cu.Orig.Entries[idx])
		return AttrValue{}, false
	}
	form := FormRefAddr
	if tcu == cu {
		form = FormRef4
	}
	out.refFixups = append(out.refFixups, refFixup{
		attrPatch: attrPatch{die: h, attr: slot},
		unit:      tcu,
		idx:       tidx,
		form:      form,
	})
	return AttrValue{Attr: f.Attr, Form: form}, true
}

// relocateRanges keeps the parts of an input range list that fall in kept
// functions and moves them to their linked addresses.
func (c *cloner) relocateRanges(cu *CompileUnit, in []dwarfinfo.Range, skipPC bool) []dwarfinfo.Range {
	if skipPC {
		return mergeRanges(in)
	}
	out := make([]dwarfinfo.Range, 0, len(in))
	for _, r := range in {
		fr, ok := cu.rangeFor(r.Low)
		if !ok {
			continue
		}
		out = append(out, dwarfinfo.Range{
			Low:  uint64(int64(r.Low) + fr.Adjust),
			High: uint64(int64(r.High) + fr.Adjust),
		})
	}
	return mergeRanges(out)
}

func (c *cloner) relocateLocations(cu *CompileUnit, in []dwarfinfo.LocEntry, skipPC bool) []dwarfinfo.LocEntry {
	out := make([]dwarfinfo.LocEntry, 0, len(in))
	for _, le := range in {
		var adjust int64
		if !skipPC {
			fr, ok := cu.rangeFor(le.Low)
			if !ok {
				continue
			}
			adjust = fr.Adjust
		}
		out = append(out, dwarfinfo.LocEntry{
			Low:  uint64(int64(le.Low) + adjust),
			High: uint64(int64(le.High) + adjust),
			Expr: c.rewriteExpr(cu, le.Expr, skipPC),
		})
	}
	return out
}

// layout assigns offsets to every entry of out, starting at start in
// .debug_info, and returns the end offset.
func (c *cloner) layout(out *OutputUnit, start uint64) (uint64, error) {
	arena := c.l.arena
	var place func(h DIEHandle, off uint64) uint64
	place = func(h DIEHandle, off uint64) uint64 {
		d := arena.DIE(h)
		d.Offset = off
		size := uint64(dwarfexpr.ULEB128Size(uint64(d.Abbrev.Code)))
		for _, v := range arena.Attrs(h) {
			size += FormSize(&v, out.Version, out.AddrSize)
		}
		d.Size = size
		end := off + size
		hasChildren := d.FirstChild != NoDIE
		for ch := d.FirstChild; ch != NoDIE; ch = arena.DIE(ch).NextSibling {
			end = place(ch, end)
		}
		if hasChildren {
			end++
		}
		return end
	}

	out.Offset = start
	end := place(out.Root, start+unitHeaderSize(out.Version))
	if _, clamped := safe.Uint64ToUint32(end); clamped {
		return 0, fmt.Errorf("unit %q: .debug_info exceeds the 32-bit DWARF format", out.Name)
	}
	out.Size = end - start
	return end, nil
}

// patchReferences writes the offsets of reference targets. Targets are
// always cloned by now: they belong to this file or an earlier one.
func (c *cloner) patchReferences(out *OutputUnit) error {
	arena := c.l.arena
	for _, fx := range out.refFixups {
		target := fx.unit.cloneOf(fx.idx)
		if target == NoDIE {
			return fmt.Errorf("unit %q: reference target was not cloned", out.Name)
		}
		off := arena.DIE(target).Offset
		if fx.form == FormRef4 {
			off -= out.Offset
		}
		arena.Attrs(fx.die)[fx.attr].Int = off
	}
	out.refFixups = nil
	return nil
}

func (c *cloner) addAccelerators(cu *CompileUnit, idx int, h DIEHandle) {
	l := c.l
	e := cu.Orig.Entries[idx]
	info := &cu.Info[idx]
	name := dwarfinfo.Name(e)
	update := l.opts.Update

	switch e.Tag {
	case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine, dwarf.TagLabel:
		if name == "" || (!info.InDebugMap && !update) {
			return
		}
		l.addAccel(&l.accel.Names, name, e.Tag, h)
		for _, attr := range []dwarf.Attr{dwarf.AttrLinkageName, attrMIPSLinkageName} {
			if ln, ok := e.Val(attr).(string); ok && ln != name {
				l.addAccel(&l.accel.Names, ln, e.Tag, h)
			}
		}
		if e.Tag == dwarf.TagSubprogram {
			c.addObjCAccelerators(name, h)
			if dwarfinfo.Flag(e, dwarf.AttrExternal) {
				c.pubNames = append(c.pubNames, pubDraft{name: name, die: h})
			}
		}

	case dwarf.TagVariable, dwarf.TagConstant:
		if name == "" || (!info.InDebugMap && !update) {
			return
		}
		l.addAccel(&l.accel.Names, name, e.Tag, h)
		if dwarfinfo.Flag(e, dwarf.AttrExternal) {
			c.pubNames = append(c.pubNames, pubDraft{name: name, die: h})
		}

	case dwarf.TagNamespace:
		if name == "" {
			name = anonymousNamespace
		}
		l.addAccel(&l.accel.Namespaces, name, e.Tag, h)

	default:
		if !isTypeTag(e.Tag) || name == "" || dwarfinfo.Flag(e, dwarf.AttrDeclaration) {
			return
		}
		l.addAccel(&l.accel.Types, name, e.Tag, h)
		if !info.InFunctionScope && !inAnonymousNamespace(cu, idx) {
			c.pubTypes = append(c.pubTypes, pubDraft{name: name, die: h})
		}
	}
}

// addObjCAccelerators indexes "-[Class(Category) selector]" style names.
func (c *cloner) addObjCAccelerators(name string, h DIEHandle) {
	if len(name) < 4 || (name[0] != '-' && name[0] != '+') || name[1] != '[' || name[len(name)-1] != ']' {
		return
	}
	body := name[2 : len(name)-1]
	sp := strings.IndexByte(body, ' ')
	if sp <= 0 {
		return
	}
	class, selector := body[:sp], body[sp+1:]
	l := c.l
	l.addAccel(&l.accel.Names, selector, dwarf.TagSubprogram, h)
	if open := strings.IndexByte(class, '('); open > 0 {
		l.addAccel(&l.accel.ObjC, class, dwarf.TagSubprogram, h)
		class = class[:open]
		l.addAccel(&l.accel.Names, name[:2]+class+" "+selector+"]", dwarf.TagSubprogram, h)
	}
	l.addAccel(&l.accel.ObjC, class, dwarf.TagSubprogram, h)
}

const attrMIPSLinkageName dwarf.Attr = 0x2007

func isTypeTag(tag dwarf.Tag) bool {
	switch tag {
	case dwarf.TagArrayType, dwarf.TagClassType, dwarf.TagEnumerationType,
		dwarf.TagPointerType, dwarf.TagReferenceType, dwarf.TagStringType,
		dwarf.TagStructType, dwarf.TagSubroutineType, dwarf.TagTypedef,
		dwarf.TagUnionType, dwarf.TagPtrToMemberType, dwarf.TagSetType,
		dwarf.TagSubrangeType, dwarf.TagBaseType, dwarf.TagConstType,
		dwarf.TagFileType, dwarf.TagPackedType, dwarf.TagThrownType,
		dwarf.TagVolatileType, dwarf.TagRestrictType, dwarf.TagInterfaceType,
		dwarf.TagUnspecifiedType, dwarf.TagSharedType, dwarf.TagRvalueReferenceType,
		dwarf.TagCoarrayType, dwarf.TagDynamicType, dwarf.TagAtomicType,
		dwarf.TagImmutableType:
		return true
	}
	return false
}

func inAnonymousNamespace(cu *CompileUnit, idx int) bool {
	u := cu.Orig
	for p := u.Parent(idx); p > 0; p = u.Parent(p) {
		e := u.Entries[p]
		if e.Tag == dwarf.TagNamespace && dwarfinfo.Name(e) == "" {
			return true
		}
	}
	return false
}

func sectionKey(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}
