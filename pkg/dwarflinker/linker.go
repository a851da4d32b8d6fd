package dwarflinker

import (
	"context"
	"debug/dwarf"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// FileStats summarizes the link of one input file.
type FileStats struct {
	File         string
	Units        int
	InputEntries int
	KeptEntries  int
	// ODRElided counts the type definitions replaced by a canonical copy.
	ODRElided   int
	OutputUnits int
	// OutputBytes is the .debug_info contribution of the file.
	OutputBytes uint64
	FDEs        int
	Warnings    int
	Skipped     bool
}

// Linker links the files added to it into one output through an Emitter.
// A Linker runs once.
type Linker struct {
	opts    Options
	emitter Emitter
	log     zerolog.Logger

	contexts []*LinkContext
	modules  map[string]*loadedModule
	nextID   int
	nextUnit int

	arena   *Arena
	strings *StringPool
	abbrevs *AbbrevSet
	accel   AccelTables
	cies    *cieCache
	odr     *odrTable

	// infoOffset is the size of .debug_info emitted so far.
	infoOffset uint64

	warnMu sync.Mutex
	stats  []FileStats
	linked bool
}

// New creates a linker writing through emitter.
func New(emitter Emitter, opts Options) (*Linker, error) {
	if emitter == nil {
		return nil, ErrNoEmitter
	}
	l, err := newLinker(opts)
	if err != nil {
		return nil, err
	}
	l.emitter = emitter
	return l, nil
}

func newLinker(opts Options) (*Linker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Linker{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "dwarflinker").Logger(),
		modules: map[string]*loadedModule{},
		arena:   NewArena(),
		strings: NewStringPool(),
		abbrevs: NewAbbrevSet(),
		cies:    newCIECache(),
		odr:     newODRTable(),
	}, nil
}

// AddFile queues f for linking. addrs tells which of its addresses
// survived; loader, which may be nil, resolves the modules its skeleton
// units reference. Files are emitted in the order they were added.
func (l *Linker) AddFile(f *dwarfinfo.File, addrs AddressMap, loader ModuleLoader) error {
	if l.linked {
		return ErrAlreadyLinked
	}
	if addrs == nil {
		addrs = emptyAddressMap{}
	}
	ctx := &LinkContext{File: f, Addrs: addrs}
	for _, w := range f.Warnings {
		l.warn(ctx, w, nil)
	}
	for _, u := range f.Units {
		if loader != nil && l.registerModule(ctx, u, loader) {
			continue
		}
		l.addUnit(ctx, u)
	}
	l.contexts = append(l.contexts, ctx)
	l.transition(ctx, stateAdded)
	return nil
}

func (l *Linker) addUnit(ctx *LinkContext, u *dwarfinfo.Unit) {
	if len(u.Entries) == 0 {
		return
	}
	cu := newCompileUnit(l.nextID, u, ctx)
	l.nextID++
	cu.module = ctx.module
	cu.odr = !l.opts.NoODR && !l.opts.Update && isODRLanguage(u.Language())
	ctx.Units = append(ctx.Units, cu)
	sort.SliceStable(ctx.Units, func(i, j int) bool {
		return ctx.Units[i].Orig.Offset < ctx.Units[j].Orig.Offset
	})
}

// Link runs the whole link: retention analysis of every file in
// parallel, then type uniquing, cloning and emission file by file.
func (l *Linker) Link(ctx context.Context) error {
	if l.linked {
		return ErrAlreadyLinked
	}
	l.linked = true

	runID := uuid.NewString()
	l.log = l.log.With().Str("run_id", runID).Logger()
	l.log.Info().Int("files", len(l.contexts)).Uint16("version", l.opts.outputVersion()).
		Bool("odr", !l.opts.NoODR).Bool("update", l.opts.Update).Msg("Linking")

	if err := l.analyze(ctx); err != nil {
		return err
	}
	l.markODR()

	for _, lc := range l.contexts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.emitContext(lc); err != nil {
			return fmt.Errorf("%s: %w", lc.File.Name, err)
		}
	}
	if err := l.finish(); err != nil {
		return err
	}

	l.log.Info().Uint64("debug_info", l.infoOffset).Int("abbrevs", len(l.abbrevs.All())).
		Int("strings", l.strings.Len()).Int("odr_elided", l.odr.elided).Msg("Link complete")
	return nil
}

// analyze decides the kept entries of every file. Files are independent
// at this stage and run on a bounded pool.
func (l *Linker) analyze(ctx context.Context) error {
	if l.opts.VerifyInput {
		for _, lc := range l.contexts {
			for _, c := range withModules(lc) {
				l.verifyContext(c)
			}
			l.transition(lc, stateVerified)
		}
	}

	threads := l.opts.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for _, lc := range l.contexts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if !l.opts.Update && !lc.Addrs.HasValidRelocs() {
				lc.skipped = true
				l.log.Debug().Str("file", lc.File.Name).Msg("No valid relocations, skipping file")
				return nil
			}
			for _, c := range withModules(lc) {
				l.analyzeContext(c)
			}
			l.transition(lc, stateRootsDiscovered)
			return nil
		})
	}
	return g.Wait()
}

func (l *Linker) analyzeContext(lc *LinkContext) {
	a := &analyzer{l: l, ctx: lc}
	for _, cu := range lc.Units {
		a.analyzeUnit(cu)
		cu.sortRanges()
	}
	a.propagateIncompleteness(lc.Units)
	for _, cu := range lc.Units {
		if cu.odr {
			collectCandidates(cu)
		}
	}
}

// markODR elects canonical type definitions in file and unit order, so
// the first definition seen wins on every run.
func (l *Linker) markODR() {
	for _, lc := range l.contexts {
		if lc.skipped {
			continue
		}
		for _, c := range withModules(lc) {
			a := &analyzer{l: l, ctx: c}
			for _, cu := range c.Units {
				for i := len(cu.candidates) - 1; i >= 0; i-- {
					a.push(workItem{kind: workMarkODRCanonical, unit: cu, idx: cu.candidates[i].idx})
				}
				a.run()
			}
		}
	}
}

// emitContext clones, lays out and emits the units of one file, then
// releases its working state.
func (l *Linker) emitContext(lc *LinkContext) error {
	st := FileStats{File: lc.File.Name, Skipped: lc.skipped}
	defer func() {
		lc.Clear()
		l.transition(lc, stateCleared)
	}()

	var outs []*OutputUnit
	if !lc.skipped {
		c := &cloner{l: l, version: l.opts.outputVersion()}
		for _, ctx := range withModules(lc) {
			for _, cu := range ctx.Units {
				st.Units++
				st.InputEntries += len(cu.Orig.Entries)
				if out := c.cloneUnit(cu); out != nil {
					outs = append(outs, out)
				}
				st.KeptEntries += cu.kept
				for i := range cu.Info {
					if cu.Info[i].elided && !cu.Info[cu.Orig.Parent(i)].elided {
						st.ODRElided++
					}
				}
			}
		}
	} else {
		for _, cu := range lc.Units {
			st.Units++
			st.InputEntries += len(cu.Orig.Entries)
		}
	}
	l.transition(lc, stateClonedOrSkipped)

	if l.opts.PaperTrail {
		if pt := l.paperTrailUnit(lc); pt != nil {
			outs = append(outs, pt)
		}
	}

	c := &cloner{l: l, version: l.opts.outputVersion()}
	start := l.infoOffset
	for _, out := range outs {
		end, err := c.layout(out, l.infoOffset)
		if err != nil {
			return err
		}
		l.infoOffset = end
	}
	for _, out := range outs {
		if err := c.patchReferences(out); err != nil {
			return err
		}
		l.resolvePubs(out)
		if err := l.emitUnit(out); err != nil {
			return err
		}
	}

	if !lc.skipped {
		if err := l.linkFrame(lc); err != nil {
			l.fail(lc, err.Error(), nil)
		}
	}
	l.transition(lc, stateEmitted)

	st.OutputUnits = len(outs)
	st.OutputBytes = l.infoOffset - start
	st.FDEs = lc.stats.FDEs
	st.Warnings = len(lc.warnings)
	l.stats = append(l.stats, st)

	if l.opts.Statistics {
		l.log.Info().Str("file", st.File).Int("input_entries", st.InputEntries).
			Int("kept_entries", st.KeptEntries).Uint64("output_bytes", st.OutputBytes).Msg("File linked")
	}
	return nil
}

func (l *Linker) resolvePubs(out *OutputUnit) {
	conv := func(drafts []pubDraft) []PubEntry {
		entries := make([]PubEntry, 0, len(drafts))
		for _, d := range drafts {
			entries = append(entries, PubEntry{Name: d.name, Offset: l.arena.DIE(d.die).Offset - out.Offset})
		}
		return entries
	}
	out.PubNames = conv(out.pubDrafts[0])
	out.PubTypes = conv(out.pubDrafts[1])
	out.pubDrafts = [2][]pubDraft{}
}

// emitUnit writes the lists, line table and entries of one laid-out unit.
// List offsets only change fixed-size attribute values, so the layout
// stays valid.
func (l *Linker) emitUnit(out *OutputUnit) error {
	e := l.emitter
	if len(out.rangePatch) > 0 {
		e.EmitRangeListHeader(out)
		for _, p := range out.rangePatch {
			l.arena.Attrs(p.die)[p.attr].Int = e.EmitRangeListFragment(out, p.ranges)
		}
		e.EmitRangeListFooter(out)
	}
	if len(out.locPatch) > 0 {
		e.EmitLocListHeader(out)
		for _, p := range out.locPatch {
			l.arena.Attrs(p.die)[p.attr].Int = e.EmitLocListFragment(out, p.entries)
		}
		e.EmitLocListFooter(out)
	}
	if out.lines != nil {
		off, err := e.EmitLineTable(out, out.lines)
		if err != nil {
			return fmt.Errorf("unit %q: line table: %w", out.Name, err)
		}
		l.arena.Attrs(out.stmtPatch.die)[out.stmtPatch.attr].Int = off
	}

	if err := e.EmitCompileUnit(l.arena, out); err != nil {
		return fmt.Errorf("unit %q: %w", out.Name, err)
	}
	l.accel.UnitOffsets = append(l.accel.UnitOffsets, out.Offset)

	if len(out.Ranges) > 0 {
		e.EmitAranges(out, out.Ranges)
	}
	if l.opts.hasAccel(AccelPub) && !out.isPaperUnit {
		e.EmitPubNames(out, out.PubNames)
		e.EmitPubTypes(out, out.PubTypes)
	}
	out.rangePatch, out.locPatch, out.lines = nil, nil, nil
	return nil
}

// finish writes the run-wide tables once every unit is out.
func (l *Linker) finish() error {
	l.strings.Finalize()
	if err := l.emitter.EmitAbbrevs(l.abbrevs.All()); err != nil {
		return fmt.Errorf("abbreviations: %w", err)
	}
	if err := l.emitter.EmitStrings(l.strings); err != nil {
		return fmt.Errorf("strings: %w", err)
	}
	l.accel.resolve(l.arena)
	if l.opts.hasAccel(AccelApple) {
		l.emitter.EmitAppleTables(&l.accel, l.strings)
	}
	if l.opts.hasAccel(AccelDebugNames) {
		l.emitter.EmitDebugNames(&l.accel, l.strings)
	}
	return l.emitter.Finish()
}

func (l *Linker) addAccel(list *[]AccelEntry, name string, tag dwarf.Tag, h DIEHandle) {
	apple, names := l.opts.hasAccel(AccelApple), l.opts.hasAccel(AccelDebugNames)
	if !apple && !names {
		return
	}
	entry := AccelEntry{Name: l.strings.Intern(name), Tag: tag, die: h}
	if apple {
		*list = append(*list, entry)
	}
	if names && list != &l.accel.ObjC {
		l.accel.DebugNames = append(l.accel.DebugNames, entry)
	}
}

// warn reports a recoverable problem of a file. It may be called from
// analysis goroutines.
func (l *Linker) warn(ctx *LinkContext, msg string, e *dwarf.Entry) {
	l.warnMu.Lock()
	defer l.warnMu.Unlock()

	ctx.warnings = append(ctx.warnings, msg)
	ev := l.log.Warn().Str("file", ctx.File.Name)
	if e != nil {
		ev = ev.Uint32("offset", uint32(e.Offset)).Str("tag", e.Tag.String())
	}
	ev.Msg(msg)
	if l.opts.Warning != nil {
		l.opts.Warning(msg, ctx.File.Name, e)
	}
}

// fail reports a problem that lost part of a file's output. Linking of
// the other sections goes on.
func (l *Linker) fail(ctx *LinkContext, msg string, e *dwarf.Entry) {
	l.warnMu.Lock()
	defer l.warnMu.Unlock()

	ctx.warnings = append(ctx.warnings, msg)
	ev := l.log.Error().Str("file", ctx.File.Name)
	if e != nil {
		ev = ev.Uint32("offset", uint32(e.Offset)).Str("tag", e.Tag.String())
	}
	ev.Msg(msg)
	if l.opts.Error != nil {
		l.opts.Error(msg, ctx.File.Name, e)
	}
}

func (l *Linker) transition(ctx *LinkContext, s fileState) {
	ctx.state = s
	if l.opts.Verbose {
		l.log.Debug().Str("file", ctx.File.Name).Stringer("state", s).Msg("File state")
	}
}

// Stats returns one entry per linked file, in addition order.
func (l *Linker) Stats() []FileStats {
	return append([]FileStats(nil), l.stats...)
}

// withModules lists the module contexts of lc, depth first, then lc.
func withModules(lc *LinkContext) []*LinkContext {
	var out []*LinkContext
	for _, m := range lc.Modules {
		out = append(out, withModules(m)...)
	}
	return append(out, lc)
}

// UnitRetention is the retention state of one input unit.
type UnitRetention struct {
	Unit *dwarfinfo.Unit
	Info []EntryInfo
}

// Retained runs retention analysis and type uniquing over f alone and
// returns the decision for each entry. Nothing is emitted.
func Retained(ctx context.Context, f *dwarfinfo.File, addrs AddressMap, opts Options) ([]UnitRetention, error) {
	l, err := newLinker(opts)
	if err != nil {
		return nil, err
	}
	if err := l.AddFile(f, addrs, nil); err != nil {
		return nil, err
	}
	l.linked = true
	if err := l.analyze(ctx); err != nil {
		return nil, err
	}
	l.markODR()

	lc := l.contexts[0]
	out := make([]UnitRetention, 0, len(lc.Units))
	for _, cu := range lc.Units {
		out = append(out, UnitRetention{Unit: cu.Orig, Info: cu.Info})
	}
	return out, nil
}

// Elided reports whether the entry was replaced by a canonical ODR copy.
func (e *EntryInfo) Elided() bool { return e.elided }
