// Package runtime ties a mutator environment to the collector: it owns the
// root set (registers, globals, builtins, prototypes, module records, the
// identifier table, the symbol registry) and implements the callback contract
// the collector drives a collection through.
package runtime

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cairn/heap"
	"cairn/storage"
	"cairn/value"
)

// Runtime is the embedding environment for one heap. It is the collector's
// Callbacks implementation; everything reachable from its fields survives a
// collection, everything else does not. Like the collector, a Runtime serves
// a single mutator and is not safe for concurrent use.
type Runtime struct {
	gc *heap.GC

	registers   []value.Value
	global      value.Value
	modules     []value.Ref
	charStrings [256]value.Ref
	builtins    []value.Value
	prototypes  []value.Value

	identifiers    *IdentifierTable
	symbolRegistry []registeredSymbol

	profilerRoots   []value.Ref
	customRoots     []func(acc heap.Acceptor)
	customWeakRoots []*heap.WeakRefSlot

	callFrames []string

	// Wall time spent scanning each root section, across all passes of all
	// collections.
	sectionTimes [heap.NumRootSections]heap.StatsAccumulator
}

// registeredSymbol pairs a registry symbol with its description string, which
// stays strongly referenced for the symbol's lifetime.
type registeredSymbol struct {
	sym  value.SymbolID
	desc value.Ref
}

// New creates a runtime and its collector. extra metadata tables register
// embedder cell kinds (at or above heap.KindFirstCustom) beyond the built-in
// ones.
func New(cfg heap.Config, extra ...heap.MetadataTable) (*Runtime, error) {
	rt := &Runtime{
		global:      value.Undefined(),
		identifiers: NewIdentifierTable(),
	}
	tables := append([]heap.MetadataTable{storage.Metadata(), stringMetadata()}, extra...)
	gc, err := heap.New(cfg, rt, heap.MergeMetadata(tables...))
	if err != nil {
		return nil, err
	}
	rt.gc = gc
	return rt, nil
}

// GC returns the runtime's collector
func (rt *Runtime) GC() *heap.GC {
	return rt.gc
}

// AllocRegisters sizes the register file. Newly exposed registers read as
// undefined.
func (rt *Runtime) AllocRegisters(n int) {
	for len(rt.registers) < n {
		rt.registers = append(rt.registers, value.Undefined())
	}
	rt.registers = rt.registers[:n]
}

// Register returns register i
func (rt *Runtime) Register(i int) value.Value {
	return rt.registers[i]
}

// SetRegister stores v in register i
func (rt *Runtime) SetRegister(i int, v value.Value) {
	rt.registers[i] = v
}

// Global returns the global value
func (rt *Runtime) Global() value.Value {
	return rt.global
}

// SetGlobal replaces the global value
func (rt *Runtime) SetGlobal(v value.Value) {
	rt.global = v
}

// AddModule roots a module record for the rest of execution
func (rt *Runtime) AddModule(ref value.Ref) {
	rt.modules = append(rt.modules, ref)
}

// AddBuiltin roots a builtin and returns its index
func (rt *Runtime) AddBuiltin(v value.Value) int {
	rt.builtins = append(rt.builtins, v)
	return len(rt.builtins) - 1
}

// Builtin returns the builtin at index i
func (rt *Runtime) Builtin(i int) value.Value {
	return rt.builtins[i]
}

// AddPrototype roots a prototype object and returns its index
func (rt *Runtime) AddPrototype(v value.Value) int {
	rt.prototypes = append(rt.prototypes, v)
	return len(rt.prototypes) - 1
}

// AddCustomRootProvider registers a root scanning function invoked every
// collection under the Custom section. The provider must visit the same
// logical locations on every call within one cycle.
func (rt *Runtime) AddCustomRootProvider(fn func(acc heap.Acceptor)) {
	rt.customRoots = append(rt.customRoots, fn)
}

// NewWeakRef creates a runtime-held weak reference. The runtime marks the
// slot every cycle until ReleaseWeakRef, after which the slot is reclaimed at
// the next collection.
func (rt *Runtime) NewWeakRef(ref value.Ref) heap.WeakRef {
	w := rt.gc.NewWeakRef(ref)
	rt.customWeakRoots = append(rt.customWeakRoots, w.Slot())
	return w
}

// ReleaseWeakRef drops the runtime's claim on a weak reference
func (rt *Runtime) ReleaseWeakRef(w heap.WeakRef) {
	for i, s := range rt.customWeakRoots {
		if s == w.Slot() {
			rt.customWeakRoots = append(rt.customWeakRoots[:i], rt.customWeakRoots[i+1:]...)
			return
		}
	}
}

// RetainForProfiler pins an object for profiling and returns its stable ID
func (rt *Runtime) RetainForProfiler(ref value.Ref) heap.NodeID {
	rt.profilerRoots = append(rt.profilerRoots, ref)
	return rt.gc.IDTracker().GetObjectID(ref)
}

// ClearProfilerRoots releases every profiler pin
func (rt *Runtime) ClearProfilerRoots() {
	rt.profilerRoots = rt.profilerRoots[:0]
}

// RegisterSymbol interns text as a registry symbol: both the symbol and its
// description string stay live for the rest of execution. Registering the
// same text twice returns the same symbol.
func (rt *Runtime) RegisterSymbol(text string) value.SymbolID {
	sym := rt.identifiers.Intern(text)
	for _, r := range rt.symbolRegistry {
		if r.sym == sym {
			return sym
		}
	}
	desc := rt.NewString(text)
	rt.symbolRegistry = append(rt.symbolRegistry, registeredSymbol{sym: sym, desc: desc})
	return sym
}

// Intern returns the permanent symbol for text, creating it on first use
func (rt *Runtime) Intern(text string) value.SymbolID {
	return rt.identifiers.Intern(text)
}

// NewCollectibleSymbol creates a symbol that lives only while some marked
// value references it.
func (rt *Runtime) NewCollectibleSymbol(text string) value.SymbolID {
	return rt.identifiers.NewCollectible(text)
}

// SymbolText returns the text of a live symbol
func (rt *Runtime) SymbolText(sym value.SymbolID) string {
	return rt.identifiers.Text(sym)
}

// PushCallFrame records a mutator frame for diagnostics
func (rt *Runtime) PushCallFrame(name string) {
	rt.callFrames = append(rt.callFrames, name)
}

// PopCallFrame discards the innermost recorded frame
func (rt *Runtime) PopCallFrame() {
	rt.callFrames = rt.callFrames[:len(rt.callFrames)-1]
}

// MarkRoots visits every root section in fixed order, timing each. The
// handle scope section is scanned by the collector itself.
func (rt *Runtime) MarkRoots(acc heap.Acceptor, markLongLived bool) {
	rt.section(acc, heap.SectionRegisters, func() {
		for i := range rt.registers {
			acc.AcceptValue(&rt.registers[i], "")
		}
	})
	rt.section(acc, heap.SectionRuntimeInstance, func() {
		acc.AcceptValue(&rt.global, "global")
	})
	rt.section(acc, heap.SectionRuntimeModules, func() {
		for i := range rt.modules {
			acc.AcceptRef(&rt.modules[i], "")
		}
	})
	rt.section(acc, heap.SectionCharStrings, func() {
		if !markLongLived {
			// The cache holds only long-lived cells.
			return
		}
		for i := range rt.charStrings {
			if rt.charStrings[i] != value.NilRef {
				acc.AcceptRef(&rt.charStrings[i], "")
			}
		}
	})
	rt.section(acc, heap.SectionBuiltins, func() {
		for i := range rt.builtins {
			acc.AcceptValue(&rt.builtins[i], "")
		}
	})
	rt.section(acc, heap.SectionPrototypes, func() {
		for i := range rt.prototypes {
			acc.AcceptValue(&rt.prototypes[i], "")
		}
	})
	rt.section(acc, heap.SectionIdentifierTable, func() {
		rt.identifiers.markRoots(acc)
	})
	rt.section(acc, heap.SectionSymbolRegistry, func() {
		for i := range rt.symbolRegistry {
			r := &rt.symbolRegistry[i]
			acc.AcceptSymbol(&r.sym, "")
			acc.AcceptRef(&r.desc, "description")
		}
	})
	rt.section(acc, heap.SectionProfiler, func() {
		for i := range rt.profilerRoots {
			acc.AcceptRef(&rt.profilerRoots[i], "")
		}
	})
	rt.section(acc, heap.SectionCustom, func() {
		for _, fn := range rt.customRoots {
			fn(acc)
		}
	})
}

func (rt *Runtime) section(acc heap.Acceptor, s heap.RootSection, scan func()) {
	start := time.Now()
	acc.BeginRootSection(s)
	scan()
	acc.EndRootSection(s)
	rt.sectionTimes[s].Record(time.Since(start).Seconds())
}

// MarkWeakRoots visits every runtime-held weak reference slot
func (rt *Runtime) MarkWeakRoots(acc heap.WeakAcceptor) {
	for _, s := range rt.customWeakRoots {
		acc.AcceptWeakSlot(s)
	}
}

// SymbolsEnd returns one past the largest symbol ID ever issued
func (rt *Runtime) SymbolsEnd() value.SymbolID {
	return rt.identifiers.End()
}

// FreeSymbols releases collectible symbols that went unmarked this cycle
func (rt *Runtime) FreeSymbols(marked []bool) {
	rt.identifiers.freeUnmarked(marked)
}

// MallocSize estimates native memory held by the runtime's tables
func (rt *Runtime) MallocSize() uint64 {
	return rt.identifiers.mallocSize()
}

// VisitIdentifiers calls fn for every live identifier
func (rt *Runtime) VisitIdentifiers(fn func(text string, id value.SymbolID)) {
	rt.identifiers.visit(fn)
}

// ConvertSymbolToText returns a symbol's text without heap allocation
func (rt *Runtime) ConvertSymbolToText(id value.SymbolID) string {
	return rt.identifiers.Text(id)
}

// CallStackText renders the recorded mutator frames, innermost first. Builds
// only native strings; never touches the heap.
func (rt *Runtime) CallStackText() string {
	if len(rt.callFrames) == 0 {
		return "(no call frames recorded)"
	}
	var b strings.Builder
	for i := len(rt.callFrames) - 1; i >= 0; i-- {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  at ")
		b.WriteString(rt.callFrames[i])
	}
	return b.String()
}

// PrintRuntimeGCStats writes the per-section root scan timings
func (rt *Runtime) PrintRuntimeGCStats(w io.Writer) {
	fmt.Fprintf(w, "root scan wall times (s):\n")
	for s := heap.RootSection(0); s < heap.NumRootSections; s++ {
		acc := &rt.sectionTimes[s]
		if acc.Count() == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-16s count=%d sum=%.6f avg=%.6f max=%.6f\n",
			s.String(), acc.Count(), acc.Sum(), acc.Average(), acc.Max())
	}
}
