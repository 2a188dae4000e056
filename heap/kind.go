package heap

import (
	"io"

	"cairn/value"
)

// CellKind identifies the type of a heap cell. Kinds below KindFirstCustom
// are owned by cairn packages; embedders register their own kinds starting
// at KindFirstCustom.
type CellKind int

const (
	KindInvalid CellKind = iota
	KindSegment
	KindSegmentedArray
	KindString
	KindFirstCustom
)

// String returns the string representation of the kind
func (k CellKind) String() string {
	switch k {
	case KindInvalid:
		return "INVALID"
	case KindSegment:
		return "SEGMENT"
	case KindSegmentedArray:
		return "SEGMENTED_ARRAY"
	case KindString:
		return "STRING"
	default:
		return "CUSTOM"
	}
}

// VTable is the per-kind type descriptor: it tells the collector how to
// enumerate a cell's reference-bearing slots, how to finalize it, and how to
// trim its physical capacity during compaction. A cell's vtable never changes
// after construction, but Mark must tolerate a partially initialized cell
// (nil payload, or a valid prefix of slots) because allocation of a cell's
// own backing storage can trigger a collection.
type VTable struct {
	Kind CellKind
	Name string

	// Mark enumerates every reference-bearing slot of the cell to the
	// acceptor. Required for any kind whose cells can reference others.
	Mark func(c *Cell, acc Acceptor)

	// MarkWeak enumerates weak reference slots held by the cell. Invoked
	// during the weak-root phase for live cells only. Optional.
	MarkWeak func(c *Cell, acc WeakAcceptor)

	// Finalize runs exactly once when the cell is found unreachable. Optional.
	Finalize func(c *Cell, gc *GC)

	// TrimSize returns the byte size the cell would occupy after trimming.
	// Optional; nil means the cell is not trimmable.
	TrimSize func(c *Cell) uint64

	// Trim shrinks the cell's declared capacity to match its used size.
	// Must be idempotent. Optional, paired with TrimSize.
	Trim func(c *Cell)

	// NativeNodes reports native (off-heap) allocations owned by the cell
	// for snapshot attribution. Optional.
	NativeNodes func(c *Cell, report func(edgeName string, mem any, size uint64))

	// SnapshotName names a cell's snapshot node; nil falls back to Name.
	SnapshotName func(c *Cell) string
}

// MetadataTable maps cell kinds to their descriptors. The table is assembled
// at collector construction and is immutable afterwards.
type MetadataTable map[CellKind]*VTable

// MergeMetadata combines several metadata tables into one. Duplicate kinds
// are a construction error reported through the returned table's absence;
// later tables win, which only matters in tests that shadow a kind.
func MergeMetadata(tables ...MetadataTable) MetadataTable {
	merged := make(MetadataTable)
	for _, t := range tables {
		for kind, vt := range t {
			merged[kind] = vt
		}
	}
	return merged
}

// RootSection names the runtime root groups scanned at the start of every
// collection. The order is fixed for phase-timing attribution only;
// correctness does not depend on it.
type RootSection int

const (
	SectionRegisters RootSection = iota
	SectionRuntimeInstance
	SectionRuntimeModules
	SectionCharStrings
	SectionBuiltins
	SectionPrototypes
	SectionIdentifierTable
	SectionGCScopes
	SectionSymbolRegistry
	SectionProfiler
	SectionCustom
	NumRootSections
)

// String returns the section name used in stats output and snapshots
func (s RootSection) String() string {
	switch s {
	case SectionRegisters:
		return "Registers"
	case SectionRuntimeInstance:
		return "RuntimeInstance"
	case SectionRuntimeModules:
		return "RuntimeModules"
	case SectionCharStrings:
		return "CharStrings"
	case SectionBuiltins:
		return "Builtins"
	case SectionPrototypes:
		return "Prototypes"
	case SectionIdentifierTable:
		return "IdentifierTable"
	case SectionGCScopes:
		return "GCScopes"
	case SectionSymbolRegistry:
		return "SymbolRegistry"
	case SectionProfiler:
		return "Profiler"
	case SectionCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// Acceptor is the visitor the collector hands to root providers and vtable
// Mark functions. During marking it records reachability; during the update
// pass of a compacting collection it rewrites the visited location in place
// with the referent's new address. The name parameter is used only for
// snapshot edge labels and may be empty.
type Acceptor interface {
	AcceptValue(v *value.Value, name string)
	AcceptRef(r *value.Ref, name string)
	AcceptSymbol(sym *value.SymbolID, name string)
	BeginRootSection(s RootSection)
	EndRootSection(s RootSection)
}

// WeakAcceptor is the visitor for weak reference slots, invoked during the
// weak-root phase. Each live slot must be accepted exactly once per cycle.
type WeakAcceptor interface {
	AcceptWeakSlot(slot *WeakRefSlot)
}

// Callbacks is the boundary contract the embedding runtime provides to the
// collector. The collector calls these at fixed points in every cycle.
// ConvertSymbolToText and CallStackText must not allocate heap cells:
// reentering the allocator from within a collection is undefined.
type Callbacks interface {
	// MarkRoots visits every root section. When markLongLived is false the
	// provider may skip sections known to reference only long-lived cells.
	MarkRoots(acc Acceptor, markLongLived bool)

	// MarkWeakRoots visits every runtime-held weak reference slot.
	MarkWeakRoots(acc WeakAcceptor)

	// SymbolsEnd returns one past the largest live symbol ID, so the
	// collector can size its symbol mark bitset.
	SymbolsEnd() value.SymbolID

	// FreeSymbols releases every collectible symbol not marked true.
	FreeSymbols(marked []bool)

	// MallocSize estimates memory held outside the heap by the roots.
	MallocSize() uint64

	// VisitIdentifiers calls fn for every identifier table entry. Used only
	// by snapshots; fn must not perform heap operations.
	VisitIdentifiers(fn func(text string, id value.SymbolID))

	// ConvertSymbolToText returns the text of a symbol without allocating.
	ConvertSymbolToText(id value.SymbolID) string

	// CallStackText returns the current mutator call stack for diagnostics
	// without allocating.
	CallStackText() string

	// PrintRuntimeGCStats writes the runtime's root-scan phase timings.
	PrintRuntimeGCStats(w io.Writer)
}
