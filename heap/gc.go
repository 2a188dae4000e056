package heap

import (
	"bytes"
	"fmt"
	"log"
	"math/rand"
	"time"

	"cairn/value"
)

// GC owns the heap: it allocates cells, decides when to collect, runs the
// stop-the-world mark / weak-reconcile / sweep / compact cycle, and provides
// the write-barrier and marking primitives every heap type uses. One GC, one
// mutator; nothing here is safe for concurrent use.
type GC struct {
	cfg       Config
	callbacks Callbacks
	meta      MetadataTable

	// cells is the arena. A value.Ref r addresses cells[r-1]; the slice is
	// dense between collections because compaction slides survivors down.
	cells []*Cell

	allocatedBytes      uint64
	externalBytes       uint64
	heapSize            uint64
	totalAllocatedBytes uint64

	inGC           bool
	restoringImage bool

	weakSlots     []*WeakRefSlot
	firstFreeWeak int

	idTracker *IDTracker
	cumStats  CumulativeHeapStats

	// numFinalized counts finalizers run in the last collection.
	numFinalized uint64

	handleSlots  []value.Value
	handleScopes []*HandleScope

	markStack     []value.Ref
	markedSymbols []bool

	nextTripwireTime time.Time
	execStart        time.Time
	rng              *rand.Rand
}

// New creates a collector with the given tuning, root provider, and cell
// kind metadata. The metadata table must cover every kind ever allocated.
func New(cfg Config, callbacks Callbacks, meta MetadataTable) (*GC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FatalHandler == nil {
		cfg.FatalHandler = log.Fatalf
	}
	seed := cfg.SanitizeSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gc := &GC{
		cfg:           cfg,
		callbacks:     callbacks,
		meta:          meta,
		heapSize:      cfg.InitHeapSize,
		firstFreeWeak: noNextFree,
		execStart:     time.Now(),
		rng:           rand.New(rand.NewSource(seed)),
	}
	gc.idTracker = NewIDTracker(gc.fatalf)
	return gc, nil
}

// Name returns the heap's configured name
func (gc *GC) Name() string {
	return gc.cfg.Name
}

// InGC reports whether a collection cycle is currently running
func (gc *GC) InGC() bool {
	return gc.inGC
}

// IDTracker returns the heap's identity tracker
func (gc *GC) IDTracker() *IDTracker {
	return gc.idTracker
}

// Callbacks returns the root provider the collector was constructed with
func (gc *GC) Callbacks() Callbacks {
	return gc.callbacks
}

// NumCells returns the number of cells currently in the arena, live or not
func (gc *GC) NumCells() int {
	return len(gc.cells)
}

// Cell resolves a reference to its cell header. The reference must be valid;
// resolving a stale or nil reference is fatal.
func (gc *GC) Cell(ref value.Ref) *Cell {
	if ref == value.NilRef || int(ref) > len(gc.cells) {
		gc.fatalf("heap %s: dereference of invalid ref #%d (arena size %d)", gc.cfg.Name, ref, len(gc.cells))
	}
	return gc.cells[ref-1]
}

// Allocate returns a new cell of the given kind and byte size. May run a
// full collection, which can relocate existing cells: any reference held
// across this call must be rooted. Out-of-memory is fatal, not an error.
// fixedSize hints that the cell will never grow; hasFinalizer must be true
// for kinds whose vtable finalizer has to run.
func (gc *GC) Allocate(kind CellKind, size uint64, fixedSize, hasFinalizer bool) value.Ref {
	return gc.alloc(kind, size, hasFinalizer, gc.restoringImage)
}

// AllocateLongLived is Allocate with a hint that the cell is expected to
// live for the remainder of execution.
func (gc *GC) AllocateLongLived(kind CellKind, size uint64, hasFinalizer bool) value.Ref {
	return gc.alloc(kind, size, hasFinalizer, true)
}

func (gc *GC) alloc(kind CellKind, size uint64, hasFinalizer, longLived bool) value.Ref {
	gc.invariant(!gc.inGC, "allocation during an active collection")
	vt := gc.meta[kind]
	if vt == nil {
		gc.fatalf("heap %s: allocation of unregistered cell kind %v", gc.cfg.Name, kind)
	}
	if gc.cfg.SanitizeRate > 0 && len(gc.cells) > 0 && gc.rng.Float64() < gc.cfg.SanitizeRate {
		// Move the heap around on purpose so dangling handles surface now
		// rather than on some unlucky later allocation.
		gc.collect("sanitize")
	}
	gc.ensureCapacity(size)
	cell := &Cell{kind: kind, size: size, longLived: longLived, hasFinalizer: hasFinalizer}
	gc.cells = append(gc.cells, cell)
	gc.allocatedBytes += size
	gc.totalAllocatedBytes += size
	return value.Ref(len(gc.cells))
}

// ensureCapacity makes room for an allocation of the given size, collecting
// and then growing the heap as needed. Fatal when the configured maximum
// would be exceeded.
func (gc *GC) ensureCapacity(size uint64) {
	if gc.usedBytes()+size <= gc.heapSize {
		return
	}
	gc.collect("capacity")
	needed := gc.usedBytes() + size
	if needed <= gc.heapSize {
		return
	}
	if needed > gc.cfg.MaxHeapSize {
		gc.oom("allocation of %d bytes needs %d bytes, max heap size is %d", size, needed, gc.cfg.MaxHeapSize)
	}
	newSize := gc.heapSize
	if newSize == 0 {
		newSize = 1
	}
	for newSize < needed {
		newSize *= 2
	}
	if newSize > gc.cfg.MaxHeapSize {
		newSize = gc.cfg.MaxHeapSize
	}
	gc.heapSize = newSize
}

func (gc *GC) usedBytes() uint64 {
	return gc.allocatedBytes + gc.externalBytes
}

// CanAllocExternalMemory reports whether an external allocation of the given
// size could ever be accommodated.
func (gc *GC) CanAllocExternalMemory(size uint64) bool {
	return size <= gc.cfg.MaxHeapSize
}

// CreditExternalMemory informs the collector of off-heap memory owned by a
// cell, so collection heuristics see the true memory pressure.
func (gc *GC) CreditExternalMemory(ref value.Ref, size uint64) {
	c := gc.Cell(ref)
	c.external += size
	gc.externalBytes += size
}

// DebitExternalMemory reverses a credit, typically when the cell releases
// the off-heap memory before dying.
func (gc *GC) DebitExternalMemory(ref value.Ref, size uint64) {
	c := gc.Cell(ref)
	gc.invariant(c.external >= size, "external memory debit exceeds credit")
	if size > c.external {
		size = c.external
	}
	c.external -= size
	gc.externalBytes -= size
}

// WriteBarrier stores v at loc. Every mutator store of a possibly
// reference-bearing value into a heap-resident slot must go through here (or
// the range variants); this collector's barrier is only the store plus a
// contract check, but the call sites are what keep the design portable to
// barrier-requiring collectors.
func (gc *GC) WriteBarrier(loc *value.Value, v value.Value) {
	gc.invariant(!gc.inGC, "mutator store during an active collection")
	*loc = v
}

// WriteBarrierRange copies src into dst with barrier semantics
func (gc *GC) WriteBarrierRange(dst, src []value.Value) {
	gc.invariant(!gc.inGC, "mutator store during an active collection")
	copy(dst, src)
}

// WriteBarrierRangeFill fills dst with v with barrier semantics
func (gc *GC) WriteBarrierRangeFill(dst []value.Value, v value.Value) {
	gc.invariant(!gc.inGC, "mutator store during an active collection")
	for i := range dst {
		dst[i] = v
	}
}

// Collect forces a full collection synchronously: roots are re-scanned,
// unreachable cells finalized and reclaimed, survivors compacted and every
// recorded reference rewritten.
func (gc *GC) Collect() {
	gc.collect("explicit")
}

func (gc *GC) collect(cause string) {
	gc.invariant(!gc.inGC, "collection started during an active collection")
	wallStart := time.Now()
	cpuStart := cpuTimeNow()
	gc.inGC = true
	usedBefore := gc.allocatedBytes

	// Root scanning and transitive marking.
	gc.markedSymbols = make([]bool, gc.callbacks.SymbolsEnd())
	m := &markAcceptor{gc: gc}
	gc.callbacks.MarkRoots(m, true)
	gc.scanHandles(m)
	gc.drainMarkStack(m)

	// Weak root scanning: runtime-held slots first, then slots owned by
	// live cells.
	wa := &weakMarkAcceptor{gc: gc}
	gc.callbacks.MarkWeakRoots(wa)
	for _, c := range gc.cells {
		if !c.marked {
			continue
		}
		if vt := gc.meta[c.kind]; vt.MarkWeak != nil {
			vt.MarkWeak(c, wa)
		}
	}

	gc.reconcileWeakSlots()

	// Compute forwarding addresses: survivors slide down, keeping order.
	forward := make([]value.Ref, len(gc.cells)+1)
	numReachable := 0
	for i, c := range gc.cells {
		if c.marked {
			numReachable++
			forward[i+1] = value.Ref(numReachable)
		}
	}

	// Reclamation: finalize and untrack the dead.
	gc.numFinalized = 0
	for i, c := range gc.cells {
		if c.marked {
			continue
		}
		ref := value.Ref(i + 1)
		if c.hasFinalizer {
			if vt := gc.meta[c.kind]; vt.Finalize != nil {
				vt.Finalize(c, gc)
				gc.numFinalized++
			}
		}
		if c.external > 0 {
			// Whatever the finalizer didn't release is dropped with the cell.
			gc.externalBytes -= c.external
			c.external = 0
		}
		gc.allocatedBytes -= c.size
		gc.idTracker.UntrackObject(ref)
	}

	if numReachable != len(gc.cells) {
		// Update every recorded reference before anything moves.
		u := &updateAcceptor{gc: gc, forward: forward}
		gc.callbacks.MarkRoots(u, true)
		gc.scanHandles(u)
		for _, c := range gc.cells {
			if !c.marked {
				continue
			}
			if vt := gc.meta[c.kind]; vt.Mark != nil && c.Payload != nil {
				vt.Mark(c, u)
			}
		}
		for _, s := range gc.weakSlots {
			if s.state != WeakFree && s.ref != value.NilRef {
				s.setRef(forward[s.ref])
			}
		}
	}

	// Trim survivors whose physical capacity exceeds their used size.
	for _, c := range gc.cells {
		if !c.marked {
			continue
		}
		vt := gc.meta[c.kind]
		if vt.TrimSize == nil {
			continue
		}
		if trimmed := vt.TrimSize(c); trimmed < c.size {
			gc.allocatedBytes -= c.size - trimmed
			c.size = trimmed
			vt.Trim(c)
		}
	}

	// Move survivors in ascending old-address order so chained moves reach
	// the identity tracker in a consistent order.
	for i, c := range gc.cells {
		if !c.marked {
			continue
		}
		to := forward[i+1]
		if int(to) != i+1 {
			gc.cells[to-1] = c
			gc.idTracker.MoveObject(value.Ref(i+1), to)
		}
	}
	gc.cells = gc.cells[:numReachable]
	for _, c := range gc.cells {
		c.marked = false
	}

	gc.callbacks.FreeSymbols(gc.markedSymbols)
	gc.markedSymbols = nil

	usedAfter := gc.allocatedBytes
	wall := time.Since(wallStart).Seconds()
	cpu := (cpuTimeNow() - cpuStart).Seconds()
	gc.cumStats.record(wall, cpu, gc.heapSize, usedBefore, usedAfter)
	gc.inGC = false
	gc.checkTripwire(usedAfter+gc.externalBytes, time.Now())
}

// scanHandles visits the handle scope slots as the GCScopes root section
func (gc *GC) scanHandles(acc Acceptor) {
	acc.BeginRootSection(SectionGCScopes)
	for i := range gc.handleSlots {
		acc.AcceptValue(&gc.handleSlots[i], "")
	}
	acc.EndRootSection(SectionGCScopes)
}

func (gc *GC) drainMarkStack(m *markAcceptor) {
	for len(gc.markStack) > 0 {
		ref := gc.markStack[len(gc.markStack)-1]
		gc.markStack = gc.markStack[:len(gc.markStack)-1]
		c := gc.Cell(ref)
		if vt := gc.meta[c.kind]; vt.Mark != nil && c.Payload != nil {
			vt.Mark(c, m)
		}
	}
}

// reconcileWeakSlots runs after marking: slots nobody holds anymore go to
// the free list, held slots whose referent died are cleared, and held slots
// with live referents are reset for the next cycle.
func (gc *GC) reconcileWeakSlots() {
	for i, s := range gc.weakSlots {
		switch s.state {
		case WeakFree:
		case WeakMarked:
			s.unmark()
			if s.ref != value.NilRef && !gc.Cell(s.ref).marked {
				s.clearRef()
			}
		case WeakUnmarked:
			s.free(gc.firstFreeWeak)
			gc.firstFreeWeak = i
		}
	}
}

func (gc *GC) markSymbol(id value.SymbolID) {
	if int(id) < len(gc.markedSymbols) {
		gc.markedSymbols[id] = true
	}
}

// StartImageRestore switches allocation placement to the long-lived region
// while a persisted heap image is being reconstructed.
func (gc *GC) StartImageRestore() {
	gc.restoringImage = true
}

// EndImageRestore returns allocation placement to normal
func (gc *GC) EndImageRestore() {
	gc.restoringImage = false
}

// HeapInfo returns a point-in-time summary. No side effects; safe any time
// outside a collection.
func (gc *GC) HeapInfo() HeapInfo {
	return HeapInfo{
		NumCollections:      gc.cumStats.NumCollections,
		TotalAllocatedBytes: gc.totalAllocatedBytes,
		AllocatedBytes:      gc.allocatedBytes,
		ExternalBytes:       gc.externalBytes,
		HeapSize:            gc.heapSize,
		MallocSizeEstimate:  gc.callbacks.MallocSize() + gc.externalBytes,
		FullStats:           gc.cumStats,
	}
}

// NumFinalizedInLastGC returns how many finalizers ran in the most recent
// collection.
func (gc *GC) NumFinalizedInLastGC() uint64 {
	return gc.numFinalized
}

func (gc *GC) checkTripwire(dataSize uint64, now time.Time) {
	if gc.cfg.TripwireCallback == nil || gc.cfg.TripwireLimit == 0 {
		return
	}
	if dataSize < gc.cfg.TripwireLimit || now.Before(gc.nextTripwireTime) {
		return
	}
	gc.nextTripwireTime = now.Add(gc.cfg.TripwireCooldown)
	gc.cfg.TripwireCallback(TripwireContext{
		HeapName:  gc.cfg.Name,
		LiveBytes: dataSize,
		Limit:     gc.cfg.TripwireLimit,
	})
}

// oom logs best-effort diagnostics and dies. The mutator has no generic way
// to undo partial execution, so out-of-memory is never surfaced as an error.
func (gc *GC) oom(format string, args ...any) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "heap %s: out of memory: ", gc.cfg.Name)
	fmt.Fprintf(&buf, format, args...)
	fmt.Fprintf(&buf, "\ncall stack: %s\n", gc.callbacks.CallStackText())
	_ = gc.PrintAllCollectedStats(&buf)
	log.Print(buf.String())
	gc.cfg.FatalHandler("heap %s: out of memory", gc.cfg.Name)
	panic("fatal handler returned")
}

// fatalf reports an unrecoverable internal error. Heap consistency can no
// longer be guaranteed, so this never returns.
func (gc *GC) fatalf(format string, args ...any) {
	gc.cfg.FatalHandler(format, args...)
	panic("fatal handler returned")
}

// invariant enforces an internal consistency check when strict mode is on.
// Production configs skip the check entirely and trust the invariant.
func (gc *GC) invariant(cond bool, msg string) {
	if gc.cfg.Strict && !cond {
		gc.fatalf("heap %s: invariant violation: %s", gc.cfg.Name, msg)
	}
}

// markAcceptor records reachability during the marking phase
type markAcceptor struct {
	gc *GC
}

func (m *markAcceptor) AcceptValue(v *value.Value, name string) {
	if v.IsObject() {
		m.acceptRef(v.Ref())
	} else if v.IsSymbol() {
		m.gc.markSymbol(v.Symbol())
	}
}

func (m *markAcceptor) AcceptRef(r *value.Ref, name string) {
	m.acceptRef(*r)
}

func (m *markAcceptor) AcceptSymbol(sym *value.SymbolID, name string) {
	m.gc.markSymbol(*sym)
}

func (m *markAcceptor) BeginRootSection(s RootSection) {}
func (m *markAcceptor) EndRootSection(s RootSection)   {}

func (m *markAcceptor) acceptRef(ref value.Ref) {
	if ref == value.NilRef {
		return
	}
	c := m.gc.Cell(ref)
	if !c.marked {
		c.marked = true
		m.gc.markStack = append(m.gc.markStack, ref)
	}
}

// updateAcceptor rewrites references in place with their forwarding
// addresses during the compaction phase.
type updateAcceptor struct {
	gc      *GC
	forward []value.Ref
}

func (u *updateAcceptor) AcceptValue(v *value.Value, name string) {
	if !v.IsObject() {
		return
	}
	v.SetRef(u.forwardRef(v.Ref()))
}

func (u *updateAcceptor) AcceptRef(r *value.Ref, name string) {
	*r = u.forwardRef(*r)
}

func (u *updateAcceptor) AcceptSymbol(sym *value.SymbolID, name string) {}
func (u *updateAcceptor) BeginRootSection(s RootSection)               {}
func (u *updateAcceptor) EndRootSection(s RootSection)                 {}

func (u *updateAcceptor) forwardRef(ref value.Ref) value.Ref {
	if ref == value.NilRef {
		return ref
	}
	to := u.forward[ref]
	u.gc.invariant(to != value.NilRef, "live location references a reclaimed cell")
	return to
}

// weakMarkAcceptor marks weak slots discovered during weak root scanning
type weakMarkAcceptor struct {
	gc *GC
}

func (w *weakMarkAcceptor) AcceptWeakSlot(slot *WeakRefSlot) {
	ok := slot.mark()
	w.gc.invariant(ok, "weak slot marked twice in one cycle")
}
