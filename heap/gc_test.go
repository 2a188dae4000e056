package heap

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cairn/value"
)

// kindPair is the cell kind used throughout these tests: a two-slot cell,
// enough to build chains and share structure.
const kindPair CellKind = KindFirstCustom

type pairPayload struct {
	first  value.Value
	second value.Value
	weak   *WeakRefSlot
}

// testCallbacks is a minimal root provider: one flat root list, one weak
// slot list, and a fixed symbol space.
type testCallbacks struct {
	roots      []value.Value
	weakSlots  []*WeakRefSlot
	symbolsEnd value.SymbolID
	lastFreed  []bool
}

func (c *testCallbacks) MarkRoots(acc Acceptor, markLongLived bool) {
	acc.BeginRootSection(SectionCustom)
	for i := range c.roots {
		acc.AcceptValue(&c.roots[i], "")
	}
	acc.EndRootSection(SectionCustom)
}

func (c *testCallbacks) MarkWeakRoots(acc WeakAcceptor) {
	for _, s := range c.weakSlots {
		acc.AcceptWeakSlot(s)
	}
}

func (c *testCallbacks) SymbolsEnd() value.SymbolID {
	return c.symbolsEnd
}

func (c *testCallbacks) FreeSymbols(marked []bool) {
	c.lastFreed = append([]bool(nil), marked...)
}

func (c *testCallbacks) MallocSize() uint64                               { return 0 }
func (c *testCallbacks) VisitIdentifiers(fn func(string, value.SymbolID)) {}
func (c *testCallbacks) ConvertSymbolToText(id value.SymbolID) string     { return "" }
func (c *testCallbacks) CallStackText() string                            { return "(test)" }
func (c *testCallbacks) PrintRuntimeGCStats(w io.Writer)                  {}

type testEnv struct {
	gc        *GC
	cb        *testCallbacks
	finalized int
}

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.Strict = true
	cfg.FatalHandler = func(format string, args ...any) {
		panic(fmt.Sprintf(format, args...))
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{cb: &testCallbacks{}}
	meta := MetadataTable{
		kindPair: {
			Kind: kindPair,
			Name: "Pair",
			Mark: func(c *Cell, acc Acceptor) {
				p, ok := c.Payload.(*pairPayload)
				if !ok {
					return
				}
				acc.AcceptValue(&p.first, "first")
				acc.AcceptValue(&p.second, "second")
			},
			MarkWeak: func(c *Cell, acc WeakAcceptor) {
				if p, ok := c.Payload.(*pairPayload); ok && p.weak != nil {
					acc.AcceptWeakSlot(p.weak)
				}
			},
			Finalize: func(c *Cell, gc *GC) {
				env.finalized++
			},
		},
	}
	gc, err := New(cfg, env.cb, meta)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.gc = gc
	return env
}

func (env *testEnv) allocPair(first, second value.Value, finalizable bool) value.Ref {
	ref := env.gc.Allocate(kindPair, 64, true, finalizable)
	env.gc.Cell(ref).Payload = &pairPayload{first: first, second: second}
	return ref
}

func pairAt(gc *GC, ref value.Ref) *pairPayload {
	return gc.Cell(ref).Payload.(*pairPayload)
}

func TestCollectReclaimsUnreachable(t *testing.T) {
	env := newTestEnv(t, nil)

	env.allocPair(value.Undefined(), value.Number(0), false) // garbage
	live := env.allocPair(value.Undefined(), value.Number(1), false)
	env.allocPair(value.Undefined(), value.Number(2), false) // garbage
	env.cb.roots = []value.Value{value.Object(live)}

	env.gc.Collect()

	if env.gc.NumCells() != 1 {
		t.Fatalf("cells after collect = %d, expected 1", env.gc.NumCells())
	}
	got := pairAt(env.gc, env.cb.roots[0].Ref())
	if !got.second.Equal(value.Number(1)) {
		t.Errorf("survivor payload = %s", got.second)
	}
}

func TestCompactionRewritesInteriorReferences(t *testing.T) {
	env := newTestEnv(t, nil)

	env.allocPair(value.Undefined(), value.Number(0), false) // garbage
	tail := env.allocPair(value.Undefined(), value.Number(99), false)
	env.allocPair(value.Undefined(), value.Number(0), false) // garbage
	head := env.allocPair(value.Object(tail), value.Number(1), false)
	env.cb.roots = []value.Value{value.Object(head)}

	env.gc.Collect()

	newHead := env.cb.roots[0].Ref()
	if newHead == head {
		t.Fatal("head did not move; test arrangement broken")
	}
	newTail := pairAt(env.gc, newHead).first.Ref()
	if !pairAt(env.gc, newTail).second.Equal(value.Number(99)) {
		t.Errorf("tail payload lost across compaction")
	}
}

func TestSharedStructureStaysShared(t *testing.T) {
	env := newTestEnv(t, nil)

	shared := env.allocPair(value.Undefined(), value.Number(7), false)
	a := env.allocPair(value.Object(shared), value.Number(1), false)
	b := env.allocPair(value.Object(shared), value.Number(2), false)
	env.cb.roots = []value.Value{value.Object(a), value.Object(b)}

	env.gc.Collect()

	refA := pairAt(env.gc, env.cb.roots[0].Ref()).first.Ref()
	refB := pairAt(env.gc, env.cb.roots[1].Ref()).first.Ref()
	if refA != refB {
		t.Errorf("shared cell references diverged: %d vs %d", refA, refB)
	}
}

func TestCycleIsCollected(t *testing.T) {
	env := newTestEnv(t, nil)

	a := env.allocPair(value.Undefined(), value.Number(1), false)
	b := env.allocPair(value.Object(a), value.Number(2), false)
	pairAt(env.gc, a).first = value.Object(b)

	env.gc.Collect()

	if env.gc.NumCells() != 0 {
		t.Errorf("cyclic garbage survived: %d cells", env.gc.NumCells())
	}
}

func TestFinalizersRunExactlyOncePerDeadCell(t *testing.T) {
	env := newTestEnv(t, nil)

	const n = 10000
	head := value.Undefined()
	for i := 0; i < n; i++ {
		next := env.allocPair(head, value.Number(float64(i)), true)
		head = value.Object(next)
		env.cb.roots = []value.Value{head}
	}

	env.gc.Collect()
	require.Equal(t, 0, env.finalized, "live chain must not be finalized")
	require.Equal(t, n, env.gc.NumCells())

	env.cb.roots = nil
	env.gc.Collect()
	require.Equal(t, n, env.finalized, "each dead cell finalizes once")
	require.Equal(t, uint64(n), env.gc.NumFinalizedInLastGC())
	require.Equal(t, 0, env.gc.NumCells(), "no cells survive the drop")
	require.Equal(t, uint64(0), env.gc.HeapInfo().AllocatedBytes)

	env.gc.Collect()
	require.Equal(t, n, env.finalized, "second collection must not re-finalize")
}

func TestHandleKeepsCellAcrossCollections(t *testing.T) {
	env := newTestEnv(t, nil)

	env.allocPair(value.Undefined(), value.Number(0), false) // garbage
	scope := env.gc.NewScope()
	defer scope.Close()
	h := scope.RefHandle(env.allocPair(value.Undefined(), value.Number(42), false))

	env.gc.Collect()
	env.gc.Collect()

	if !pairAt(env.gc, h.Ref()).second.Equal(value.Number(42)) {
		t.Error("handle lost its referent")
	}
}

func TestScopesCloseInNestingOrder(t *testing.T) {
	env := newTestEnv(t, nil)

	outer := env.gc.NewScope()
	inner := env.gc.NewScope()

	require.Panics(t, func() { outer.Close() })
	inner.Close()
	outer.Close()
	require.Panics(t, func() { outer.Close() }, "double close")
}

func TestWeakRefClearedWhenReferentDies(t *testing.T) {
	env := newTestEnv(t, nil)

	ref := env.allocPair(value.Undefined(), value.Number(5), false)
	w := env.gc.NewWeakRef(ref)
	env.cb.weakSlots = []*WeakRefSlot{w.Slot()}
	env.cb.roots = []value.Value{value.Object(ref)}

	env.gc.Collect()
	if !w.IsValid() {
		t.Fatal("weak ref to live cell went invalid")
	}
	got, ok := w.Ref()
	if !ok || !pairAt(env.gc, got).second.Equal(value.Number(5)) {
		t.Fatal("weak ref not updated to referent's new location")
	}

	env.cb.roots = nil
	env.gc.Collect()
	if w.IsValid() {
		t.Error("weak ref still valid after referent died")
	}
	if _, ok := w.Ref(); ok {
		t.Error("cleared weak ref still yields a referent")
	}
}

func TestUnheldWeakSlotIsRecycled(t *testing.T) {
	env := newTestEnv(t, nil)

	ref := env.allocPair(value.Undefined(), value.Number(1), false)
	env.cb.roots = []value.Value{value.Object(ref)}
	w := env.gc.NewWeakRef(ref)
	// Nobody marks the slot this cycle, so it goes to the free list.
	env.gc.Collect()

	if w.Slot().State() != WeakFree {
		t.Fatalf("unheld slot state = %v, expected free", w.Slot().State())
	}

	w2 := env.gc.NewWeakRef(env.cb.roots[0].Ref())
	if w2.Slot() != w.Slot() {
		t.Error("free slot was not reused")
	}
}

func TestCellHeldWeakSlot(t *testing.T) {
	env := newTestEnv(t, nil)

	target := env.allocPair(value.Undefined(), value.Number(1), false)
	holder := env.allocPair(value.Undefined(), value.Number(2), false)
	w := env.gc.NewWeakRef(target)
	pairAt(env.gc, holder).weak = w.Slot()
	env.cb.roots = []value.Value{value.Object(holder), value.Object(target)}

	env.gc.Collect()
	if !w.IsValid() {
		t.Fatal("cell-held weak ref invalid while referent is rooted")
	}

	// The referent dies; the holder keeps the slot alive but it is cleared.
	env.cb.roots = env.cb.roots[:1]
	env.gc.Collect()
	if w.IsValid() {
		t.Fatal("cell-held weak ref valid after referent died")
	}
	if w.Slot().State() == WeakFree {
		t.Fatal("held slot must not be freed")
	}

	// The holder dies too; nobody marks the slot, so it is reclaimed.
	env.cb.roots = nil
	env.gc.Collect()
	if w.Slot().State() != WeakFree {
		t.Errorf("unheld slot state = %v, expected free", w.Slot().State())
	}
}

func TestDoubleMarkedWeakSlotIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)

	ref := env.allocPair(value.Undefined(), value.Number(1), false)
	env.cb.roots = []value.Value{value.Object(ref)}
	w := env.gc.NewWeakRef(ref)
	env.cb.weakSlots = []*WeakRefSlot{w.Slot(), w.Slot()}

	require.Panics(t, func() { env.gc.Collect() })
}

func TestSymbolMarkingAndFreeing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cb.symbolsEnd = 5

	holder := env.allocPair(value.Symbol(4), value.Undefined(), false)
	env.cb.roots = []value.Value{value.Symbol(2), value.Object(holder)}

	env.gc.Collect()

	want := []bool{false, false, true, false, true}
	if len(env.cb.lastFreed) != len(want) {
		t.Fatalf("marked bitset length = %d", len(env.cb.lastFreed))
	}
	for i, m := range want {
		if env.cb.lastFreed[i] != m {
			t.Errorf("marked[%d] = %v, expected %v", i, env.cb.lastFreed[i], m)
		}
	}
}

func TestIDStableAcrossCompaction(t *testing.T) {
	env := newTestEnv(t, nil)

	env.allocPair(value.Undefined(), value.Number(0), false) // garbage
	ref := env.allocPair(value.Undefined(), value.Number(1), false)
	env.cb.roots = []value.Value{value.Object(ref)}
	id := env.gc.IDTracker().GetObjectID(ref)

	env.gc.Collect()

	moved := env.cb.roots[0].Ref()
	if moved == ref {
		t.Fatal("cell did not move; test arrangement broken")
	}
	if env.gc.IDTracker().GetObjectID(moved) != id {
		t.Error("ID changed when the cell moved")
	}
}

func TestExternalMemoryAccounting(t *testing.T) {
	env := newTestEnv(t, nil)

	ref := env.allocPair(value.Undefined(), value.Number(1), false)
	env.cb.roots = []value.Value{value.Object(ref)}

	env.gc.CreditExternalMemory(ref, 100)
	if got := env.gc.HeapInfo().ExternalBytes; got != 100 {
		t.Fatalf("external bytes = %d", got)
	}
	env.gc.DebitExternalMemory(ref, 40)
	if got := env.gc.HeapInfo().ExternalBytes; got != 60 {
		t.Fatalf("external bytes after debit = %d", got)
	}

	// The remaining credit is dropped with the cell.
	env.cb.roots = nil
	env.gc.Collect()
	if got := env.gc.HeapInfo().ExternalBytes; got != 0 {
		t.Errorf("external bytes after death = %d", got)
	}
}

func TestOutOfMemoryIsFatal(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.InitHeapSize = 1024
		cfg.MaxHeapSize = 1024
	})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a fatal out-of-memory report")
		}
		if !strings.Contains(fmt.Sprint(r), "out of memory") {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()
	for i := 0; i < 100; i++ {
		ref := env.allocPair(value.Undefined(), value.Number(float64(i)), false)
		env.cb.roots = append(env.cb.roots, value.Object(ref))
	}
}

func TestHeapGrowsUpToMax(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.InitHeapSize = 256
		cfg.MaxHeapSize = 1 << 20
	})

	for i := 0; i < 100; i++ {
		ref := env.allocPair(value.Undefined(), value.Number(float64(i)), false)
		env.cb.roots = append(env.cb.roots, value.Object(ref))
	}
	info := env.gc.HeapInfo()
	if info.HeapSize <= 256 {
		t.Errorf("heap did not grow: %d", info.HeapSize)
	}
	if env.gc.NumCells() != 100 {
		t.Errorf("live cells = %d", env.gc.NumCells())
	}
}

func TestTripwireFiresOnceWithinCooldown(t *testing.T) {
	fired := 0
	env := newTestEnv(t, func(cfg *Config) {
		cfg.TripwireLimit = 1
		cfg.TripwireCallback = func(ctx TripwireContext) { fired++ }
	})

	ref := env.allocPair(value.Undefined(), value.Number(1), false)
	env.cb.roots = []value.Value{value.Object(ref)}

	env.gc.Collect()
	env.gc.Collect()

	if fired != 1 {
		t.Errorf("tripwire fired %d times within cooldown, expected 1", fired)
	}
}

func TestSanitizerMovesDoNotBreakHandles(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.SanitizeRate = 1
		cfg.SanitizeSeed = 1
	})

	scope := env.gc.NewScope()
	defer scope.Close()
	h := scope.RefHandle(env.allocPair(value.Undefined(), value.Number(13), false))

	for i := 0; i < 20; i++ {
		env.allocPair(value.Undefined(), value.Number(float64(i)), false)
	}
	if !pairAt(env.gc, h.Ref()).second.Equal(value.Number(13)) {
		t.Error("handle broken by sanitizer collections")
	}
}

func TestImageRestorePlacement(t *testing.T) {
	env := newTestEnv(t, nil)

	normal := env.allocPair(value.Undefined(), value.Number(1), false)
	env.gc.StartImageRestore()
	restored := env.allocPair(value.Undefined(), value.Number(2), false)
	env.gc.EndImageRestore()
	after := env.allocPair(value.Undefined(), value.Number(3), false)

	if env.gc.Cell(normal).LongLived() || env.gc.Cell(after).LongLived() {
		t.Error("normal allocation marked long-lived")
	}
	if !env.gc.Cell(restored).LongLived() {
		t.Error("restore-time allocation not long-lived")
	}

	ll := env.gc.AllocateLongLived(kindPair, 64, false)
	env.gc.Cell(ll).Payload = &pairPayload{}
	if !env.gc.Cell(ll).LongLived() {
		t.Error("AllocateLongLived not long-lived")
	}
}

func TestInvalidRefDereferenceIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Panics(t, func() { env.gc.Cell(999) })
	require.Panics(t, func() { env.gc.Cell(value.NilRef) })
}

func TestUnregisteredKindIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Panics(t, func() { env.gc.Allocate(KindFirstCustom+1, 16, true, false) })
}

func TestWriteBarrierStores(t *testing.T) {
	env := newTestEnv(t, nil)

	ref := env.allocPair(value.Undefined(), value.Undefined(), false)
	env.cb.roots = []value.Value{value.Object(ref)}
	p := pairAt(env.gc, ref)

	env.gc.WriteBarrier(&p.second, value.Number(8))
	if !p.second.Equal(value.Number(8)) {
		t.Error("barrier did not perform the store")
	}

	dst := make([]value.Value, 3)
	env.gc.WriteBarrierRange(dst, []value.Value{value.Number(1), value.Number(2), value.Number(3)})
	if !dst[2].Equal(value.Number(3)) {
		t.Error("range barrier did not copy")
	}
	env.gc.WriteBarrierRangeFill(dst, value.Empty())
	if !dst[0].IsEmpty() {
		t.Error("fill barrier did not fill")
	}
}

func TestPrintAllCollectedStats(t *testing.T) {
	env := newTestEnv(t, nil)

	ref := env.allocPair(value.Undefined(), value.Number(1), false)
	env.cb.roots = []value.Value{value.Object(ref)}
	env.gc.Collect()

	var buf bytes.Buffer
	require.NoError(t, env.gc.PrintAllCollectedStats(&buf))
	require.Contains(t, buf.String(), `"num_collections": 1`)
}
