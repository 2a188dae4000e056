package heap

import "cairn/value"

// WeakSlotState is the per-cycle lifecycle state of a weak reference slot
type WeakSlotState uint8

const (
	// WeakUnmarked: unknown whether the slot is in use by the mutator.
	WeakUnmarked WeakSlotState = iota
	// WeakMarked: proven to be in use by the mutator this cycle.
	WeakMarked
	// WeakFree: proven to NOT be in use; threaded on the free list.
	WeakFree
)

// noNextFree marks the end of the weak slot free list
const noNextFree = -1

// WeakRefSlot is one slot in the weak reference table: a reference to a heap
// cell that does not keep it alive. The collector updates the reference when
// the cell moves and clears it when the cell dies. Freed slots store a free
// list link instead of a reference, never both.
type WeakRefSlot struct {
	ref      value.Ref
	nextFree int
	state    WeakSlotState
}

// HasValue reports whether the referent was still live as of the most recent
// completed collection. Safe to call from mutator code outside a collection;
// it is never valid to assume liveness between collections without a strong
// reference.
func (s *WeakRefSlot) HasValue() bool {
	return s.state != WeakFree && s.ref != value.NilRef
}

// Value returns the referent. Only valid while HasValue reports true.
func (s *WeakRefSlot) Value() value.Value {
	return value.Object(s.ref)
}

// State returns the slot's current state
func (s *WeakRefSlot) State() WeakSlotState {
	return s.state
}

// setRef updates the stored reference because the referent moved
func (s *WeakRefSlot) setRef(r value.Ref) {
	s.ref = r
}

// clearRef zeroes the reference because the referent died
func (s *WeakRefSlot) clearRef() {
	s.ref = value.NilRef
}

// mark transitions Unmarked -> Marked. Exactly once per cycle per live slot;
// a second mark is a logic error the collector reports fatally.
func (s *WeakRefSlot) mark() bool {
	if s.state != WeakUnmarked {
		return false
	}
	s.state = WeakMarked
	return true
}

// unmark resets a Marked slot for the next cycle
func (s *WeakRefSlot) unmark() {
	s.state = WeakUnmarked
}

// free splices the slot onto the free list
func (s *WeakRefSlot) free(nextFree int) {
	s.state = WeakFree
	s.ref = value.NilRef
	s.nextFree = nextFree
}

// reset reinitializes a new or recycled slot for a referent
func (s *WeakRefSlot) reset(r value.Ref) {
	s.state = WeakUnmarked
	s.ref = r
	s.nextFree = noNextFree
}

// WeakRef is the mutator-facing handle to a weak reference slot
type WeakRef struct {
	slot *WeakRefSlot
}

// IsValid reports whether the referent hasn't been collected
func (w WeakRef) IsValid() bool {
	return w.slot != nil && w.slot.HasValue()
}

// Ref returns the referent, or NilRef and false after it was collected
func (w WeakRef) Ref() (value.Ref, bool) {
	if !w.IsValid() {
		return value.NilRef, false
	}
	return w.slot.ref, true
}

// Slot exposes the underlying slot for root providers that hold weak refs
func (w WeakRef) Slot() *WeakRefSlot {
	return w.slot
}

// NewWeakRef creates a weak reference to a live cell, reusing a slot from
// the free list when one is available.
func (gc *GC) NewWeakRef(ref value.Ref) WeakRef {
	gc.invariant(ref != value.NilRef, "weak ref to nil")
	gc.invariant(!gc.inGC, "weak ref created during collection")
	var slot *WeakRefSlot
	if gc.firstFreeWeak != noNextFree {
		slot = gc.weakSlots[gc.firstFreeWeak]
		gc.firstFreeWeak = slot.nextFree
	} else {
		slot = &WeakRefSlot{}
		gc.weakSlots = append(gc.weakSlots, slot)
	}
	slot.reset(ref)
	return WeakRef{slot: slot}
}
