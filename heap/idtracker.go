package heap

import (
	"log"
	"math"

	"cairn/value"
)

// NodeID is a stable numeric identity for a heap cell or a native allocation,
// used by snapshots and analysis tools. IDs are never reused.
type NodeID uint64

// Reserved node IDs. The super root and one node per root section come first;
// ordinary IDs start after them, rounded so heap IDs land on even numbers.
const (
	// NoID is returned for locations that cannot be identified.
	NoID NodeID = 0
	// SuperRootID is the synthetic node all root sections hang off.
	SuperRootID NodeID = 1
	// firstSectionID through firstSectionID+NumRootSections-1 identify the
	// root section nodes.
	firstSectionID NodeID = 2
)

// firstNonReservedID is the first ID handed out to real objects. Kept even
// so the heap/native parity convention holds from the start.
var firstNonReservedID = func() NodeID {
	id := firstSectionID + NodeID(NumRootSections)
	if id%2 != 0 {
		id++
	}
	return id
}()

// SectionNodeID returns the reserved snapshot node ID for a root section
func SectionNodeID(s RootSection) NodeID {
	return firstSectionID + NodeID(s)
}

// idStep keeps heap IDs even and native IDs odd, drawn from one counter
// family, so a consumer can classify an ID's origin without a side table.
const idStep = 2

// IDTracker assigns stable IDs to heap cells and native allocations,
// independent of physical location. Entries are created lazily on first
// query and must be removed when the underlying memory dies, since heap
// addresses and native pointers are both reused.
type IDTracker struct {
	nextID       NodeID
	nextNativeID NodeID

	// One map serves both heap and native IDs: heap keys are value.Ref,
	// native keys are the owning pointer.
	ids map[any]NodeID

	fatalf func(format string, args ...any)
}

// NewIDTracker creates an empty tracker. fatalf receives ID-space exhaustion;
// nil means log.Fatalf.
func NewIDTracker(fatalf func(format string, args ...any)) *IDTracker {
	if fatalf == nil {
		fatalf = log.Fatalf
	}
	return &IDTracker{
		nextID:       firstNonReservedID,
		nextNativeID: firstNonReservedID + 1,
		ids:          make(map[any]NodeID),
		fatalf:       fatalf,
	}
}

// IsTrackingIDs reports whether any IDs have been handed out
func (t *IDTracker) IsTrackingIDs() bool {
	return len(t.ids) > 0
}

// GetObjectID returns the stable ID for a heap cell, assigning one on first
// query. Subsequent queries return the same ID until the cell is untracked
// or moved.
func (t *IDTracker) GetObjectID(ref value.Ref) NodeID {
	if ref == value.NilRef {
		return NoID
	}
	if id, ok := t.ids[ref]; ok {
		return id
	}
	id := t.nextObjectID()
	t.ids[ref] = id
	return id
}

// GetNativeID returns the stable ID for a native allocation, assigning one
// on first query
func (t *IDTracker) GetNativeID(mem any) NodeID {
	if mem == nil {
		return NoID
	}
	if id, ok := t.ids[mem]; ok {
		return id
	}
	id := t.newNativeID()
	t.ids[mem] = id
	return id
}

// MoveObject rebinds a cell's ID to its new location. The collector must
// record moves in emission order: if A moves to B and C then moves to A,
// A's move must be recorded first so no two live locations alias one ID.
func (t *IDTracker) MoveObject(oldRef, newRef value.Ref) {
	if oldRef == newRef {
		return
	}
	id, ok := t.ids[oldRef]
	if !ok {
		// Untracked objects don't acquire IDs just because they moved.
		return
	}
	if _, taken := t.ids[newRef]; taken {
		t.fatalf("id tracker: move %d -> %d lands on a location already tracked", oldRef, newRef)
	}
	delete(t.ids, oldRef)
	t.ids[newRef] = id
}

// UntrackObject removes a cell's mapping. Required when the cell dies to
// bound map growth and keep dead addresses from aliasing later allocations.
func (t *IDTracker) UntrackObject(ref value.Ref) {
	delete(t.ids, ref)
}

// UntrackNative removes a native allocation's mapping. Required when the
// memory is freed.
func (t *IDTracker) UntrackNative(mem any) {
	delete(t.ids, mem)
}

// ForEachID calls fn for every tracked location and its ID
func (t *IDTracker) ForEachID(fn func(key any, id NodeID)) {
	for k, id := range t.ids {
		fn(k, id)
	}
}

func (t *IDTracker) nextObjectID() NodeID {
	if t.nextID >= math.MaxUint64-idStep {
		t.fatalf("id tracker: ran out of object IDs")
	}
	t.nextID += idStep
	return t.nextID
}

func (t *IDTracker) newNativeID() NodeID {
	if t.nextNativeID >= math.MaxUint64-idStep {
		t.fatalf("id tracker: ran out of native IDs")
	}
	t.nextNativeID += idStep
	return t.nextNativeID
}
