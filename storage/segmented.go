// Package storage implements the segmented array: a growable, randomly
// indexable sequence of tagged values kept in heap cells. The first few
// elements live inline in the array cell; the rest live in fixed-length
// segment cells, so no single physical allocation grows without bound and
// the collector never has to move or scan one arbitrarily large block.
package storage

import (
	"fmt"

	"cairn/heap"
	"cairn/value"
)

const (
	// ValueToSegmentThreshold is the number of elements stored inline in
	// the array cell before segments are used.
	ValueToSegmentThreshold = 4

	// SegmentMaxLength is the fixed capacity of one segment cell.
	SegmentMaxLength = 1024

	// maxSlotCapacity bounds the array cell's slot count (inline elements
	// plus segment pointers).
	maxSlotCapacity = 1 << 16

	// Nominal byte sizes used for heap accounting.
	cellHeaderSize = 16
	slotSize       = 16
)

// MaxElements returns the largest representable element count
func MaxElements() uint32 {
	return ValueToSegmentThreshold + (maxSlotCapacity-ValueToSegmentThreshold)*SegmentMaxLength
}

// RangeError reports a capacity request beyond MaxElements. It is an
// ordinary, catchable error: it is rejected before any allocation happens
// and never reaches the collector's fatal path.
type RangeError struct {
	Requested uint32
	Max       uint32
}

func (e *RangeError) Error() string {
	return fmt.Sprintf(
		"Requested an array size larger than the max allowable: Requested elements = %d, max elements = %d",
		e.Requested, e.Max)
}

// Segment is the payload of one fixed-capacity segment cell. data always has
// SegmentMaxLength slots; length is how many of them are logically in use.
// Slots past length hold the empty placeholder, never garbage, so a marking
// pass that observes the segment mid-growth reads only defined values.
type Segment struct {
	length uint32
	data   []value.Value
}

// Length returns the segment's logical length
func (s *Segment) Length() uint32 {
	return s.length
}

// setLength grows or shrinks the logical length, filling newly exposed slots
// with the empty placeholder on growth.
func (s *Segment) setLength(gc *heap.GC, newLength uint32) {
	if newLength > s.length {
		gc.WriteBarrierRangeFill(s.data[s.length:newLength], value.Empty())
	}
	s.setLengthWithoutFilling(newLength)
}

func (s *Segment) setLengthWithoutFilling(newLength uint32) {
	s.length = newLength
}

// SegmentedArray is the payload of an array cell. slots holds the inline
// elements in [0, ValueToSegmentThreshold) and segment references after
// that. numSlotsUsed is published to the collector before newly reachable
// slots are written, so every slot it covers always holds a defined value.
type SegmentedArray struct {
	slotCapacity uint32
	numSlotsUsed uint32
	slots        []value.Value
}

func numSlotsForCapacity(capacity uint32) uint32 {
	if capacity <= ValueToSegmentThreshold {
		return capacity
	}
	return ValueToSegmentThreshold + (capacity-ValueToSegmentThreshold+SegmentMaxLength-1)/SegmentMaxLength
}

func allocationSizeForSlots(numSlots uint32) uint64 {
	return cellHeaderSize + uint64(numSlots)*slotSize
}

func allocationSizeForCapacity(capacity uint32) uint64 {
	return allocationSizeForSlots(numSlotsForCapacity(capacity))
}

// toSegment maps an element index past the inline threshold to its segment
// number; toInterior maps it to the offset within that segment.
func toSegment(index uint32) uint32 {
	return (index - ValueToSegmentThreshold) / SegmentMaxLength
}

func toInterior(index uint32) uint32 {
	return (index - ValueToSegmentThreshold) % SegmentMaxLength
}

// Capacity returns the element count the current slot capacity can hold
func (a *SegmentedArray) Capacity() uint32 {
	if a.slotCapacity <= ValueToSegmentThreshold {
		return a.slotCapacity
	}
	return ValueToSegmentThreshold + (a.slotCapacity-ValueToSegmentThreshold)*SegmentMaxLength
}

// Size returns the current element count
func (a *SegmentedArray) Size(gc *heap.GC) uint32 {
	if a.numSlotsUsed <= ValueToSegmentThreshold {
		return a.numSlotsUsed
	}
	numSegments := a.numSlotsUsed - ValueToSegmentThreshold
	last := a.segmentAt(gc, numSegments-1)
	return ValueToSegmentThreshold + (numSegments-1)*SegmentMaxLength + last.length
}

// At returns the element at index i. i must be below Size.
func (a *SegmentedArray) At(gc *heap.GC, i uint32) value.Value {
	if i < ValueToSegmentThreshold {
		return a.slots[i]
	}
	return a.segmentAt(gc, toSegment(i)).data[toInterior(i)]
}

// Set stores v at index i through the write barrier. i must be below Size.
func (a *SegmentedArray) Set(gc *heap.GC, i uint32, v value.Value) {
	if i < ValueToSegmentThreshold {
		gc.WriteBarrier(&a.slots[i], v)
		return
	}
	seg := a.segmentAt(gc, toSegment(i))
	gc.WriteBarrier(&seg.data[toInterior(i)], v)
}

func (a *SegmentedArray) segmentAt(gc *heap.GC, segment uint32) *Segment {
	ref := a.slots[ValueToSegmentThreshold+segment].Ref()
	return gc.Cell(ref).Payload.(*Segment)
}

func (a *SegmentedArray) segmentSlotIsEmpty(segment uint32) bool {
	return a.slots[ValueToSegmentThreshold+segment].IsEmpty()
}

// Payload resolves an array reference to its payload
func Payload(gc *heap.GC, ref value.Ref) *SegmentedArray {
	return gc.Cell(ref).Payload.(*SegmentedArray)
}

func arrayAt(gc *heap.GC, h heap.Handle) *SegmentedArray {
	return Payload(gc, h.Ref())
}

// Create allocates an array with room for capacity elements. Segments stay
// unallocated until the size first grows into them; only the inline prefix
// and the (empty) segment pointer table exist up front.
func Create(gc *heap.GC, capacity uint32) (value.Ref, error) {
	return create(gc, capacity, false)
}

// CreateLongLived is Create with long-lived placement
func CreateLongLived(gc *heap.GC, capacity uint32) (value.Ref, error) {
	return create(gc, capacity, true)
}

func create(gc *heap.GC, capacity uint32, longLived bool) (value.Ref, error) {
	if capacity > MaxElements() {
		return value.NilRef, &RangeError{Requested: capacity, Max: MaxElements()}
	}
	numSlots := numSlotsForCapacity(capacity)
	var ref value.Ref
	if longLived {
		ref = gc.AllocateLongLived(heap.KindSegmentedArray, allocationSizeForSlots(numSlots), false)
	} else {
		ref = gc.Allocate(heap.KindSegmentedArray, allocationSizeForSlots(numSlots), false, false)
	}
	// The zero Value is the empty placeholder, so the fresh slot table is
	// already safe for a marking pass even before numSlotsUsed moves.
	gc.Cell(ref).Payload = &SegmentedArray{
		slotCapacity: numSlots,
		slots:        make([]value.Value, numSlots),
	}
	return ref, nil
}

// CreateWithSize allocates an array of the given capacity and grows it to
// size, filling with the empty placeholder.
func CreateWithSize(gc *heap.GC, capacity, size uint32) (value.Ref, error) {
	ref, err := Create(gc, capacity)
	if err != nil {
		return value.NilRef, err
	}
	scope := gc.NewScope()
	defer scope.Close()
	self := scope.RefHandle(ref)
	increaseSize(gc, self, size, true)
	return self.Ref(), nil
}

// PushBack grows the array by one element and stores v at the new tail. self
// must be a rooted handle to the array; it is updated in place if growth
// reallocates the backing storage. v is a handle so the stored value
// survives any collection the growth triggers.
func PushBack(gc *heap.GC, self heap.Handle, v heap.Handle) error {
	oldSize := arrayAt(gc, self).Size(gc)
	if err := growRight(gc, self, 1); err != nil {
		return err
	}
	arrayAt(gc, self).Set(gc, oldSize, v.Value())
	return nil
}

// Resize grows or shrinks the tail so the array holds newSize elements.
// Growth fills new elements with the empty placeholder.
func Resize(gc *heap.GC, self heap.Handle, newSize uint32) error {
	size := arrayAt(gc, self).Size(gc)
	if newSize > size {
		return growRight(gc, self, newSize-size)
	}
	if newSize < size {
		shrinkRight(gc, self, size-newSize)
	}
	return nil
}

// ResizeLeft is Resize at the front: elements are conceptually prepended or
// removed at index 0, with the existing elements shifted.
func ResizeLeft(gc *heap.GC, self heap.Handle, newSize uint32) error {
	size := arrayAt(gc, self).Size(gc)
	if newSize == size {
		return nil
	}
	if newSize > size {
		return growLeft(gc, self, newSize-size)
	}
	shrinkLeft(gc, self, size-newSize)
	return nil
}

// ResizeWithinCapacity resizes without ever reallocating the backing
// storage. newSize must not exceed Capacity.
func ResizeWithinCapacity(gc *heap.GC, self heap.Handle, newSize uint32) {
	arr := arrayAt(gc, self)
	size := arr.Size(gc)
	if newSize > size {
		increaseSize(gc, self, newSize-size, true)
	} else if newSize < size {
		decreaseSize(gc, arr, size-newSize)
	}
}

// calculateNewCapacity over-allocates on growth so repeated pushes stay
// amortized O(1). Any super-linear policy works; this one grows by half.
func calculateNewCapacity(currentSize, newSize uint32) uint32 {
	grown := currentSize + currentSize/2
	if grown < newSize {
		grown = newSize
	}
	if grown > MaxElements() && newSize <= MaxElements() {
		grown = MaxElements()
	}
	return grown
}

func growRight(gc *heap.GC, self heap.Handle, amount uint32) error {
	arr := arrayAt(gc, self)
	size := arr.Size(gc)
	if size+amount <= arr.Capacity() {
		increaseSize(gc, self, amount, true)
		return nil
	}
	newSize := size + amount
	newRef, err := Create(gc, calculateNewCapacity(size, newSize))
	if err != nil {
		return err
	}
	scope := gc.NewScope()
	defer scope.Close()
	newSelf := scope.RefHandle(newRef)
	arr = arrayAt(gc, self)
	newArr := arrayAt(gc, newSelf)
	// Copy inline storage and segment pointers over in one barriered range.
	gc.WriteBarrierRange(newArr.slots[:arr.numSlotsUsed], arr.slots[:arr.numSlotsUsed])
	newArr.numSlotsUsed = arr.numSlotsUsed
	increaseSize(gc, newSelf, amount, true)
	self.Set(newSelf.Value())
	return nil
}

func growLeft(gc *heap.GC, self heap.Handle, amount uint32) error {
	arr := arrayAt(gc, self)
	size := arr.Size(gc)
	if size+amount < arr.Capacity() {
		growLeftWithinCapacity(gc, self, amount)
		return nil
	}
	newSize := size + amount
	newRef, err := Create(gc, calculateNewCapacity(size, newSize))
	if err != nil {
		return err
	}
	scope := gc.NewScope()
	defer scope.Close()
	newSelf := scope.RefHandle(newRef)
	// Grow to the final size without filling; most slots are copied in.
	increaseSize(gc, newSelf, newSize, false)
	newArr := arrayAt(gc, newSelf)
	fillElements(gc, newArr, 0, amount, value.Empty())
	arr = arrayAt(gc, self)
	for i := uint32(0); i < size; i++ {
		newArr.Set(gc, amount+i, arr.At(gc, i))
	}
	self.Set(newSelf.Value())
	return nil
}

func growLeftWithinCapacity(gc *heap.GC, self heap.Handle, amount uint32) {
	arr := arrayAt(gc, self)
	size := arr.Size(gc)
	// No fill: the tail is overwritten by the shift below.
	increaseSize(gc, self, amount, false)
	arr = arrayAt(gc, self)
	for i := size; i > 0; i-- {
		arr.Set(gc, i-1+amount, arr.At(gc, i-1))
	}
	fillElements(gc, arr, 0, amount, value.Empty())
}

func shrinkRight(gc *heap.GC, self heap.Handle, amount uint32) {
	decreaseSize(gc, arrayAt(gc, self), amount)
}

func shrinkLeft(gc *heap.GC, self heap.Handle, amount uint32) {
	arr := arrayAt(gc, self)
	size := arr.Size(gc)
	for i := amount; i < size; i++ {
		arr.Set(gc, i-amount, arr.At(gc, i))
	}
	decreaseSize(gc, arr, amount)
}

func fillElements(gc *heap.GC, arr *SegmentedArray, from, to uint32, v value.Value) {
	for i := from; i < to; i++ {
		arr.Set(gc, i, v)
	}
}

// increaseSize is where growth cooperates with the collector. Segment
// allocation can itself trigger a full compacting collection, which may trim
// this array's capacity down to numSlotsUsed, and a marking pass can observe
// the array at any point in between. So: publish the final numSlotsUsed
// first, with every newly covered slot already holding the empty
// placeholder, and keep each fresh segment at length zero until all
// allocation is done; the segment lengths are fixed up afterwards.
func increaseSize(gc *heap.GC, self heap.Handle, amount uint32, fill bool) {
	arr := arrayAt(gc, self)
	empty := value.Empty()
	currSize := arr.Size(gc)
	finalSize := currSize + amount

	if currSize <= ValueToSegmentThreshold && finalSize <= ValueToSegmentThreshold {
		// Entirely within inline storage: bump and fill.
		if fill {
			gc.WriteBarrierRangeFill(arr.slots[currSize:finalSize], empty)
		}
		arr.numSlotsUsed = finalSize
		return
	}

	if currSize <= ValueToSegmentThreshold {
		// Top off the inline storage before any segment accounting.
		gc.WriteBarrierRangeFill(arr.slots[currSize:ValueToSegmentThreshold], empty)
		arr.numSlotsUsed = ValueToSegmentThreshold
	}

	var startSegment uint32
	if currSize > ValueToSegmentThreshold {
		startSegment = toSegment(currSize - 1)
	}
	lastSegment := toSegment(finalSize - 1)
	newNumSlotsUsed := numSlotsForCapacity(finalSize)

	// Publish the final used-slot count before allocating anything, with
	// the new spine slots pre-filled so marking never reads garbage.
	gc.WriteBarrierRangeFill(arr.slots[arr.numSlotsUsed:newNumSlotsUsed], empty)
	arr.numSlotsUsed = newNumSlotsUsed

	if startSegment <= lastSegment && arr.segmentSlotIsEmpty(startSegment) {
		// The start segment may already exist if it was half full.
		allocateSegment(gc, self, startSegment)
	}
	for i := startSegment + 1; i <= lastSegment; i++ {
		allocateSegment(gc, self, i)
	}

	arr = arrayAt(gc, self)
	for i := startSegment; i <= lastSegment; i++ {
		segLength := uint32(SegmentMaxLength)
		if i == lastSegment {
			segLength = toInterior(finalSize-1) + 1
		}
		seg := arr.segmentAt(gc, i)
		if fill {
			seg.setLength(gc, segLength)
		} else {
			seg.setLengthWithoutFilling(segLength)
		}
	}
}

func decreaseSize(gc *heap.GC, arr *SegmentedArray, amount uint32) {
	finalSize := arr.Size(gc) - amount
	if finalSize <= ValueToSegmentThreshold {
		arr.numSlotsUsed = finalSize
		return
	}
	// Truncate the new last segment; fully vacated segments become
	// unreachable and are reclaimed by the collector, not freed here.
	arr.segmentAt(gc, toSegment(finalSize-1)).setLength(gc, toInterior(finalSize-1)+1)
	arr.numSlotsUsed = numSlotsForCapacity(finalSize)
}

func allocateSegment(gc *heap.GC, self heap.Handle, segment uint32) {
	ref := gc.Allocate(heap.KindSegment, cellHeaderSize+SegmentMaxLength*slotSize, true, false)
	gc.Cell(ref).Payload = &Segment{data: make([]value.Value, SegmentMaxLength)}
	arr := arrayAt(gc, self)
	gc.WriteBarrier(&arr.slots[ValueToSegmentThreshold+segment], value.Object(ref))
}

// Metadata returns the vtables for the segmented array cell kinds
func Metadata() heap.MetadataTable {
	return heap.MetadataTable{
		heap.KindSegment: {
			Kind: heap.KindSegment,
			Name: "Segment",
			Mark: markSegment,
		},
		heap.KindSegmentedArray: {
			Kind:     heap.KindSegmentedArray,
			Name:     "SegmentedArray",
			Mark:     markArray,
			TrimSize: trimSizeArray,
			Trim:     trimArray,
		},
	}
}

func markSegment(c *heap.Cell, acc heap.Acceptor) {
	seg, ok := c.Payload.(*Segment)
	if !ok {
		return
	}
	for i := uint32(0); i < seg.length; i++ {
		acc.AcceptValue(&seg.data[i], "")
	}
}

func markArray(c *heap.Cell, acc heap.Acceptor) {
	arr, ok := c.Payload.(*SegmentedArray)
	if !ok {
		return
	}
	for i := uint32(0); i < arr.numSlotsUsed; i++ {
		acc.AcceptValue(&arr.slots[i], "")
	}
}

// trimSizeArray and trimArray let compaction shrink the physical slot table
// to exactly the used slots. Trimming twice in one cycle is a no-op: once
// slotCapacity equals numSlotsUsed the reported size matches and the
// collector skips the trim.
func trimSizeArray(c *heap.Cell) uint64 {
	arr, ok := c.Payload.(*SegmentedArray)
	if !ok {
		return c.Size()
	}
	return allocationSizeForSlots(arr.numSlotsUsed)
}

func trimArray(c *heap.Cell) {
	arr := c.Payload.(*SegmentedArray)
	arr.slotCapacity = arr.numSlotsUsed
	arr.slots = arr.slots[:arr.numSlotsUsed]
}
