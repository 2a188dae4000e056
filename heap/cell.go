package heap

// Cell is the header of a single heap allocation. The payload holds the
// kind-specific object body; it may be nil between allocation and the
// caller's initialization, and vtable Mark functions must tolerate that.
type Cell struct {
	kind         CellKind
	size         uint64
	external     uint64
	longLived    bool
	hasFinalizer bool
	marked       bool
	Payload      any
}

// Kind returns the cell's kind tag
func (c *Cell) Kind() CellKind {
	return c.kind
}

// Size returns the declared byte size of the cell
func (c *Cell) Size() uint64 {
	return c.size
}

// ExternalMemory returns the off-heap bytes credited to the cell
func (c *Cell) ExternalMemory() uint64 {
	return c.external
}

// LongLived reports whether the cell was allocated with a long-lived hint
func (c *Cell) LongLived() bool {
	return c.longLived
}
