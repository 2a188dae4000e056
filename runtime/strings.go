package runtime

import (
	"strconv"

	"cairn/heap"
	"cairn/value"
)

// stringHeaderSize is the nominal in-heap size of a string cell; the
// character data itself is accounted as external memory.
const stringHeaderSize = 32

// StringPrim is the payload of a string cell. The text is immutable; its
// bytes live outside the heap and are credited to the cell as external
// memory so collection heuristics see them.
type StringPrim struct {
	text string
}

// Text returns the string contents
func (p *StringPrim) Text() string {
	return p.text
}

// NewString allocates a string cell. The returned reference is unrooted; the
// caller must root it before the next allocation.
func (rt *Runtime) NewString(text string) value.Ref {
	return rt.newString(text, false)
}

// NewLongLivedString is NewString with long-lived placement
func (rt *Runtime) NewLongLivedString(text string) value.Ref {
	return rt.newString(text, true)
}

func (rt *Runtime) newString(text string, longLived bool) value.Ref {
	var ref value.Ref
	if longLived {
		ref = rt.gc.AllocateLongLived(heap.KindString, stringHeaderSize, true)
	} else {
		ref = rt.gc.Allocate(heap.KindString, stringHeaderSize, true, true)
	}
	p := &StringPrim{text: text}
	rt.gc.Cell(ref).Payload = p
	if len(text) > 0 {
		rt.gc.CreditExternalMemory(ref, uint64(len(text)))
	}
	return ref
}

// CharString returns the shared single-character string for b, allocating it
// long-lived on first use. The cache is a root section, so the result needs
// no further rooting.
func (rt *Runtime) CharString(b byte) value.Ref {
	if rt.charStrings[b] == value.NilRef {
		rt.charStrings[b] = rt.newString(string(rune(b)), true)
	}
	return rt.charStrings[b]
}

// StringText resolves a string cell to its contents
func StringText(gc *heap.GC, ref value.Ref) string {
	return gc.Cell(ref).Payload.(*StringPrim).text
}

func stringMetadata() heap.MetadataTable {
	return heap.MetadataTable{
		heap.KindString: {
			Kind:         heap.KindString,
			Name:         "StringPrim",
			Finalize:     finalizeString,
			NativeNodes:  stringNativeNodes,
			SnapshotName: stringSnapshotName,
		},
	}
}

// finalizeString drops the identity-tracker entry for the character buffer.
// The external memory credit is released with the cell by the collector.
func finalizeString(c *heap.Cell, gc *heap.GC) {
	if p, ok := c.Payload.(*StringPrim); ok {
		gc.IDTracker().UntrackNative(p)
	}
}

func stringNativeNodes(c *heap.Cell, report func(edgeName string, mem any, size uint64)) {
	p, ok := c.Payload.(*StringPrim)
	if !ok || len(p.text) == 0 {
		return
	}
	report("characters", p, uint64(len(p.text)))
}

func stringSnapshotName(c *heap.Cell) string {
	p, ok := c.Payload.(*StringPrim)
	if !ok {
		return "StringPrim"
	}
	text := p.text
	if len(text) > 32 {
		text = text[:32] + "..."
	}
	return strconv.Quote(text)
}
