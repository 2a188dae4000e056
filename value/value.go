package value

import (
	"fmt"
	"math"
	"strconv"
)

// Ref is a handle to a heap cell: an index into the collector's cell arena.
// The zero Ref is nil/invalid. Refs are rewritten by the collector when cells
// are relocated, so a Ref held across an allocation must be rooted (stored in
// a handle scope or reachable from a registered root section).
type Ref uint32

// NilRef is the invalid reference
const NilRef Ref = 0

// SymbolID identifies an interned identifier in the runtime's identifier table
type SymbolID uint32

// Value is a tagged value: the unit stored in registers, globals, and heap
// object slots. Empty is distinct from Undefined: Empty marks slots that have
// been published to the collector but not yet written by the mutator.
type Value struct {
	tag  Tag
	num  float64
	bits uint64 // bool / symbol / object ref payload
}

// Empty returns the placeholder value for uninitialized heap slots
func Empty() Value {
	return Value{tag: TagEmpty}
}

// Undefined returns the undefined value
func Undefined() Value {
	return Value{tag: TagUndefined}
}

// Null returns the null value
func Null() Value {
	return Value{tag: TagNull}
}

// Bool returns a boolean value
func Bool(b bool) Value {
	v := Value{tag: TagBool}
	if b {
		v.bits = 1
	}
	return v
}

// Number returns a numeric value
func Number(f float64) Value {
	return Value{tag: TagNumber, num: f}
}

// Symbol returns a symbol value for the given identifier
func Symbol(id SymbolID) Value {
	return Value{tag: TagSymbol, bits: uint64(id)}
}

// Object returns a value referencing the given heap cell
func Object(r Ref) Value {
	return Value{tag: TagObject, bits: uint64(r)}
}

// Tag returns the value's tag
func (v Value) Tag() Tag {
	return v.tag
}

// IsEmpty reports whether this is the uninitialized-slot placeholder
func (v Value) IsEmpty() bool {
	return v.tag == TagEmpty
}

// IsObject reports whether this value references a heap cell
func (v Value) IsObject() bool {
	return v.tag == TagObject
}

// IsSymbol reports whether this value is a symbol
func (v Value) IsSymbol() bool {
	return v.tag == TagSymbol
}

// Bool returns the boolean payload. Only valid for TagBool values.
func (v Value) Bool() bool {
	return v.bits != 0
}

// Number returns the numeric payload. Only valid for TagNumber values.
func (v Value) Number() float64 {
	return v.num
}

// Symbol returns the symbol payload. Only valid for TagSymbol values.
func (v Value) Symbol() SymbolID {
	return SymbolID(v.bits)
}

// Ref returns the heap reference payload, or NilRef for non-object values
func (v Value) Ref() Ref {
	if v.tag != TagObject {
		return NilRef
	}
	return Ref(v.bits)
}

// SetRef rewrites the heap reference in place. Only the collector's update
// pass should call this; the value must already be an object.
func (v *Value) SetRef(r Ref) {
	v.bits = uint64(r)
}

// Equal compares two values. Object values compare by reference identity,
// numbers by bit pattern (so NaN equals NaN).
func (v Value) Equal(other Value) bool {
	if v.tag != other.tag {
		return false
	}
	if v.tag == TagNumber {
		return math.Float64bits(v.num) == math.Float64bits(other.num)
	}
	return v.bits == other.bits
}

// String returns a literal representation for diagnostics
func (v Value) String() string {
	switch v.tag {
	case TagEmpty:
		return "empty"
	case TagUndefined:
		return "undefined"
	case TagNull:
		return "null"
	case TagBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case TagNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case TagSymbol:
		return fmt.Sprintf("symbol(%d)", v.Symbol())
	case TagObject:
		return fmt.Sprintf("object(#%d)", v.Ref())
	default:
		return "unknown"
	}
}
