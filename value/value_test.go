package value

import (
	"math"
	"testing"
)

func TestConstructorsAndTags(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		tag  Tag
	}{
		{"empty", Empty(), TagEmpty},
		{"undefined", Undefined(), TagUndefined},
		{"null", Null(), TagNull},
		{"bool", Bool(true), TagBool},
		{"number", Number(3.5), TagNumber},
		{"symbol", Symbol(7), TagSymbol},
		{"object", Object(42), TagObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.v.Tag() != tt.tag {
				t.Errorf("tag = %v, expected %v", tt.v.Tag(), tt.tag)
			}
		})
	}
}

func TestPayloadAccessors(t *testing.T) {
	if !Bool(true).Bool() || Bool(false).Bool() {
		t.Error("bool payload mismatch")
	}
	if Number(2.25).Number() != 2.25 {
		t.Error("number payload mismatch")
	}
	if Symbol(9).Symbol() != 9 {
		t.Error("symbol payload mismatch")
	}
	if Object(42).Ref() != 42 {
		t.Error("object payload mismatch")
	}
}

func TestRefOnNonObject(t *testing.T) {
	for _, v := range []Value{Empty(), Undefined(), Null(), Bool(true), Number(1), Symbol(3)} {
		if v.Ref() != NilRef {
			t.Errorf("%s: Ref() = %d, expected NilRef", v, v.Ref())
		}
	}
}

func TestSetRef(t *testing.T) {
	v := Object(1)
	v.SetRef(17)
	if !v.IsObject() || v.Ref() != 17 {
		t.Errorf("after SetRef: %s", v)
	}
}

func TestEqual(t *testing.T) {
	nan := Number(math.NaN())
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same empty", Empty(), Empty(), true},
		{"empty vs undefined", Empty(), Undefined(), false},
		{"same number", Number(1.5), Number(1.5), true},
		{"different number", Number(1.5), Number(2.5), false},
		{"nan equals nan", nan, nan, true},
		{"zero vs negative zero", Number(0), Number(math.Copysign(0, -1)), false},
		{"same object", Object(3), Object(3), true},
		{"different object", Object(3), Object(4), false},
		{"number vs object", Number(3), Object(3), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Empty(), "empty"},
		{Undefined(), "undefined"},
		{Null(), "null"},
		{Bool(true), "true"},
		{Number(2.5), "2.5"},
		{Symbol(5), "symbol(5)"},
		{Object(9), "object(#9)"},
	}

	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, expected %q", got, tt.want)
		}
	}
}
