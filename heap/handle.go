package heap

import "cairn/value"

// HandleScope is a stack-discipline registry of "reachable via local
// variables" roots. Values placed in a scope are scanned and updated by the
// collector, so a mutator can hold references across allocations that might
// move the heap. Scopes must be closed in strict nesting order; handles
// created in a scope are invalid once it closes.
type HandleScope struct {
	gc     *GC
	base   int
	closed bool
}

// NewScope opens a handle scope. Callers should pair it with Close, usually
// via defer.
func (gc *GC) NewScope() *HandleScope {
	s := &HandleScope{gc: gc, base: len(gc.handleSlots)}
	gc.handleScopes = append(gc.handleScopes, s)
	return s
}

// Close exits the scope, invalidating its handles. Closing any scope other
// than the innermost open one is a contract violation.
func (s *HandleScope) Close() {
	gc := s.gc
	gc.invariant(!s.closed, "handle scope closed twice")
	n := len(gc.handleScopes)
	gc.invariant(n > 0 && gc.handleScopes[n-1] == s, "handle scopes closed out of nesting order")
	gc.handleScopes = gc.handleScopes[:n-1]
	gc.handleSlots = gc.handleSlots[:s.base]
	s.closed = true
}

// Handle adds a rooted slot holding v and returns its accessor
func (s *HandleScope) Handle(v value.Value) Handle {
	gc := s.gc
	gc.invariant(!s.closed, "handle created in a closed scope")
	gc.handleSlots = append(gc.handleSlots, v)
	return Handle{gc: gc, slot: len(gc.handleSlots) - 1}
}

// RefHandle is a convenience for rooting an object reference
func (s *HandleScope) RefHandle(r value.Ref) Handle {
	return s.Handle(value.Object(r))
}

// Handle is an accessor for one rooted slot. The collector rewrites the slot
// in place when the referent moves, so Value/Ref always observe the current
// location.
type Handle struct {
	gc   *GC
	slot int
}

// Value returns the current rooted value
func (h Handle) Value() value.Value {
	h.check()
	return h.gc.handleSlots[h.slot]
}

// Set replaces the rooted value
func (h Handle) Set(v value.Value) {
	h.check()
	h.gc.handleSlots[h.slot] = v
}

// Ref returns the rooted object reference, or NilRef for non-object values
func (h Handle) Ref() value.Ref {
	return h.Value().Ref()
}

// SetRef replaces the rooted value with an object reference
func (h Handle) SetRef(r value.Ref) {
	h.Set(value.Object(r))
}

func (h Handle) check() {
	// A slot index past the live region means the owning scope has exited:
	// a use-after-free only the strict mode can catch.
	h.gc.invariant(h.slot < len(h.gc.handleSlots), "handle used after its scope closed")
}
