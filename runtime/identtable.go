package runtime

import (
	"cairn/heap"
	"cairn/value"
)

// identFreeEnd marks the end of the identifier free list
const identFreeEnd = -1

type identEntry struct {
	// sym mirrors the entry's index. Kept as a field so the table can hand
	// the collector an addressable symbol location during root scanning.
	sym       value.SymbolID
	text      string
	permanent bool
	free      bool
	nextFree  int
}

// IdentifierTable maps symbol IDs to their text. Permanent symbols are
// deduplicated and live forever; collectible symbols are freed after a
// collection in which no marked value referenced them, and their IDs are
// recycled through a free list.
type IdentifierTable struct {
	entries   []identEntry
	interned  map[string]value.SymbolID
	firstFree int
}

// NewIdentifierTable creates an empty table
func NewIdentifierTable() *IdentifierTable {
	return &IdentifierTable{
		interned:  make(map[string]value.SymbolID),
		firstFree: identFreeEnd,
	}
}

// Intern returns the permanent symbol for text, creating it on first use.
// Interning the same text always returns the same symbol.
func (t *IdentifierTable) Intern(text string) value.SymbolID {
	if sym, ok := t.interned[text]; ok {
		return sym
	}
	sym := t.newEntry(text, true)
	t.interned[text] = sym
	return sym
}

// NewCollectible creates a symbol that is reclaimed once unreferenced.
// Collectible symbols are never deduplicated; two calls with the same text
// yield distinct symbols.
func (t *IdentifierTable) NewCollectible(text string) value.SymbolID {
	return t.newEntry(text, false)
}

func (t *IdentifierTable) newEntry(text string, permanent bool) value.SymbolID {
	if t.firstFree != identFreeEnd {
		i := t.firstFree
		e := &t.entries[i]
		t.firstFree = e.nextFree
		*e = identEntry{sym: value.SymbolID(i), text: text, permanent: permanent}
		return e.sym
	}
	sym := value.SymbolID(len(t.entries))
	t.entries = append(t.entries, identEntry{sym: sym, text: text, permanent: permanent})
	return sym
}

// Text returns the text of a live symbol; freed or out-of-range symbols read
// as empty.
func (t *IdentifierTable) Text(sym value.SymbolID) string {
	if int(sym) >= len(t.entries) || t.entries[sym].free {
		return ""
	}
	return t.entries[sym].text
}

// End returns one past the largest symbol ID ever issued
func (t *IdentifierTable) End() value.SymbolID {
	return value.SymbolID(len(t.entries))
}

// markRoots keeps every permanent symbol marked regardless of whether any
// value currently references it.
func (t *IdentifierTable) markRoots(acc heap.Acceptor) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.permanent && !e.free {
			acc.AcceptSymbol(&e.sym, e.text)
		}
	}
}

// freeUnmarked reclaims collectible symbols not marked this cycle. marked is
// indexed by symbol ID and covers every entry issued before the cycle began.
func (t *IdentifierTable) freeUnmarked(marked []bool) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.free || e.permanent {
			continue
		}
		if i < len(marked) && marked[i] {
			continue
		}
		e.free = true
		e.text = ""
		e.nextFree = t.firstFree
		t.firstFree = i
	}
}

// visit calls fn for every live entry
func (t *IdentifierTable) visit(fn func(text string, id value.SymbolID)) {
	for i := range t.entries {
		e := &t.entries[i]
		if !e.free {
			fn(e.text, e.sym)
		}
	}
}

// mallocSize estimates the native bytes held by the table's strings
func (t *IdentifierTable) mallocSize() uint64 {
	var total uint64
	for i := range t.entries {
		total += uint64(len(t.entries[i].text))
	}
	return total
}
