package heap

import (
	"encoding/json"
	"fmt"
	"io"

	"cairn/value"
)

// Snapshot node types, loosely following the devtools heap profile taxonomy.
const (
	nodeTypeSynthetic = "synthetic"
	nodeTypeObject    = "object"
	nodeTypeNative    = "native"
)

type snapshotEdge struct {
	Name string `json:"name"`
	To   NodeID `json:"to"`
}

type snapshotNode struct {
	ID       NodeID         `json:"id"`
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	SelfSize uint64         `json:"self_size"`
	Edges    []snapshotEdge `json:"edges"`
}

type snapshotIdentifier struct {
	ID   value.SymbolID `json:"id"`
	Text string         `json:"text"`
}

type snapshotMeta struct {
	NodeCount int `json:"node_count"`
	EdgeCount int `json:"edge_count"`
}

type heapSnapshot struct {
	Snapshot    snapshotMeta         `json:"snapshot"`
	Nodes       []snapshotNode       `json:"nodes"`
	Identifiers []snapshotIdentifier `json:"identifiers"`
}

// CreateSnapshot walks every live cell and every tracked native allocation,
// writing a node/edge graph keyed by the identity tracker's stable IDs. Each
// node is emitted once and referenced by ID thereafter, so arbitrarily deep
// and cyclic graphs stay finite. Heap contents are not mutated; liveness is
// computed against a private visited set, not the collector's mark bits.
func (gc *GC) CreateSnapshot(w io.Writer) error {
	snap := &heapSnapshot{}

	// Root discovery, grouped by section.
	rc := &snapshotRootCollector{sections: make([][]value.Ref, NumRootSections)}
	gc.callbacks.MarkRoots(rc, true)
	gc.scanHandles(rc)

	superRoot := snapshotNode{ID: SuperRootID, Type: nodeTypeSynthetic, Name: "(GC roots)"}
	for s := RootSection(0); s < NumRootSections; s++ {
		superRoot.Edges = append(superRoot.Edges, snapshotEdge{Name: s.String(), To: SectionNodeID(s)})
	}
	snap.Nodes = append(snap.Nodes, superRoot)

	visited := make([]bool, len(gc.cells)+1)
	var stack []value.Ref
	push := func(r value.Ref) {
		if r != value.NilRef && !visited[r] {
			visited[r] = true
			stack = append(stack, r)
		}
	}

	for s := RootSection(0); s < NumRootSections; s++ {
		node := snapshotNode{ID: SectionNodeID(s), Type: nodeTypeSynthetic, Name: "(" + s.String() + ")"}
		for i, target := range rc.sections[s] {
			node.Edges = append(node.Edges, snapshotEdge{
				Name: fmt.Sprintf("%d", i),
				To:   gc.idTracker.GetObjectID(target),
			})
			push(target)
		}
		snap.Nodes = append(snap.Nodes, node)
	}

	// Transitive walk over the live cells.
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c := gc.Cell(ref)
		vt := gc.meta[c.kind]

		node := snapshotNode{
			ID:       gc.idTracker.GetObjectID(ref),
			Type:     nodeTypeObject,
			Name:     vt.Name,
			SelfSize: c.size,
		}
		if vt.SnapshotName != nil {
			node.Name = vt.SnapshotName(c)
		}
		if vt.Mark != nil && c.Payload != nil {
			ec := &snapshotEdgeCollector{gc: gc, node: &node}
			vt.Mark(c, ec)
			for _, e := range ec.targets {
				push(e)
			}
		}
		if vt.NativeNodes != nil {
			vt.NativeNodes(c, func(edgeName string, mem any, size uint64) {
				id := gc.idTracker.GetNativeID(mem)
				node.Edges = append(node.Edges, snapshotEdge{Name: edgeName, To: id})
				snap.Nodes = append(snap.Nodes, snapshotNode{
					ID:       id,
					Type:     nodeTypeNative,
					Name:     "(native) " + edgeName,
					SelfSize: size,
				})
			})
		}
		snap.Nodes = append(snap.Nodes, node)
	}

	gc.callbacks.VisitIdentifiers(func(text string, id value.SymbolID) {
		snap.Identifiers = append(snap.Identifiers, snapshotIdentifier{ID: id, Text: text})
	})

	snap.Snapshot.NodeCount = len(snap.Nodes)
	for _, n := range snap.Nodes {
		snap.Snapshot.EdgeCount += len(n.Edges)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// snapshotRootCollector gathers root references by section without touching
// mark state.
type snapshotRootCollector struct {
	sections [][]value.Ref
	current  RootSection
}

func (rc *snapshotRootCollector) AcceptValue(v *value.Value, name string) {
	if v.IsObject() && v.Ref() != value.NilRef {
		rc.sections[rc.current] = append(rc.sections[rc.current], v.Ref())
	}
}

func (rc *snapshotRootCollector) AcceptRef(r *value.Ref, name string) {
	if *r != value.NilRef {
		rc.sections[rc.current] = append(rc.sections[rc.current], *r)
	}
}

func (rc *snapshotRootCollector) AcceptSymbol(sym *value.SymbolID, name string) {}

func (rc *snapshotRootCollector) BeginRootSection(s RootSection) {
	rc.current = s
}

func (rc *snapshotRootCollector) EndRootSection(s RootSection) {}

// snapshotEdgeCollector turns one cell's slot visits into named edges
type snapshotEdgeCollector struct {
	gc      *GC
	node    *snapshotNode
	targets []value.Ref
	index   int
}

func (ec *snapshotEdgeCollector) AcceptValue(v *value.Value, name string) {
	defer func() { ec.index++ }()
	if !v.IsObject() || v.Ref() == value.NilRef {
		return
	}
	ec.addEdge(v.Ref(), name)
}

func (ec *snapshotEdgeCollector) AcceptRef(r *value.Ref, name string) {
	defer func() { ec.index++ }()
	if *r == value.NilRef {
		return
	}
	ec.addEdge(*r, name)
}

func (ec *snapshotEdgeCollector) AcceptSymbol(sym *value.SymbolID, name string) {}
func (ec *snapshotEdgeCollector) BeginRootSection(s RootSection)               {}
func (ec *snapshotEdgeCollector) EndRootSection(s RootSection)                 {}

func (ec *snapshotEdgeCollector) addEdge(target value.Ref, name string) {
	if name == "" {
		name = fmt.Sprintf("slot[%d]", ec.index)
	}
	ec.node.Edges = append(ec.node.Edges, snapshotEdge{
		Name: name,
		To:   ec.gc.idTracker.GetObjectID(target),
	})
	ec.targets = append(ec.targets, target)
}
