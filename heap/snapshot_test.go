package heap

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"cairn/value"
)

func takeSnapshot(t *testing.T, env *testEnv) gjson.Result {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, env.gc.CreateSnapshot(&buf))
	require.True(t, gjson.ValidBytes(buf.Bytes()), "snapshot is not valid JSON")
	return gjson.ParseBytes(buf.Bytes())
}

func findNode(snap gjson.Result, id NodeID) gjson.Result {
	return snap.Get(fmt.Sprintf(`nodes.#(id==%d)`, id))
}

func TestSnapshotContainsSuperRootAndSections(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := takeSnapshot(t, env)

	super := findNode(snap, SuperRootID)
	require.True(t, super.Exists(), "super root node missing")
	require.Equal(t, "synthetic", super.Get("type").String())
	require.Equal(t, int64(NumRootSections), super.Get("edges.#").Int(),
		"super root must reference every section node")

	for s := RootSection(0); s < NumRootSections; s++ {
		require.True(t, findNode(snap, SectionNodeID(s)).Exists(), "section node %v missing", s)
	}
}

func TestSnapshotReachableObjects(t *testing.T) {
	env := newTestEnv(t, nil)

	tail := env.allocPair(value.Undefined(), value.Number(2), false)
	head := env.allocPair(value.Object(tail), value.Number(1), false)
	env.allocPair(value.Undefined(), value.Number(3), false) // unreachable
	env.cb.roots = []value.Value{value.Object(head)}

	headID := env.gc.IDTracker().GetObjectID(head)
	tailID := env.gc.IDTracker().GetObjectID(tail)

	snap := takeSnapshot(t, env)

	headNode := findNode(snap, headID)
	require.True(t, headNode.Exists())
	require.Equal(t, "Pair", headNode.Get("name").String())
	require.Equal(t, "object", headNode.Get("type").String())

	// The head's first slot is a named edge to the tail.
	edge := headNode.Get(`edges.#(name=="first")`)
	require.True(t, edge.Exists())
	require.Equal(t, int64(tailID), edge.Get("to").Int())

	require.True(t, findNode(snap, tailID).Exists(), "reachable tail missing")

	// Exactly one custom-section root edge, pointing at the head.
	section := findNode(snap, SectionNodeID(SectionCustom))
	require.Equal(t, int64(1), section.Get("edges.#").Int())
	require.Equal(t, int64(headID), section.Get("edges.0.to").Int())
}

func TestSnapshotOmitsUnreachableObjects(t *testing.T) {
	env := newTestEnv(t, nil)

	live := env.allocPair(value.Undefined(), value.Number(1), false)
	dead := env.allocPair(value.Undefined(), value.Number(2), false)
	env.cb.roots = []value.Value{value.Object(live)}
	deadID := env.gc.IDTracker().GetObjectID(dead)

	snap := takeSnapshot(t, env)
	require.False(t, findNode(snap, deadID).Exists(), "unreachable cell in snapshot")
}

func TestSnapshotCyclesTerminate(t *testing.T) {
	env := newTestEnv(t, nil)

	a := env.allocPair(value.Undefined(), value.Number(1), false)
	b := env.allocPair(value.Object(a), value.Number(2), false)
	pairAt(env.gc, a).first = value.Object(b)
	env.cb.roots = []value.Value{value.Object(a)}

	snap := takeSnapshot(t, env)

	idA := env.gc.IDTracker().GetObjectID(env.cb.roots[0].Ref())
	nodes := snap.Get(fmt.Sprintf(`nodes.#(id==%d)#`, idA))
	require.Equal(t, int64(1), nodes.Get("#").Int(), "cycle member emitted more than once")
}

func TestSnapshotDoesNotMutateHeap(t *testing.T) {
	env := newTestEnv(t, nil)

	live := env.allocPair(value.Undefined(), value.Number(1), false)
	env.allocPair(value.Undefined(), value.Number(2), false) // garbage
	env.cb.roots = []value.Value{value.Object(live)}

	before := env.gc.NumCells()
	takeSnapshot(t, env)
	require.Equal(t, before, env.gc.NumCells(), "snapshot changed the arena")

	// A collection afterwards still reclaims the garbage normally.
	env.gc.Collect()
	require.Equal(t, 1, env.gc.NumCells())
}

func TestSnapshotCountsMatch(t *testing.T) {
	env := newTestEnv(t, nil)

	ref := env.allocPair(value.Undefined(), value.Number(1), false)
	env.cb.roots = []value.Value{value.Object(ref)}

	snap := takeSnapshot(t, env)

	nodeCount := snap.Get("nodes.#").Int()
	require.Equal(t, snap.Get("snapshot.node_count").Int(), nodeCount)

	var edgeCount int64
	snap.Get("nodes").ForEach(func(_, n gjson.Result) bool {
		edgeCount += n.Get("edges.#").Int()
		return true
	})
	require.Equal(t, snap.Get("snapshot.edge_count").Int(), edgeCount)
}
