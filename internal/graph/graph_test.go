package graph

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/agentfleet/internal/model"
	"github.com/lyzr/agentfleet/internal/patchutil"
)

func addChain(t *testing.T, g *Graph, ids ...string) {
	t.Helper()
	for _, id := range ids {
		g.AddNode(&model.WorkflowNode{ID: id, NodeLabel: id, State: model.NodeReady})
	}
	for i := 0; i+1 < len(ids); i++ {
		require.NoError(t, g.AddEdge(ids[i], ids[i+1]))
	}
}

func TestAddEdge_RejectsInvalidNodeIDs(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "a"})

	err := g.AddEdge("a", "missing")
	assert.Error(t, err)

	err = g.AddEdge("missing", "a")
	assert.Error(t, err)
}

func TestLinearTopology_ExecutionLevels(t *testing.T) {
	g := New()
	addChain(t, g, "n1", "n2", "n3")

	levels, err := g.ExecutionLevels("n1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"n1"}, {"n2"}, {"n3"}}, levels)
}

func TestDiamondTopology_ExecutionLevels(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "start", NodeLabel: "start"})
	g.AddNode(&model.WorkflowNode{ID: "left", NodeLabel: "left"})
	g.AddNode(&model.WorkflowNode{ID: "right", NodeLabel: "right"})
	g.AddNode(&model.WorkflowNode{ID: "end", NodeLabel: "end"})
	require.NoError(t, g.AddEdge("start", "left"))
	require.NoError(t, g.AddEdge("start", "right"))
	require.NoError(t, g.AddEdge("left", "end"))
	require.NoError(t, g.AddEdge("right", "end"))

	levels, err := g.ExecutionLevels("start")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"start"}, {"left", "right"}, {"end"}}, levels)

	g.SetParallelThreshold(2)
	plan, err := g.Plan("start")
	require.NoError(t, err)
	assert.Contains(t, plan, "Level 1 [PARALLEL]")
	assert.Contains(t, plan, "Level 0 [SEQUENTIAL]")
	assert.Contains(t, plan, "Level 2 [SEQUENTIAL]")
}

func TestInvariant_EveryEdgeRespectsDepthOrdering(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "start"})
	g.AddNode(&model.WorkflowNode{ID: "left"})
	g.AddNode(&model.WorkflowNode{ID: "right"})
	g.AddNode(&model.WorkflowNode{ID: "end"})
	require.NoError(t, g.AddEdge("start", "left"))
	require.NoError(t, g.AddEdge("start", "right"))
	require.NoError(t, g.AddEdge("left", "end"))
	require.NoError(t, g.AddEdge("right", "end"))

	depth, _, err := g.depths("start")
	require.NoError(t, err)

	for u, vs := range g.succ {
		for _, v := range vs {
			assert.Greater(t, depth[v], depth[u], "edge %s->%s must increase depth", u, v)
		}
	}
}

// fakeExecutor is a NodeExecutor whose behavior per node ID is scripted:
// a duration to "work" for and whether to error.
type fakeExecutor struct {
	mu        sync.Mutex
	delay     map[string]time.Duration
	fail      map[string]bool
	finalSt   map[string]model.NodeState
	executed  []string
	active    int
	maxActive int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		delay:   make(map[string]time.Duration),
		fail:    make(map[string]bool),
		finalSt: make(map[string]model.NodeState),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, n *model.WorkflowNode, attrs map[string]interface{}, sink ChunkSink) (model.NodeState, error) {
	f.mu.Lock()
	f.executed = append(f.executed, n.ID)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	delay := f.delay[n.ID]
	shouldFail := f.fail[n.ID]
	final := f.finalSt[n.ID]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	sink(model.Chunk{NodeID: n.ID, State: model.ChunkCompleted})

	if shouldFail {
		return model.NodeFailed, fmt.Errorf("node %s failed", n.ID)
	}

	if final == "" {
		final = model.NodeCompleted
	}
	return final, nil
}

func TestExecuteSequential_LinearChain(t *testing.T) {
	g := New()
	addChain(t, g, "n1", "n2", "n3")

	exec := newFakeExecutor()
	var chunks []model.Chunk
	err := g.ExecuteSequential(context.Background(), "n1", exec, func(c model.Chunk) {
		chunks = append(chunks, c)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"n1", "n2", "n3"}, exec.executed)
	assert.Equal(t, model.GraphCompleted, g.State())

	for _, id := range []string{"n1", "n2", "n3"} {
		n, _ := g.Node(id)
		assert.Equal(t, model.NodeCompleted, n.State)
	}
}

func TestExecuteSequential_PauseOnInputRequired(t *testing.T) {
	g := New()
	addChain(t, g, "n1", "n2", "n3")

	exec := newFakeExecutor()
	exec.finalSt["n2"] = model.NodePaused

	err := g.ExecuteSequential(context.Background(), "n1", exec, func(model.Chunk) {})
	require.NoError(t, err)

	assert.Equal(t, []string{"n1", "n2"}, exec.executed)
	assert.Equal(t, model.GraphPaused, g.State())
	assert.Equal(t, "n2", g.PausedNodeID())

	n2, _ := g.Node("n2")
	assert.Equal(t, model.NodePaused, n2.State)
}

func TestExecuteSequential_FailurePropagates(t *testing.T) {
	g := New()
	addChain(t, g, "n1", "n2", "n3")

	exec := newFakeExecutor()
	exec.fail["n2"] = true

	err := g.ExecuteSequential(context.Background(), "n1", exec, func(model.Chunk) {})
	assert.Error(t, err)
	assert.Equal(t, model.GraphFailed, g.State())

	n2, _ := g.Node("n2")
	assert.Equal(t, model.NodeFailed, n2.State)

	// n3 never runs.
	assert.NotContains(t, exec.executed, "n3")
}

func TestExecuteParallelLevel_FasterThanSequential(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "a"})
	g.AddNode(&model.WorkflowNode{ID: "b"})
	g.AddNode(&model.WorkflowNode{ID: "c"})

	exec := newFakeExecutor()
	for _, id := range []string{"a", "b", "c"} {
		exec.delay[id] = 100 * time.Millisecond
	}

	start := time.Now()
	err := g.ExecuteParallelLevel(context.Background(), []string{"a", "b", "c"}, exec, func(model.Chunk) {})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestExecuteParallelLevel_PartialFailureDoesNotCancelSiblings(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "ok"})
	g.AddNode(&model.WorkflowNode{ID: "bad"})

	exec := newFakeExecutor()
	exec.fail["bad"] = true

	err := g.ExecuteParallelLevel(context.Background(), []string{"ok", "bad"}, exec, func(model.Chunk) {})
	require.NoError(t, err)

	okNode, _ := g.Node("ok")
	badNode, _ := g.Node("bad")

	assert.Equal(t, model.NodeCompleted, okNode.State)
	assert.Equal(t, model.NodePaused, badNode.State)
	assert.Equal(t, model.GraphPaused, g.State())
}

func TestExecuteLevel_BelowThresholdRunsSequentially(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "a"})
	g.AddNode(&model.WorkflowNode{ID: "b"})
	g.SetParallelThreshold(3)

	exec := newFakeExecutor()
	exec.delay["a"] = 50 * time.Millisecond
	exec.delay["b"] = 50 * time.Millisecond

	err := g.ExecuteLevel(context.Background(), []string{"a", "b"}, exec, func(model.Chunk) {})
	require.NoError(t, err)

	assert.Equal(t, 1, exec.maxActive)
	assert.Equal(t, []string{"a", "b"}, exec.executed)
}

func TestExecuteLevel_AtThresholdRunsConcurrently(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "a"})
	g.AddNode(&model.WorkflowNode{ID: "b"})
	g.SetParallelThreshold(2)

	exec := newFakeExecutor()
	exec.delay["a"] = 100 * time.Millisecond
	exec.delay["b"] = 100 * time.Millisecond

	err := g.ExecuteLevel(context.Background(), []string{"a", "b"}, exec, func(model.Chunk) {})
	require.NoError(t, err)

	assert.Equal(t, 2, exec.maxActive)
}

func TestExecuteLevel_SequentialPauseSuspendsRestOfLevel(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "a"})
	g.AddNode(&model.WorkflowNode{ID: "b"})
	g.SetParallelThreshold(3)

	exec := newFakeExecutor()
	exec.finalSt["a"] = model.NodePaused

	err := g.ExecuteLevel(context.Background(), []string{"a", "b"}, exec, func(model.Chunk) {})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, exec.executed)
	assert.Equal(t, model.GraphPaused, g.State())
	assert.Equal(t, "a", g.PausedNodeID())
}

func TestExecuteParallelLevel_SingleNodeDegradesToSequential(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "solo"})

	exec := newFakeExecutor()
	exec.fail["solo"] = true

	err := g.ExecuteParallelLevel(context.Background(), []string{"solo"}, exec, func(model.Chunk) {})
	assert.Error(t, err)

	solo, _ := g.Node("solo")
	assert.Equal(t, model.NodeFailed, solo.State)
	assert.Equal(t, model.GraphFailed, g.State())
}

func TestPredecessorsAndSuccessors_ExposeEdgesVerbatim(t *testing.T) {
	g := New()
	addChain(t, g, "n1", "n2", "n3")
	require.NoError(t, g.AddEdge("n1", "n3"))

	assert.ElementsMatch(t, []string{"n2", "n3"}, g.Successors("n1"))
	assert.ElementsMatch(t, []string{"n2", "n1"}, g.Predecessors("n3"))
	assert.Empty(t, g.Predecessors("n1"))
	assert.Empty(t, g.Successors("n3"))
}

func TestSnapshotPatchRoundTrip(t *testing.T) {
	g := New()
	g.AddNode(&model.WorkflowNode{ID: "n1", Task: "do thing", State: model.NodeReady})
	g.SetAttr("n1", "query", "hello")

	snap, err := g.Snapshot()
	require.NoError(t, err)

	patch := []byte(`[{"op":"replace","path":"/attrs/n1/query","value":"goodbye"}]`)

	g2 := New()
	patched, err := patchutil.ApplyPatch(snap, patch)
	require.NoError(t, err)
	require.NoError(t, g2.Import(patched))

	v, ok := g2.GetAttr("n1", "query")
	require.True(t, ok)
	assert.Equal(t, "goodbye", v)

	n1, ok := g2.Node("n1")
	require.True(t, ok)
	assert.Equal(t, "do thing", n1.Task)
}
