// Package graph implements the workflow graph: a mutable DAG of
// workflow nodes with structural operations, attribute storage,
// topological ordering, parallel-level partitioning, and the pause/resume
// discipline that lets the orchestrator expand the graph as the planner
// returns.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lyzr/agentfleet/internal/model"
	"github.com/lyzr/agentfleet/internal/patchutil"
)

// DefaultParallelThreshold is the level size at or above which a level
// runs in parallel rather than sequentially.
const DefaultParallelThreshold = 2

// Graph is the workflow graph. It is mutated only by the orchestrator
// (single writer); executing nodes mutate only their own state and
// results, never the graph's structure.
type Graph struct {
	mu sync.Mutex

	nodes map[string]*model.WorkflowNode
	succ  map[string][]string
	pred  map[string][]string
	attrs map[string]map[string]interface{}

	order       []string // insertion order, for deterministic iteration
	latestNode  string
	startNode   string
	pausedNode  string
	state       model.GraphState
	threshold   int
}

// New creates an empty, INITIALIZED graph with the default parallel
// threshold.
func New() *Graph {
	return &Graph{
		nodes:     make(map[string]*model.WorkflowNode),
		succ:      make(map[string][]string),
		pred:      make(map[string][]string),
		attrs:     make(map[string]map[string]interface{}),
		state:     model.GraphInitialized,
		threshold: DefaultParallelThreshold,
	}
}

// SetParallelThreshold changes the threshold. Safe only between runs;
// callers must not change it mid-execution.
func (g *Graph) SetParallelThreshold(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threshold = n
}

// ParallelThreshold returns the current threshold.
func (g *Graph) ParallelThreshold() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threshold
}

// AddNode inserts n into the node map, records it as latest, and (for the
// very first node added) as the start node.
func (g *Graph) AddNode(n *model.WorkflowNode) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	g.latestNode = n.ID
	if g.startNode == "" {
		g.startNode = n.ID
	}
}

// AddEdge records a dependency u -> v. Both endpoints must already exist.
func (g *Graph) AddEdge(u, v string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[u]; !ok {
		return fmt.Errorf("invalid node IDs: %q not found", u)
	}
	if _, ok := g.nodes[v]; !ok {
		return fmt.Errorf("invalid node IDs: %q not found", v)
	}

	g.succ[u] = append(g.succ[u], v)
	g.pred[v] = append(g.pred[v], u)
	return nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*model.WorkflowNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	return n, ok
}

// LatestNodeID returns the most recently added node's ID, the insertion-
// order cursor used for convenience appends.
func (g *Graph) LatestNodeID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latestNode
}

// StartNodeID returns the first node ever added to the graph.
func (g *Graph) StartNodeID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startNode
}

// State returns the graph's current lifecycle state.
func (g *Graph) State() model.GraphState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetState sets the graph's lifecycle state directly; used by the
// orchestrator when transitioning the overall run (e.g. to FAILED on
// malformed planner output).
func (g *Graph) SetState(s model.GraphState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

// PausedNodeID returns the node ID awaiting resumption, if any.
func (g *Graph) PausedNodeID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pausedNode
}

// ClearPausedNode drops the paused-node marker. Callers driving execution
// level by level (rather than through ExecuteSequential, which clears this
// itself) must call this once they have read PausedNodeID to determine
// where to resume, so a later successful run doesn't appear paused.
func (g *Graph) ClearPausedNode() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pausedNode = ""
}

// Predecessors returns the IDs of nodes with an edge into id, verbatim.
func (g *Graph) Predecessors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.pred[id]...)
}

// Successors returns the IDs of nodes id has an edge into, verbatim.
func (g *Graph) Successors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.succ[id]...)
}

// SetAttr stores a per-node attribute (task_id, context_id, query, the
// resolved AgentDescriptor, ...) on the graph, keyed by node id.
func (g *Graph) SetAttr(nodeID, key string, value interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.attrs[nodeID]
	if !ok {
		m = make(map[string]interface{})
		g.attrs[nodeID] = m
	}
	m[key] = value
}

// GetAttr retrieves a per-node attribute.
func (g *Graph) GetAttr(nodeID, key string) (interface{}, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.attrs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// NodeIDs returns every node ID in insertion order.
func (g *Graph) NodeIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

// depths computes the longest-path depth from start to every node
// reachable from it, via a Kahn-style topological relaxation. Nodes
// unreachable from start are omitted.
func (g *Graph) depths(start string) (map[string]int, []string, error) {
	if _, ok := g.nodes[start]; !ok {
		return nil, nil, fmt.Errorf("invalid node IDs: start node %q not found", start)
	}

	// Restrict to the subgraph reachable from start.
	reachable := map[string]bool{start: true}
	queue := []string{start}
	var topo []string

	indeg := make(map[string]int)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		topo = append(topo, id)
		for _, s := range g.succ[id] {
			if !reachable[s] {
				reachable[s] = true
				queue = append(queue, s)
			}
		}
	}

	for id := range reachable {
		for _, p := range g.pred[id] {
			if reachable[p] {
				indeg[id]++
			}
		}
	}

	depth := map[string]int{start: 0}
	kahnQueue := []string{start}
	visited := map[string]bool{start: true}
	var order []string

	remaining := make(map[string]int, len(indeg))
	for id := range reachable {
		remaining[id] = indeg[id]
	}

	for len(kahnQueue) > 0 {
		sort.Strings(kahnQueue)
		id := kahnQueue[0]
		kahnQueue = kahnQueue[1:]
		order = append(order, id)

		for _, s := range g.succ[id] {
			if !reachable[s] {
				continue
			}
			if depth[id]+1 > depth[s] {
				depth[s] = depth[id] + 1
			}
			remaining[s]--
			if remaining[s] == 0 && !visited[s] {
				visited[s] = true
				kahnQueue = append(kahnQueue, s)
			}
		}
	}

	return depth, order, nil
}

// TopologicalOrder returns nodes reachable from start in a deterministic
// topological order (ties broken by node ID).
func (g *Graph) TopologicalOrder(start string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, order, err := g.depths(start)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ExecutionLevels returns the ordered list of levels (ExecutionLevel, per
// the data model): the i-th list is every node whose longest path from
// start has length i. Levels are returned in ascending depth order; node
// IDs within a level are sorted for determinism.
func (g *Graph) ExecutionLevels(start string) ([][]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	depth, _, err := g.depths(start)
	if err != nil {
		return nil, err
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for id, d := range depth {
		levels[d] = append(levels[d], id)
	}
	for _, lvl := range levels {
		sort.Strings(lvl)
	}

	return levels, nil
}

// Plan renders a textual visualization of the execution levels starting
// at start: each level annotated SEQUENTIAL or PARALLEL per the graph's
// parallel threshold, with each member's node_label.
func (g *Graph) Plan(start string) (string, error) {
	levels, err := g.ExecutionLevels(start)
	if err != nil {
		return "", err
	}

	threshold := g.ParallelThreshold()

	out := ""
	for i, ids := range levels {
		mode := "SEQUENTIAL"
		if len(ids) >= threshold {
			mode = "PARALLEL"
		}

		labels := make([]string, 0, len(ids))
		for _, id := range ids {
			n, ok := g.Node(id)
			label := id
			if ok && n.NodeLabel != "" {
				label = n.NodeLabel
			}
			labels = append(labels, label)
		}

		out += fmt.Sprintf("Level %d [%s]: %v\n", i, mode, labels)
	}

	return out, nil
}

// graphSnapshot is the JSON shape exported/imported by Snapshot/Import,
// the patch round-trip vector.
type graphSnapshot struct {
	Nodes      map[string]*model.WorkflowNode            `json:"nodes"`
	Order      []string                                  `json:"order"`
	Succ       map[string][]string                        `json:"succ"`
	Pred       map[string][]string                        `json:"pred"`
	Attrs      map[string]map[string]interface{}          `json:"attrs"`
	LatestNode string                                      `json:"latest_node"`
	StartNode  string                                      `json:"start_node"`
	PausedNode string                                      `json:"paused_node"`
	State      model.GraphState                            `json:"state"`
	Threshold  int                                          `json:"threshold"`
}

// Snapshot exports the graph's structural and attribute state as JSON.
func (g *Graph) Snapshot() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := graphSnapshot{
		Nodes:      g.nodes,
		Order:      g.order,
		Succ:       g.succ,
		Pred:       g.pred,
		Attrs:      g.attrs,
		LatestNode: g.latestNode,
		StartNode:  g.startNode,
		PausedNode: g.pausedNode,
		State:      g.state,
		Threshold:  g.threshold,
	}

	return patchutil.Marshal(snap)
}

// ApplyPatchAndImport applies an RFC 6902 patch to the graph's current
// snapshot and replaces the graph's state with the patched result.
// Invariants (node IDs referenced by any edge must exist) are re-checked
// after import.
func (g *Graph) ApplyPatchAndImport(patch []byte) error {
	snapshot, err := g.Snapshot()
	if err != nil {
		return err
	}

	patched, err := patchutil.ApplyPatch(snapshot, patch)
	if err != nil {
		return err
	}

	return g.Import(patched)
}

// Import replaces the graph's state from a previously exported (and
// possibly patched) snapshot.
func (g *Graph) Import(data []byte) error {
	var snap graphSnapshot
	if err := patchutil.Unmarshal(data, &snap); err != nil {
		return err
	}

	for u, vs := range snap.Succ {
		if _, ok := snap.Nodes[u]; !ok {
			return fmt.Errorf("invalid node IDs: patched snapshot references missing node %q", u)
		}
		for _, v := range vs {
			if _, ok := snap.Nodes[v]; !ok {
				return fmt.Errorf("invalid node IDs: patched snapshot references missing node %q", v)
			}
		}
	}
	for v, us := range snap.Pred {
		if _, ok := snap.Nodes[v]; !ok {
			return fmt.Errorf("invalid node IDs: patched snapshot references missing node %q", v)
		}
		for _, u := range us {
			if _, ok := snap.Nodes[u]; !ok {
				return fmt.Errorf("invalid node IDs: patched snapshot references missing node %q", u)
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if snap.Nodes == nil {
		snap.Nodes = make(map[string]*model.WorkflowNode)
	}
	if snap.Succ == nil {
		snap.Succ = make(map[string][]string)
	}
	if snap.Pred == nil {
		snap.Pred = make(map[string][]string)
	}
	if snap.Attrs == nil {
		snap.Attrs = make(map[string]map[string]interface{})
	}

	g.nodes = snap.Nodes
	g.order = snap.Order
	g.succ = snap.Succ
	g.pred = snap.Pred
	g.attrs = snap.Attrs
	g.latestNode = snap.LatestNode
	g.startNode = snap.StartNode
	g.pausedNode = snap.PausedNode
	g.state = snap.State
	if snap.Threshold > 0 {
		g.threshold = snap.Threshold
	}

	return nil
}
