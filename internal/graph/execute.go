package graph

import (
	"context"
	"sync"

	"github.com/lyzr/agentfleet/internal/model"
)

// ChunkSink receives every chunk relayed from an executing node, tagged
// with the node's own ID on the Chunk so a caller multiplexing many
// concurrent producers can tell them apart.
type ChunkSink func(model.Chunk)

// NodeExecutor runs one workflow node to completion (or to a pause
// point), invoking sink for every chunk relayed from the remote agent.
// Implemented by the orchestrator's binding of the node runner to a
// specific node; kept as an interface here so the graph package owns no
// knowledge of gateways, transports, or descriptors.
type NodeExecutor interface {
	Execute(ctx context.Context, n *model.WorkflowNode, attrs map[string]interface{}, sink ChunkSink) (model.NodeState, error)
}

func (g *Graph) attrsCopy(id string) map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	src := g.attrs[id]
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ExecuteSequential drives the graph in strict topological order starting
// at resumeFrom (either the start node on a fresh run, or the paused node
// id on resume). For each node it marks RUNNING, executes it, relays
// every chunk via sink, and on completion proceeds to the next node. A
// node reaching INPUT_REQUIRED pauses the whole graph and suspends
// iteration; a node erroring marks the node and graph FAILED and
// propagates the error.
func (g *Graph) ExecuteSequential(ctx context.Context, resumeFrom string, executor NodeExecutor, sink ChunkSink) error {
	order, err := g.TopologicalOrder(resumeFrom)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.state = model.GraphRunning
	g.pausedNode = ""
	g.mu.Unlock()

	for _, id := range order {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		if n.State.IsTerminal() && id != resumeFrom {
			continue
		}

		n.State = model.NodeRunning
		attrs := g.attrsCopy(id)

		finalState, err := executor.Execute(ctx, n, attrs, sink)
		if err != nil {
			n.State = model.NodeFailed
			g.SetState(model.GraphFailed)
			return err
		}

		n.State = finalState

		if finalState == model.NodePaused {
			g.mu.Lock()
			g.pausedNode = id
			g.state = model.GraphPaused
			g.mu.Unlock()
			return nil
		}
	}

	g.mu.Lock()
	g.pausedNode = ""
	g.state = model.GraphCompleted
	g.mu.Unlock()

	return nil
}

// ExecuteLevel dispatches one execution level, choosing the mode by the
// graph's parallel threshold: levels with at least threshold sibling
// nodes run concurrently via ExecuteParallelLevel, smaller levels run
// one node at a time under the sequential contract (a failure is FAILED
// and aborts the level, a pause suspends it).
func (g *Graph) ExecuteLevel(ctx context.Context, ids []string, executor NodeExecutor, sink ChunkSink) error {
	if len(ids) >= g.ParallelThreshold() {
		return g.ExecuteParallelLevel(ctx, ids, executor, sink)
	}

	for _, id := range ids {
		if err := g.ExecuteParallelLevel(ctx, []string{id}, executor, sink); err != nil {
			return err
		}
		if g.State() == model.GraphPaused {
			return nil
		}
	}
	return nil
}

// ExecuteParallelLevel launches one concurrent task per id, relaying
// chunks through the shared sink, and waits for all to finish before
// returning. One task's failure puts that node in PAUSED without
// cancelling siblings; the orchestrator decides whether to retry or
// abort at the level boundary. A single-node level degrades to
// sequential execution (a failure there is FAILED, not PAUSED, matching
// the sequential contract).
func (g *Graph) ExecuteParallelLevel(ctx context.Context, ids []string, executor NodeExecutor, sink ChunkSink) error {
	if len(ids) == 0 {
		return nil
	}

	if len(ids) == 1 {
		id := ids[0]
		n, ok := g.Node(id)
		if !ok {
			return nil
		}

		n.State = model.NodeRunning
		attrs := g.attrsCopy(id)

		finalState, err := executor.Execute(ctx, n, attrs, sink)
		if err != nil {
			n.State = model.NodeFailed
			g.SetState(model.GraphFailed)
			return err
		}

		n.State = finalState
		if finalState == model.NodePaused {
			g.mu.Lock()
			g.pausedNode = id
			g.state = model.GraphPaused
			g.mu.Unlock()
		}
		return nil
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			n, ok := g.Node(id)
			if !ok {
				return
			}

			n.State = model.NodeRunning
			attrs := g.attrsCopy(id)

			finalState, err := executor.Execute(ctx, n, attrs, sink)
			if err != nil {
				n.State = model.NodePaused
				return
			}

			n.State = finalState
		}(id)
	}
	wg.Wait()

	pausedID := ""
	for _, id := range ids {
		n, ok := g.Node(id)
		if ok && n.State == model.NodePaused {
			pausedID = id
			break
		}
	}

	if pausedID != "" {
		g.mu.Lock()
		g.pausedNode = pausedID
		g.state = model.GraphPaused
		g.mu.Unlock()
	}

	return nil
}
