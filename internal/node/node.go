// Package node implements the workflow node: it binds a subtask to
// a (yet-to-be-discovered) remote agent, opens a streaming session against
// it, and relays chunks. A node carries no back-pointer to the graph; the
// orchestrator hands it the per-node attributes it needs for each call.
package node

import (
	"context"
	"fmt"

	"github.com/lyzr/agentfleet/internal/condition"
	"github.com/lyzr/agentfleet/internal/gateway"
	"github.com/lyzr/agentfleet/internal/graph"
	"github.com/lyzr/agentfleet/internal/model"
	"github.com/lyzr/agentfleet/internal/transport"
)

// attribute keys the orchestrator writes onto the graph for each node and
// that Runner reads back out when executing it.
const (
	AttrTaskID       = "task_id"
	AttrContextID    = "context_id"
	AttrQuery        = "query"
	AttrDescriptor   = "descriptor"
	AttrTravelContext = "travel_context"
)

// Runner executes workflow nodes against the tool gateway and a
// streaming transport dialer.
type Runner struct {
	gateway   *gateway.Gateway
	dialer    transport.Dialer
	evaluator *condition.Evaluator
}

// New creates a Runner.
func New(gw *gateway.Gateway, dialer transport.Dialer, evaluator *condition.Evaluator) *Runner {
	return &Runner{gateway: gw, dialer: dialer, evaluator: evaluator}
}

// Execute is the run_node_with_result convenience wrapper: it drains the
// node's lazy chunk sequence fully, relaying every chunk to sink, and
// returns the node's final state. It satisfies the graph package's
// NodeExecutor interface by structural typing.
func (r *Runner) Execute(ctx context.Context, n *model.WorkflowNode, attrs map[string]interface{}, sink graph.ChunkSink) (model.NodeState, error) {
	query, _ := attrs[AttrQuery].(string)
	if query == "" {
		query = n.Task
	}
	taskID, _ := attrs[AttrTaskID].(string)
	contextID, _ := attrs[AttrContextID].(string)

	if skipped, err := r.maybeSkip(n, attrs, sink); skipped {
		return model.NodeCompleted, err
	}

	desc, err := r.resolveDescriptor(ctx, n, attrs)
	if err != nil {
		return model.NodeFailed, err
	}

	session, err := r.dialer.Dial(ctx, desc.URL)
	if err != nil {
		return model.NodeFailed, fmt.Errorf("open streaming session for node %s: %w", n.ID, err)
	}
	defer session.Close()

	if err := session.Send(ctx, model.Message{Query: query, TaskID: taskID, ContextID: contextID}); err != nil {
		return model.NodeFailed, fmt.Errorf("send opening message for node %s: %w", n.ID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return model.NodeFailed, ctx.Err()
		default:
		}

		chunk, ok, err := session.Recv(ctx)
		if err != nil {
			return model.NodeFailed, fmt.Errorf("recv chunk for node %s: %w", n.ID, err)
		}
		if !ok {
			return model.NodeFailed, fmt.Errorf("node %s: session closed before a terminal chunk", n.ID)
		}

		chunk.NodeID = n.ID
		sink(chunk)

		switch chunk.State {
		case model.ChunkCompleted:
			if chunk.Artifact != nil {
				n.Results = chunk.Artifact.Data
			}
			return model.NodeCompleted, nil
		case model.ChunkInputRequired:
			return model.NodePaused, nil
		case model.ChunkFailed:
			return model.NodeFailed, fmt.Errorf("node %s: remote agent reported failure: %s", n.ID, chunk.Message)
		default:
			// working: keep relaying and looping for the next chunk.
		}
	}
}

// maybeSkip evaluates the node's SkipIf predicate (if set) against the
// travel context attribute. A true result finalizes the node as COMPLETED
// with an empty result, skipping discovery and transport entirely.
func (r *Runner) maybeSkip(n *model.WorkflowNode, attrs map[string]interface{}, sink graph.ChunkSink) (bool, error) {
	if n.SkipIf == "" || r.evaluator == nil {
		return false, nil
	}

	travelCtx, _ := attrs[AttrTravelContext].(map[string]interface{})

	skip, err := r.evaluator.EvaluateSkip(n.SkipIf, travelCtx)
	if err != nil {
		return false, nil // a bad predicate never skips; the node still runs.
	}
	if !skip {
		return false, nil
	}

	sink(model.Chunk{NodeID: n.ID, State: model.ChunkCompleted, Message: "skipped by skip_if predicate"})
	n.Results = nil
	return true, nil
}

// resolveDescriptor returns the node's bound AgentDescriptor: a
// descriptor already stored on the node's attributes is reused, planner
// nodes use the deterministic planner-resource lookup, and everything
// else goes through the embedding-based find_agent search. The resolved
// descriptor is not stored anywhere, so a node without a descriptor
// attribute is looked up again every time it executes (including on
// resume after a pause).
func (r *Runner) resolveDescriptor(ctx context.Context, n *model.WorkflowNode, attrs map[string]interface{}) (model.AgentDescriptor, error) {
	if desc, ok := attrs[AttrDescriptor].(model.AgentDescriptor); ok {
		return desc, nil
	}

	if n.NodeKey == "planner" {
		desc, err := r.gateway.FindPlanner()
		if err != nil {
			return model.AgentDescriptor{}, fmt.Errorf("resolve planner descriptor: %w", err)
		}
		return desc, nil
	}

	desc, err := r.gateway.FindAgent(ctx, n.Task)
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("resolve descriptor for node %s: %w", n.ID, err)
	}
	return desc, nil
}
