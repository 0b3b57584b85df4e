// Package orchestrator implements the conversation orchestrator: it
// receives a user query, drives the workflow graph through the
// planner -> discovery -> execute phases, accumulates worker results, and
// produces a final synthesis plus answers to follow-up questions.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/agentfleet/common/cache"
	"github.com/lyzr/agentfleet/common/logger"
	"github.com/lyzr/agentfleet/common/streambus"
	"github.com/lyzr/agentfleet/internal/gateway"
	"github.com/lyzr/agentfleet/internal/graph"
	"github.com/lyzr/agentfleet/internal/llmclient"
	"github.com/lyzr/agentfleet/internal/model"
	"github.com/lyzr/agentfleet/internal/node"
)

// State is the orchestrator's per-conversation lifecycle state.
type State string

const (
	StateIdle          State = "IDLE"
	StatePlanning      State = "PLANNING"
	StateExpanding     State = "EXPANDING"
	StateExecuting     State = "EXECUTING"
	StateAwaitingInput State = "AWAITING_INPUT"
	StateSummarizing   State = "SUMMARIZING"
)

// plannerNodeID is the fixed ID of the planner node every graph starts with.
const plannerNodeID = "planner"

// Context is the OrchestratorContext: per-conversation accumulated state,
// reset whenever a new context_id is observed.
type Context struct {
	ContextID     string
	QueryHistory  []string
	Results       []interface{}
	TravelContext map[string]interface{}
}

type plannerTaskSpec struct {
	Description string `json:"description"`
}

// plannerArtifact is the expected completion artifact shape of the planner
// node: trip_info merges into TravelContext, tasks become worker nodes.
type plannerArtifact struct {
	TripInfo map[string]interface{} `json:"trip_info"`
	Tasks    []plannerTaskSpec      `json:"tasks"`
}

// expandFunc materializes worker nodes from the planner's task list,
// wiring them from the planner node. The base orchestrator and the
// parallel orchestrator differ only in this step; every other code path
// is shared.
type expandFunc func(g *graph.Graph, tasks []plannerTaskSpec, travelContext map[string]interface{})

// Orchestrator is the conversation orchestrator.
type Orchestrator struct {
	mu sync.Mutex

	gw     *gateway.Gateway
	runner *node.Runner
	chat   llmclient.ChatClient
	qa     cache.Cache
	bus    streambus.Bus
	log    *logger.Logger

	graph *graph.Graph
	state State
	octx  Context

	expand            expandFunc
	parallelThreshold int
}

// New creates a base (sequential-expansion) orchestrator.
func New(gw *gateway.Gateway, runner *node.Runner, chat llmclient.ChatClient, qa cache.Cache, bus streambus.Bus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		gw:                gw,
		runner:            runner,
		chat:              chat,
		qa:                qa,
		bus:               bus,
		log:               log,
		state:             StateIdle,
		octx:              Context{TravelContext: map[string]interface{}{}},
		expand:            sequentialExpand,
		parallelThreshold: graph.DefaultParallelThreshold,
	}
}

// WithParallelThreshold overrides the level size at which graphs this
// orchestrator creates switch from sequential to concurrent dispatch.
// Safe only before the first Stream call.
func (o *Orchestrator) WithParallelThreshold(n int) *Orchestrator {
	if n > 0 {
		o.parallelThreshold = n
	}
	return o
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// resetLocked drops travel_context, query_history, results and the graph;
// called with o.mu held, the sole way state is dropped. A context_id
// change is the only trigger: it always resets to IDLE.
func (o *Orchestrator) resetLocked(contextID string) {
	o.octx = Context{ContextID: contextID, TravelContext: map[string]interface{}{}}
	o.graph = nil
	o.state = StateIdle
}

// Stream is the stream(query, context_id, task_id) entry point. It rejects
// empty queries, resets state on a context switch, and drives the graph in
// a background goroutine, relaying every chunk (tagged by node id) onto
// the returned channel. The channel is closed once the run reaches IDLE
// (summary emitted) or AWAITING_INPUT.
func (o *Orchestrator) Stream(ctx context.Context, query, contextID, taskID string) (<-chan model.OutputChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("stream: query must not be empty")
	}

	o.mu.Lock()
	if contextID != o.octx.ContextID {
		o.resetLocked(contextID)
	}
	o.octx.QueryHistory = append(o.octx.QueryHistory, query)

	needNewGraph := o.graph == nil
	if !needNewGraph && o.graph.PausedNodeID() == "" && o.graph.State() != model.GraphPaused {
		// Previous run in this context finished; a new query starts a
		// fresh planning cycle without dropping accumulated context.
		needNewGraph = true
	}
	if needNewGraph {
		g := graph.New()
		g.SetParallelThreshold(o.parallelThreshold)
		g.AddNode(&model.WorkflowNode{ID: plannerNodeID, NodeKey: "planner", NodeLabel: "planner", Task: query, State: model.NodeReady})
		o.graph = g
		o.state = StatePlanning
	}
	g := o.graph

	targetNode := plannerNodeID
	if paused := g.PausedNodeID(); paused != "" && g.State() == model.GraphPaused {
		targetNode = paused
	}
	o.mu.Unlock()

	g.SetAttr(targetNode, node.AttrQuery, query)
	g.SetAttr(targetNode, node.AttrTaskID, taskID)
	g.SetAttr(targetNode, node.AttrContextID, contextID)

	// Every producer writes into the run's bounded bus topic; the
	// subscriber below merges it onto the caller's channel, so caller
	// backpressure propagates through the bus to the producers. The
	// topic is opened before either goroutine starts so neither races
	// its creation.
	o.bus.Open(contextID)

	out := make(chan model.OutputChunk, 64)
	go func() {
		defer close(out)
		_ = o.bus.Subscribe(ctx, contextID, func(_ context.Context, _ string, value []byte) error {
			var oc model.OutputChunk
			if err := json.Unmarshal(value, &oc); err != nil {
				return err
			}
			select {
			case out <- oc:
			case <-ctx.Done():
			}
			return nil
		})
	}()

	emit := func(oc model.OutputChunk) {
		payload, err := json.Marshal(oc)
		if err != nil {
			return
		}
		_ = o.bus.Publish(ctx, contextID, oc.NodeID, payload)
	}
	sink := func(c model.Chunk) { emit(toOutputChunk(c)) }

	go o.run(ctx, g, sink, emit)

	return out, nil
}

// run drives g to completion or to the next pause point, then (if fully
// completed) produces and emits a terminal synthesis chunk. The run's
// bus topic closes when it returns, which is what ends the subscriber
// and closes the caller's channel.
func (o *Orchestrator) run(ctx context.Context, g *graph.Graph, sink graph.ChunkSink, emit func(model.OutputChunk)) {
	defer o.closeTopic()

	for {
		plannerNode, ok := g.Node(plannerNodeID)
		if !ok {
			o.fail(sink, fmt.Errorf("run: planner node missing from graph"))
			return
		}

		if plannerNode.State != model.NodeCompleted {
			o.setState(StatePlanning)

			if err := o.driveGraph(ctx, g, sink); err != nil {
				o.fail(sink, err)
				return
			}
			if g.State() == model.GraphPaused {
				o.setState(StateAwaitingInput)
				return
			}

			o.setState(StateExpanding)
			if err := o.expandGraph(g); err != nil {
				g.SetState(model.GraphFailed)
				o.fail(sink, fmt.Errorf("malformed planner output: %w", err))
				return
			}

			o.setState(StateExecuting)
			continue
		}

		o.setState(StateExecuting)
		if err := o.driveGraph(ctx, g, sink); err != nil {
			o.fail(sink, err)
			return
		}
		if g.State() == model.GraphPaused {
			o.setState(StateAwaitingInput)
			return
		}

		break
	}

	o.setState(StateSummarizing)
	summary, err := o.generateSummary(ctx)
	if err != nil {
		o.log.Warn("summary generation failed", "error", err)
		emit(model.OutputChunk{State: string(model.ChunkFailed), Message: "summary unavailable: " + err.Error()})
	} else {
		emit(model.OutputChunk{State: string(model.ChunkCompleted), Summary: summary})
	}
	o.setState(StateIdle)
}

// closeTopic releases the streambus topic backing the just-finished run;
// topics live for the duration of a single stream() call and must not
// accumulate across runs in a long-lived process.
func (o *Orchestrator) closeTopic() {
	o.mu.Lock()
	contextID := o.octx.ContextID
	o.mu.Unlock()

	o.bus.CloseTopic(contextID)
}

// driveGraph walks g's execution levels starting at (or resuming from) the
// level containing the paused node, dispatching each level through
// ExecuteLevel, which runs it concurrently or sequentially per the
// graph's parallel threshold. Worker node results are accumulated onto
// the orchestrator context as each level completes.
func (o *Orchestrator) driveGraph(ctx context.Context, g *graph.Graph, sink graph.ChunkSink) error {
	levels, err := g.ExecutionLevels(g.StartNodeID())
	if err != nil {
		return err
	}

	startIdx := 0
	if paused := g.PausedNodeID(); paused != "" {
		for i, lvl := range levels {
			if containsString(lvl, paused) {
				startIdx = i
				break
			}
		}
	}
	g.ClearPausedNode()

	g.SetState(model.GraphRunning)

	for i := startIdx; i < len(levels); i++ {
		ids := readyIDs(g, levels[i])
		if len(ids) == 0 {
			continue
		}

		if err := g.ExecuteLevel(ctx, ids, o.runner, sink); err != nil {
			g.SetState(model.GraphFailed)
			return err
		}

		o.collectResults(g, ids)

		if g.State() == model.GraphPaused {
			return nil
		}
	}

	g.SetState(model.GraphCompleted)
	return nil
}

func (o *Orchestrator) collectResults(g *graph.Graph, ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range ids {
		if id == plannerNodeID {
			continue
		}
		n, ok := g.Node(id)
		if !ok || n.State != model.NodeCompleted || n.Results == nil {
			continue
		}
		o.octx.Results = append(o.octx.Results, n.Results)
	}
}

// expandGraph parses the planner node's completion artifact and
// materializes worker nodes via the configured expand strategy.
func (o *Orchestrator) expandGraph(g *graph.Graph) error {
	plannerNode, ok := g.Node(plannerNodeID)
	if !ok {
		return fmt.Errorf("planner node missing")
	}

	artifact, err := parsePlannerArtifact(plannerNode.Results)
	if err != nil {
		return err
	}
	if len(artifact.Tasks) == 0 {
		return fmt.Errorf("planner returned zero tasks")
	}

	o.mu.Lock()
	for k, v := range artifact.TripInfo {
		o.octx.TravelContext[k] = v
	}
	travelContext := cloneMap(o.octx.TravelContext)
	o.mu.Unlock()

	o.expand(g, artifact.Tasks, travelContext)
	return nil
}

func parsePlannerArtifact(results interface{}) (plannerArtifact, error) {
	var out plannerArtifact

	raw, err := json.Marshal(results)
	if err != nil {
		return out, fmt.Errorf("marshal planner results: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("planner artifact does not match {trip_info, tasks}: %w", err)
	}
	return out, nil
}

// sequentialExpand is the base expansion: every task becomes a worker
// node wired directly from the planner, all at the same execution level.
// Each node's ID is generated fresh at construction (uuid.NewString),
// per the data model's "stable id (unique, generated at construction)";
// NodeLabel carries the human-readable description used in Plan output.
func sequentialExpand(g *graph.Graph, tasks []plannerTaskSpec, travelContext map[string]interface{}) {
	for _, t := range tasks {
		id := uuid.NewString()
		g.AddNode(&model.WorkflowNode{ID: id, Task: t.Description, NodeLabel: t.Description, State: model.NodeReady})
		_ = g.AddEdge(plannerNodeID, id)
		g.SetAttr(id, node.AttrTravelContext, travelContext)
	}
}

// generateSummary produces a natural-language synthesis over the
// accumulated worker results. Side-effect-free apart from the LLM call.
func (o *Orchestrator) generateSummary(ctx context.Context) (string, error) {
	o.mu.Lock()
	results := append([]interface{}{}, o.octx.Results...)
	o.mu.Unlock()

	raw, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal results for summary: %w", err)
	}

	return o.chat.Complete(ctx,
		"You summarize a completed multi-agent travel-planning workflow's results into a concise, natural-language answer for the traveler.",
		string(raw))
}

// AnswerUserQuestion is answer_user_question(q): prompts the LLM with
// travel_context + query_history + q, expecting {can_answer, answer}.
// Never fabricates an answer when the model reports can_answer="no".
// Answers are memoized per (context_id, query_history, q) for one hour;
// a context switch does not delete memoized entries.
func (o *Orchestrator) AnswerUserQuestion(ctx context.Context, q string) (string, error) {
	o.mu.Lock()
	contextID := o.octx.ContextID
	travelContext := cloneMap(o.octx.TravelContext)
	history := append([]string{}, o.octx.QueryHistory...)
	o.mu.Unlock()

	key := qaCacheKey(contextID, history, q)
	if o.qa != nil {
		if cached, ok, err := o.qa.Get(ctx, key); err == nil && ok {
			return string(cached), nil
		}
	}

	travelJSON, _ := json.Marshal(travelContext)
	prompt := fmt.Sprintf("travel_context=%s\nquery_history=%v\nquestion=%s", travelJSON, history, q)

	raw, err := o.chat.Complete(ctx,
		`Answer strictly from the provided travel_context and query_history. Respond with a single JSON object {"can_answer":"yes"|"no","answer":string}. Never invent facts absent from the supplied context.`,
		prompt)
	if err != nil {
		return "", fmt.Errorf("answer_user_question: %w", err)
	}

	var parsed struct {
		CanAnswer string `json:"can_answer"`
		Answer    string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", fmt.Errorf("answer_user_question: malformed model response: %w", err)
	}
	if parsed.CanAnswer != "yes" {
		return "", fmt.Errorf("answer_user_question: insufficient context to answer")
	}

	if o.qa != nil {
		_ = o.qa.Set(ctx, key, []byte(parsed.Answer), time.Hour)
	}

	return parsed.Answer, nil
}

func (o *Orchestrator) fail(sink graph.ChunkSink, err error) {
	o.log.Error("orchestrator run failed", "error", err)
	sink(model.Chunk{State: model.ChunkFailed, Message: err.Error()})
	o.setState(StateIdle)
}

func toOutputChunk(c model.Chunk) model.OutputChunk {
	out := model.OutputChunk{NodeID: c.NodeID, State: string(c.State), Message: c.Message}
	if c.Artifact != nil {
		out.Name = c.Artifact.Name
		out.Data = c.Artifact.Data
	}
	return out
}

func readyIDs(g *graph.Graph, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n, ok := g.Node(id)
		if !ok || n.State.IsTerminal() {
			continue
		}
		out = append(out, id)
	}
	return out
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func qaCacheKey(contextID string, history []string, q string) string {
	h := sha256.New()
	h.Write([]byte(contextID))
	for _, item := range history {
		h.Write([]byte{0})
		h.Write([]byte(item))
	}
	h.Write([]byte{0, 'q', 0})
	h.Write([]byte(q))
	return "qa:" + hex.EncodeToString(h.Sum(nil))
}
