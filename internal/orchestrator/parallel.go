package orchestrator

import (
	"strings"

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

// taskCategory bins a planner task by the resource it most likely touches.
// The binning is deliberately coarse: the planner is relied on to embed
// the destination/dates in each task's own description rather than this
// orchestrator tracking cross-task data dependencies.
type taskCategory string

const (
	categoryFlights taskCategory = "flights"
	categoryHotels  taskCategory = "hotels"
	categoryCars    taskCategory = "cars"
	categoryOther   taskCategory = "other"
)

var categoryOrder = []taskCategory{categoryFlights, categoryHotels, categoryCars, categoryOther}

// analyzeTaskDependencies bins planner tasks by keyword match against their
// description. Tasks in different categories are assumed independent and
// run in parallel; tasks within the same category are assumed to share a
// resource (e.g. two flight legs booked against the same itinerary) and
// are chained sequentially.
func analyzeTaskDependencies(tasks []plannerTaskSpec) map[taskCategory][]plannerTaskSpec {
	groups := make(map[taskCategory][]plannerTaskSpec)

	for _, t := range tasks {
		desc := strings.ToLower(t.Description)
		switch {
		case strings.Contains(desc, "flight"):
			groups[categoryFlights] = append(groups[categoryFlights], t)
		case strings.Contains(desc, "hotel"):
			groups[categoryHotels] = append(groups[categoryHotels], t)
		case strings.Contains(desc, "car") || strings.Contains(desc, "rent"):
			groups[categoryCars] = append(groups[categoryCars], t)
		default:
			groups[categoryOther] = append(groups[categoryOther], t)
		}
	}

	return groups
}

// parallelExpand is the category-parallel expansion: tasks are grouped by
// analyzeTaskDependencies; each group's first task is wired directly from
// the planner (so every non-empty group's head lands in the same
// execution level as its siblings), and later tasks in the same group
// chain from the one before it.
func parallelExpand(g *graph.Graph, tasks []plannerTaskSpec, travelContext map[string]interface{}) {
	groups := analyzeTaskDependencies(tasks)

	for _, cat := range categoryOrder {
		members := groups[cat]
		if len(members) == 0 {
			continue
		}

		prev := plannerNodeID
		for _, t := range members {
			id := uuid.NewString()
			g.AddNode(&model.WorkflowNode{ID: id, Task: t.Description, NodeLabel: t.Description, State: model.NodeReady})
			_ = g.AddEdge(prev, id)
			g.SetAttr(id, node.AttrTravelContext, travelContext)
			prev = id
		}
	}
}

// NewParallel creates a parallel-expansion orchestrator: identical to the base
// orchestrator except for its EXPANDING step, which groups tasks by
// likely shared resource instead of fanning every task out directly from
// the planner.
func NewParallel(gw *gateway.Gateway, runner *node.Runner, chat llmclient.ChatClient, qa cache.Cache, bus streambus.Bus, log *logger.Logger) *Orchestrator {
	o := New(gw, runner, chat, qa, bus, log)
	o.expand = parallelExpand
	return o
}
