// Package gateway implements the tool gateway: the only surface the
// orchestrator and workflow nodes speak to. It publishes the capability
// registry and read-only data tool as named tools/resources,
// plus a dedicated, deterministic planner-descriptor lookup.
package gateway

import (
	"context"
	"fmt"

	"github.com/lyzr/agentfleet/internal/datatool"
	"github.com/lyzr/agentfleet/internal/model"
	"github.com/lyzr/agentfleet/internal/registry"
)

// DefaultPlannerURI is the conventional resource URI the planner
// descriptor is published under.
const DefaultPlannerURI = registry.ResourceURIPrefix + "planner"

// Gateway is the tool gateway. The registry and data tool are never
// invoked directly by callers; every lookup and query goes through here.
type Gateway struct {
	registry   *registry.Registry
	tool       *datatool.Tool
	plannerURI string
}

// New creates a Gateway over registry and tool, with the default planner
// resource URI.
func New(reg *registry.Registry, tool *datatool.Tool) *Gateway {
	return &Gateway{registry: reg, tool: tool, plannerURI: DefaultPlannerURI}
}

// WithPlannerURI overrides the resource URI used by FindPlanner.
func (g *Gateway) WithPlannerURI(uri string) *Gateway {
	g.plannerURI = uri
	return g
}

// FindAgent is the find_agent tool endpoint: nearest-neighbor capability
// lookup over the registry. Returns an error if the index is empty (a
// non-empty index always yields its best-scoring row) or the query
// cannot be embedded, which the calling node surfaces as a fatal
// workflow error.
func (g *Gateway) FindAgent(ctx context.Context, query string) (model.AgentDescriptor, error) {
	desc, _, ok, err := g.registry.Find(ctx, query)
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("find_agent: %w", err)
	}
	if !ok {
		return model.AgentDescriptor{}, fmt.Errorf("find_agent: not found")
	}
	return desc, nil
}

// FindPlanner is the dedicated planner-descriptor lookup used by planner
// nodes instead of FindAgent's embedding search: planning must resolve to
// the same descriptor every time, so it bypasses nearest-neighbor scoring
// entirely.
func (g *Gateway) FindPlanner() (model.AgentDescriptor, error) {
	desc, ok := g.registry.Resource(g.plannerURI)
	if !ok {
		return model.AgentDescriptor{}, fmt.Errorf("find_planner: not found at %s", g.plannerURI)
	}
	return desc, nil
}

// QueryData is the query_data tool endpoint. With no structured store
// configured (bootstrap.WithoutDB), it fails closed with an error instead
// of reaching for a nil tool.
func (g *Gateway) QueryData(ctx context.Context, statement string) (map[string]interface{}, error) {
	if g.tool == nil {
		return nil, fmt.Errorf("query_data: no structured data store configured")
	}
	return g.tool.QueryData(ctx, statement)
}

// Resource is the resource://agent_cards/<slug> endpoint.
func (g *Gateway) Resource(uri string) (model.AgentDescriptor, error) {
	desc, ok := g.registry.Resource(uri)
	if !ok {
		return model.AgentDescriptor{}, fmt.Errorf("resource %s: not_found", uri)
	}
	return desc, nil
}

// ListResources is the resource://agent_cards/list endpoint.
func (g *Gateway) ListResources() []string {
	return g.registry.List()
}
