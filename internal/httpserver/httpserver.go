// Package httpserver exposes the tool gateway (C3) over HTTP: the same
// find_agent/query_data/resource operations the orchestrator calls
// in-process, published as echo routes for out-of-process callers and
// tests. This is transport only; it adds no semantics beyond what
// internal/gateway already implements.
package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/agentfleet/common/logger"
	"github.com/lyzr/agentfleet/internal/gateway"
	"github.com/lyzr/agentfleet/internal/registry"
)

// New builds the echo router fronting gw: POST /tools/find_agent,
// POST /tools/query_data, GET /resources/agent_cards,
// GET /resources/agent_cards/:slug, plus a health check. The returned
// *echo.Echo implements http.Handler and can be handed directly to
// common/server.New for graceful shutdown.
func New(gw *gateway.Gateway, log *logger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := &handler{gw: gw, log: log}

	e.GET("/healthz", h.health)
	e.POST("/tools/find_agent", h.findAgent)
	e.POST("/tools/query_data", h.queryData)
	e.GET("/resources/agent_cards", h.listResources)
	e.GET("/resources/agent_cards/:slug", h.getResource)

	return e
}

type handler struct {
	gw  *gateway.Gateway
	log *logger.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type findAgentRequest struct {
	Query string `json:"query"`
}

// findAgent is the find_agent endpoint: POST /tools/find_agent.
func (h *handler) findAgent(c echo.Context) error {
	var req findAgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	desc, err := h.gw.FindAgent(c.Request().Context(), req.Query)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, desc)
}

type queryDataRequest struct {
	Statement string `json:"statement"`
}

// queryData is the query_data endpoint: POST /tools/query_data. Rejects
// anything but a read-only statement, per the gateway's own contract.
func (h *handler) queryData(c echo.Context) error {
	var req queryDataRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	rows, err := h.gw.QueryData(c.Request().Context(), req.Statement)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, rows)
}

// getResource is GET /resources/agent_cards/:slug.
func (h *handler) getResource(c echo.Context) error {
	uri := registry.ResourceURIPrefix + c.Param("slug")

	desc, err := h.gw.Resource(uri)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
	}

	return c.JSON(http.StatusOK, desc)
}

// listResources is GET /resources/agent_cards, the agent_cards/list endpoint.
func (h *handler) listResources(c echo.Context) error {
	return c.JSON(http.StatusOK, h.gw.ListResources())
}
