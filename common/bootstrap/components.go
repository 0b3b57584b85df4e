package bootstrap

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/agentfleet/common/cache"
	"github.com/lyzr/agentfleet/common/config"
	"github.com/lyzr/agentfleet/common/db"
	"github.com/lyzr/agentfleet/common/logger"
	"github.com/lyzr/agentfleet/common/server"
	"github.com/lyzr/agentfleet/common/streambus"
	"github.com/lyzr/agentfleet/common/telemetry"
	"github.com/lyzr/agentfleet/internal/datatool"
	"github.com/lyzr/agentfleet/internal/gateway"
	"github.com/lyzr/agentfleet/internal/llmclient"
	"github.com/lyzr/agentfleet/internal/node"
	"github.com/lyzr/agentfleet/internal/orchestrator"
	"github.com/lyzr/agentfleet/internal/registry"
	"github.com/lyzr/agentfleet/internal/transport"
)

// Components holds every initialized service dependency, wired in the
// order the orchestrator needs them: store -> registry -> gateway ->
// node runner -> orchestrator.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Cache     cache.Cache
	Telemetry *telemetry.Telemetry

	Embedder llmclient.Embedder
	Chat     llmclient.ChatClient
	Registry *registry.Registry
	Tool     *datatool.Tool
	Gateway  *gateway.Gateway
	Dialer   transport.Dialer
	Runner   *node.Runner
	Bus      streambus.Bus

	// HTTPHandler fronts Gateway's three operations as JSON endpoints for
	// out-of-process callers. Server wraps it with graceful shutdown; the
	// owning binary calls Server.Start().
	HTTPHandler *echo.Echo
	Server      *server.Server

	Orchestrator *orchestrator.Orchestrator

	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components. Should be called
// with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errors []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errors = append(errors, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks health of all components that can fail independently of
// a request (the registry/gateway/orchestrator are in-process and have no
// separate health state).
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
