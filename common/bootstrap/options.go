package bootstrap

import (
	"github.com/lyzr/agentfleet/common/config"
	"github.com/lyzr/agentfleet/common/db"
	"github.com/lyzr/agentfleet/common/logger"
)

// Option configures the bootstrap process.
type Option func(*options)

type options struct {
	skipDB        bool
	skipCache     bool
	skipTelemetry bool
	parallel      bool
	customLogger  *logger.Logger
	customConfig  *config.Config
	dbInitHook    func(*db.DB) error
}

// WithoutDB skips database/structured-data-store initialization. The
// gateway falls back to a nil datatool, so query_data calls fail closed.
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutCache skips cache initialization; the registry's embedding cache
// and the orchestrator's Q&A memoization are both disabled (every lookup
// recomputes).
func WithoutCache() Option {
	return func(o *options) {
		o.skipCache = true
	}
}

// WithoutTelemetry skips telemetry initialization.
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithParallelOrchestrator selects the orchestrator variant that groups
// planner tasks into coarse parallel categories instead of the default
// sequential one.
func WithParallelOrchestrator() Option {
	return func(o *options) {
		o.parallel = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one.
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithDBInitHook runs a custom function after DB initialization. Useful
// for running migrations or seeding data.
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *options) {
		o.dbInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}
