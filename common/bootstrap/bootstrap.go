package bootstrap

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/agentfleet/common/cache"
	"github.com/lyzr/agentfleet/common/config"
	"github.com/lyzr/agentfleet/common/db"
	"github.com/lyzr/agentfleet/common/logger"
	"github.com/lyzr/agentfleet/common/redis"
	"github.com/lyzr/agentfleet/common/server"
	"github.com/lyzr/agentfleet/common/streambus"
	"github.com/lyzr/agentfleet/common/telemetry"
	"github.com/lyzr/agentfleet/internal/condition"
	"github.com/lyzr/agentfleet/internal/datatool"
	"github.com/lyzr/agentfleet/internal/gateway"
	"github.com/lyzr/agentfleet/internal/httpserver"
	"github.com/lyzr/agentfleet/internal/llmclient"
	"github.com/lyzr/agentfleet/internal/node"
	"github.com/lyzr/agentfleet/internal/orchestrator"
	"github.com/lyzr/agentfleet/internal/registry"
	"github.com/lyzr/agentfleet/internal/schema"
	"github.com/lyzr/agentfleet/internal/transport"
)

// Setup initializes every service component in dependency order: store,
// cache, embedder/chat client, registry, data tool, gateway, transport
// dialer, node runner, the orchestrator, and finally the HTTP facade and
// its server wrapper. This is the single entry point a service binary
// calls before starting its server.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration.
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger.
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}
	log := components.Logger

	log.Info("initializing service", "service", serviceName, "environment", cfg.Service.Environment)

	// 3. Telemetry (best effort; records durations/events even when the
	// pprof endpoint is disabled).
	if !options.skipTelemetry {
		components.Telemetry = telemetry.New(cfg.Telemetry.PprofPort, cfg.Telemetry.MetricsPort, log)
		if cfg.Telemetry.EnablePprof {
			if err := components.Telemetry.Start(ctx); err != nil {
				log.Warn("failed to start telemetry", "error", err)
			}
		}
	}

	// 4. Structured data store (optional; query_data fails closed without it).
	if !options.skipDB {
		log.Info("connecting to structured data store")
		components.DB, err = db.New(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to store: %w", err)
		}
		components.addCleanup(func() error {
			log.Info("closing store connection")
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			log.Info("running store init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("store init hook failed: %w", err)
			}
		}
	}

	// 5. Cache (embedding cache + Q&A memoization).
	if !options.skipCache {
		switch cfg.Cache.Backend {
		case "redis":
			log.Info("connecting to redis cache", "url", cfg.Cache.RedisURL)
			redisOpt, err := goredis.ParseURL(cfg.Cache.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid redis url: %w", err)
			}
			rc := goredis.NewClient(redisOpt)
			client := redis.NewClient(rc, log)
			components.Cache = redis.NewCache(client)
		case "memory", "":
			log.Info("using in-memory cache")
			components.Cache = cache.NewMemoryCache(log)
		default:
			return nil, fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
		}

		components.addCleanup(func() error {
			log.Info("closing cache")
			return components.Cache.Close()
		})
	}

	// 6. Embedding + chat clients; degrade to no-ops when no API key is set
	// rather than failing startup. Discovery still runs on the bag-of-words
	// no-op embedder; the no-op chat client fails every call, so summary
	// and Q&A take their non-fatal error path.
	if cfg.Embedding.Provider == "genai" && cfg.Embedding.APIKey != "" {
		embedder, err := llmclient.NewGeminiEmbedder(ctx, cfg.Embedding.APIKey, cfg.Embedding.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to init embedder: %w", err)
		}
		components.Embedder = embedder
		components.addCleanup(func() error { return embedder.Close() })
	} else {
		log.Warn("no embedding API key configured, using no-op embedder")
		components.Embedder = llmclient.NoopEmbedder{}
	}

	if cfg.LLM.Provider == "anthropic" && cfg.LLM.APIKey != "" {
		components.Chat = llmclient.NewAnthropicChatClient(cfg.LLM.APIKey, cfg.LLM.Model)
	} else {
		log.Warn("no LLM API key configured, using no-op chat client")
		components.Chat = llmclient.NoopChatClient{}
	}

	// 7. Capability registry.
	validator, err := schema.NewDescriptorValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build descriptor validator: %w", err)
	}
	components.Registry = registry.New(components.Embedder, validator, components.Cache, cfg.Registry.CacheTTL, cfg.Registry.EmbeddingDim, log)

	loadStart := time.Now()
	if err := components.Registry.Load(ctx, cfg.Registry.DescriptorDir); err != nil {
		return nil, fmt.Errorf("failed to load agent descriptors: %w", err)
	}
	if components.Telemetry != nil {
		components.Telemetry.RecordDuration("registry.load", loadStart)
		components.Telemetry.RecordEvent("registry.loaded", map[string]any{
			"agents": components.Registry.Len(),
			"dir":    cfg.Registry.DescriptorDir,
		})
	}
	log.Info("loaded capability registry", "agents", components.Registry.Len())

	// 8. Data tool (only meaningful with a store).
	if components.DB != nil {
		components.Tool = datatool.New(components.DB, log)
	}

	// 9. Gateway, transport dialer, condition evaluator, node runner.
	components.Gateway = gateway.New(components.Registry, components.Tool)
	components.Dialer = transport.NewWSDialer(cfg.Transport.DialTimeout)
	evaluator := condition.NewEvaluator()
	components.Runner = node.New(components.Gateway, components.Dialer, evaluator)

	// 10. Per-context chunk bus.
	components.Bus = streambus.NewMemoryBus(log)
	components.addCleanup(func() error { return components.Bus.Close() })

	// 11. Orchestrator.
	if options.parallel {
		components.Orchestrator = orchestrator.NewParallel(components.Gateway, components.Runner, components.Chat, components.Cache, components.Bus, log)
	} else {
		components.Orchestrator = orchestrator.New(components.Gateway, components.Runner, components.Chat, components.Cache, components.Bus, log)
	}
	components.Orchestrator.WithParallelThreshold(cfg.Registry.ParallelThreshold)

	// 12. HTTP facade over the gateway, wrapped for graceful shutdown.
	components.HTTPHandler = httpserver.New(components.Gateway, log)
	components.Server = server.New(serviceName, cfg.Service.Port, components.HTTPHandler, log)

	log.Info("service initialization complete",
		"service", serviceName,
		"store", components.DB != nil,
		"cache_backend", cfg.Cache.Backend,
		"agents", components.Registry.Len(),
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error. Useful for services that
// can't recover from initialization failure.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
