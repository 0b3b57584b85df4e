package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Registry  RegistryConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Store     StoreConfig
	Cache     CacheConfig
	Transport TransportConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// RegistryConfig holds capability-registry settings
type RegistryConfig struct {
	DescriptorDir     string
	EmbeddingDim      int
	CacheTTL          time.Duration
	ParallelThreshold int
}

// EmbeddingConfig holds embedding-service settings
type EmbeddingConfig struct {
	Provider string // "genai" or "" (no-op fake)
	APIKey   string
	Model    string
}

// LLMConfig holds the summarization/Q&A model settings
type LLMConfig struct {
	Provider string // "anthropic" or "" (no-op fake)
	APIKey   string
	Model    string
}

// StoreConfig holds the structured data store connection settings
type StoreConfig struct {
	DSN string // "postgres://..." selects pgx; anything else is an sqlite DSN
}

// CacheConfig selects the embedding/Q&A cache backend.
type CacheConfig struct {
	Backend  string // "memory" (default) or "redis"
	RedisURL string
}

// TransportConfig holds the default agent-session transport settings
type TransportConfig struct {
	DialTimeout time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Registry: RegistryConfig{
			DescriptorDir:     getEnv("REGISTRY_DESCRIPTOR_DIR", "./agent_cards"),
			EmbeddingDim:      getEnvInt("REGISTRY_EMBEDDING_DIM", 768),
			CacheTTL:          getEnvDuration("REGISTRY_CACHE_TTL", 1*time.Hour),
			ParallelThreshold: getEnvInt("PARALLEL_THRESHOLD", 2),
		},
		Embedding: EmbeddingConfig{
			Provider: getEnv("EMBEDDING_PROVIDER", "genai"),
			APIKey:   getEnv("EMBEDDING_API_KEY", ""),
			Model:    getEnv("EMBEDDING_MODEL", "gemini-2.0-flash-001"),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", "anthropic"),
			APIKey:   getEnv("LLM_API_KEY", ""),
			Model:    getEnv("LLM_MODEL", "claude-sonnet-4-5"),
		},
		Store: StoreConfig{
			DSN: getEnv("STORE_DSN", "file::memory:?cache=shared"),
		},
		Cache: CacheConfig{
			Backend:  getEnv("CACHE_BACKEND", "memory"),
			RedisURL: getEnv("CACHE_REDIS_URL", "redis://localhost:6379/0"),
		},
		Transport: TransportConfig{
			DialTimeout: getEnvDuration("TRANSPORT_DIAL_TIMEOUT", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", false),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Registry.EmbeddingDim <= 0 {
		return fmt.Errorf("registry embedding dim must be positive")
	}

	if c.Registry.ParallelThreshold < 1 {
		return fmt.Errorf("parallel threshold must be >= 1")
	}

	if c.Store.DSN == "" {
		return fmt.Errorf("store DSN is required")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
