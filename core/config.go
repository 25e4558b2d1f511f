package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the ambient settings the engine and registry need,
// built with functional options over a set of framework defaults.
type Config struct {
	Name string

	Logging LoggingConfig
	Engine  EngineConfig
	Memory  MemoryConfig

	logger Logger
	clock  Clock
}

// LoggingConfig selects the ProductionLogger's output shape.
type LoggingConfig struct {
	Level  string // "debug" enables Debug output; any other value logs Info, Warn and Error alike
	Format string // json, text
	Output string // stdout, stderr
}

// EngineConfig holds the workflow engine's tunable defaults.
type EngineConfig struct {
	// DefaultStepTimeout bounds one agent-execute attempt when the step
	// itself sets no timeout.
	DefaultStepTimeout time.Duration

	// HealthCheckTimeout bounds the health-gate check before dispatch.
	HealthCheckTimeout time.Duration

	// HealthPollInterval records the background health-polling cadence.
	// registry.New does not read it; the registry's cadence is set with
	// registry.WithPollInterval.
	HealthPollInterval time.Duration

	// HealthFreshnessBound records how stale a cached health entry may be
	// before GetHealthyAgents forces a re-check. registry.New does not
	// read it; the registry's bound is set with registry.WithFreshnessBound.
	HealthFreshnessBound time.Duration

	// ParallelWorkerLimit caps concurrency in Parallel mode; zero means
	// unbounded.
	ParallelWorkerLimit int

	// ExecutionRetention is how long a completed execution's status
	// stays queryable via GetStatus/CancelExecution.
	ExecutionRetention time.Duration
}

// MemoryConfig selects the optional agent-local Memory backend.
type MemoryConfig struct {
	Provider string // "in-memory" (default) or "redis"
	RedisURL string
}

// DefaultConfig returns the framework's baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "agentflow",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Engine: EngineConfig{
			DefaultStepTimeout:   5 * time.Minute,
			HealthCheckTimeout:   2 * time.Second,
			HealthPollInterval:   30 * time.Second,
			HealthFreshnessBound: 30 * time.Second,
			ParallelWorkerLimit:  0,
			ExecutionRetention:   5 * time.Minute,
		},
		Memory: MemoryConfig{
			Provider: "in-memory",
		},
		clock: SystemClock{},
	}
}

// Option mutates a Config during construction.
type Option func(*Config) error

// WithLogger overrides the default ProductionLogger.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// WithClock overrides the default SystemClock — tests inject a fake here.
func WithClock(clock Clock) Option {
	return func(c *Config) error {
		c.clock = clock
		return nil
	}
}

// WithRedisMemory configures the optional Redis-backed agent memory.
func WithRedisMemory(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("redis url must not be empty")
		}
		c.Memory.Provider = "redis"
		c.Memory.RedisURL = url
		return nil
	}
}

// WithEngineConfig overrides the engine defaults wholesale.
func WithEngineConfig(engine EngineConfig) Option {
	return func(c *Config) error {
		c.Engine = engine
		return nil
	}
}

// NewConfig builds a Config from defaults, environment variables, and
// functional options, in that precedence order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Name)
	}
	if cfg.clock == nil {
		cfg.clock = SystemClock{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("AGENTFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENTFLOW_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AGENTFLOW_STEP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AGENTFLOW_STEP_TIMEOUT: %w", err)
		}
		c.Engine.DefaultStepTimeout = d
	}
	if v := os.Getenv("AGENTFLOW_PARALLEL_WORKER_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENTFLOW_PARALLEL_WORKER_LIMIT: %w", err)
		}
		c.Engine.ParallelWorkerLimit = n
	}
	if v := os.Getenv("AGENTFLOW_REDIS_URL"); v != "" {
		c.Memory.Provider = "redis"
		c.Memory.RedisURL = v
	}
	return nil
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}
	if c.Engine.DefaultStepTimeout <= 0 {
		return fmt.Errorf("engine.DefaultStepTimeout must be positive")
	}
	if c.Engine.HealthCheckTimeout <= 0 {
		return fmt.Errorf("engine.HealthCheckTimeout must be positive")
	}
	if c.Engine.ParallelWorkerLimit < 0 {
		return fmt.Errorf("engine.ParallelWorkerLimit must not be negative")
	}
	if c.Memory.Provider == "redis" && c.Memory.RedisURL == "" {
		return fmt.Errorf("memory.RedisURL required when provider is redis")
	}
	return nil
}

// Logger returns the configured logger.
func (c *Config) Logger() Logger { return c.logger }

// ClockSource returns the configured clock.
func (c *Config) ClockSource() Clock { return c.clock }
