// Package registry implements an agent registry: an authoritative
// id->agent map with periodic health polling, health-filtered
// listing, and discovery from injected candidate factories. The health
// cache is in-memory only, with no persisted state.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-run/agentflow/core"
)

// AgentFactory instantiates one candidate agent for discovery. It
// returns an error instead of panicking so a bad candidate doesn't
// abort discovery of the rest.
type AgentFactory func() (core.Agent, error)

// HealthReport is the snapshot returned by GetHealthReport.
type HealthReport struct {
	AgentHealth map[string]core.AgentHealthStatus
	LastUpdated time.Time
}

// DiscoveryReport is the outcome of one DiscoverAgents call.
type DiscoveryReport struct {
	Registered []string
	Failures   map[string]error
}

type cachedHealth struct {
	status    core.AgentHealthStatus
	checkedAt time.Time
}

// AgentRegistry is the thread-safe id→agent map with background health
// polling. The zero value is not usable; construct with New.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]core.Agent
	health map[string]cachedHealth

	logger         core.Logger
	clock          core.Clock
	pollInterval   time.Duration
	freshnessBound time.Duration
	checkTimeout   time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures an AgentRegistry at construction.
type Option func(*AgentRegistry)

// WithLogger attaches a logger.
func WithLogger(logger core.Logger) Option {
	return func(r *AgentRegistry) { r.logger = logger }
}

// WithClock overrides the time source (tests inject a fake clock).
func WithClock(clock core.Clock) Option {
	return func(r *AgentRegistry) { r.clock = clock }
}

// WithPollInterval overrides the background health-polling cadence
// (default: 30s).
func WithPollInterval(d time.Duration) Option {
	return func(r *AgentRegistry) { r.pollInterval = d }
}

// WithFreshnessBound overrides how stale a cached health entry may be
// before GetHealthyAgents forces a re-check (default: 30s).
func WithFreshnessBound(d time.Duration) Option {
	return func(r *AgentRegistry) { r.freshnessBound = d }
}

// WithCheckTimeout overrides the per-health-check timeout.
func WithCheckTimeout(d time.Duration) Option {
	return func(r *AgentRegistry) { r.checkTimeout = d }
}

// New constructs an AgentRegistry with the given options applied over
// the framework defaults.
func New(opts ...Option) *AgentRegistry {
	r := &AgentRegistry{
		agents:         make(map[string]core.Agent),
		health:         make(map[string]cachedHealth),
		logger:         &core.NoOpLogger{},
		clock:          core.SystemClock{},
		pollInterval:   30 * time.Second,
		freshnessBound: 30 * time.Second,
		checkTimeout:   2 * time.Second,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAgent binds an agent under its own id, replacing any prior
// binding for that id. Agents with an empty id are rejected.
func (r *AgentRegistry) RegisterAgent(agent core.Agent) error {
	if agent == nil {
		return fmt.Errorf("%w: nil agent", core.ErrValidation)
	}
	id := agent.ID()
	if id == "" {
		return fmt.Errorf("%w: agent id must not be empty", core.ErrValidation)
	}

	r.mu.Lock()
	r.agents[id] = agent
	r.mu.Unlock()

	r.logger.Info("agent registered", map[string]interface{}{"agent_id": id, "name": agent.Name()})
	return nil
}

// UnregisterAgent removes the binding for id, disposing the removed
// agent, and reports whether anything was removed.
func (r *AgentRegistry) UnregisterAgent(ctx context.Context, id string) bool {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
		delete(r.health, id)
	}
	r.mu.Unlock()

	if ok {
		if err := agent.Dispose(ctx); err != nil {
			r.logger.Warn("agent dispose returned error", map[string]interface{}{"agent_id": id, "error": err.Error()})
		}
		r.logger.Info("agent unregistered", map[string]interface{}{"agent_id": id})
	}
	return ok
}

// GetAgent returns the agent bound to id, if any.
func (r *AgentRegistry) GetAgent(id string) (core.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	return agent, ok
}

// GetAllAgents returns a snapshot of every currently bound agent.
func (r *AgentRegistry) GetAllAgents() []core.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// IsRegistered reports whether id currently resolves.
func (r *AgentRegistry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// CheckHealth runs a fresh health check for id and caches its result;
// it does not consult the cache. It returns false if id is not
// registered.
func (r *AgentRegistry) CheckHealth(ctx context.Context, id string) (core.AgentHealthStatus, bool) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return core.AgentHealthStatus{}, false
	}
	return r.refreshHealth(ctx, id, agent), true
}

func (r *AgentRegistry) refreshHealth(ctx context.Context, id string, agent core.Agent) core.AgentHealthStatus {
	checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()

	status := agent.CheckHealth(checkCtx)
	r.mu.Lock()
	r.health[id] = cachedHealth{status: status, checkedAt: r.clock.Now()}
	r.mu.Unlock()
	return status
}

// cachedOrRefresh returns the cached health for id if it is fresher than
// freshnessBound, else runs a fresh check.
func (r *AgentRegistry) cachedOrRefresh(ctx context.Context, id string, agent core.Agent) core.AgentHealthStatus {
	r.mu.RLock()
	cached, ok := r.health[id]
	r.mu.RUnlock()
	if ok && r.clock.Now().Sub(cached.checkedAt) < r.freshnessBound {
		return cached.status
	}
	return r.refreshHealth(ctx, id, agent)
}

// GetHealthyAgents returns every agent whose last known health (fresh
// within the freshness bound, re-checking if stale) reports healthy.
func (r *AgentRegistry) GetHealthyAgents(ctx context.Context) []core.Agent {
	r.mu.RLock()
	snapshot := make(map[string]core.Agent, len(r.agents))
	for id, a := range r.agents {
		snapshot[id] = a
	}
	r.mu.RUnlock()

	var healthy []core.Agent
	for id, agent := range snapshot {
		status := r.cachedOrRefresh(ctx, id, agent)
		if status.IsHealthy {
			healthy = append(healthy, agent)
		}
	}
	return healthy
}

// GetHealthReport returns a snapshot of every cached health entry.
func (r *AgentRegistry) GetHealthReport() HealthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := HealthReport{AgentHealth: make(map[string]core.AgentHealthStatus, len(r.health))}
	for id, cached := range r.health {
		report.AgentHealth[id] = cached.status
		if cached.checkedAt.After(report.LastUpdated) {
			report.LastUpdated = cached.checkedAt
		}
	}
	return report
}

// DiscoverAgents instantiates and registers each candidate factory.
// Failures are collected in the report rather than aborting discovery
// of the remaining candidates.
func (r *AgentRegistry) DiscoverAgents(candidates []AgentFactory) DiscoveryReport {
	report := DiscoveryReport{Failures: make(map[string]error)}

	for i, factory := range candidates {
		agent, err := factory()
		if err != nil {
			report.Failures[fmt.Sprintf("candidate[%d]", i)] = err
			continue
		}
		if err := r.RegisterAgent(agent); err != nil {
			report.Failures[agent.ID()] = err
			continue
		}
		report.Registered = append(report.Registered, agent.ID())
	}
	return report
}

// StartHealthPolling launches the background health-polling loop. It
// returns immediately; call Stop (or cancel ctx) to end it. Calling it
// more than once is a programmer error the caller must avoid — unlike
// RegisterAgent, polling has no idempotent-replace semantics because it
// owns a background goroutine.
func (r *AgentRegistry) StartHealthPolling(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.pollOnce(ctx)
			}
		}
	}()
}

func (r *AgentRegistry) pollOnce(ctx context.Context) {
	for _, agent := range r.GetAllAgents() {
		r.refreshHealth(ctx, agent.ID(), agent)
	}
}

// Stop ends background health polling and waits for it to exit.
func (r *AgentRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
