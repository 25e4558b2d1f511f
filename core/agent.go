package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRequest is the input to one agent invocation. It is immutable
// after construction: callers build one with NewAgentRequest and never
// mutate it in place.
type AgentRequest struct {
	id        string
	timestamp time.Time
	userID    string
	input     string
	metadata  map[string]string
}

// NewAgentRequest builds a request with a fresh id and a UTC creation
// timestamp. metadata may be nil; it is copied so the caller's map can't
// mutate the request afterwards.
func NewAgentRequest(userID, input string, metadata map[string]string) *AgentRequest {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &AgentRequest{
		id:        uuid.New().String(),
		timestamp: time.Now().UTC(),
		userID:    userID,
		input:     input,
		metadata:  md,
	}
}

func (r *AgentRequest) ID() string           { return r.id }
func (r *AgentRequest) Timestamp() time.Time { return r.timestamp }
func (r *AgentRequest) UserID() string       { return r.userID }
func (r *AgentRequest) Input() string        { return r.input }
func (r *AgentRequest) Metadata(key string) (string, bool) {
	v, ok := r.metadata[key]
	return v, ok
}

// MetadataMap returns a defensive copy of the request's metadata.
func (r *AgentRequest) MetadataMap() map[string]string {
	out := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// AgentResult is the outcome of one agent invocation, built only through
// the two factories below, never by a public struct literal. Each
// factory sets only its own field, so Data() and ErrorMessage() are
// never both non-empty; neither factory checks that its argument is
// non-empty.
type AgentResult struct {
	success        bool
	data           string
	errorMessage   string
	processingTime time.Duration
	metadata       map[string]interface{}
}

// SuccessResult builds a successful AgentResult carrying data.
func SuccessResult(data string) *AgentResult {
	return &AgentResult{success: true, data: data}
}

// ErrorResult builds a failed AgentResult carrying an error message.
func ErrorResult(message string) *AgentResult {
	return &AgentResult{success: false, errorMessage: message}
}

func (r *AgentResult) Success() bool        { return r.success }
func (r *AgentResult) Data() string         { return r.data }
func (r *AgentResult) ErrorMessage() string { return r.errorMessage }

func (r *AgentResult) ProcessingTime() time.Duration { return r.processingTime }

// WithProcessingTime returns a copy of the result stamped with how long
// the call took. The engine calls this after Agent.Execute returns since
// the agent itself has no visibility into the outer retry/timeout loop.
func (r *AgentResult) WithProcessingTime(d time.Duration) *AgentResult {
	clone := *r
	clone.processingTime = d
	return &clone
}

// WithMetadata returns a copy of the result carrying additional metadata.
func (r *AgentResult) WithMetadata(metadata map[string]interface{}) *AgentResult {
	clone := *r
	clone.metadata = metadata
	return &clone
}

func (r *AgentResult) Metadata() map[string]interface{} { return r.metadata }

// HealthLevel classifies how healthy an agent currently reports itself.
type HealthLevel int

const (
	HealthUnknown HealthLevel = iota
	HealthHealthy
	HealthWarning
	HealthDegraded
	HealthUnhealthy
	HealthCritical
)

func (l HealthLevel) String() string {
	switch l {
	case HealthHealthy:
		return "healthy"
	case HealthWarning:
		return "warning"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AgentHealthStatus is the outcome of one health check.
type AgentHealthStatus struct {
	IsHealthy bool
	Message   string
	Level     HealthLevel
	CheckedAt time.Time
}

// HealthyStatus is a convenience constructor for a passing health check.
func HealthyStatus(message string) AgentHealthStatus {
	return AgentHealthStatus{IsHealthy: true, Message: message, Level: HealthHealthy, CheckedAt: time.Now().UTC()}
}

// UnhealthyStatus is a convenience constructor for a failing health check.
func UnhealthyStatus(level HealthLevel, message string) AgentHealthStatus {
	return AgentHealthStatus{IsHealthy: false, Message: message, Level: level, CheckedAt: time.Now().UTC()}
}

// Agent is the capability set every agent plugs into: initialize once,
// execute many times, report health on demand, dispose when done.
// Execute must never panic or return a Go error — failures are always
// surfaced as a non-success AgentResult, so the engine can treat every
// agent call uniformly.
type Agent interface {
	ID() string
	Name() string
	Description() string
	IsInitialized() bool

	Initialize(ctx context.Context, config map[string]interface{}) error
	Execute(ctx context.Context, request *AgentRequest) *AgentResult
	CheckHealth(ctx context.Context) AgentHealthStatus
	Dispose(ctx context.Context) error
}

// BaseAgent is the common scaffold every concrete agent embeds: it owns
// the id/name/description/initialized bookkeeping and the disposed-gate
// on Execute, so a concrete agent only has to implement ExecuteFunc and,
// optionally, override health checking.
type BaseAgent struct {
	id          string
	name        string
	description string

	initialized bool
	disposed    bool

	Logger Logger

	// ExecuteFunc implements the agent's actual work. It must never
	// panic; BaseAgent.Execute recovers defensively around it anyway
	// and converts any panic into an error result, since the contract
	// says Execute must never throw.
	ExecuteFunc func(ctx context.Context, request *AgentRequest) *AgentResult

	// HealthFunc optionally overrides the default always-healthy check.
	HealthFunc func(ctx context.Context) AgentHealthStatus
}

// NewBaseAgent creates a scaffold agent with a generated id derived
// from name.
func NewBaseAgent(name, description string, execute func(ctx context.Context, request *AgentRequest) *AgentResult) *BaseAgent {
	return NewBaseAgentWithID("", name, description, execute)
}

// NewBaseAgentWithID creates a scaffold agent under an explicit id, for
// callers that reference the agent by a known id (workflow steps carry
// agent ids, not agent references). An empty id falls back to a
// generated one.
func NewBaseAgentWithID(id, name, description string, execute func(ctx context.Context, request *AgentRequest) *AgentResult) *BaseAgent {
	if id == "" {
		id = fmt.Sprintf("%s-%s", name, uuid.New().String()[:8])
	}
	return &BaseAgent{
		id:          id,
		name:        name,
		description: description,
		Logger:      &NoOpLogger{},
		ExecuteFunc: execute,
	}
}

func (b *BaseAgent) ID() string          { return b.id }
func (b *BaseAgent) Name() string        { return b.name }
func (b *BaseAgent) Description() string { return b.description }
func (b *BaseAgent) IsInitialized() bool { return b.initialized }

// Initialize is idempotent: calling it twice is a no-op the second time.
func (b *BaseAgent) Initialize(ctx context.Context, config map[string]interface{}) error {
	if b.initialized {
		return nil
	}
	b.initialized = true
	if b.Logger != nil {
		b.Logger.Info("agent initialized", map[string]interface{}{"id": b.id, "name": b.name})
	}
	return nil
}

// Execute runs ExecuteFunc, recovering from any panic and from the
// disposed state, so that callers always receive a well-formed result
// and never an exception.
func (b *BaseAgent) Execute(ctx context.Context, request *AgentRequest) (result *AgentResult) {
	if b.disposed {
		return ErrorResult(fmt.Sprintf("agent %s has been disposed", b.id))
	}
	if b.ExecuteFunc == nil {
		return ErrorResult(fmt.Sprintf("agent %s has no execute implementation", b.id))
	}
	defer func() {
		if r := recover(); r != nil {
			result = ErrorResult(fmt.Sprintf("agent %s panicked: %v", b.id, r))
		}
	}()
	return b.ExecuteFunc(ctx, request)
}

// CheckHealth defaults to reporting healthy once initialized and not yet
// disposed; concrete agents override via HealthFunc for real liveness
// checks (database pings, downstream dependency checks, and so on).
func (b *BaseAgent) CheckHealth(ctx context.Context) AgentHealthStatus {
	if b.HealthFunc != nil {
		return b.HealthFunc(ctx)
	}
	if b.disposed {
		return UnhealthyStatus(HealthUnhealthy, "agent disposed")
	}
	if !b.initialized {
		return UnhealthyStatus(HealthUnknown, "agent not initialized")
	}
	return HealthyStatus("ok")
}

// Dispose marks the agent disposed; subsequent Execute calls fail.
func (b *BaseAgent) Dispose(ctx context.Context) error {
	b.disposed = true
	return nil
}
