package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-run/agentflow/core"
	"github.com/kestrel-run/agentflow/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAgent is a minimal core.Agent whose Execute delegates to a
// closure, in place of a mocking library.
type stubAgent struct {
	id      string
	healthy bool
	execute func(ctx context.Context, req *core.AgentRequest) *core.AgentResult
}

func (s *stubAgent) ID() string          { return s.id }
func (s *stubAgent) Name() string        { return s.id }
func (s *stubAgent) Description() string { return "" }
func (s *stubAgent) IsInitialized() bool { return true }
func (s *stubAgent) Initialize(ctx context.Context, config map[string]interface{}) error {
	return nil
}
func (s *stubAgent) Execute(ctx context.Context, req *core.AgentRequest) *core.AgentResult {
	return s.execute(ctx, req)
}
func (s *stubAgent) CheckHealth(ctx context.Context) core.AgentHealthStatus {
	if s.healthy {
		return core.HealthyStatus("fine")
	}
	return core.UnhealthyStatus(core.HealthUnhealthy, "down")
}
func (s *stubAgent) Dispose(ctx context.Context) error { return nil }

func echoAgent(id string) *stubAgent {
	return &stubAgent{id: id, healthy: true, execute: func(ctx context.Context, req *core.AgentRequest) *core.AgentResult {
		return core.SuccessResult(req.Input() + "·done")
	}}
}

func failingAgent(id, message string) *stubAgent {
	return &stubAgent{id: id, healthy: true, execute: func(ctx context.Context, req *core.AgentRequest) *core.AgentResult {
		return core.ErrorResult(message)
	}}
}

func newTestEngine(t *testing.T, agents ...core.Agent) *Engine {
	t.Helper()
	reg := registry.New()
	for _, a := range agents {
		require.NoError(t, reg.RegisterAgent(a))
	}
	return New(reg)
}

func step(id, agentID, input string) WorkflowStep {
	return WorkflowStep{ID: id, Name: id, AgentID: agentID, Input: input}
}

// --- Scenario 1: sequential happy path ---

func TestSequentialHappyPath(t *testing.T) {
	e := newTestEngine(t, echoAgent("a1"), echoAgent("a2"))

	s1 := step("s1", "a1", "x")
	s1.Order = 1
	s2 := step("s2", "a2", "y")
	s2.Order = 2

	def := &WorkflowDefinition{Name: "wf", ExecutionMode: Sequential, Steps: []WorkflowStep{s1, s2}}
	result := e.ExecuteWorkflow(context.Background(), def)

	require.True(t, result.Success)
	require.Len(t, result.StepResults, 2)
	assert.Equal(t, "x·done", result.StepResults[0].Output)
	assert.Equal(t, "y·done", result.StepResults[1].Output)
	assert.Equal(t, "s1", result.StepResults[0].StepID)
	assert.Equal(t, "s2", result.StepResults[1].StepID)
}

// --- Scenario 2: parallel concurrency ---

func TestParallelConcurrencyPassesBarrier(t *testing.T) {
	const n = 3
	var arrived int32
	release := make(chan struct{})

	barrierAgent := func(id string) *stubAgent {
		return &stubAgent{id: id, healthy: true, execute: func(ctx context.Context, req *core.AgentRequest) *core.AgentResult {
			if atomic.AddInt32(&arrived, 1) == n {
				close(release)
			}
			<-release
			return core.SuccessResult("ok")
		}}
	}

	e := newTestEngine(t, barrierAgent("a1"), barrierAgent("a2"), barrierAgent("a3"))
	def := &WorkflowDefinition{
		Name:          "wf",
		ExecutionMode: Parallel,
		Steps:         []WorkflowStep{step("s1", "a1", ""), step("s2", "a2", ""), step("s3", "a3", "")},
	}

	result := e.ExecuteWorkflow(context.Background(), def)
	require.True(t, result.Success)
	require.Len(t, result.StepResults, 3)
}

// --- Scenario 3: sequential fail-stop ---

func TestSequentialFailStop(t *testing.T) {
	e := newTestEngine(t, echoAgent("a1"), failingAgent("a2", "boom"), echoAgent("a3"))

	s1 := step("s1", "a1", "x")
	s1.Order = 1
	s2 := step("s2", "a2", "y")
	s2.Order = 2
	s3 := step("s3", "a3", "z")
	s3.Order = 3

	def := &WorkflowDefinition{
		Name: "wf", ExecutionMode: Sequential,
		RetryPolicy: &RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond, Strategy: FixedDelay},
		Steps:       []WorkflowStep{s1, s2, s3},
	}
	result := e.ExecuteWorkflow(context.Background(), def)

	require.False(t, result.Success)
	require.Len(t, result.StepResults, 2)
	assert.Contains(t, result.Error, "boom")
}

// --- Scenario 4: continue-on-failure ---

func TestSequentialContinueOnFailure(t *testing.T) {
	e := newTestEngine(t, echoAgent("a1"), failingAgent("a2", "boom"), echoAgent("a3"))

	s1 := step("s1", "a1", "x")
	s1.Order = 1
	s2 := step("s2", "a2", "y")
	s2.Order = 2
	s2.ContinueOnFailure = true
	s3 := step("s3", "a3", "z")
	s3.Order = 3

	def := &WorkflowDefinition{
		Name: "wf", ExecutionMode: Sequential,
		RetryPolicy: &RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond, Strategy: FixedDelay},
		Steps:       []WorkflowStep{s1, s2, s3},
	}
	result := e.ExecuteWorkflow(context.Background(), def)

	require.False(t, result.Success)
	require.Len(t, result.StepResults, 3)
	assert.Contains(t, result.Error, "s2")
}

// --- Scenario 5: dependency cascade skip ---

func TestDependencyCascadeSkip(t *testing.T) {
	e := newTestEngine(t, failingAgent("a1", "boom"), echoAgent("a2"), echoAgent("a3"))

	a := step("a", "a1", "x")
	b := step("b", "a2", "y")
	b.Dependencies = []string{"a"}
	c := step("c", "a3", "z")
	c.Dependencies = []string{"b"}

	def := &WorkflowDefinition{
		Name: "wf", ExecutionMode: Dependency,
		RetryPolicy: &RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond, Strategy: FixedDelay},
		Steps:       []WorkflowStep{a, b, c},
	}
	result := e.ExecuteWorkflow(context.Background(), def)

	require.False(t, result.Success)
	require.Len(t, result.StepResults, 3)

	byID := make(map[string]WorkflowStepResult, 3)
	for _, r := range result.StepResults {
		byID[r.StepID] = r
	}
	assert.True(t, !byID["a"].Success)
	assert.Contains(t, byID["b"].Error, "skipped: dependency")
	assert.Contains(t, byID["c"].Error, "skipped: dependency")
}

// --- Scenario 6: retry exhaustion ---

func TestRetryExhaustion(t *testing.T) {
	var calls int32
	agent := &stubAgent{id: "a1", healthy: true, execute: func(ctx context.Context, req *core.AgentRequest) *core.AgentResult {
		atomic.AddInt32(&calls, 1)
		return core.ErrorResult("transient")
	}}
	e := newTestEngine(t, agent)

	def := &WorkflowDefinition{
		Name: "wf", ExecutionMode: Sequential,
		RetryPolicy: &RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, Strategy: FixedDelay},
		Steps:       []WorkflowStep{step("s1", "a1", "x")},
	}
	result := e.ExecuteWorkflow(context.Background(), def)

	require.False(t, result.Success)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, result.StepResults[0].Error, "transient")
}

// --- Scenario 7: missing agent ---

func TestValidateWorkflowRejectsMissingAgent(t *testing.T) {
	e := newTestEngine(t)
	def := &WorkflowDefinition{
		Name: "wf", ExecutionMode: Sequential,
		Steps: []WorkflowStep{step("s1", "nope", "x")},
	}

	report := e.ValidateWorkflow(def)
	require.False(t, report.IsValid())
	assert.Contains(t, fmt.Sprint(report.Errors), "nope")

	result := e.ExecuteWorkflow(context.Background(), def)
	require.False(t, result.Success)
	assert.Empty(t, result.StepResults)
}

// --- Scenario 8: cancellation mid-flight ---

func TestCancellationMidFlight(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)
	block := make(chan struct{})

	slowAgent := func(id string) *stubAgent {
		return &stubAgent{id: id, healthy: true, execute: func(ctx context.Context, req *core.AgentRequest) *core.AgentResult {
			started.Done()
			select {
			case <-block:
				return core.SuccessResult("ok")
			case <-ctx.Done():
				return core.ErrorResult("agent observed cancellation")
			}
		}}
	}

	e := newTestEngine(t, slowAgent("a1"), slowAgent("a2"), slowAgent("a3"))
	def := &WorkflowDefinition{
		Name: "wf", ExecutionMode: Parallel,
		Steps: []WorkflowStep{step("s1", "a1", ""), step("s2", "a2", ""), step("s3", "a3", "")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *WorkflowResult, 1)
	go func() { done <- e.ExecuteWorkflow(ctx, def) }()

	started.Wait()
	cancel()
	_ = block // never closed: every in-flight agent must observe ctx.Done() instead

	result := <-done
	require.False(t, result.Success)
	assert.Equal(t, "cancelled", result.Error)
}

// --- Registry delegation / idempotence through the engine ---

func TestRegisterAgentIdempotence(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterAgent(&stubAgent{id: "a1", healthy: true}))
	require.NoError(t, e.RegisterAgent(&stubAgent{id: "a1", healthy: false}))

	agent, ok := e.GetAgent("a1")
	require.True(t, ok)
	assert.False(t, agent.CheckHealth(context.Background()).IsHealthy)
}

// --- Health gating ---

func TestUnhealthyAgentFailsStepWithoutRetrying(t *testing.T) {
	var calls int32
	agent := &stubAgent{id: "a1", healthy: false, execute: func(ctx context.Context, req *core.AgentRequest) *core.AgentResult {
		atomic.AddInt32(&calls, 1)
		return core.SuccessResult("unreachable")
	}}
	e := newTestEngine(t, agent)

	def := &WorkflowDefinition{
		Name: "wf", ExecutionMode: Sequential,
		RetryPolicy: &RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, Strategy: FixedDelay},
		Steps:       []WorkflowStep{step("s1", "a1", "x")},
	}
	result := e.ExecuteWorkflow(context.Background(), def)

	require.False(t, result.Success)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.Contains(t, result.StepResults[0].Error, "unhealthy")
}

// --- Defensive wrapping of a panicking agent ---

func TestPanickingAgentBecomesStepFailure(t *testing.T) {
	agent := &stubAgent{id: "a1", healthy: true, execute: func(ctx context.Context, req *core.AgentRequest) *core.AgentResult {
		panic("agent blew up")
	}}
	e := newTestEngine(t, agent)

	def := &WorkflowDefinition{
		Name: "wf", ExecutionMode: Sequential,
		RetryPolicy: &RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond, Strategy: FixedDelay},
		Steps:       []WorkflowStep{step("s1", "a1", "x")},
	}
	result := e.ExecuteWorkflow(context.Background(), def)

	require.False(t, result.Success)
	require.Len(t, result.StepResults, 1)
	assert.Contains(t, result.StepResults[0].Error, "panicked")
}

// --- Output validation ---

func TestOutputValidationRuleFailsStep(t *testing.T) {
	e := newTestEngine(t, echoAgent("a1"))

	s := step("s1", "a1", "x")
	s.ValidationRules = []OutputValidationRule{{Type: RuleContains, ExpectedValue: "nope", ErrorMessage: "missing marker"}}

	def := &WorkflowDefinition{Name: "wf", ExecutionMode: Sequential, Steps: []WorkflowStep{s}}
	result := e.ExecuteWorkflow(context.Background(), def)

	require.False(t, result.Success)
	assert.Equal(t, "missing marker", result.StepResults[0].Error)
}

// --- Status / cancel bookkeeping ---

func TestGetStatusAndCancelExecution(t *testing.T) {
	e := newTestEngine(t, echoAgent("a1"))
	def := &WorkflowDefinition{Name: "wf", ExecutionMode: Sequential, Steps: []WorkflowStep{step("s1", "a1", "x")}}

	result := e.ExecuteWorkflow(context.Background(), def)
	require.True(t, result.Success)

	execID, _ := result.Metadata["executionId"].(string)
	require.NotEmpty(t, execID)

	snapshot := e.GetStatus(execID)
	require.NotNil(t, snapshot)
	assert.Equal(t, StateCompleted, snapshot.State)

	assert.False(t, e.CancelExecution(execID), "a completed execution is no longer active")
	assert.Nil(t, e.GetStatus("does-not-exist"))
}
