package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-run/agentflow/core"
	"github.com/kestrel-run/agentflow/registry"
)

// Engine executes WorkflowDefinitions against agents held in an
// AgentRegistry. Dispatch goes straight through
// registry.AgentRegistry.GetAgent and core.Agent.Execute — there is no
// wire protocol or HTTP transport of its own.
type Engine struct {
	registry *registry.AgentRegistry

	logger    core.Logger
	telemetry core.Telemetry
	clock     core.Clock
	cfg       core.EngineConfig

	randMu sync.Mutex
	rng    *rand.Rand

	mu         sync.Mutex
	executions map[string]*executionRecord
}

type executionRecord struct {
	mu        sync.Mutex
	state     ExecutionState
	startedAt time.Time
	result    *WorkflowResult
	cancel    context.CancelFunc
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTelemetry attaches a telemetry sink; the engine records a span
// per workflow and per step, plus a step-duration metric and a
// workflow execution-count metric, when one is present.
func WithTelemetry(t core.Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock core.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithEngineConfig overrides the framework defaults (health-check
// timeout, default step timeout, parallel worker cap, execution
// retention).
func WithEngineConfig(cfg core.EngineConfig) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// New constructs an Engine dispatching against reg.
func New(reg *registry.AgentRegistry, opts ...Option) *Engine {
	e := &Engine{
		registry:   reg,
		logger:     &core.NoOpLogger{},
		telemetry:  &core.NoOpTelemetry{},
		clock:      core.SystemClock{},
		cfg:        core.DefaultConfig().Engine,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		executions: make(map[string]*executionRecord),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterAgent binds agent into the underlying registry, replacing
// any prior binding for the same id.
func (e *Engine) RegisterAgent(agent core.Agent) error { return e.registry.RegisterAgent(agent) }

// UnregisterAgent removes agent id, disposing it.
func (e *Engine) UnregisterAgent(ctx context.Context, id string) bool {
	return e.registry.UnregisterAgent(ctx, id)
}

// GetAgent returns the agent bound to id, if any.
func (e *Engine) GetAgent(id string) (core.Agent, bool) { return e.registry.GetAgent(id) }

// ValidateWorkflow checks def against every structural invariant
// without executing anything.
func (e *Engine) ValidateWorkflow(def *WorkflowDefinition) ValidationReport {
	return def.Validate(e.registry.IsRegistered)
}

// ExecuteWorkflow validates, plans, and runs def to completion,
// returning a fully populated WorkflowResult. It never panics and
// never returns nil.
func (e *Engine) ExecuteWorkflow(ctx context.Context, def *WorkflowDefinition) (result *WorkflowResult) {
	startedAt := e.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			result = &WorkflowResult{
				Success:     false,
				Error:       fmt.Sprintf("scheduler error: %v", r),
				StartedAt:   startedAt,
				CompletedAt: e.clock.Now(),
			}
		}
	}()

	report := e.ValidateWorkflow(def)
	if !report.IsValid() {
		return &WorkflowResult{
			Success:     false,
			Error:       "validation failed: " + strings.Join(report.Errors, "; "),
			StartedAt:   startedAt,
			CompletedAt: e.clock.Now(),
		}
	}

	execID := uuid.New().String()
	var runCtx context.Context
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	record := &executionRecord{state: StateRunning, startedAt: startedAt, cancel: cancel}
	e.mu.Lock()
	e.executions[execID] = record
	e.mu.Unlock()
	defer e.evictAfterRetention(execID)

	runCtx, span := e.telemetry.StartSpan(runCtx, "workflow.execute")
	span.SetAttribute("workflow.id", def.ID)
	span.SetAttribute("workflow.mode", string(def.ExecutionMode))
	e.logger.Info("workflow execution started", map[string]interface{}{"execution_id": execID, "workflow_id": def.ID, "mode": string(def.ExecutionMode)})

	outcome := e.schedule(runCtx, def)
	cancel()
	if !outcome.success {
		span.RecordError(fmt.Errorf("%s", outcome.err))
	}
	span.End()
	e.telemetry.RecordMetric("workflow_execution_count", 1, map[string]string{"success": fmt.Sprintf("%t", outcome.success)})

	completedAt := e.clock.Now()
	result = &WorkflowResult{
		Success:       outcome.success,
		Error:         outcome.err,
		StepResults:   outcome.results,
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		ExecutionTime: completedAt.Sub(startedAt),
		Metadata:      map[string]interface{}{"executionId": execID},
	}

	record.mu.Lock()
	record.result = result
	if outcome.cancelled {
		record.state = StateCancelled
	} else if outcome.success {
		record.state = StateCompleted
	} else {
		record.state = StateFailed
	}
	record.mu.Unlock()

	e.logger.Info("workflow execution finished", map[string]interface{}{
		"execution_id": execID, "workflow_id": def.ID, "success": outcome.success, "steps": len(outcome.results),
	})
	return result
}

// GetStatus returns a non-blocking snapshot for executionID, or nil if
// it is unknown or has been reaped past the retention window.
func (e *Engine) GetStatus(executionID string) *ExecutionSnapshot {
	e.mu.Lock()
	record, ok := e.executions[executionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	record.mu.Lock()
	defer record.mu.Unlock()
	return &ExecutionSnapshot{
		ExecutionID: executionID,
		State:       record.state,
		StartedAt:   record.startedAt,
		Result:      record.result,
	}
}

// CancelExecution signals the linked cancellation token for
// executionID and reports whether it was active.
func (e *Engine) CancelExecution(executionID string) bool {
	e.mu.Lock()
	record, ok := e.executions[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	record.mu.Lock()
	active := record.state == StateRunning
	record.mu.Unlock()
	if record.cancel != nil {
		record.cancel()
	}
	return active
}

func (e *Engine) evictAfterRetention(executionID string) {
	retention := e.cfg.ExecutionRetention
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	go func() {
		<-e.clock.After(retention)
		e.mu.Lock()
		delete(e.executions, executionID)
		e.mu.Unlock()
	}()
}

// scheduleOutcome is the internal result of running one scheduler,
// before it is stamped into a WorkflowResult.
type scheduleOutcome struct {
	success   bool
	err       string
	results   []WorkflowStepResult
	cancelled bool
}

func (e *Engine) schedule(ctx context.Context, def *WorkflowDefinition) scheduleOutcome {
	switch def.ExecutionMode {
	case Parallel:
		return e.runParallel(ctx, def)
	case Dependency:
		return e.runDependency(ctx, def)
	default:
		return e.runSequential(ctx, def)
	}
}

// runSequential executes steps by Order, stopping as soon as a step
// fails with ContinueOnFailure=false.
func (e *Engine) runSequential(ctx context.Context, def *WorkflowDefinition) scheduleOutcome {
	steps := orderedSteps(def.Steps)
	var results []WorkflowStepResult

	for _, step := range steps {
		if ctx.Err() != nil {
			return scheduleOutcome{success: false, err: "cancelled", results: results, cancelled: true}
		}

		stepResult := e.executeStep(ctx, def, step)
		results = append(results, stepResult)

		if !stepResult.Success && !step.ContinueOnFailure {
			return scheduleOutcome{
				success: false,
				err:     fmt.Sprintf("%s: %s", step.Name, stepResult.Error),
				results: results,
			}
		}
	}

	return finalOutcome(results, ctx.Err() != nil)
}

// runParallel launches every step concurrently under an optional
// bounded worker pool; ContinueOnFailure is effectively true since
// every step always runs regardless of its siblings' outcomes.
func (e *Engine) runParallel(ctx context.Context, def *WorkflowDefinition) scheduleOutcome {
	var mu sync.Mutex
	var results []WorkflowStepResult
	var wg sync.WaitGroup

	var sem chan struct{}
	if def.effectiveParallelLimit(e.cfg.ParallelWorkerLimit) > 0 {
		sem = make(chan struct{}, def.effectiveParallelLimit(e.cfg.ParallelWorkerLimit))
	}

	for _, step := range def.Steps {
		step := step
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			stepResult := e.executeStep(ctx, def, step)
			mu.Lock()
			results = append(results, stepResult)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].CompletedAt.Before(results[j].CompletedAt) })
	return finalOutcome(results, ctx.Err() != nil)
}

// runDependency schedules steps level-by-level: within a level every
// ready node runs concurrently, and a node becomes ready once every
// dependency has resolved.
func (e *Engine) runDependency(ctx context.Context, def *WorkflowDefinition) scheduleOutcome {
	graph := newDAG(def.Steps)
	stepByID := make(map[string]WorkflowStep, len(def.Steps))
	for _, s := range def.Steps {
		stepByID[s.ID] = s
	}

	var mu sync.Mutex
	var results []WorkflowStepResult
	recorded := make(map[string]bool, len(def.Steps))

	for !graph.complete() {
		if ctx.Err() != nil {
			break
		}
		ready := graph.readyNodes()
		if len(ready) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, id := range ready {
			id := id
			step := stepByID[id]
			graph.markRunning(id)
			wg.Add(1)
			go func() {
				defer wg.Done()
				stepResult := e.executeStep(ctx, def, step)
				mu.Lock()
				results = append(results, stepResult)
				recorded[id] = true
				mu.Unlock()
				graph.markDone(id, stepResult.Success, step.ContinueOnFailure)
			}()
		}
		wg.Wait()
	}

	for id, reason := range graph.skippedNodes() {
		if recorded[id] {
			continue
		}
		step := stepByID[id]
		now := e.clock.Now()
		results = append(results, WorkflowStepResult{
			StepID:      step.ID,
			StepName:    step.Name,
			AgentID:     step.AgentID,
			Success:     false,
			Error:       fmt.Sprintf("skipped: dependency %q failed", reason),
			StartedAt:   now,
			CompletedAt: now,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].CompletedAt.Before(results[j].CompletedAt) })
	return finalOutcome(results, ctx.Err() != nil)
}

// finalOutcome derives overall success: it holds iff at least one step
// result was recorded and every recorded step succeeded. A failed step
// makes the workflow fail even when that step had ContinueOnFailure=true;
// the error is the first failed result's step name and message.
func finalOutcome(results []WorkflowStepResult, cancelled bool) scheduleOutcome {
	if cancelled {
		return scheduleOutcome{success: false, err: "cancelled", results: results, cancelled: true}
	}
	if len(results) == 0 {
		return scheduleOutcome{success: false, err: "no steps were executed", results: results}
	}

	var firstFailure *WorkflowStepResult
	allSucceeded := true
	for i := range results {
		if !results[i].Success {
			allSucceeded = false
			if firstFailure == nil {
				firstFailure = &results[i]
			}
		}
	}
	if allSucceeded {
		return scheduleOutcome{success: true, results: results}
	}
	return scheduleOutcome{
		success: false,
		err:     fmt.Sprintf("%s: %s", firstFailure.StepName, firstFailure.Error),
		results: results,
	}
}

// executeStep runs the full per-step routine: agent resolution, health
// gate, request construction, the retry loop, and output validation.
// It always returns a well-formed WorkflowStepResult and never blocks
// past ctx's deadline.
func (e *Engine) executeStep(ctx context.Context, def *WorkflowDefinition, step WorkflowStep) WorkflowStepResult {
	startedAt := e.clock.Now()
	ctx, span := e.telemetry.StartSpan(ctx, "workflow.step")
	span.SetAttribute("step.id", step.ID)
	span.SetAttribute("step.agent_id", step.AgentID)
	defer span.End()

	stamp := func(success bool, output, errMsg string) WorkflowStepResult {
		completedAt := e.clock.Now()
		if !success {
			span.RecordError(fmt.Errorf("%s", errMsg))
		}
		e.telemetry.RecordMetric("workflow_step_duration_seconds", completedAt.Sub(startedAt).Seconds(), map[string]string{"success": fmt.Sprintf("%t", success)})
		return WorkflowStepResult{
			StepID:        step.ID,
			StepName:      step.Name,
			AgentID:       step.AgentID,
			Success:       success,
			Output:        output,
			Error:         errMsg,
			StartedAt:     startedAt,
			CompletedAt:   completedAt,
			ExecutionTime: completedAt.Sub(startedAt),
		}
	}

	if ctx.Err() != nil {
		return stamp(false, "", "cancelled")
	}

	agent, ok := e.registry.GetAgent(step.AgentID)
	if !ok {
		return stamp(false, "", fmt.Sprintf("agent %q not registered", step.AgentID))
	}

	healthCtx, healthCancel := context.WithTimeout(ctx, e.healthCheckTimeout())
	status := agent.CheckHealth(healthCtx)
	healthCancel()
	if !status.IsHealthy {
		return stamp(false, "", fmt.Sprintf("agent %q unhealthy: %s", step.AgentID, status.Message))
	}

	request := core.NewAgentRequest("", step.Input, map[string]string{
		"stepId":     step.ID,
		"workflowId": def.ID,
	})

	policy := def.effectiveRetryPolicy()
	attemptTimeout := step.Timeout
	if attemptTimeout <= 0 {
		attemptTimeout = e.defaultStepTimeout()
	}

	var last *core.AgentResult
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return stamp(false, "", "cancelled")
		}

		attemptResult, timedOut, cancelled := e.runAttempt(ctx, agent, request, attemptTimeout)
		if cancelled {
			return stamp(false, "", "cancelled")
		}
		last = attemptResult

		if last.Success() {
			break
		}

		category := core.ClassifyError(core.ErrAgentExecution, timedOut)
		retryable := core.IsRetryableCategory(category) && policy.allows(string(category))
		if attempt == policy.MaxAttempts || !retryable {
			break
		}

		delay := e.nextDelay(policy, attempt+1)
		select {
		case <-ctx.Done():
			return stamp(false, "", "cancelled")
		case <-e.clock.After(delay):
		}
	}

	if last == nil {
		return stamp(false, "", "agent never executed")
	}
	if !last.Success() {
		return stamp(false, "", last.ErrorMessage())
	}

	for _, rule := range step.ValidationRules {
		if !rule.Check(last.Data()) {
			return stamp(false, "", rule.ErrorMessage)
		}
	}
	return stamp(true, last.Data(), "")
}

// runAttempt calls agent.Execute under a hard per-attempt deadline,
// reporting separately whether the attempt timed out versus the
// overall workflow context was cancelled — the step routine needs to
// tell those apart since only the former is retryable.
func (e *Engine) runAttempt(ctx context.Context, agent core.Agent, request *core.AgentRequest, timeout time.Duration) (result *core.AgentResult, timedOut bool, cancelled bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.clock.Now()
	done := make(chan *core.AgentResult, 1)
	go func() {
		// The agent contract forbids panicking, but the engine wraps the
		// call defensively anyway: a panic here would escape the
		// workflow-level recover, which only spans the caller's goroutine.
		defer func() {
			if r := recover(); r != nil {
				done <- core.ErrorResult(fmt.Sprintf("agent panicked: %v", r))
			}
		}()
		done <- agent.Execute(attemptCtx, request)
	}()

	select {
	case r := <-done:
		if r == nil {
			return core.ErrorResult("agent returned no result"), false, false
		}
		return r.WithProcessingTime(e.clock.Now().Sub(start)), false, false
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// The outer workflow context (caller cancellation or
			// overall workflow deadline) is what tripped, not this
			// attempt's own per-step deadline.
			return nil, false, true
		}
		return core.ErrorResult(fmt.Sprintf("timeout after %s", timeout)), true, false
	}
}

// nextDelay computes the backoff delay for an upcoming attempt.
// math/rand.Rand is not safe for concurrent use, and Parallel and
// Dependency scheduling can run several steps' retry loops at once, so
// access to the shared generator is serialized here.
func (e *Engine) nextDelay(policy RetryPolicy, attempt int) time.Duration {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return nextDelay(policy, attempt, e.rng)
}

func (e *Engine) healthCheckTimeout() time.Duration {
	if e.cfg.HealthCheckTimeout > 0 {
		return e.cfg.HealthCheckTimeout
	}
	return 2 * time.Second
}

func (e *Engine) defaultStepTimeout() time.Duration {
	if e.cfg.DefaultStepTimeout > 0 {
		return e.cfg.DefaultStepTimeout
	}
	return 5 * time.Minute
}

// effectiveParallelLimit lets a workflow's own configuration override
// the engine-wide default worker cap.
func (d *WorkflowDefinition) effectiveParallelLimit(engineDefault int) int {
	if v, ok := d.Configuration["parallelWorkerLimit"]; ok {
		if n, ok := v.(int); ok && n > 0 {
			return n
		}
	}
	return engineDefault
}
