// Package workflow implements a workflow engine: the
// workflow/step/retry-policy data model, a dependency-DAG scheduler,
// and three execution modes (Sequential, Parallel, Dependency) with
// per-step retry, timeout, health-gating, and partial-failure
// semantics.
//
// Steps dispatch directly to core.Agent implementations held by a
// registry.AgentRegistry; there is no HTTP transport or
// service-discovery layer of its own.
package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ExecutionMode selects the scheduler a WorkflowDefinition runs under.
type ExecutionMode string

const (
	Sequential ExecutionMode = "sequential"
	Parallel   ExecutionMode = "parallel"
	Dependency ExecutionMode = "dependency"
)

// RetryStrategy selects the delay formula used between retry attempts.
type RetryStrategy string

const (
	FixedDelay         RetryStrategy = "fixed_delay"
	ExponentialBackoff RetryStrategy = "exponential_backoff"
	LinearBackoff      RetryStrategy = "linear_backoff"
	RandomJitter       RetryStrategy = "random_jitter"
)

// RuleType names one output-validation rule.
type RuleType string

const (
	RuleContains    RuleType = "contains"
	RuleEquals      RuleType = "equals"
	RuleStartsWith  RuleType = "starts_with"
	RuleEndsWith    RuleType = "ends_with"
	RuleRegex       RuleType = "regex"
	RuleNotEmpty    RuleType = "not_empty"
	RuleIsJSON      RuleType = "is_json"
	RuleIsXML       RuleType = "is_xml"
)

// OutputValidationRule checks one property of a step's output data.
// ExpectedValue is ignored for RuleNotEmpty, RuleIsJSON, and RuleIsXML.
type OutputValidationRule struct {
	Type          RuleType
	ExpectedValue string
	ErrorMessage  string
}

// Check reports whether data satisfies the rule. A false return means
// the step's result must be converted to a failure carrying
// ErrorMessage.
func (r OutputValidationRule) Check(data string) bool {
	switch r.Type {
	case RuleContains:
		return strings.Contains(data, r.ExpectedValue)
	case RuleEquals:
		return data == r.ExpectedValue
	case RuleStartsWith:
		return strings.HasPrefix(data, r.ExpectedValue)
	case RuleEndsWith:
		return strings.HasSuffix(data, r.ExpectedValue)
	case RuleRegex:
		matched, err := regexp.MatchString(r.ExpectedValue, data)
		return err == nil && matched
	case RuleNotEmpty:
		return data != ""
	case RuleIsJSON:
		return isValidJSON(data)
	case RuleIsXML:
		return isValidXML(data)
	default:
		return false
	}
}

// RetryPolicy configures how a failed or timed-out step is retried.
// The zero value is not valid; use DefaultRetryPolicy.
type RetryPolicy struct {
	MaxAttempts       int
	Delay             time.Duration
	Strategy          RetryStrategy
	MaxDelay          time.Duration // zero means unset/uncapped
	BackoffMultiplier float64

	// AllowList/DenyList narrow the default retryable classification
	// (core.IsRetryableCategory): a category in DenyList is never
	// retried, and a non-empty AllowList limits retry to the categories
	// it names. Neither list makes an otherwise non-retryable category
	// retryable. DenyList takes precedence when a category appears in
	// both.
	AllowList []string
	DenyList  []string
}

// DefaultRetryPolicy returns the framework default: three attempts
// with a fixed one-second delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		Delay:             time.Second,
		Strategy:          FixedDelay,
		BackoffMultiplier: 2.0,
	}
}

// Validate checks the policy's invariants: maxAttempts must be at
// least 1, and maxDelay, when set, must be at least delay.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retryPolicy.maxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.Delay {
		return fmt.Errorf("retryPolicy.maxDelay (%s) must be >= delay (%s) when set", p.MaxDelay, p.Delay)
	}
	return nil
}

func (p RetryPolicy) allows(category string) bool {
	for _, c := range p.DenyList {
		if c == category {
			return false
		}
	}
	for _, c := range p.AllowList {
		if c == category {
			return true
		}
	}
	return len(p.AllowList) == 0
}

// WorkflowStep is one node in a workflow.
type WorkflowStep struct {
	ID                string
	Name              string
	AgentID           string
	Input             string
	Order             int
	Dependencies      []string
	Configuration     map[string]interface{}
	Timeout           time.Duration // zero means "use the workflow/framework default"
	ContinueOnFailure bool
	ValidationRules   []OutputValidationRule
}

// WorkflowDefinition is a complete workflow plan.
type WorkflowDefinition struct {
	ID            string
	Name          string
	Description   string
	ExecutionMode ExecutionMode
	Steps         []WorkflowStep
	Timeout       time.Duration // zero means no overall deadline
	RetryPolicy   *RetryPolicy  // nil means DefaultRetryPolicy()
	Configuration map[string]interface{}
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// effectiveRetryPolicy returns the configured policy or the default.
func (d *WorkflowDefinition) effectiveRetryPolicy() RetryPolicy {
	if d.RetryPolicy != nil {
		return *d.RetryPolicy
	}
	return DefaultRetryPolicy()
}

// ValidationReport is the outcome of ValidateWorkflow.
type ValidationReport struct {
	Errors []string
}

// IsValid reports whether the report carries no errors.
func (r ValidationReport) IsValid() bool { return len(r.Errors) == 0 }

func (r *ValidationReport) add(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validate checks every structural invariant: name non-empty, steps
// non-empty, every agentId resolves (via resolveAgent), step ids
// unique, the dependency graph is acyclic and intra-workflow (in
// Dependency mode), the retry policy has maxAttempts >= 1, and step
// timeouts are positive when set.
func (d *WorkflowDefinition) Validate(resolveAgent func(id string) bool) ValidationReport {
	var report ValidationReport

	if strings.TrimSpace(d.Name) == "" {
		report.add("workflow name must not be empty")
	}
	if len(d.Steps) == 0 {
		report.add("workflow must have at least one step")
	}

	seenIDs := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			report.add("step %q: id must not be empty", step.Name)
			continue
		}
		if seenIDs[step.ID] {
			report.add("duplicate step id %q", step.ID)
		}
		seenIDs[step.ID] = true

		if step.AgentID == "" {
			report.add("step %q: agentId must not be empty", step.ID)
		} else if resolveAgent != nil && !resolveAgent(step.AgentID) {
			report.add("step %q: agent %q is not registered", step.ID, step.AgentID)
		}
		if step.Timeout < 0 {
			report.add("step %q: timeout must be positive when set", step.ID)
		}
	}

	if d.ExecutionMode == Dependency {
		for _, step := range d.Steps {
			for _, dep := range step.Dependencies {
				if !seenIDs[dep] {
					report.add("step %q: dependency %q does not refer to a step in this workflow", step.ID, dep)
				}
			}
		}
		if cycle := detectCycle(d.Steps); cycle != "" {
			report.add("dependency graph contains a cycle: %s", cycle)
		}
	}

	if err := d.effectiveRetryPolicy().Validate(); err != nil {
		report.add("retryPolicy: %v", err)
	}
	if d.Timeout < 0 {
		report.add("workflow timeout must be positive when set")
	}

	return report
}

// detectCycle returns a description of the first cycle found, or ""
// if the dependency graph is acyclic.
func detectCycle(steps []WorkflowStep) string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.Dependencies
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string, path []string) string
	visit = func(id string, path []string) string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return strings.Join(append(path, dep), " -> ")
			case white:
				if cyc := visit(dep, path); cyc != "" {
					return cyc
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if cyc := visit(s.ID, nil); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

// orderedSteps returns steps sorted by Order ascending, tie-broken by
// original slice position.
func orderedSteps(steps []WorkflowStep) []WorkflowStep {
	out := make([]WorkflowStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// WorkflowStepResult is the outcome of one executed step.
type WorkflowStepResult struct {
	StepID        string
	StepName      string
	AgentID       string
	Success       bool
	Output        string
	Error         string
	ExecutionTime time.Duration
	StartedAt     time.Time
	CompletedAt   time.Time
	Metadata      map[string]interface{}
}

// WorkflowResult is the aggregate outcome of one ExecuteWorkflow call.
type WorkflowResult struct {
	Success       bool
	Error         string
	StepResults   []WorkflowStepResult
	ExecutionTime time.Duration
	StartedAt     time.Time
	CompletedAt   time.Time
	Metadata      map[string]interface{}
}

// ExecutionState is the coarse state of a tracked execution.
type ExecutionState string

const (
	StateRunning   ExecutionState = "running"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateCancelled ExecutionState = "cancelled"
)

// ExecutionSnapshot is the non-blocking status getStatus returns.
type ExecutionSnapshot struct {
	ExecutionID string
	State       ExecutionState
	StartedAt   time.Time
	Result      *WorkflowResult // nil while State == StateRunning
}
