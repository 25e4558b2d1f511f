package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlDefinition is the on-wire YAML shape for a WorkflowDefinition.
type yamlDefinition struct {
	ID            string                 `yaml:"id"`
	Name          string                 `yaml:"name"`
	Description   string                 `yaml:"description"`
	ExecutionMode string                 `yaml:"executionMode"`
	Timeout       string                 `yaml:"timeout"`
	RetryPolicy   *yamlRetryPolicy       `yaml:"retryPolicy"`
	Configuration map[string]interface{} `yaml:"configuration"`
	Steps         []yamlStep             `yaml:"steps"`
}

type yamlRetryPolicy struct {
	MaxAttempts       int      `yaml:"maxAttempts"`
	Delay             string   `yaml:"delay"`
	Strategy          string   `yaml:"strategy"`
	MaxDelay          string   `yaml:"maxDelay"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
	AllowList         []string `yaml:"allowList"`
	DenyList          []string `yaml:"denyList"`
}

type yamlValidationRule struct {
	Type          string `yaml:"type"`
	ExpectedValue string `yaml:"expectedValue"`
	ErrorMessage  string `yaml:"errorMessage"`
}

type yamlStep struct {
	ID                string                 `yaml:"id"`
	Name              string                 `yaml:"name"`
	AgentID           string                 `yaml:"agentId"`
	Input             string                 `yaml:"input"`
	Order             int                    `yaml:"order"`
	Dependencies      []string               `yaml:"dependencies"`
	Configuration     map[string]interface{} `yaml:"configuration"`
	Timeout           string                 `yaml:"timeout"`
	ContinueOnFailure bool                   `yaml:"continueOnFailure"`
	ValidationRules   []yamlValidationRule   `yaml:"validationRules"`
}

// ParseDefinitionYAML parses a WorkflowDefinition from YAML, letting a
// workflow be authored as a file alongside constructing one directly
// in Go. Durations are authored as Go duration strings ("30s", "2m").
func ParseDefinitionYAML(data []byte) (*WorkflowDefinition, error) {
	var doc yamlDefinition
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing workflow YAML: %w", err)
	}
	return doc.toDefinition()
}

// LoadDefinitionFile reads and parses a WorkflowDefinition from path.
func LoadDefinitionFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file %q: %w", path, err)
	}
	return ParseDefinitionYAML(data)
}

func (doc yamlDefinition) toDefinition() (*WorkflowDefinition, error) {
	timeout, err := parseOptionalDuration(doc.Timeout)
	if err != nil {
		return nil, fmt.Errorf("workflow timeout: %w", err)
	}

	def := &WorkflowDefinition{
		ID:            doc.ID,
		Name:          doc.Name,
		Description:   doc.Description,
		ExecutionMode: ExecutionMode(doc.ExecutionMode),
		Timeout:       timeout,
		Configuration: doc.Configuration,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if def.ExecutionMode == "" {
		def.ExecutionMode = Sequential
	}

	if doc.RetryPolicy != nil {
		policy, err := doc.RetryPolicy.toPolicy()
		if err != nil {
			return nil, err
		}
		def.RetryPolicy = policy
	}

	for _, s := range doc.Steps {
		step, err := s.toStep()
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", s.ID, err)
		}
		def.Steps = append(def.Steps, step)
	}

	return def, nil
}

func (p yamlRetryPolicy) toPolicy() (*RetryPolicy, error) {
	delay, err := parseOptionalDuration(p.Delay)
	if err != nil {
		return nil, fmt.Errorf("retryPolicy.delay: %w", err)
	}
	maxDelay, err := parseOptionalDuration(p.MaxDelay)
	if err != nil {
		return nil, fmt.Errorf("retryPolicy.maxDelay: %w", err)
	}
	strategy := RetryStrategy(p.Strategy)
	if strategy == "" {
		strategy = FixedDelay
	}
	multiplier := p.BackoffMultiplier
	if multiplier == 0 {
		multiplier = 2.0
	}
	return &RetryPolicy{
		MaxAttempts:       p.MaxAttempts,
		Delay:             delay,
		Strategy:          strategy,
		MaxDelay:          maxDelay,
		BackoffMultiplier: multiplier,
		AllowList:         p.AllowList,
		DenyList:          p.DenyList,
	}, nil
}

func (s yamlStep) toStep() (WorkflowStep, error) {
	timeout, err := parseOptionalDuration(s.Timeout)
	if err != nil {
		return WorkflowStep{}, fmt.Errorf("timeout: %w", err)
	}

	step := WorkflowStep{
		ID:                s.ID,
		Name:              s.Name,
		AgentID:           s.AgentID,
		Input:             s.Input,
		Order:             s.Order,
		Dependencies:      s.Dependencies,
		Configuration:     s.Configuration,
		Timeout:           timeout,
		ContinueOnFailure: s.ContinueOnFailure,
	}
	for _, r := range s.ValidationRules {
		step.ValidationRules = append(step.ValidationRules, OutputValidationRule{
			Type:          RuleType(r.Type),
			ExpectedValue: r.ExpectedValue,
			ErrorMessage:  r.ErrorMessage,
		})
	}
	return step, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
