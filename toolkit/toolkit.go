// Package toolkit implements a tool registry: a thread-safe name->tool
// map with ordered parameter schemas, JSON-Schema-backed parameter
// validation, and discovery across supplied candidate sources. It is
// used by agents, never by the workflow engine — the engine does not
// inspect what tools an agent calls.
//
// Parameter validation goes through xeipuuv/gojsonschema against a
// schema built from each tool's ordered ParameterSchema.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kestrel-run/agentflow/core"
	"github.com/xeipuuv/gojsonschema"
)

// ParamType names the JSON-Schema type of one declared parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// ParamDescriptor describes one named parameter in a tool's schema.
type ParamDescriptor struct {
	Type     ParamType
	Required bool
}

// ParameterSchema is an ordered mapping of parameter name to type
// descriptor. Order is preserved via Names rather than relying on map
// iteration order, which Go does not guarantee.
type ParameterSchema struct {
	Names  []string
	Params map[string]ParamDescriptor
}

// NewParameterSchema builds a ParameterSchema from an ordered list of
// (name, descriptor) pairs.
func NewParameterSchema(entries ...struct {
	Name string
	ParamDescriptor
}) ParameterSchema {
	schema := ParameterSchema{Names: make([]string, 0, len(entries)), Params: make(map[string]ParamDescriptor, len(entries))}
	for _, e := range entries {
		schema.Names = append(schema.Names, e.Name)
		schema.Params[e.Name] = e.ParamDescriptor
	}
	return schema
}

// jsonSchemaDocument renders the schema as a JSON Schema draft-7
// document for gojsonschema.
func (s ParameterSchema) jsonSchemaDocument() map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Names))
	var required []string
	for _, name := range s.Names {
		desc := s.Params[name]
		properties[name] = map[string]interface{}{"type": string(desc.Type)}
		if desc.Required {
			required = append(required, name)
		}
	}
	doc := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": true,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Success bool
	Data    interface{}
	Error   string
}

// Tool is the contract every registry entry must satisfy.
type Tool interface {
	Name() string
	Description() string
	ParameterSchema() ParameterSchema
	ValidateParameters(params map[string]interface{}) bool
	Execute(ctx context.Context, params map[string]interface{}) ToolResult
}

// BaseTool supplies ValidateParameters via gojsonschema so concrete
// tools only need to implement Execute. Embed it and set the fields.
type BaseTool struct {
	ToolName        string
	ToolDescription string
	Schema          ParameterSchema
}

func (b *BaseTool) Name() string                     { return b.ToolName }
func (b *BaseTool) Description() string              { return b.ToolDescription }
func (b *BaseTool) ParameterSchema() ParameterSchema { return b.Schema }

// ValidateParameters checks params against the tool's JSON Schema,
// returning false on any structural or type mismatch rather than
// surfacing the validation errors.
func (b *BaseTool) ValidateParameters(params map[string]interface{}) bool {
	schemaLoader := gojsonschema.NewGoLoader(b.Schema.jsonSchemaDocument())
	docLoader := gojsonschema.NewGoLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return false
	}
	return result.Valid()
}

// Factory lazily instantiates one candidate tool for discovery,
// mirroring AgentFactory's failure-collecting shape in the registry
// package.
type Factory func() (Tool, error)

// DiscoveryReport is the outcome of one DiscoverTools call.
type DiscoveryReport struct {
	Registered []string
	Failures   map[string]error
}

// Registry is the thread-safe name→tool map.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger core.Logger
}

// NewRegistry constructs an empty tool registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register binds tool under its own name, replacing any prior binding.
// Tools with an empty name are rejected.
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("%w: tool must have a non-empty name", core.ErrValidation)
	}
	r.mu.Lock()
	r.tools[tool.Name()] = tool
	r.mu.Unlock()
	r.logger.Info("tool registered", map[string]interface{}{"tool": tool.Name()})
	return nil
}

// RegisterFactory calls factory immediately and registers the tool it
// returns. The registry stores the tool, not the factory, so the tool
// is not instantiated lazily on first lookup.
func (r *Registry) RegisterFactory(factory Factory) error {
	tool, err := factory()
	if err != nil {
		return err
	}
	return r.Register(tool)
}

// Unregister removes the binding for name and reports whether anything
// was removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	return true
}

// Lookup returns the tool bound to name, if any.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns every currently registered tool.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// DiscoverTools instantiates and registers each candidate factory,
// collecting rather than aborting on individual failures.
func (r *Registry) DiscoverTools(candidates []Factory) DiscoveryReport {
	report := DiscoveryReport{Failures: make(map[string]error)}
	for i, factory := range candidates {
		tool, err := factory()
		if err != nil {
			report.Failures[fmt.Sprintf("candidate[%d]", i)] = err
			continue
		}
		if err := r.Register(tool); err != nil {
			report.Failures[tool.Name()] = err
			continue
		}
		report.Registered = append(report.Registered, tool.Name())
	}
	return report
}

// Execute looks up name and, if its parameters validate, runs it.
// This is a convenience used by agents; the engine never calls it.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}) ToolResult {
	tool, ok := r.Lookup(name)
	if !ok {
		return ToolResult{Success: false, Error: fmt.Sprintf("tool %q is not registered", name)}
	}
	if !tool.ValidateParameters(params) {
		r.logger.Debug("tool parameters failed validation", map[string]interface{}{"tool": name, "params": marshalForLog(params)})
		return ToolResult{Success: false, Error: fmt.Sprintf("parameters for tool %q failed validation", name)}
	}
	return tool.Execute(ctx, params)
}

// marshalForLog renders params for structured logging without
// panicking on unmarshalable values.
func marshalForLog(params map[string]interface{}) string {
	b, err := json.Marshal(params)
	if err != nil {
		return "<unmarshalable>"
	}
	return string(b)
}
