// Command agentflow-demo wires up a registry, a handful of stub
// agents, and a workflow engine, then runs one workflow under each of
// the three execution modes.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kestrel-run/agentflow/core"
	"github.com/kestrel-run/agentflow/obs"
	"github.com/kestrel-run/agentflow/registry"
	"github.com/kestrel-run/agentflow/workflow"
)

func echoAgent(name string) *core.BaseAgent {
	return core.NewBaseAgentWithID(name, name, fmt.Sprintf("echoes its input, prefixed with %q", name), func(ctx context.Context, req *core.AgentRequest) *core.AgentResult {
		return core.SuccessResult(fmt.Sprintf("%s: %s", name, req.Input()))
	})
}

func main() {
	ctx := context.Background()

	logger := core.NewProductionLogger(core.LoggingConfig{Level: "info", Format: "text", Output: "stdout"}, "agentflow-demo")
	telemetry, err := obs.New(obs.Options{ServiceName: "agentflow-demo"})
	if err != nil {
		log.Fatalf("telemetry setup: %v", err)
	}
	defer telemetry.Shutdown(ctx)

	reg := registry.New(registry.WithLogger(logger))
	engine := workflow.New(reg, workflow.WithLogger(logger), workflow.WithTelemetry(telemetry))

	for _, name := range []string{"greeter", "formatter", "notifier"} {
		agent := echoAgent(name)
		if err := agent.Initialize(ctx, nil); err != nil {
			log.Fatalf("initializing agent %s: %v", name, err)
		}
		if err := engine.RegisterAgent(agent); err != nil {
			log.Fatalf("registering agent %s: %v", name, err)
		}
	}

	runAndPrint(ctx, engine, "sequential demo", &workflow.WorkflowDefinition{
		Name:          "sequential-demo",
		ExecutionMode: workflow.Sequential,
		Steps: []workflow.WorkflowStep{
			{ID: "greet", Name: "greet", AgentID: "greeter", Input: "world", Order: 1},
			{ID: "format", Name: "format", AgentID: "formatter", Input: "world", Order: 2},
		},
	})

	runAndPrint(ctx, engine, "parallel demo", &workflow.WorkflowDefinition{
		Name:          "parallel-demo",
		ExecutionMode: workflow.Parallel,
		Steps: []workflow.WorkflowStep{
			{ID: "greet", Name: "greet", AgentID: "greeter", Input: "world"},
			{ID: "notify", Name: "notify", AgentID: "notifier", Input: "world"},
		},
	})

	runAndPrint(ctx, engine, "dependency demo", &workflow.WorkflowDefinition{
		Name:          "dependency-demo",
		ExecutionMode: workflow.Dependency,
		Steps: []workflow.WorkflowStep{
			{ID: "greet", Name: "greet", AgentID: "greeter", Input: "world"},
			{ID: "format", Name: "format", AgentID: "formatter", Input: "world", Dependencies: []string{"greet"}},
			{ID: "notify", Name: "notify", AgentID: "notifier", Input: "world", Dependencies: []string{"format"}},
		},
	})
}

func runAndPrint(ctx context.Context, engine *workflow.Engine, label string, def *workflow.WorkflowDefinition) {
	start := time.Now()
	result := engine.ExecuteWorkflow(ctx, def)
	fmt.Printf("=== %s (%s) ===\n", label, time.Since(start))
	fmt.Printf("success=%t error=%q\n", result.Success, result.Error)
	for _, step := range result.StepResults {
		fmt.Printf("  step=%-10s success=%t output=%q error=%q\n", step.StepID, step.Success, step.Output, step.Error)
	}
}
