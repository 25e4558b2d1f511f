package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentRequestImmutable(t *testing.T) {
	md := map[string]string{"workflow_id": "wf-1"}
	req := NewAgentRequest("user-1", "hello", md)

	md["workflow_id"] = "mutated"
	v, ok := req.Metadata("workflow_id")
	require.True(t, ok)
	assert.Equal(t, "wf-1", v, "request metadata must be copied at construction, not aliased")

	assert.NotEmpty(t, req.ID())
	assert.WithinDuration(t, time.Now().UTC(), req.Timestamp(), time.Second)
}

func TestResultExclusivity(t *testing.T) {
	ok := SuccessResult("payload")
	assert.True(t, ok.Success())
	assert.Equal(t, "payload", ok.Data())
	assert.Empty(t, ok.ErrorMessage())

	bad := ErrorResult("boom")
	assert.False(t, bad.Success())
	assert.Empty(t, bad.Data())
	assert.Equal(t, "boom", bad.ErrorMessage())
}

func TestBaseAgentLifecycle(t *testing.T) {
	agent := NewBaseAgent("stub", "test stub", func(ctx context.Context, req *AgentRequest) *AgentResult {
		return SuccessResult(req.Input() + "-done")
	})

	require.NoError(t, agent.Initialize(context.Background(), nil))
	assert.True(t, agent.IsInitialized())

	res := agent.Execute(context.Background(), NewAgentRequest("u", "x", nil))
	require.True(t, res.Success())
	assert.Equal(t, "x-done", res.Data())

	health := agent.CheckHealth(context.Background())
	assert.True(t, health.IsHealthy)

	require.NoError(t, agent.Dispose(context.Background()))
	after := agent.Execute(context.Background(), NewAgentRequest("u", "x", nil))
	assert.False(t, after.Success(), "execute after dispose must return an error result, never panic")
}

func TestNewBaseAgentWithIDUsesExplicitID(t *testing.T) {
	agent := NewBaseAgentWithID("greeter", "greeter", "", nil)
	assert.Equal(t, "greeter", agent.ID())

	generated := NewBaseAgentWithID("", "greeter", "", nil)
	assert.NotEmpty(t, generated.ID())
	assert.NotEqual(t, "greeter", generated.ID())
}

func TestBaseAgentExecuteRecoversFromPanic(t *testing.T) {
	agent := NewBaseAgent("panicky", "", func(ctx context.Context, req *AgentRequest) *AgentResult {
		panic("boom")
	})
	require.NoError(t, agent.Initialize(context.Background(), nil))

	res := agent.Execute(context.Background(), NewAgentRequest("u", "x", nil))
	require.False(t, res.Success())
	assert.Contains(t, res.ErrorMessage(), "panicked")
}

func TestInitializeIsIdempotent(t *testing.T) {
	calls := 0
	agent := NewBaseAgent("a", "", nil)
	agent.Logger = &countingLogger{onInfo: func() { calls++ }}

	require.NoError(t, agent.Initialize(context.Background(), nil))
	require.NoError(t, agent.Initialize(context.Background(), nil))
	assert.Equal(t, 1, calls, "second Initialize call must be a no-op")
}

type countingLogger struct {
	NoOpLogger
	onInfo func()
}

func (c *countingLogger) Info(msg string, fields map[string]interface{}) {
	c.onInfo()
}
