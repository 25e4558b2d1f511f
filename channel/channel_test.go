package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRequestRoundTrip(t *testing.T) {
	reg := NewRegistry(nil)
	target := reg.GetOrCreate("echo")
	target.StartListening(func(ctx context.Context, msg Message) Response {
		return Response{Success: true, Payload: "echo:" + msg.Payload}
	})

	resp := reg.SendRequest(context.Background(), Message{From: "caller", Target: "echo", Payload: "hi"})
	assert.True(t, resp.Success)
	assert.Equal(t, "echo:hi", resp.Payload)
}

func TestSendRequestToUnlisteningTargetErrors(t *testing.T) {
	reg := NewRegistry(nil)
	reg.GetOrCreate("silent")

	resp := reg.SendRequest(context.Background(), Message{Target: "silent", Payload: "x"})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestSendRequestUnregisteredTargetErrors(t *testing.T) {
	reg := NewRegistry(nil)
	resp := reg.SendRequest(context.Background(), Message{Target: "ghost", Payload: "x"})
	assert.False(t, resp.Success)
}

func TestFireAndForgetIsDrainedByBackgroundTask(t *testing.T) {
	reg := NewRegistry(nil)
	target := reg.GetOrCreate("sink")

	received := make(chan string, 4)
	target.StartListening(func(ctx context.Context, msg Message) Response {
		received <- msg.Payload
		return Response{}
	})

	require.NoError(t, reg.Send(Message{From: "s1", Target: "sink", Payload: "one"}))
	require.NoError(t, reg.Send(Message{From: "s1", Target: "sink", Payload: "two"}))

	select {
	case first := <-received:
		assert.Equal(t, "one", first)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first fire-and-forget message")
	}
	select {
	case second := <-received:
		assert.Equal(t, "two", second)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second fire-and-forget message")
	}
}

func TestSendToUnregisteredChannelErrors(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Send(Message{Target: "ghost", Payload: "x"})
	assert.Error(t, err)
}

func TestClearRegistryRemovesChannels(t *testing.T) {
	reg := NewRegistry(nil)
	reg.GetOrCreate("a")
	reg.GetOrCreate("b")

	reg.ClearRegistry()

	resp := reg.SendRequest(context.Background(), Message{Target: "a", Payload: "x"})
	assert.False(t, resp.Success)
}

func TestStopListeningThenRestartResumesDraining(t *testing.T) {
	reg := NewRegistry(nil)
	target := reg.GetOrCreate("sink")
	received := make(chan string, 2)
	handler := func(ctx context.Context, msg Message) Response {
		received <- msg.Payload
		return Response{}
	}

	target.StartListening(handler)
	target.StopListening()
	require.NoError(t, reg.Send(Message{Target: "sink", Payload: "queued"}))

	select {
	case <-received:
		t.Fatal("handler must not run while stopped")
	case <-time.After(50 * time.Millisecond):
	}

	target.StartListening(handler)
	select {
	case payload := <-received:
		assert.Equal(t, "queued", payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued message after restart")
	}
}
