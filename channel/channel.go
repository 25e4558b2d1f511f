// Package channel implements an in-memory message channel: a
// process-wide id->channel registry supporting synchronous
// request/response and fire-and-forget delivery between named
// endpoints, scoped to process-local delivery. It is external to the
// workflow engine — agents may use it to talk to each other, but the
// engine never touches it.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-run/agentflow/core"
)

// Message is sent over a Channel, either as a synchronous request or a
// fire-and-forget send.
type Message struct {
	From    string
	Target  string
	Payload string
	Headers map[string]string
}

// Response is returned by a synchronous SendRequest.
type Response struct {
	Success bool
	Payload string
	Error   string
}

// Handler processes one inbound Message and produces the Response for
// synchronous requests. Fire-and-forget delivery invokes the same
// handler and discards the Response.
type Handler func(ctx context.Context, msg Message) Response

// Channel is one named endpoint in the registry.
type Channel struct {
	id     string
	logger core.Logger

	mu        sync.RWMutex
	listening bool
	handler   Handler
	queue     []Message
	queueCond *sync.Cond
	draining  bool
	stopCh    chan struct{}
}

func newChannel(id string, logger core.Logger) *Channel {
	c := &Channel{id: id, logger: logger, stopCh: make(chan struct{})}
	c.queueCond = sync.NewCond(&c.mu)
	return c
}

// Initialize resets per-channel listener state. Config is accepted for
// contract symmetry with core.Agent.Initialize; this implementation
// does not use it.
func (c *Channel) Initialize(config map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening = false
	c.handler = nil
	c.queue = nil
	return nil
}

// Connect is a no-op: delivery is in-process, so there is no
// connection to establish and no state to record.
func (c *Channel) Connect() error { return nil }

// Disconnect stops listening and drops any queued fire-and-forget
// messages.
func (c *Channel) Disconnect() error {
	c.StopListening()
	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()
	return nil
}

// StartListening registers handler and begins draining the
// fire-and-forget queue in a single background goroutine that invokes
// the handler for each queued message.
func (c *Channel) StartListening(handler Handler) {
	c.mu.Lock()
	c.listening = true
	c.handler = handler
	alreadyDraining := c.draining
	c.draining = true
	c.mu.Unlock()

	if !alreadyDraining {
		go c.drainLoop()
	}
	c.queueCond.Broadcast()
}

// StopListening unregisters the handler. Queued messages remain
// queued; re-calling StartListening resumes draining them.
func (c *Channel) StopListening() {
	c.mu.Lock()
	c.listening = false
	c.handler = nil
	c.mu.Unlock()
}

func (c *Channel) drainLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 || c.handler == nil {
			select {
			case <-c.stopCh:
				c.mu.Unlock()
				return
			default:
			}
			c.queueCond.Wait()
			select {
			case <-c.stopCh:
				c.mu.Unlock()
				return
			default:
			}
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		handler := c.handler
		c.mu.Unlock()

		handler(context.Background(), msg)
	}
}

func (c *Channel) isListening() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listening
}

// Registry is the process-wide channel-id registry — the only global
// map this package needs. Unlike a package global, it is held as an
// explicit value the caller constructs and owns, with a ClearRegistry
// operation for tests.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	logger   core.Logger
}

// NewRegistry constructs an empty channel registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{channels: make(map[string]*Channel), logger: logger}
}

// GetOrCreate returns the channel bound to id, creating and
// initializing it if this is the first reference.
func (r *Registry) GetOrCreate(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[id]; ok {
		return ch
	}
	ch := newChannel(id, r.logger)
	r.channels[id] = ch
	return ch
}

// SendRequest delivers msg synchronously to msg.Target and waits for
// its Response. If the target is not currently listening, it returns
// an error response rather than blocking.
func (r *Registry) SendRequest(ctx context.Context, msg Message) Response {
	r.mu.RLock()
	target, ok := r.channels[msg.Target]
	r.mu.RUnlock()
	if !ok || !target.isListening() {
		return Response{Success: false, Error: fmt.Sprintf("channel %q is not listening", msg.Target)}
	}

	target.mu.RLock()
	handler := target.handler
	target.mu.RUnlock()
	if handler == nil {
		return Response{Success: false, Error: fmt.Sprintf("channel %q is not listening", msg.Target)}
	}

	type result struct{ resp Response }
	done := make(chan result, 1)
	go func() { done <- result{handler(ctx, msg)} }()

	select {
	case <-ctx.Done():
		return Response{Success: false, Error: ctx.Err().Error()}
	case r := <-done:
		return r.resp
	}
}

// Send enqueues msg for fire-and-forget delivery to msg.Target. It
// returns an error immediately if the target is not registered.
// Messages for one target share a single FIFO queue in the order Send
// enqueued them, so each sender's own messages keep their relative
// order; concurrent senders interleave in whatever order their Send
// calls take the target's lock.
func (r *Registry) Send(msg Message) error {
	r.mu.RLock()
	target, ok := r.channels[msg.Target]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: channel %q is not registered", core.ErrNotFound, msg.Target)
	}

	target.mu.Lock()
	target.queue = append(target.queue, msg)
	target.mu.Unlock()
	target.queueCond.Broadcast()
	return nil
}

// ClearRegistry removes every registered channel, stopping their drain
// loops. Intended for test teardown.
func (r *Registry) ClearRegistry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		close(ch.stopCh)
		ch.queueCond.Broadcast()
	}
	r.channels = make(map[string]*Channel)
}
