package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-run/agentflow/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}
func (f *fakeClock) Sleep(d time.Duration) { f.advance(d) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.advance(d)
	ch <- f.Now()
	return ch
}
func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestInMemoryStoreSetGet(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Set(context.Background(), "k", "v", 0))

	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestInMemoryStoreMissingKeyReturnsEmpty(t *testing.T) {
	s := NewInMemoryStore()
	v, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestInMemoryStoreTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewInMemoryStore(WithClock(clock))
	require.NoError(t, s.Set(context.Background(), "k", "v", time.Second))

	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	clock.advance(2 * time.Second)
	v, err = s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Empty(t, v, "entry must be treated as gone once its ttl has elapsed")
}

func TestInMemoryStoreDeleteAndExists(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Set(context.Background(), "k", "v", 0))

	exists, err := s.Exists(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(context.Background(), "k"))
	exists, err = s.Exists(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFromConfigDefaultsToInMemory(t *testing.T) {
	mem, err := FromConfig(core.MemoryConfig{}, nil)
	require.NoError(t, err)
	_, ok := mem.(*InMemoryStore)
	assert.True(t, ok)
}

func TestFromConfigRejectsUnknownProvider(t *testing.T) {
	_, err := FromConfig(core.MemoryConfig{Provider: "bogus"}, nil)
	assert.Error(t, err)
}

func TestNewRedisStoreRejectsEmptyURL(t *testing.T) {
	_, err := NewRedisStore(RedisOptions{})
	assert.Error(t, err)
}

func TestNewRedisStoreRejectsInvalidURL(t *testing.T) {
	_, err := NewRedisStore(RedisOptions{URL: "not-a-valid-url://::"})
	assert.Error(t, err)
}
