package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Engine.DefaultStepTimeout)
	assert.Equal(t, 2*time.Second, cfg.Engine.HealthCheckTimeout)
}

func TestNewConfigAppliesOptions(t *testing.T) {
	cfg, err := NewConfig(WithEngineConfig(EngineConfig{
		DefaultStepTimeout:   time.Second,
		HealthCheckTimeout:   time.Second,
		HealthPollInterval:   time.Second,
		HealthFreshnessBound: time.Second,
	}))
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Engine.DefaultStepTimeout)
	assert.NotNil(t, cfg.Logger())
	assert.NotNil(t, cfg.ClockSource())
}

func TestNewConfigRejectsRedisWithoutURL(t *testing.T) {
	_, err := NewConfig(func(c *Config) error {
		c.Memory.Provider = "redis"
		return nil
	})
	assert.Error(t, err)
}

func TestWithRedisMemoryRejectsEmptyURL(t *testing.T) {
	_, err := NewConfig(WithRedisMemory(""))
	assert.Error(t, err)
}
