package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameworkErrorWrapping(t *testing.T) {
	wrapped := NewFrameworkError("workflow.execute", "agent-1", ErrAgentUnhealthy)
	assert.ErrorIs(t, wrapped, ErrAgentUnhealthy)
	assert.Contains(t, wrapped.Error(), "agent-1")
}

func TestIsRetryableCategory(t *testing.T) {
	assert.True(t, IsRetryableCategory(CategoryAgentExecution))
	assert.True(t, IsRetryableCategory(CategoryTimeout))
	assert.False(t, IsRetryableCategory(CategoryValidation))
	assert.False(t, IsRetryableCategory(CategoryOutputValidation))
	assert.False(t, IsRetryableCategory(CategoryCancelled))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, CategoryTimeout, ClassifyError(errors.New("x"), true))
	assert.Equal(t, CategoryCancelled, ClassifyError(ErrCancelled, false))
	assert.Equal(t, CategoryOutputValidation, ClassifyError(ErrOutputValidation, false))
	assert.Equal(t, CategoryAgentExecution, ClassifyError(errors.New("transient"), false))
}
