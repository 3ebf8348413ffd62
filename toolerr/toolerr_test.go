package toolerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentydragon/coreagent/toolerr"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := toolerr.New(toolerr.KindContextLengthExceeded, "transcript too long")
	assert.True(t, errors.Is(err, toolerr.New(toolerr.KindContextLengthExceeded, "")))
	assert.False(t, errors.Is(err, toolerr.New(toolerr.KindTransient, "")))
}

func TestNewWithCausePreservesChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := toolerr.NewWithCause(toolerr.KindTransient, "sampling failed", cause)
	assert.Equal(t, "sampling failed", err.Error())
	assert.Equal(t, "connection reset", errors.Unwrap(err).Error())
}

func TestFromErrorPassesThroughExistingError(t *testing.T) {
	original := toolerr.New(toolerr.KindPolicyDeniedAbort, "denied")
	assert.Same(t, original, toolerr.FromError(original))
}

func TestFromErrorDefaultsToTransientKind(t *testing.T) {
	err := toolerr.FromError(errors.New("boom"))
	assert.Equal(t, toolerr.KindTransient, err.Kind)
}
