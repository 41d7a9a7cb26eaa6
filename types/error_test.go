package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := NewError(ErrNotFound, "entity not found").
		WithKey("entity", "svc-alpha")

	assert.Equal(t, `[NOT_FOUND] entity not found (entity=svc-alpha)`, err.Error())
}

func TestError_KeysSorted(t *testing.T) {
	err := NewError(ErrDanglingReference, "relation endpoint missing").
		WithKey("to", "b").
		WithKey("from", "a")

	// 键按名称排序，保证错误文本确定性
	assert.Equal(t, `[DANGLING_REFERENCE] relation endpoint missing (from=a, to=b)`, err.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewError(ErrBackendUnavailable, "primary write failed").WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestIsCode(t *testing.T) {
	err := NewError(ErrProposalClosed, "proposal already decided").WithKey("proposal", "p1")
	wrapped := fmt.Errorf("submit vote: %w", err)

	assert.True(t, IsCode(wrapped, ErrProposalClosed))
	assert.False(t, IsCode(wrapped, ErrNotFound))
	assert.False(t, IsCode(errors.New("plain"), ErrProposalClosed))
}

func TestGetErrorCode_Plain(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
