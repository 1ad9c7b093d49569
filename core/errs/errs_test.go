package errs_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tucanchat/tucan/core/errs"
)

func TestKindOf(t *testing.T) {
	err := errs.New(errs.NotFound, "conversation not found")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	assert.Equal(t, "conversation not found", err.Error())

	// kind survives wrapping with %w
	wrapped := fmt.Errorf("loading conversation: %w", err)
	assert.Equal(t, errs.NotFound, errs.KindOf(wrapped))

	// plain errors classify as internal
	assert.Equal(t, errs.Internal, errs.KindOf(fmt.Errorf("boom")))
	assert.Equal(t, "", errs.CodeOf(fmt.Errorf("boom")))
}

func TestWithCode(t *testing.T) {
	err := errs.WithCode(errs.Provider, "131048", "spam rate limit hit")
	assert.Equal(t, "131048", err.Code())
	assert.Equal(t, "131048", errs.CodeOf(fmt.Errorf("sending: %w", err)))
	assert.Equal(t, "spam rate limit hit", err.Message())
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: timeout")
	err := errs.Wrap(errs.Transient, "request failed", cause)
	assert.Equal(t, "request failed: dial tcp: timeout", err.Error())
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errs.IsRetryable(err))
	assert.False(t, errs.IsRetryable(errs.New(errs.Auth, "bad token")))
	assert.True(t, errs.IsRetryable(errs.ErrConnectionFailed))
}
