package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(errors.New("i/o timeout")))
	assert.True(t, Retryable(Transient(errors.New("busy"))))
	assert.False(t, Retryable(Permanent(errors.New("corrupt"))))
	assert.False(t, Retryable(fmt.Errorf("decode: %w", ErrUnsupported)))
	assert.False(t, Retryable(ErrTooLarge))
}

func TestStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrTooLarge, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("%w: empty body", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("open: %w", ErrNotFound), http.StatusNotFound},
		{ErrStorageFull, http.StatusInsufficientStorage},
		{ErrQueueFull, http.StatusServiceUnavailable},
		{ErrJobActive, http.StatusConflict},
		{ErrOCRDisabled, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Status(tc.err), tc.err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Transient(nil))
}
