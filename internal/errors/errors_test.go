package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	err := &Error{Code: ErrNotFound, Status: 404, Message: "entry not found"}
	assert.Equal(t, "NOT_FOUND: entry not found", err.Error())

	wrapped := NewEnvironment(fmt.Errorf("exec create: boom"))
	assert.Equal(t, "ENVIRONMENT: failed to prepare environment: exec create: boom", wrapped.Error())
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		code   ErrorCode
		status int
		msg    string
	}{
		{"precondition", NewPrecondition("top module is not set"), ErrPrecondition, http.StatusBadRequest, "top module is not set"},
		{"token", NewTokenInvalid(), ErrTokenInvalid, http.StatusForbidden, "token expired or does not exist"},
		{"timeout", NewTimeout(), ErrTimeout, http.StatusGatewayTimeout, "process timed out"},
		{"processing", NewProcessing(nil), ErrProcessing, http.StatusInternalServerError, "an error occurred while processing"},
		{"submission", NewSubmission(nil), ErrSubmission, http.StatusBadGateway, "failed to submit job"},
		{"validation default", NewValidation("", nil), ErrInvalidRequest, http.StatusBadRequest, "failed to save record"},
		{"not found", NewNotFound("entry"), ErrNotFound, http.StatusNotFound, "entry not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.Status)
			assert.Equal(t, tt.msg, tt.err.Message)
		})
	}
}

func TestIs_ThroughWrapping(t *testing.T) {
	cause := stderrors.New("container gone")
	err := fmt.Errorf("run synthesis: %w", NewProcessing(cause))

	assert.True(t, Is(err, ErrProcessing))
	assert.False(t, Is(err, ErrTimeout))
	assert.True(t, stderrors.Is(err, cause))
	assert.False(t, Is(stderrors.New("plain"), ErrInternal))
}

func TestPublic(t *testing.T) {
	status, msg := Public(fmt.Errorf("wrap: %w", NewTimeout()))
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "process timed out", msg)

	status, msg = Public(stderrors.New("database is locked"))
	require.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", msg)
}
