package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code       types.ErrorCode
		wantStatus int
	}{
		{types.ErrValidation, http.StatusBadRequest},
		{types.ErrNotOwner, http.StatusForbidden},
		{types.ErrWrongRecipient, http.StatusForbidden},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrInvalidTransition, http.StatusConflict},
		{types.ErrAlreadyResolved, http.StatusConflict},
		{types.ErrCapabilityMismatch, http.StatusUnprocessableEntity},
		{types.ErrCapacityExceeded, http.StatusUnprocessableEntity},
		{types.ErrTransientStoreFailure, http.StatusServiceUnavailable},
		{types.ErrInternalError, http.StatusInternalServerError},
		{"UNKNOWN_CODE", http.StatusInternalServerError}, // 默认
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, HTTPStatus(tt.code))
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantCode      types.ErrorCode
		wantRetryable bool
	}{
		{
			name:       "not owner",
			err:        types.Errorf(types.ErrNotOwner, "agent %q does not own task %s", "agent-b", "T1"),
			wantStatus: http.StatusForbidden,
			wantCode:   types.ErrNotOwner,
		},
		{
			name:       "wrapped transition",
			err:        fmt.Errorf("claim: %w", types.InvalidTransitionError(types.TaskDone, types.TaskInProgress)),
			wantStatus: http.StatusConflict,
			wantCode:   types.ErrInvalidTransition,
		},
		{
			name:          "transient store failure",
			err:           types.TransientStoreError(errors.New("redis down")),
			wantStatus:    http.StatusServiceUnavailable,
			wantCode:      types.ErrTransientStoreFailure,
			wantRetryable: true,
		},
		{
			name:       "explicit status wins",
			err:        types.NewError(types.ErrValidation, "too large").WithHTTPStatus(http.StatusRequestEntityTooLarge),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   types.ErrValidation,
		},
		{
			name:       "plain error",
			err:        errors.New("dsn=postgres://secret"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   types.ErrInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.NotContains(t, w.Body.String(), "secret")

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
			assert.Equal(t, tt.wantRetryable, resp.Error.Retryable)
		})
	}
}

func TestResponseWriter_FlushAndUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	// Flush 先补写 200
	rw.Flush()
	assert.True(t, rw.Written)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rec.Flushed)

	rw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, rw.StatusCode)

	n, err := rw.Write([]byte("data: x\n\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(n), rw.BytesWritten)

	assert.Same(t, rec, rw.Unwrap())
	require.NoError(t, http.NewResponseController(rw).Flush())
}
