package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Outbound/internal/control"
	"github.com/shaiso/Outbound/internal/identity"
	"github.com/shaiso/Outbound/internal/repo"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRequestID(t *testing.T) {
	h := Chain(RequestID(discard), Recovery(), Logging())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Len(t, rec.Header().Get(HeaderRequestID), 36)
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "req-42")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	})
}

func TestRecovery(t *testing.T) {
	h := Chain(RequestID(discard), Recovery())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/inbound", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrCodeInternalError))
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   ErrorCode
	}{
		{fmt.Errorf("get: %w", repo.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{repo.ErrAlreadyExists, http.StatusConflict, ErrCodeConflict},
		{repo.ErrInvalidState, http.StatusUnprocessableEntity, ErrCodeInvalidState},
		{identity.ErrNotResumable, http.StatusUnprocessableEntity, ErrCodeInvalidState},
		{identity.ErrProbeFailed, http.StatusConflict, ErrCodeProbeFailed},
		{control.ErrUnavailable, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{errors.New("db down"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			require.True(t, HandleError(rec, discard, tt.err, "thing not found"))
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), string(tt.code))
		})
	}

	rec := httptest.NewRecorder()
	assert.False(t, HandleError(rec, discard, nil, ""))

	rec = httptest.NewRecorder()
	HandleError(rec, discard, errors.New("secret dsn"), "")
	assert.NotContains(t, rec.Body.String(), "secret dsn")
}

func TestList_EmptyIsArray(t *testing.T) {
	rec := httptest.NewRecorder()
	List[string](rec, nil)
	assert.JSONEq(t, `{"data":[],"total":0}`, rec.Body.String())
}
