package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noContent = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestJSON(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		want        int
	}{
		{name: "GET skips check", method: http.MethodGet, want: http.StatusNoContent},
		{name: "POST json", method: http.MethodPost, contentType: "application/json; charset=utf-8", want: http.StatusNoContent},
		{name: "POST without type", method: http.MethodPost, want: http.StatusUnsupportedMediaType},
		{name: "DELETE text", method: http.MethodDelete, contentType: "text/plain", want: http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()
			JSON(noContent).ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestBodyLimit(t *testing.T) {
	read := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("declared length", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 32)))
		req.Header.Set("Content-Length", "32")
		rr := httptest.NewRecorder()
		BodyLimit(16)(read).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		assert.JSONEq(t, `{"message":"request body too large","code":413}`, rr.Body.String())
	})

	t.Run("streamed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 32)))
		rr := httptest.NewRecorder()
		BodyLimit(16)(read).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("GET is not limited", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", strings.NewReader(strings.Repeat("x", 32)))
		rr := httptest.NewRecorder()
		BodyLimit(16)(read).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("disabled", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 32)))
		rr := httptest.NewRecorder()
		BodyLimit(0)(read).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}

func TestRecovery(t *testing.T) {
	logger, hook := test.NewNullLogger()
	panics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rr := httptest.NewRecorder()
	Recovery(logger)(panics).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/toolchains", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"message":"internal error","code":500}`, rr.Body.String())
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "boom", hook.LastEntry().Data["panic"])
}

func TestCORS(t *testing.T) {
	rr := httptest.NewRecorder()
	CORS()(noContent).ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/v1/repos/r1/synthesize", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}

func TestLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-User-ID", "u1")

	rr := httptest.NewRecorder()
	Logger(logger)(noContent).ServeHTTP(rr, req)

	require.NotEmpty(t, hook.Entries)
	last := hook.LastEntry()
	assert.Equal(t, "Request completed", last.Message)
	assert.Equal(t, "u1", last.Data["user"])
	assert.Equal(t, http.StatusNoContent, last.Data["status"])
}
