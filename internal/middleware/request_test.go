package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/c/b", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	assert.Len(t, seen, 36)

	req := httptest.NewRequest("GET", "/c/b", nil)
	req.Header.Set("x-ms-client-request-id", "client-chosen-id")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "client-chosen-id", seen)
	assert.Equal(t, "client-chosen-id", w.Header().Get("x-ms-client-request-id"))
}

func TestRequestIDFromContext_Missing(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(httptest.NewRequest("GET", "/", nil).Context()))
}

func TestRecoveryMiddleware(t *testing.T) {
	var logs bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)

	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/c/b", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "InternalError", w.Header().Get("x-ms-error-code"))
	assert.Contains(t, w.Body.String(), "<Code>InternalError</Code>")
	assert.Contains(t, logs.String(), "Recovered from handler panic")
	assert.Contains(t, logs.String(), "boom")
}

func TestRecoveryMiddleware_AbortHandler(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/c/b", nil))
	})
}

func TestContainerValidationMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name    string
		allowed []string
		path    string
		want    int
	}{
		{name: "no restriction", allowed: nil, path: "/anything/blob", want: http.StatusOK},
		{name: "allowed container", allowed: []string{"photos"}, path: "/photos/cat.jpg", want: http.StatusOK},
		{name: "other container", allowed: []string{"photos"}, path: "/secrets/key", want: http.StatusForbidden},
		{name: "root path", allowed: []string{"photos"}, path: "/", want: http.StatusForbidden},
		{name: "health check", allowed: []string{"photos"}, path: "/healthz", want: http.StatusOK},
		{name: "metrics", allowed: []string{"photos"}, path: "/metrics", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := ContainerValidationMiddleware(tt.allowed, logger)(ok)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusForbidden {
				assert.Equal(t, "AuthorizationFailure", w.Header().Get("x-ms-error-code"))
				assert.Contains(t, w.Body.String(), "<Code>AuthorizationFailure</Code>")
			}
		})
	}
}
