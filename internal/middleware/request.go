package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request id in both directions. Azure clients
// send x-ms-client-request-id, which is honored when present.
const RequestIDHeader = "x-ms-request-id"

type requestIDKey struct{}

// RequestIDMiddleware assigns every request an id, stores it in the request
// context and echoes it in the response.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("x-ms-client-request-id")
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			if clientID := r.Header.Get("x-ms-client-request-id"); clientID != "" {
				w.Header().Set("x-ms-client-request-id", clientID)
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// RequestIDFromContext returns the id assigned by RequestIDMiddleware, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.WithFields(logrus.Fields{
					"panic":      rec,
					"method":     r.Method,
					"path":       r.URL.Path,
					"request_id": RequestIDFromContext(r.Context()),
					"stack":      string(debug.Stack()),
				}).Error("Recovered from handler panic")
				writeStorageError(w, r, http.StatusInternalServerError, "InternalError",
					"The server encountered an internal error. Please retry the request.")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// splitBlobPath splits "/container/blob/name" into its container and blob name.
func splitBlobPath(path string) (container, blob string) {
	path = strings.TrimPrefix(path, "/")
	parts := strings.SplitN(path, "/", 2)
	container = parts[0]
	if len(parts) == 2 {
		blob = parts[1]
	}
	return container, blob
}
