package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContainerValidationMiddleware restricts blob requests to the listed
// containers. An empty list allows every container. Health and metrics
// endpoints are always allowed.
func ContainerValidationMiddleware(allowed []string, logger *logrus.Logger) func(http.Handler) http.Handler {
	if len(allowed) == 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	set := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		set[c] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/healthz" || path == "/readyz" || strings.HasPrefix(path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			container, _ := splitBlobPath(path)
			if !set[container] {
				logger.WithFields(logrus.Fields{
					"requested_container": container,
					"path":                path,
					"method":              r.Method,
					"request_id":          RequestIDFromContext(r.Context()),
				}).Warn("Access denied: container is not served by this gateway")

				writeStorageError(w, r, http.StatusForbidden, "AuthorizationFailure",
					"This gateway does not serve the requested container.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
