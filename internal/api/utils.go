package api

import (
	"net/http"
	"strings"

	"github.com/kenneth/blob-encryption-gateway/internal/middleware"
)

// metadataPrefix marks user metadata headers.
const metadataPrefix = "x-ms-meta-"

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if r.RemoteAddr != "" {
		// RemoteAddr is in format "IP:port", extract just IP
		if colonIdx := strings.LastIndex(r.RemoteAddr, ":"); colonIdx != -1 {
			return r.RemoteAddr[:colonIdx]
		}
		return r.RemoteAddr
	}

	return "unknown"
}

// getRequestID returns the id assigned by the request id middleware, falling
// back to the client's own request id.
func getRequestID(r *http.Request) string {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("x-ms-client-request-id")
}

// requestMetadata collects x-ms-meta-* headers with lower-case names.
func requestMetadata(h http.Header) map[string]string {
	metadata := make(map[string]string)
	for name, values := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, metadataPrefix) || len(values) == 0 {
			continue
		}
		if key := lower[len(metadataPrefix):]; key != "" {
			metadata[key] = values[0]
		}
	}
	return metadata
}

// requestRange returns the x-ms-range header, or Range when it is absent.
func requestRange(h http.Header) string {
	if v := h.Get("x-ms-range"); v != "" {
		return v
	}
	return h.Get("Range")
}

// uploadContentType prefers the blob content type header over Content-Type.
func uploadContentType(h http.Header) string {
	if v := h.Get("x-ms-blob-content-type"); v != "" {
		return v
	}
	return h.Get("Content-Type")
}
