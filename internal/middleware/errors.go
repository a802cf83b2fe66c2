package middleware

import (
	"encoding/xml"
	"net/http"
)

type storageError struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource,omitempty"`
}

// writeStorageError writes a blob service style error. HEAD responses carry
// the code in x-ms-error-code only.
func writeStorageError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h := w.Header()
	h.Set("x-ms-error-code", code)
	if id := RequestIDFromContext(r.Context()); id != "" {
		h.Set(RequestIDHeader, id)
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	h.Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(storageError{Code: code, Message: message, Resource: r.URL.Path})
}
