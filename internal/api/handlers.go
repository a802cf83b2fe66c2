package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/blob-encryption-gateway/internal/audit"
	"github.com/kenneth/blob-encryption-gateway/internal/blobstore"
	"github.com/kenneth/blob-encryption-gateway/internal/config"
	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
	"github.com/kenneth/blob-encryption-gateway/internal/metrics"
)

// Handler serves the blob API on top of an encrypting blob store.
type Handler struct {
	store          blobstore.Store
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	auditLogger    audit.Logger
	maxUploadBytes int64
}

// NewHandler creates a new API handler. auditLogger and cfg may be nil.
func NewHandler(store blobstore.Store, logger *logrus.Logger, m *metrics.Metrics, auditLogger audit.Logger, cfg *config.Config) *Handler {
	h := &Handler{
		store:       store,
		logger:      logger,
		metrics:     m,
		auditLogger: auditLogger,
	}
	if cfg != nil {
		h.maxUploadBytes = cfg.Server.MaxUploadBytes
	}
	return h
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	r.HandleFunc("/readyz", h.handleReady).Methods("GET")

	r.HandleFunc("/{container}/{blob:.+}", h.handleGetBlob).Methods("GET")
	r.HandleFunc("/{container}/{blob:.+}", h.handlePutBlob).Methods("PUT")
	r.HandleFunc("/{container}/{blob:.+}", h.handleHeadBlob).Methods("HEAD")
	r.HandleFunc("/{container}/{blob:.+}", h.handleDeleteBlob).Methods("DELETE")
}

// handleHealth handles liveness checks.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// handleReady handles readiness checks.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}

// writeError translates err, logs it and records the failure.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, operation, container, blob string, start time.Time) {
	blobErr := TranslateError(err, container, blob)
	blobErr.RequestID = getRequestID(r)
	blobErr.WriteXML(w, r)

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"container":  container,
		"blob":       blob,
		"operation":  operation,
		"code":       blobErr.Code,
		"request_id": blobErr.RequestID,
	})
	if blobErr.HTTPStatus >= 500 {
		entry.Error("Blob request failed")
	} else {
		entry.Debug("Blob request rejected")
	}

	if errType := crypto.ErrorType(err); errType != "internal" {
		h.metrics.RecordEncryptionError(operation, errType)
	} else {
		h.metrics.RecordBackendError(h.store.Name(), operation, container, blobErr.Code)
	}
	h.metrics.RecordHTTPRequest(r.Method, routeLabel(r), blobErr.HTTPStatus, time.Since(start), 0)
}

// handleGetBlob handles GET blob requests with optional Range or x-ms-range.
func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	container := vars["container"]
	blob := vars["blob"]

	rangeHeader := requestRange(r.Header)
	rng, err := crypto.ParseHTTPRange(rangeHeader)
	if err != nil {
		h.writeError(w, r, err, "download", container, blob, start)
		return
	}

	ctx := withBlobRef(r.Context(), container, blob)
	d, err := h.store.Download(ctx, container, blob, rng)
	if err != nil {
		h.auditDecrypt(r, container, blob, rangeHeader, "", err, start)
		h.writeError(w, r, err, "download", container, blob, start)
		return
	}
	defer d.Body.Close()

	setPropertyHeaders(w.Header(), &d.Properties)
	w.Header().Set("Accept-Ranges", "bytes")
	if d.Length >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(d.Length, 10))
	}
	// bytes=0- parses to the whole blob but is still answered as a range.
	if rangeHeader != "" && d.Length > 0 {
		d.Partial = true
	}
	status := http.StatusOK
	if d.Partial {
		status = http.StatusPartialContent
		if cr := d.ContentRange(); cr != "" {
			w.Header().Set("Content-Range", cr)
		}
	}
	w.WriteHeader(status)

	n, copyErr := io.Copy(w, d.Body)
	duration := time.Since(start)
	if copyErr != nil {
		// The status line is already sent; the client sees a truncated body.
		h.logger.WithError(copyErr).WithFields(logrus.Fields{
			"container":  container,
			"blob":       blob,
			"written":    n,
			"request_id": getRequestID(r),
		}).Error("Failed to stream blob")
		if d.Encrypted {
			h.metrics.RecordEncryptionError("decrypt", crypto.ErrorType(copyErr))
		}
	}

	h.metrics.RecordBackendOperation(h.store.Name(), "download", container, duration)
	if d.Encrypted {
		h.metrics.RecordEncryptionOperation("decrypt", duration, n)
		if d.Partial {
			h.metrics.RecordRangeRequest(rng.Offset >= crypto.BlockSize)
		}
		h.auditDecrypt(r, container, blob, rangeHeader, d.KeyID, copyErr, start)
	} else if h.auditLogger != nil {
		h.auditLogger.LogAccess("download", container, blob, getClientIP(r), r.UserAgent(), getRequestID(r), copyErr, duration)
	}
	h.metrics.RecordHTTPRequest(r.Method, routeLabel(r), status, duration, n)
}

func (h *Handler) auditDecrypt(r *http.Request, container, blob, rangeHeader, keyID string, err error, start time.Time) {
	if h.auditLogger == nil {
		return
	}
	h.auditLogger.LogDecrypt(audit.CryptoEvent{
		Container: container,
		Blob:      blob,
		RequestID: getRequestID(r),
		KeyID:     keyID,
		Algorithm: crypto.AlgorithmAESCBC256,
		Range:     rangeHeader,
		Err:       err,
		Duration:  time.Since(start),
	})
}

// handlePutBlob encrypts the request body into a block blob.
func (h *Handler) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	container := vars["container"]
	blob := vars["blob"]

	metadata := requestMetadata(r.Header)
	for k := range metadata {
		if k == crypto.MetadataKey {
			withResource(ErrInvalidMetadata, r.URL.Path, getRequestID(r)).WriteXML(w, r)
			h.metrics.RecordHTTPRequest(r.Method, routeLabel(r), http.StatusBadRequest, time.Since(start), 0)
			return
		}
	}

	body := io.Reader(r.Body)
	if h.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	ctx := withBlobRef(r.Context(), container, blob)
	props, err := h.store.Upload(ctx, container, blob, body, &blobstore.UploadOptions{
		ContentType: uploadContentType(r.Header),
		Metadata:    metadata,
	})
	duration := time.Since(start)
	if h.auditLogger != nil {
		event := audit.CryptoEvent{
			Container: container,
			Blob:      blob,
			RequestID: getRequestID(r),
			Algorithm: crypto.AlgorithmAESCBC256,
			Err:       err,
			Duration:  duration,
		}
		if props != nil {
			event.KeyID = props.KeyID
			event.Metadata = map[string]interface{}{"size": props.ContentLength}
		}
		h.auditLogger.LogEncrypt(event)
	}
	if err != nil {
		h.writeError(w, r, err, "upload", container, blob, start)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"container":  container,
		"blob":       blob,
		"size":       props.ContentLength,
		"key_id":     props.KeyID,
		"request_id": getRequestID(r),
	}).Debug("Stored encrypted blob")

	if props.ETag != "" {
		w.Header().Set("ETag", props.ETag)
	}
	if !props.LastModified.IsZero() {
		w.Header().Set("Last-Modified", props.LastModified.UTC().Format(http.TimeFormat))
	}
	w.Header().Set("x-ms-request-server-encrypted", "false")
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)

	h.metrics.RecordBackendOperation(h.store.Name(), "upload", container, duration)
	h.metrics.RecordEncryptionOperation("encrypt", duration, props.ContentLength)
	h.metrics.RecordHTTPRequest(r.Method, routeLabel(r), http.StatusCreated, duration, props.ContentLength)
}

// handleHeadBlob returns blob properties with plaintext sizes.
func (h *Handler) handleHeadBlob(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	container := vars["container"]
	blob := vars["blob"]

	ctx := withBlobRef(r.Context(), container, blob)
	props, err := h.store.GetProperties(ctx, container, blob)
	if err != nil {
		h.writeError(w, r, err, "properties", container, blob, start)
		return
	}

	setPropertyHeaders(w.Header(), props)
	w.Header().Set("Accept-Ranges", "bytes")
	if props.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(props.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	duration := time.Since(start)
	h.metrics.RecordBackendOperation(h.store.Name(), "properties", container, duration)
	h.metrics.RecordHTTPRequest(r.Method, routeLabel(r), http.StatusOK, duration, 0)
}

// handleDeleteBlob deletes a blob.
func (h *Handler) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	container := vars["container"]
	blob := vars["blob"]

	err := h.store.Delete(r.Context(), container, blob)
	duration := time.Since(start)
	if h.auditLogger != nil {
		h.auditLogger.LogAccess("delete", container, blob, getClientIP(r), r.UserAgent(), getRequestID(r), err, duration)
	}
	if err != nil {
		h.writeError(w, r, err, "delete", container, blob, start)
		return
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusAccepted)
	h.metrics.RecordBackendOperation(h.store.Name(), "delete", container, duration)
	h.metrics.RecordHTTPRequest(r.Method, routeLabel(r), http.StatusAccepted, duration, 0)
}

// setPropertyHeaders writes blob properties and user metadata headers.
func setPropertyHeaders(h http.Header, props *blobstore.Properties) {
	if props.ContentType != "" {
		h.Set("Content-Type", props.ContentType)
	}
	if props.ETag != "" {
		h.Set("ETag", props.ETag)
	}
	if !props.LastModified.IsZero() {
		h.Set("Last-Modified", props.LastModified.UTC().Format(http.TimeFormat))
	}
	h.Set("x-ms-blob-type", "BlockBlob")
	h.Set("x-ms-client-side-encrypted", strconv.FormatBool(props.Encrypted))
	for k, v := range props.Metadata {
		h.Set(metadataPrefix+k, v)
	}
}

// routeLabel keeps blob names out of metric labels.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	if strings.Count(r.URL.Path, "/") > 1 {
		return "/{container}/{blob}"
	}
	return r.URL.Path
}
