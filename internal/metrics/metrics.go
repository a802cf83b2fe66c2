package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	buildInfo              *prometheus.GaugeVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	httpRequestBytes       *prometheus.CounterVec
	backendOperationsTotal *prometheus.CounterVec
	backendDuration        *prometheus.HistogramVec
	backendErrors          *prometheus.CounterVec
	encryptionOperations   *prometheus.CounterVec
	encryptionDuration     *prometheus.HistogramVec
	encryptionErrors       *prometheus.CounterVec
	encryptionBytes        *prometheus.CounterVec
	keyOperations          *prometheus.CounterVec
	keyOperationDuration   *prometheus.HistogramVec
	resolverLookups        *prometheus.CounterVec
	rangeRequests          *prometheus.CounterVec
	activeConnections      prometheus.Gauge
	goroutines             prometheus.Gauge
	memoryAllocBytes       prometheus.Gauge
	memorySysBytes         prometheus.Gauge
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// When reg is also a Gatherer, Handler serves it.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	return &Metrics{
		gatherer: gatherer,
		buildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blob_gateway_build_info",
				Help: "Build information of the running gateway",
			},
			[]string{"version", "revision", "goversion"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		backendOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_operations_total",
				Help: "Total number of blob storage operations",
			},
			[]string{"backend", "operation", "container"},
		),
		backendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_operation_duration_seconds",
				Help:    "Blob storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation", "container"},
		),
		backendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_operation_errors_total",
				Help: "Total number of blob storage operation errors",
			},
			[]string{"backend", "operation", "container", "error_type"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		keyOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_operations_total",
				Help: "Total number of content key wrap/unwrap operations",
			},
			[]string{"operation", "algorithm", "result"},
		),
		keyOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "key_operation_duration_seconds",
				Help:    "Content key wrap/unwrap duration in seconds",
				Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "algorithm"},
		),
		resolverLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_resolver_cache_lookups_total",
				Help: "Key resolver cache lookups by result",
			},
			[]string{"result"},
		),
		rangeRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "range_requests_total",
				Help: "Ranged downloads by whether a self-IV block was needed",
			},
			[]string{"self_iv"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// SetVersion publishes the build version.
func (m *Metrics) SetVersion(v string) {
	if v != "" {
		version.Version = v
	}
	m.buildInfo.Reset()
	m.buildInfo.WithLabelValues(version.Version, version.Revision, version.GoVersion).Set(1)
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordBackendOperation records a blob storage operation.
func (m *Metrics) RecordBackendOperation(backend, operation, container string, duration time.Duration) {
	m.backendOperationsTotal.WithLabelValues(backend, operation, container).Inc()
	m.backendDuration.WithLabelValues(backend, operation, container).Observe(duration.Seconds())
}

// RecordBackendError records a blob storage operation error.
func (m *Metrics) RecordBackendError(backend, operation, container, errorType string) {
	m.backendErrors.WithLabelValues(backend, operation, container, errorType).Inc()
}

// RecordEncryptionOperation records an encryption operation metric.
func (m *Metrics) RecordEncryptionOperation(operation string, duration time.Duration, bytes int64) {
	m.encryptionOperations.WithLabelValues(operation).Inc()
	m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordKeyOperation records a wrap or unwrap of a content key.
func (m *Metrics) RecordKeyOperation(operation, algorithm string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.keyOperations.WithLabelValues(operation, algorithm, result).Inc()
	m.keyOperationDuration.WithLabelValues(operation, algorithm).Observe(duration.Seconds())
}

// RecordResolverLookup records a key resolver cache hit or miss.
func (m *Metrics) RecordResolverLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.resolverLookups.WithLabelValues(result).Inc()
}

// RecordRangeRequest records a ranged download.
func (m *Metrics) RecordRangeRequest(selfIV bool) {
	m.rangeRequests.WithLabelValues(strconv.FormatBool(selfIV)).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector periodically updates system metrics until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
