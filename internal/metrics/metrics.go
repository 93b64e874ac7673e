package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// Config controls metric label behavior.
type Config struct {
	// EnableBucketLabel records the bucket name as a label. Disable when a
	// deployment spans many buckets and label cardinality matters.
	EnableBucketLabel bool
}

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	cfg      Config
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	s3OperationsTotal   *prometheus.CounterVec
	s3OperationDuration *prometheus.HistogramVec
	s3OperationErrors   *prometheus.CounterVec

	kmsOperationsTotal   *prometheus.CounterVec
	kmsOperationDuration *prometheus.HistogramVec
	kmsOperationErrors   *prometheus.CounterVec

	integrityFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates a metrics instance on the default prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(prometheus.DefaultRegisterer, Config{EnableBucketLabel: true})
}

// NewMetricsWithRegistry creates a metrics instance on the given registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableBucketLabel: true})
}

// NewMetricsWithConfig creates a metrics instance on the given registry with
// explicit label behavior.
func NewMetricsWithConfig(reg prometheus.Registerer, cfg Config) *Metrics {
	return newMetricsWithRegistry(reg, cfg)
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		cfg: cfg,
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
		s3OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operations_total",
				Help: "Total number of S3 operations",
			},
			[]string{"operation", "bucket"},
		),
		s3OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s3_operation_duration_seconds",
				Help:    "S3 operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "bucket"},
		),
		s3OperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operation_errors_total",
				Help: "Total number of S3 operation errors",
			},
			[]string{"operation", "bucket", "error_type"},
		),
		kmsOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_operations_total",
				Help: "Total number of KMS envelope operations",
			},
			[]string{"operation"},
		),
		kmsOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kms_operation_duration_seconds",
				Help:    "KMS envelope operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		kmsOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_operation_errors_total",
				Help: "Total number of KMS envelope operation errors",
			},
			[]string{"operation", "error_type"},
		),
		integrityFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "integrity_check_failures_total",
				Help: "Total number of stored key documents failing integrity verification",
			},
			[]string{"bucket", "check"},
		),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) bucketLabel(bucket string) string {
	if !m.cfg.EnableBucketLabel {
		return "*"
	}
	return bucket
}

// RecordHTTPRequest records an HTTP request against the ops endpoints.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	path = sanitizePathLabel(path)
	labels := []string{method, path, http.StatusText(status)}
	incWithExemplar(ctx, m.httpRequestsTotal, labels)
	observeWithExemplar(ctx, m.httpRequestDuration, labels, duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordS3Operation records a successful S3 operation.
func (m *Metrics) RecordS3Operation(ctx context.Context, operation, bucket string, duration time.Duration) {
	if m == nil {
		return
	}
	labels := []string{operation, m.bucketLabel(bucket)}
	incWithExemplar(ctx, m.s3OperationsTotal, labels)
	observeWithExemplar(ctx, m.s3OperationDuration, labels, duration.Seconds())
}

// RecordS3Error records a failed S3 operation.
func (m *Metrics) RecordS3Error(ctx context.Context, operation, bucket, errorType string) {
	if m == nil {
		return
	}
	incWithExemplar(ctx, m.s3OperationErrors, []string{operation, m.bucketLabel(bucket), errorType})
}

// RecordKMSOperation records a successful KMS envelope operation.
func (m *Metrics) RecordKMSOperation(ctx context.Context, operation string, duration time.Duration) {
	if m == nil {
		return
	}
	incWithExemplar(ctx, m.kmsOperationsTotal, []string{operation})
	observeWithExemplar(ctx, m.kmsOperationDuration, []string{operation}, duration.Seconds())
}

// RecordKMSError records a failed KMS envelope operation.
func (m *Metrics) RecordKMSError(ctx context.Context, operation, errorType string) {
	if m == nil {
		return
	}
	incWithExemplar(ctx, m.kmsOperationErrors, []string{operation, errorType})
}

// RecordIntegrityFailure records a key document that failed checksum
// verification. check names the failed mechanism (etag, metadata, post_store).
func (m *Metrics) RecordIntegrityFailure(ctx context.Context, bucket, check string) {
	if m == nil {
		return
	}
	incWithExemplar(ctx, m.integrityFailuresTotal, []string{m.bucketLabel(bucket), check})
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m != nil && m.gatherer != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// ErrorType maps an error to a low-cardinality label value. AWS API errors
// keep their service error code; everything else collapses to a fixed set.
func ErrorType(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "internal_error"
}

// sanitizePathLabel collapses object paths to one label value per bucket so
// request metrics stay bounded.
func sanitizePathLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	segs := strings.Split(trimmed, "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

func incWithExemplar(ctx context.Context, vec *prometheus.CounterVec, labels []string) {
	c := vec.WithLabelValues(labels...)
	if ex := getExemplar(ctx); ex != nil {
		if adder, ok := c.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, ex)
			return
		}
	}
	c.Inc()
}

func observeWithExemplar(ctx context.Context, vec *prometheus.HistogramVec, labels []string, value float64) {
	o := vec.WithLabelValues(labels...)
	if ex := getExemplar(ctx); ex != nil {
		if observer, ok := o.(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(value, ex)
			return
		}
	}
	o.Observe(value)
}

// getExemplar links metrics to the active trace when one exists.
func getExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
