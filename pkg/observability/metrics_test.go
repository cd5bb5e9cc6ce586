package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates and registers all metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		if metrics == nil {
			t.Fatal("NewMetrics returned nil")
		}

		if metrics.HTTPRequestsTotal == nil {
			t.Error("HTTPRequestsTotal is nil")
		}
		if metrics.HTTPRequestDuration == nil {
			t.Error("HTTPRequestDuration is nil")
		}
		if metrics.StorageOperationsTotal == nil {
			t.Error("StorageOperationsTotal is nil")
		}
		if metrics.StorageErrorsTotal == nil {
			t.Error("StorageErrorsTotal is nil")
		}
		if metrics.AuditsCreatedTotal == nil {
			t.Error("AuditsCreatedTotal is nil")
		}
		if metrics.AuditChangedFields == nil {
			t.Error("AuditChangedFields is nil")
		}
		if metrics.AuditRejectedTotal == nil {
			t.Error("AuditRejectedTotal is nil")
		}
		if metrics.ArchiveRunsTotal == nil {
			t.Error("ArchiveRunsTotal is nil")
		}
		if metrics.ArchiveRecordsTotal == nil {
			t.Error("ArchiveRecordsTotal is nil")
		}
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)

		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic when registering metrics twice")
			}
		}()
		NewMetrics(registry)
	})
}

func TestMetrics_ObserveStorageOperation(t *testing.T) {
	t.Run("records success", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())

		metrics.ObserveStorageOperation("save", "postgres", time.Now(), nil, "")

		expected := `
# HELP auditd_storage_operations_total Total number of storage operations
# TYPE auditd_storage_operations_total counter
auditd_storage_operations_total{backend="postgres",operation="save",status="success"} 1
`
		if err := testutil.CollectAndCompare(metrics.StorageOperationsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected counter value: %v", err)
		}
		if count := testutil.CollectAndCount(metrics.StorageErrorsTotal); count != 0 {
			t.Errorf("Expected no error series, got %d", count)
		}
		if count := testutil.CollectAndCount(metrics.StorageOperationDuration); count != 1 {
			t.Errorf("Expected 1 duration series, got %d", count)
		}
	})

	t.Run("records errors by type", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())

		metrics.ObserveStorageOperation("list", "redis", time.Now(), errors.New("boom"), "unavailable")
		metrics.ObserveStorageOperation("list", "redis", time.Now(), errors.New("boom"), "unavailable")

		if got := testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("list", "redis", "error")); got != 2 {
			t.Errorf("Expected 2 failed operations, got %v", got)
		}
		if got := testutil.ToFloat64(metrics.StorageErrorsTotal.WithLabelValues("list", "redis", "unavailable")); got != 2 {
			t.Errorf("Expected 2 errors, got %v", got)
		}
	})

	t.Run("nil metrics is a no-op", func(t *testing.T) {
		var metrics *Metrics
		metrics.ObserveStorageOperation("save", "memory", time.Now(), nil, "")
	})
}

func TestMetrics_AuditMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.AuditsCreatedTotal.WithLabelValues("memory").Inc()
	metrics.AuditChangedFields.Observe(3)
	metrics.AuditRejectedTotal.WithLabelValues("invalid_input").Inc()

	if got := testutil.ToFloat64(metrics.AuditsCreatedTotal.WithLabelValues("memory")); got != 1 {
		t.Errorf("Expected 1 created audit, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.AuditRejectedTotal.WithLabelValues("invalid_input")); got != 1 {
		t.Errorf("Expected 1 rejected audit, got %v", got)
	}
	if count := testutil.CollectAndCount(metrics.AuditChangedFields); count != 1 {
		t.Errorf("Expected 1 changed-fields series, got %d", count)
	}
}

func TestResponseWriter(t *testing.T) {
	t.Run("captures status code", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{
			ResponseWriter: recorder,
			statusCode:     http.StatusOK,
		}

		rw.WriteHeader(http.StatusCreated)

		if rw.statusCode != http.StatusCreated {
			t.Errorf("Expected status code %d, got %d", http.StatusCreated, rw.statusCode)
		}
		if recorder.Code != http.StatusCreated {
			t.Errorf("Expected recorder status code %d, got %d", http.StatusCreated, recorder.Code)
		}
	})

	t.Run("accumulates bytes across multiple writes", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{
			ResponseWriter: recorder,
			statusCode:     http.StatusOK,
		}

		rw.Write([]byte("Hello, "))
		rw.Write([]byte("World!"))

		expected := len("Hello, ") + len("World!")
		if rw.bytesWritten != expected {
			t.Errorf("Expected %d bytes written, got %d", expected, rw.bytesWritten)
		}
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	t.Run("records HTTP metrics", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"x"}`))
		}))

		req := httptest.NewRequest(http.MethodPost, "/audit", strings.NewReader(`{"before":{},"after":{}}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		expected := `
# HELP auditd_http_requests_total Total number of HTTP requests
# TYPE auditd_http_requests_total counter
auditd_http_requests_total{method="POST",path="/audit",status="201"} 1
`
		if err := testutil.CollectAndCompare(metrics.HTTPRequestsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected counter value: %v", err)
		}
		if count := testutil.CollectAndCount(metrics.HTTPRequestSize); count != 1 {
			t.Errorf("Expected 1 request size series, got %d", count)
		}
		if count := testutil.CollectAndCount(metrics.HTTPResponseSize); count != 1 {
			t.Errorf("Expected 1 response size series, got %d", count)
		}
	})

	t.Run("skips request size without a body", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "[]")
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/audit", nil))

		if count := testutil.CollectAndCount(metrics.HTTPRequestSize); count != 0 {
			t.Errorf("Expected no request size series, got %d", count)
		}
		if got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/audit", "200")); got != 1 {
			t.Errorf("Expected implicit 200 to be recorded, got %v", got)
		}
	})
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.AuditsCreatedTotal.WithLabelValues("sqlite").Add(42)
	metrics.HTTPRequestsTotal.WithLabelValues("GET", "/audit", "200").Inc()

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `auditd_audits_created_total{backend="sqlite"} 42`) {
		t.Error("Expected auditd_audits_created_total value to be 42")
	}
	if !strings.Contains(body, "auditd_http_requests_total") {
		t.Error("Expected auditd_http_requests_total in metrics output")
	}
}

func TestPushMetrics(t *testing.T) {
	t.Run("pushes gathered metrics for the job", func(t *testing.T) {
		var (
			method string
			path   string
			body   string
		)
		gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			path = r.URL.Path
			data, _ := io.ReadAll(r.Body)
			body = string(data)
			w.WriteHeader(http.StatusOK)
		}))
		defer gateway.Close()

		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)
		metrics.ArchiveRunsTotal.WithLabelValues("success").Inc()
		metrics.ArchiveRecordsTotal.Add(7)

		if err := PushMetrics(context.Background(), gateway.URL, "auditd_archiver", registry); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if method != http.MethodPut {
			t.Errorf("Expected PUT, got %s", method)
		}
		if path != "/metrics/job/auditd_archiver" {
			t.Errorf("Unexpected push path %s", path)
		}
		if !strings.Contains(body, "auditd_archive_records_total") {
			t.Error("Expected archive metrics in pushed body")
		}
	})

	t.Run("reports gateway errors", func(t *testing.T) {
		gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer gateway.Close()

		registry := prometheus.NewRegistry()
		NewMetrics(registry)

		err := PushMetrics(context.Background(), gateway.URL, "auditd_archiver", registry)
		if err == nil || !strings.Contains(err.Error(), "failed to push metrics") {
			t.Errorf("Expected push error, got %v", err)
		}
	})
}
