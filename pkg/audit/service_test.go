package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platinummonkey/auditdiff/pkg/observability"
)

// failingStore returns err from every call
type failingStore struct {
	err error
}

func (f *failingStore) Save(ctx context.Context, a *Audit) (*Audit, error) {
	return nil, f.err
}

func (f *failingStore) ListAll(ctx context.Context) ([]*Audit, error) {
	return nil, f.err
}

func validRequest() CreateAuditRequest {
	return CreateAuditRequest{
		Before:    ObjectOf("name", "Alice", "age", 30, "updatedAt", "t1"),
		After:     ObjectOf("name", "Alice", "age", 31, "updatedAt", "t2"),
		Origin:    "https://app.example",
		UserAgent: "curl/8.0",
		IgnoredFields: []string{
			"updatedAt",
		},
	}
}

func TestService_CreateAudit(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)

	created, err := svc.CreateAudit(context.Background(), validRequest())
	require.NoError(t, err)

	assert.True(t, created.Persisted())
	assert.Equal(t, "https://app.example", created.Origin)
	assert.Equal(t, "curl/8.0", created.UserAgent)
	assert.Equal(t, []string{"age"}, created.Changes.Fields())

	audits, err := svc.ListAudits(context.Background())
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, created.ID, audits[0].ID)
}

func TestService_CreateAudit_InvalidInput(t *testing.T) {
	svc := NewService(NewMemoryStore())

	tests := []struct {
		name string
		req  CreateAuditRequest
	}{
		{"missing before", CreateAuditRequest{After: NewObject()}},
		{"missing after", CreateAuditRequest{Before: NewObject()}},
		{"missing both", CreateAuditRequest{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateAudit(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestService_CreateAudit_EmptyStates(t *testing.T) {
	svc := NewService(NewMemoryStore())

	created, err := svc.CreateAudit(context.Background(), CreateAuditRequest{
		Before: NewObject(),
		After:  NewObject(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, created.Changes.Len())
}

func TestService_StorageFailurePropagates(t *testing.T) {
	backendErr := fmt.Errorf("%w: connection refused", ErrStorageUnavailable)
	svc := NewService(&failingStore{err: backendErr})

	_, err := svc.CreateAudit(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = svc.ListAudits(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestService_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	svc := NewService(NewMemoryStore(), WithMetrics(metrics))
	ctx := context.Background()

	_, err := svc.CreateAudit(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.CreateAudit(ctx, CreateAuditRequest{})
	require.Error(t, err)
	_, err = svc.ListAudits(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditsCreatedTotal.WithLabelValues("memory")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditRejectedTotal.WithLabelValues("invalid_input")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("save", "memory", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("list", "memory", "success")))
}

func TestService_MetricsOnStorageError(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	svc := NewService(&failingStore{err: fmt.Errorf("%w: down", ErrStorageUnavailable)}, WithMetrics(metrics))

	_, err := svc.CreateAudit(context.Background(), validRequest())
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StorageErrorsTotal.WithLabelValues("save", "custom", "unavailable")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.AuditsCreatedTotal.WithLabelValues("custom")))
}

func TestService_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	svc := NewService(&failingStore{err: errors.New("boom")}, WithTracer(provider.Tracer("test")))

	_, err := svc.CreateAudit(context.Background(), validRequest())
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "audit.CreateAudit", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestService_LogsChanges(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.DebugLevel, &buf)
	svc := NewService(NewMemoryStore(), WithLogger(logger))

	ctx := observability.WithRequestID(context.Background(), "req-42")
	_, err := svc.CreateAudit(ctx, validRequest())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Computing audit changes")
	assert.Contains(t, out, "Computed audit changes")
	assert.Contains(t, out, `"request_id":"req-42"`)
	assert.Contains(t, out, `"changed_fields":["age"]`)
}

func TestService_LogsTraceContext(t *testing.T) {
	var buf bytes.Buffer
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	svc := NewService(NewMemoryStore(),
		WithLogger(observability.NewLogger(observability.InfoLevel, &buf)),
		WithTracer(provider.Tracer("test")),
	)

	_, err := svc.CreateAudit(context.Background(), validRequest())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Contains(t, buf.String(), `"trace_id":"`+spans[0].SpanContext().TraceID().String()+`"`)
}

func TestService_OTelMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	otelMetrics, err := observability.NewOTelMetricsWithProvider(provider)
	require.NoError(t, err)

	svc := NewService(NewMemoryStore(), WithOTelMetrics(otelMetrics))
	_, err = svc.CreateAudit(context.Background(), validRequest())
	require.NoError(t, err)
	_, err = svc.CreateAudit(context.Background(), CreateAuditRequest{})
	require.ErrorIs(t, err, ErrInvalidInput)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["auditd.audits.created"])
	assert.True(t, names["auditd.audits.rejected"])
	assert.True(t, names["auditd.storage.operations"])
}
