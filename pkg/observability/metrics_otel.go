package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds the OpenTelemetry instruments exported over OTLP next
// to the Prometheus registry
type OTelMetrics struct {
	auditsCreated     metric.Int64Counter
	auditsRejected    metric.Int64Counter
	changedFields     metric.Int64Histogram
	storageOperations metric.Int64Counter
	storageDuration   metric.Float64Histogram
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithProvider(otel.GetMeterProvider())
}

// NewOTelMetricsWithProvider creates the instruments on provider
func NewOTelMetricsWithProvider(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter("github.com/platinummonkey/auditdiff")

	m := &OTelMetrics{}
	var err error

	m.auditsCreated, err = meter.Int64Counter(
		"auditd.audits.created",
		metric.WithDescription("Total number of audit records created"),
		metric.WithUnit("{audit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audits created counter: %w", err)
	}

	m.auditsRejected, err = meter.Int64Counter(
		"auditd.audits.rejected",
		metric.WithDescription("Total number of audit requests rejected before diffing"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audits rejected counter: %w", err)
	}

	m.changedFields, err = meter.Int64Histogram(
		"auditd.audit.changed_fields",
		metric.WithDescription("Number of changed fields per audit record"),
		metric.WithUnit("{field}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 25, 50, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create changed fields histogram: %w", err)
	}

	m.storageOperations, err = meter.Int64Counter(
		"auditd.storage.operations",
		metric.WithDescription("Total number of audit store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage operations counter: %w", err)
	}

	m.storageDuration, err = meter.Float64Histogram(
		"auditd.storage.duration",
		metric.WithDescription("Audit store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage duration histogram: %w", err)
	}

	return m, nil
}

// RecordAuditCreated records one persisted audit and its change count
func (m *OTelMetrics) RecordAuditCreated(ctx context.Context, backend string, changedFields int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	m.auditsCreated.Add(ctx, 1, attrs)
	m.changedFields.Record(ctx, int64(changedFields), attrs)
}

// RecordAuditRejected records a request rejected for reason
func (m *OTelMetrics) RecordAuditRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.auditsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStorageOperation records one store call
func (m *OTelMetrics) RecordStorageOperation(ctx context.Context, operation, backend string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("backend", backend),
		attribute.String("status", status),
	)
	m.storageOperations.Add(ctx, 1, attrs)
	m.storageDuration.Record(ctx, duration.Seconds(), attrs)
}
