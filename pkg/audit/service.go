package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/auditdiff/pkg/contextkeys"
	"github.com/platinummonkey/auditdiff/pkg/observability"
)

const tracerName = "github.com/platinummonkey/auditdiff/pkg/audit"

// CreateAuditRequest is the input of Service.CreateAudit and the body of
// POST /audit.
type CreateAuditRequest struct {
	Before        Object   `json:"before"`
	After         Object   `json:"after"`
	Origin        string   `json:"origin"`
	UserAgent     string   `json:"userAgent"`
	IgnoredFields []string `json:"ignoredFields,omitempty"`
}

// Validate checks that both states were supplied as JSON objects.
func (r *CreateAuditRequest) Validate() error {
	var missing []string
	if !r.Before.Defined() {
		missing = append(missing, "before")
	}
	if !r.After.Defined() {
		missing = append(missing, "after")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s must be a JSON object", ErrInvalidInput, strings.Join(missing, " and "))
	}
	return nil
}

// Service ties the diff computation to a Store.
type Service struct {
	store   Store
	backend string
	logger  *observability.Logger
	metrics *observability.Metrics
	otel    *observability.OTelMetrics
	tracer  trace.Tracer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used when the request context carries none.
func WithLogger(logger *observability.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *observability.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithOTelMetrics records the same events on OpenTelemetry instruments.
func WithOTelMetrics(metrics *observability.OTelMetrics) ServiceOption {
	return func(s *Service) {
		s.otel = metrics
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// NewService creates a Service backed by store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		backend: BackendName(store),
		logger:  observability.NewLogger(observability.InfoLevel, io.Discard),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAudit diffs the request's states and persists the resulting record.
func (s *Service) CreateAudit(ctx context.Context, req CreateAuditRequest) (*Audit, error) {
	ctx, span := s.tracer.Start(ctx, "audit.CreateAudit",
		trace.WithAttributes(
			attribute.String("audit.origin", req.Origin),
			attribute.String("audit.backend", s.backend),
		),
	)
	defer span.End()

	log := s.loggerFor(ctx)

	if err := req.Validate(); err != nil {
		s.reject(ctx, "invalid_input")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid input")
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"origin":         req.Origin,
		"user_agent":     req.UserAgent,
		"before_fields":  req.Before.Len(),
		"after_fields":   req.After.Len(),
		"ignored_fields": len(req.IgnoredFields),
	}).Debug("Computing audit changes")

	changes := ComputeChanges(req.Before, req.After, NewFieldSet(req.IgnoredFields...))
	span.SetAttributes(attribute.Int("audit.changed_fields", changes.Len()))

	log.WithField("changed_fields", changes.Fields()).Info("Computed audit changes")

	start := time.Now()
	saved, err := s.store.Save(ctx, New(req.Origin, req.UserAgent, changes))
	s.observeStorage(ctx, "save", start, err)
	if err != nil {
		log.WithError(err).Error("Failed to save audit")
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.AuditsCreatedTotal.WithLabelValues(s.backend).Inc()
		s.metrics.AuditChangedFields.Observe(float64(changes.Len()))
	}
	s.otel.RecordAuditCreated(ctx, s.backend, changes.Len())
	span.SetAttributes(attribute.String("audit.id", saved.ID.UUID.String()))
	log.WithField("audit_id", saved.ID.UUID.String()).Info("Audit created")

	return saved, nil
}

// ListAudits returns every stored record in save order.
func (s *Service) ListAudits(ctx context.Context) ([]*Audit, error) {
	ctx, span := s.tracer.Start(ctx, "audit.ListAudits",
		trace.WithAttributes(attribute.String("audit.backend", s.backend)),
	)
	defer span.End()

	start := time.Now()
	audits, err := s.store.ListAll(ctx)
	s.observeStorage(ctx, "list", start, err)
	if err != nil {
		s.loggerFor(ctx).WithError(err).Error("Failed to list audits")
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("audit.count", len(audits)))
	return audits, nil
}

// Backend names the store behind the service.
func (s *Service) Backend() string {
	return s.backend
}

func (s *Service) loggerFor(ctx context.Context) *observability.Logger {
	log := s.logger
	if _, ok := ctx.Value(contextkeys.LoggerKey).(*observability.Logger); ok {
		log = observability.FromContext(ctx)
	} else if requestID := observability.GetRequestID(ctx); requestID != "" {
		log = log.WithField("request_id", requestID)
	}
	return observability.LoggerWithTrace(ctx, log)
}

func (s *Service) reject(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.AuditRejectedTotal.WithLabelValues(reason).Inc()
	}
	s.otel.RecordAuditRejected(ctx, reason)
}

func (s *Service) observeStorage(ctx context.Context, operation string, start time.Time, err error) {
	s.metrics.ObserveStorageOperation(operation, s.backend, start, err, errorType(err))
	s.otel.RecordStorageOperation(ctx, operation, s.backend, time.Since(start), err)
}

func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	case errors.Is(err, ErrAlreadyPersisted):
		return "already_persisted"
	case errors.Is(err, ErrStorageUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}
