// Package archive copies the full audit listing to S3 as NDJSON snapshots.
//
// A snapshot is a point-in-time copy; nothing is ever removed from the
// store or the bucket.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/auditdiff/pkg/audit"
	"github.com/platinummonkey/auditdiff/pkg/observability"
)

// ContentType is the media type of uploaded snapshots
const ContentType = "application/x-ndjson"

const keyTimeFormat = "20060102T150405Z"

var tracer = otel.Tracer("github.com/platinummonkey/auditdiff/pkg/archive")

// Result describes one uploaded snapshot
type Result struct {
	Key      string
	Records  int
	Bytes    int
	Checksum string
}

// Archiver uploads snapshots of a store to one bucket
type Archiver struct {
	store    audit.Store
	uploader ObjectPutter
	bucket   string
	prefix   string
	log      *logrus.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures an Archiver
type Option func(*Archiver)

// WithPrefix sets the key prefix, e.g. "audits/prod"
func WithPrefix(prefix string) Option {
	return func(a *Archiver) {
		a.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(a *Archiver) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMetrics records run outcomes and archived record counts
func WithMetrics(metrics *observability.Metrics) Option {
	return func(a *Archiver) {
		a.metrics = metrics
	}
}

// WithClock replaces time.Now for key generation
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		a.now = now
	}
}

// NewArchiver creates an Archiver
func NewArchiver(store audit.Store, uploader ObjectPutter, bucket string, opts ...Option) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	if uploader == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	a := &Archiver{
		store:    store,
		uploader: uploader,
		bucket:   bucket,
		log:      logrus.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Key returns the object key for a snapshot taken at t
func (a *Archiver) Key(t time.Time) string {
	name := "audits-" + t.UTC().Format(keyTimeFormat) + ".ndjson"
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Run lists the store and uploads the listing as one NDJSON object
func (a *Archiver) Run(ctx context.Context) (*Result, error) {
	key := a.Key(a.now())

	ctx, span := tracer.Start(ctx, "Archiver.Run",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.String("audit.backend", audit.BackendName(a.store)),
		),
	)
	defer span.End()

	result, err := a.run(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive run failed")
		a.recordRun("failure", 0)
		a.log.WithError(err).WithField("key", key).Error("Audit archive failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("audit.count", result.Records),
		attribute.Int("content.size", result.Bytes),
	)
	a.recordRun("success", result.Records)
	a.log.WithFields(logrus.Fields{
		"key":     result.Key,
		"records": result.Records,
		"bytes":   result.Bytes,
	}).Info("Audit archive uploaded")
	return result, nil
}

func (a *Archiver) run(ctx context.Context, key string) (*Result, error) {
	audits, err := a.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}

	var buf bytes.Buffer
	if err := audit.WriteNDJSON(&buf, audits); err != nil {
		return nil, fmt.Errorf("failed to encode audits: %w", err)
	}
	data := buf.Bytes()

	hash := sha256.Sum256(data)
	checksum := hex.EncodeToString(hash[:])

	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(ContentType),
		Metadata: map[string]string{
			"checksum-sha256": checksum,
			"record-count":    strconv.Itoa(len(audits)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to s3: %w", err)
	}

	return &Result{
		Key:      key,
		Records:  len(audits),
		Bytes:    len(data),
		Checksum: checksum,
	}, nil
}

func (a *Archiver) recordRun(status string, records int) {
	if a.metrics == nil {
		return
	}
	a.metrics.ArchiveRunsTotal.WithLabelValues(status).Inc()
	a.metrics.ArchiveRecordsTotal.Add(float64(records))
}
