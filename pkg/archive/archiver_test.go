package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditdiff/pkg/audit"
	"github.com/platinummonkey/auditdiff/pkg/observability"
)

type putCall struct {
	input *s3.PutObjectInput
	body  []byte
}

type mockPutter struct {
	mu    sync.Mutex
	calls []putCall
	err   error
}

func (m *mockPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, putCall{input: params, body: body})
	if m.err != nil {
		return nil, m.err
	}
	return &s3.PutObjectOutput{}, nil
}

type failingStore struct{}

func (failingStore) Save(context.Context, *audit.Audit) (*audit.Audit, error) {
	return nil, audit.ErrStorageUnavailable
}

func (failingStore) ListAll(context.Context) ([]*audit.Audit, error) {
	return nil, audit.ErrStorageUnavailable
}

var fixedTime = time.Date(2026, 3, 14, 15, 9, 26, 0, time.FixedZone("PDT", -7*60*60))

func seededStore(t *testing.T, n int) *audit.MemoryStore {
	t.Helper()
	store := audit.NewMemoryStore()
	for i := 0; i < n; i++ {
		changes := audit.ComputeChanges(audit.ObjectOf("count", i), audit.ObjectOf("count", i+1), nil)
		_, err := store.Save(context.Background(), audit.New("o", "ua", changes))
		require.NoError(t, err)
	}
	return store
}

func TestNewArchiver_Validation(t *testing.T) {
	store := audit.NewMemoryStore()
	putter := &mockPutter{}

	_, err := NewArchiver(nil, putter, "bucket")
	assert.Error(t, err)

	_, err = NewArchiver(store, nil, "bucket")
	assert.Error(t, err)

	_, err = NewArchiver(store, putter, "")
	assert.Error(t, err)

	a, err := NewArchiver(store, putter, "bucket")
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestArchiver_Key(t *testing.T) {
	a, err := NewArchiver(audit.NewMemoryStore(), &mockPutter{}, "bucket")
	require.NoError(t, err)
	assert.Equal(t, "audits-20260314T220926Z.ndjson", a.Key(fixedTime))

	a, err = NewArchiver(audit.NewMemoryStore(), &mockPutter{}, "bucket", WithPrefix("snapshots/prod/"))
	require.NoError(t, err)
	assert.Equal(t, "snapshots/prod/audits-20260314T220926Z.ndjson", a.Key(fixedTime))
}

func TestArchiver_Run(t *testing.T) {
	store := seededStore(t, 3)
	putter := &mockPutter{}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	logger, hook := logtest.NewNullLogger()

	a, err := NewArchiver(store, putter, "audit-archive",
		WithPrefix("prod"),
		WithClock(func() time.Time { return fixedTime }),
		WithMetrics(metrics),
		WithLogger(logger),
	)
	require.NoError(t, err)

	result, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "prod/audits-20260314T220926Z.ndjson", result.Key)
	assert.Equal(t, 3, result.Records)

	require.Len(t, putter.calls, 1)
	call := putter.calls[0]
	assert.Equal(t, "audit-archive", aws.ToString(call.input.Bucket))
	assert.Equal(t, result.Key, aws.ToString(call.input.Key))
	assert.Equal(t, ContentType, aws.ToString(call.input.ContentType))
	assert.Equal(t, "3", call.input.Metadata["record-count"])
	assert.Equal(t, len(call.body), result.Bytes)

	hash := sha256.Sum256(call.body)
	assert.Equal(t, hex.EncodeToString(hash[:]), result.Checksum)
	assert.Equal(t, result.Checksum, call.input.Metadata["checksum-sha256"])

	listed, err := store.ListAll(context.Background())
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(call.body))
	i := 0
	for scanner.Scan() {
		got, err := audit.FromJSON(scanner.Bytes())
		require.NoError(t, err)
		assert.Equal(t, listed[i].ID, got.ID)
		i++
	}
	assert.Equal(t, 3, i)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ArchiveRunsTotal.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ArchiveRecordsTotal))

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, result.Key, hook.LastEntry().Data["key"])
}

func TestArchiver_Run_EmptyStore(t *testing.T) {
	putter := &mockPutter{}
	a, err := NewArchiver(audit.NewMemoryStore(), putter, "bucket")
	require.NoError(t, err)

	result, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Records)
	require.Len(t, putter.calls, 1)
	assert.Empty(t, putter.calls[0].body)
}

func TestArchiver_Run_UploadFailure(t *testing.T) {
	putter := &mockPutter{err: errors.New("access denied")}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	logger, hook := logtest.NewNullLogger()

	a, err := NewArchiver(seededStore(t, 1), putter, "bucket", WithMetrics(metrics), WithLogger(logger))
	require.NoError(t, err)

	_, err = a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload to s3")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ArchiveRunsTotal.WithLabelValues("failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ArchiveRecordsTotal))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestArchiver_Run_StoreFailure(t *testing.T) {
	putter := &mockPutter{}
	a, err := NewArchiver(failingStore{}, putter, "bucket", WithLogger(logrus.New()))
	require.NoError(t, err)

	_, err = a.Run(context.Background())
	assert.ErrorIs(t, err, audit.ErrStorageUnavailable)
	assert.Empty(t, putter.calls)
}

func TestIsBucketAlreadyExistsError(t *testing.T) {
	assert.True(t, isBucketAlreadyExistsError(&types.BucketAlreadyExists{}))
	assert.True(t, isBucketAlreadyExistsError(&types.BucketAlreadyOwnedByYou{}))
	assert.False(t, isBucketAlreadyExistsError(errors.New("BucketAlreadyExists")))
	assert.False(t, isBucketAlreadyExistsError(nil))
}
