package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/resync/config"
	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/report"
)

type fakeObjects struct {
	mu      sync.Mutex
	exists  bool
	made    []string
	objects map[string]string
	failKey string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string]string)}
}

func (f *fakeObjects) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.exists, nil
}

func (f *fakeObjects) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeObjects) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	return f.put(bucket, object, string(data), opts)
}

func (f *fakeObjects) FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	return f.put(bucket, object, string(data), opts)
}

func (f *fakeObjects) put(bucket, object, data string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if object == f.failKey {
		return minio.UploadInfo{}, assert.AnError
	}
	f.objects[bucket+"/"+object] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

// TestObjectName nests objects by task and run under the prefix.
func TestObjectName(t *testing.T) {
	a := New(newFakeObjects(), config.StorageConfig{Bucket: "b", Prefix: "/resync/"}, "", nil)
	assert.Equal(t, "resync/42/run-1/outcome.json", a.ObjectName(core.TaskOutcome{TaskID: "42", RunID: "run-1"}, "outcome.json"))
	assert.Equal(t, "resync/42/adhoc/x.json", a.ObjectName(core.TaskOutcome{TaskID: "42"}, "x.json"))

	bare := New(newFakeObjects(), config.StorageConfig{Bucket: "b"}, "", nil)
	assert.Equal(t, "7/r/a.json", bare.ObjectName(core.TaskOutcome{TaskID: "7", RunID: "r"}, "a.json"))
}

// TestSaveOutcome uploads the outcome, existing job files and reports.
func TestSaveOutcome(t *testing.T) {
	dir := t.TempDir()
	job := filepath.Join(dir, "orders_copy_1.json")
	require.NoError(t, os.WriteFile(job, []byte(`{"job":{}}`), 0o600))

	out := core.TaskOutcome{
		TaskID:   "42",
		RunID:    "run-1",
		Status:   core.StatusSuccess,
		JobFiles: []string{job, filepath.Join(dir, "missing.json")},
	}
	reports := filepath.Join(dir, "reports")
	require.NoError(t, (&report.Writer{Dir: reports}).SaveOutcome(context.Background(), out))

	objects := newFakeObjects()
	a := New(objects, config.StorageConfig{Bucket: "audit", Prefix: "resync"}, reports, nil)
	require.NoError(t, a.SaveOutcome(context.Background(), out))

	assert.Equal(t, map[string]string{
		"audit/resync/42/run-1/outcome.json":       "application/json",
		"audit/resync/42/run-1/orders_copy_1.json": "application/json",
		"audit/resync/42/run-1/42_run-1.json":      "application/json",
		"audit/resync/42/run-1/42_run-1.html":      "text/html",
	}, objects.objects)
}

// TestSaveOutcomeJoinsErrors keeps uploading after a failure.
func TestSaveOutcomeJoinsErrors(t *testing.T) {
	dir := t.TempDir()
	job := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(job, []byte("{}"), 0o600))

	objects := newFakeObjects()
	objects.failKey = "1/r/outcome.json"
	a := New(objects, config.StorageConfig{Bucket: "b"}, "", nil)

	err := a.SaveOutcome(context.Background(), core.TaskOutcome{TaskID: "1", RunID: "r", JobFiles: []string{job}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1/r/outcome.json")
	assert.Contains(t, objects.objects, "b/1/r/a.json")
}

// TestEnsureBucket creates a missing bucket only.
func TestEnsureBucket(t *testing.T) {
	objects := newFakeObjects()
	a := New(objects, config.StorageConfig{Bucket: "b", Region: "us-east-1"}, "", nil)
	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.Equal(t, []string{"b"}, objects.made)

	objects.exists = true
	require.NoError(t, a.EnsureBucket(context.Background()))
	assert.Len(t, objects.made, 1)
}

// TestNewClient accepts scheme-prefixed endpoints.
func TestNewClient(t *testing.T) {
	client, err := NewClient(config.StorageConfig{Endpoint: "http://localhost:9000", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", client.EndpointURL().Host)
}
