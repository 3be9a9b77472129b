// Package archive uploads job descriptions and task reports to an S3 compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/TFMV/resync/config"
	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/report"
)

// ObjectStore is the subset of *minio.Client used by the archiver.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver copies the artifacts of every outcome to prefix/task/run/ in the bucket.
type Archiver struct {
	client    ObjectStore
	bucket    string
	region    string
	prefix    string
	reportDir string
	logger    *zap.Logger
}

// NewClient creates a minio client from the storage settings.
func NewClient(cfg config.StorageConfig) (*minio.Client, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, core.NewConfigurationError("storage.endpoint", "failed to create object storage client: %v", err)
	}
	return client, nil
}

// New creates an archiver. reportDir, when set, is where report.Writer puts its files.
func New(client ObjectStore, cfg config.StorageConfig, reportDir string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		client:    client,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		reportDir: reportDir,
		logger:    logger,
	}
}

// Name identifies the store in logs.
func (a *Archiver) Name() string { return "archive" }

// EnsureBucket creates the bucket when it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return core.Transient("bucket exists", fmt.Errorf("failed to check bucket %s: %w", a.bucket, err))
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("Created bucket", zap.String("bucket", a.bucket))
	return nil
}

// ObjectName returns the key of name for the outcome.
func (a *Archiver) ObjectName(out core.TaskOutcome, name string) string {
	run := out.RunID
	if run == "" {
		run = "adhoc"
	}
	return path.Join(a.prefix, out.TaskID, run, name)
}

// SaveOutcome uploads the outcome itself, its job files and its reports. Every upload is
// attempted; the errors are joined.
func (a *Archiver) SaveOutcome(ctx context.Context, out core.TaskOutcome) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	var errs []error
	key := a.ObjectName(out, "outcome.json")
	if _, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		errs = append(errs, fmt.Errorf("failed to upload %s: %w", key, err))
	}

	files := append([]string(nil), out.JobFiles...)
	if a.reportDir != "" {
		jsonPath, htmlPath := report.Paths(a.reportDir, out)
		files = append(files, jsonPath, htmlPath)
	}
	uploaded := 1
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			a.logger.Debug("Artifact not found, skipping", zap.String("file", f))
			continue
		}
		key := a.ObjectName(out, filepath.Base(f))
		if _, err := a.client.FPutObject(ctx, a.bucket, key, f, minio.PutObjectOptions{
			ContentType: contentType(f),
		}); err != nil {
			errs = append(errs, fmt.Errorf("failed to upload %s: %w", key, err))
			continue
		}
		uploaded++
	}

	a.logger.Debug("Archived outcome",
		zap.String("task", out.TaskID),
		zap.String("bucket", a.bucket),
		zap.Int("objects", uploaded))
	return errors.Join(errs...)
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".html":
		return "text/html"
	}
	return "application/octet-stream"
}
