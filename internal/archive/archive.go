// Package archive keeps a history of load summaries in an object store. The
// definition store only retains the latest summary per pipeline; the archive
// gives operators everything before that. Writes are best-effort: failures
// are logged and never reach the load path.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gatefeed/pipeline-core/internal/pipeline"
)

// Config configures the summary archive.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// Enabled reports whether the archive is configured at all.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != ""
}

// SummaryArchive appends one object per persisted load summary.
type SummaryArchive struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// New connects to the object store and ensures the bucket exists. Returns
// nil (no archive) when the config is empty; callers treat a nil archive as
// disabled.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*SummaryArchive, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "pipeline-summaries"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &SummaryArchive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

func (a *SummaryArchive) key(pipelineID string, at time.Time) string {
	key := fmt.Sprintf("summaries/%s/%d.json", pipelineID, at.UnixNano())
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	return key
}

// Append archives one summary. Nil-receiver safe so callers need no
// enabled-check; errors are logged, not returned.
func (a *SummaryArchive) Append(ctx context.Context, pipelineID string, summary *pipeline.LoadSummary) {
	if a == nil || summary == nil {
		return
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		a.logger.Error("encoding summary for archive", "pipeline", pipelineID, "error", err)
		return
	}
	key := a.key(pipelineID, summary.FinishedAt)
	_, err = a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		a.logger.Error("archiving summary", "pipeline", pipelineID, "error", err)
	}
}

// List returns the archived object keys for one pipeline, oldest first.
func (a *SummaryArchive) List(ctx context.Context, pipelineID string) ([]string, error) {
	if a == nil {
		return nil, nil
	}
	prefix := fmt.Sprintf("summaries/%s/", pipelineID)
	if a.prefix != "" {
		prefix = a.prefix + "/" + prefix
	}
	var keys []string
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}
