// Package archive stores pruned snapshots outside the server database,
// either in an S3-compatible bucket or in a local directory.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver writes one object under key.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// Config selects and configures an archiver.
type Config struct {
	Kind            string // "", "none", "s3" or "dir"
	Dir             string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // S3-compatible endpoint; enables path-style addressing
	AccessKeyID     string
	SecretAccessKey string
}

// New builds the archiver described by cfg. It returns nil when archiving
// is disabled.
func New(ctx context.Context, cfg Config) (Archiver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "none":
		return nil, nil
	case "dir":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive dir is required")
		}
		return &DirArchiver{Root: cfg.Dir}, nil
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive kind %q", cfg.Kind)
	}
}

// Uploader is the subset of the S3 upload manager used here.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver uploads objects to a bucket.
type S3Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
}

// NewS3 loads AWS configuration and returns an archiver for cfg.Bucket.
// Static credentials are used when given, otherwise the default chain.
func NewS3(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithUploader(manager.NewUploader(client), cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithUploader wraps an existing uploader.
func NewS3WithUploader(u Uploader, bucket, prefix string) *S3Archiver {
	return &S3Archiver{uploader: u, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Archive uploads body to prefix/key.
func (a *S3Archiver) Archive(ctx context.Context, key string, body []byte) error {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(path.Join(a.prefix, key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// DirArchiver writes objects as files below Root.
type DirArchiver struct {
	Root string
}

// Archive writes body to Root/key atomically.
func (d *DirArchiver) Archive(_ context.Context, key string, body []byte) error {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return fmt.Errorf("invalid archive key %q", key)
	}
	target := filepath.Join(d.Root, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".archive-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// SnapshotKey is the object key for a pruned snapshot.
func SnapshotKey(userID string, id int64, updatedAt string) string {
	stamp := strings.NewReplacer(":", "", ".", "").Replace(updatedAt)
	return fmt.Sprintf("snapshots/%s/%s-%d.json", userID, stamp, id)
}
