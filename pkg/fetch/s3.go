package fetch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// DownloaderConfig configures the S3 Download Manager.
type DownloaderConfig struct {
	// Concurrency is the number of concurrent download parts.
	// Default: max(4, NumCPU), capped at 16.
	Concurrency int

	// PartSize is the size of each download part in bytes.
	// Default: 16MB. Higher values use more memory but may improve throughput.
	PartSize int64
}

// DefaultDownloaderConfig returns sensible defaults based on the current machine.
func DefaultDownloaderConfig() DownloaderConfig {
	concurrency := min(max(runtime.NumCPU(), 4), 16)
	return DownloaderConfig{
		Concurrency: concurrency,
		PartSize:    16 * 1024 * 1024,
	}
}

// S3Remote serves archives mirrored into an S3 bucket under a key prefix.
type S3Remote struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Remote creates a remote for an s3://bucket/prefix URI using the
// default AWS credential chain.
func NewS3Remote(ctx context.Context, uri string, cfg DownloaderConfig) (*S3Remote, error) {
	bucket, prefix, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3RemoteWithClient(s3.NewFromConfig(awsCfg), bucket, prefix, cfg), nil
}

// NewS3RemoteWithClient creates a remote from an existing S3 client.
func NewS3RemoteWithClient(client *s3.Client, bucket, prefix string, cfg DownloaderConfig) *S3Remote {
	def := DefaultDownloaderConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}
	mgr := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.Concurrency = cfg.Concurrency
		d.PartSize = cfg.PartSize
		d.BufferProvider = manager.NewPooledBufferedWriterReadFromProvider(int(cfg.PartSize))
	})
	return &S3Remote{
		client:     client,
		downloader: mgr,
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
	}
}

func (r *S3Remote) key(filename string) string {
	if r.prefix == "" {
		return filename
	}
	return path.Join(r.prefix, filename)
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// Exists issues a HeadObject request.
func (r *S3Remote) Exists(ctx context.Context, filename string) (bool, error) {
	key := r.key(filename)
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object s3://%s/%s: %w", r.bucket, key, err)
	}
	return true, nil
}

// Download fetches the object with parallel ranged GETs into dst.
func (r *S3Remote) Download(ctx context.Context, filename string, dst Destination) (int64, error) {
	key := r.key(filename)
	n, err := r.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, fmt.Errorf("download s3://%s/%s: %w", r.bucket, key, ErrNotFound)
		}
		return n, fmt.Errorf("download s3://%s/%s: %w", r.bucket, key, err)
	}
	return n, nil
}

// ParseS3URI parses an S3 URI (s3://bucket/prefix) into bucket and prefix components.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}

	rest := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix, nil
}
