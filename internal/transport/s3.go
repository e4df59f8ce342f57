package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/retry"
	"github.com/tanq16/vidq/internal/utils"
)

var ErrInvalidS3URL = errors.New("invalid s3 url")

type s3Client interface {
	manager.DownloadAPIClient
	s3.HeadObjectAPIClient
}

// S3 downloads objects addressed as s3://bucket/key using the SDK's parallel downloader.
type S3 struct {
	profile  string
	partSize int64

	once    sync.Once
	client  s3Client
	initErr error
	log     zerolog.Logger
}

func NewS3(cfg config.S3Config) *S3 {
	partSize := cfg.PartSizeMB * utils.MB
	if partSize <= 0 {
		partSize = manager.DefaultDownloadPartSize
	}
	return &S3{
		profile:  cfg.Profile,
		partSize: partSize,
		log:      utils.GetLogger("s3"),
	}
}

func newS3WithClient(client s3Client) *S3 {
	s := NewS3(config.S3Config{})
	s.once.Do(func() { s.client = client })
	return s
}

func (s *S3) getClient(ctx context.Context) (s3Client, error) {
	s.once.Do(func() {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRetryMaxAttempts(1)}
		if s.profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(s.profile))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			s.initErr = fmt.Errorf("error loading AWS config: %w", err)
			return
		}
		s.client = s3.NewFromConfig(cfg)
	})
	return s.client, s.initErr
}

func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidS3URL, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidS3URL, raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("%w: %s does not name an object", ErrInvalidS3URL, raw)
	}
	return u.Host, key, nil
}

// Stat returns the object size.
func (s *S3) Stat(ctx context.Context, link string) (int64, error) {
	bucket, key, err := parseS3URL(link)
	if err != nil {
		return 0, err
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return 0, err
	}
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, s3Failure("s3 head", err)
	}
	return aws.ToInt64(head.ContentLength), nil
}

func (s *S3) Download(ctx context.Context, job utils.TransferJob) error {
	bucket, key, err := parseS3URL(job.URL)
	if err != nil {
		return err
	}
	size, err := s.Stat(ctx, job.URL)
	if err != nil {
		return err
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}
	tempDir := filepath.Join(filepath.Dir(job.OutputPath), utils.TempDirName)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return retry.Wrap("create temp dir", err)
	}
	tempPath := utils.TempPath(job.OutputPath)
	out, err := os.Create(tempPath)
	if err != nil {
		return retry.Wrap("create temp file", err)
	}
	defer out.Close()

	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = s.partSize
		d.Concurrency = max(job.Connections, 1)
	})
	w := &progressWriterAt{w: out, progress: &counter{total: size, fn: job.Progress}}
	s.log.Debug().Str("bucket", bucket).Str("key", key).Int64("size", size).Msg("starting s3 download")
	n, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Failure("s3 get", err)
	}
	if size > 0 && n != size {
		return fmt.Errorf("size mismatch: expected %d, got %d", size, n)
	}
	if err := out.Sync(); err != nil {
		return retry.Wrap("sync temp file", err)
	}
	out.Close()
	return retry.Wrap("finalize output", os.Rename(tempPath, job.OutputPath))
}

type writerAt interface {
	WriteAt(p []byte, off int64) (int, error)
}

type progressWriterAt struct {
	w        writerAt
	progress *counter
}

func (p *progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.w.WriteAt(b, off)
	if n > 0 {
		p.progress.add(int64(n))
	}
	return n, err
}

func s3Failure(op string, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 400 {
		f := retry.HTTPStatusFailure(op, respErr.HTTPStatusCode())
		f.Err = err
		return f
	}
	return retry.Wrap(op, err)
}
