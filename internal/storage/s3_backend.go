package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const DefaultSignedURLExpiry = time.Hour

type S3Api interface {
	manager.UploadAPIClient

	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type S3BackendConfig struct {
	Client S3ClientConfig

	Bucket string
	// PublicURL, when set, is used as a base for permanent object URLs
	// (CDN, public bucket). Otherwise presigned URLs are returned.
	PublicURL       string
	SignedURLExpiry time.Duration
	CacheControl    string
}

type S3Backend struct {
	client    S3Api
	uploader  *manager.Uploader
	presigner Presigner
	cfg       S3BackendConfig
	now       func() time.Time
}

var _ Backend = (*S3Backend)(nil)

func NewS3Backend(ctx context.Context, cfg S3BackendConfig) (*S3Backend, error) {
	client, err := initializeS3Client(ctx, cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize s3 client: %w", err)
	}

	return NewS3BackendFromClient(client, s3.NewPresignClient(client), cfg), nil
}

func NewS3BackendFromClient(client S3Api, presigner Presigner, cfg S3BackendConfig) *S3Backend {
	if cfg.SignedURLExpiry <= 0 {
		cfg.SignedURLExpiry = DefaultSignedURLExpiry
	}

	return &S3Backend{
		client:    client,
		uploader:  manager.NewUploader(client),
		presigner: presigner,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *S3Backend) Name() string {
	return BackendS3
}

func (s *S3Backend) Bucket() string {
	return s.cfg.Bucket
}

// CheckBucket verifies the bucket is reachable with the configured credentials.
func (s *S3Backend) CheckBucket(ctx context.Context) error {
	return headBucket(ctx, s.client, s.cfg.Bucket)
}

func (s *S3Backend) Store(ctx context.Context, srcPath, jobId string) (string, error) {
	file, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	filename := filepath.Base(srcPath)
	key := ObjectKey(jobId, filename, s.now())
	contentType := ContentType(filename)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
	}
	if s.cfg.CacheControl != "" {
		input.CacheControl = aws.String(s.cfg.CacheControl)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload object %s to s3://%s/%s: %w", filename, s.cfg.Bucket, key, err)
	}

	url, err := s.objectURL(ctx, key)
	if err != nil {
		return "", err
	}

	slog.Info("object uploaded successfully", "bucket", s.cfg.Bucket, "key", key, "content_type", contentType, "url", RedactURL(url))

	return url, nil
}

func (s *S3Backend) objectURL(ctx context.Context, key string) (string, error) {
	if s.cfg.PublicURL != "" {
		return publicObjectURL(s.cfg.PublicURL, key), nil
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.SignedURLExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign url for s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}

	return req.URL, nil
}
