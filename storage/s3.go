package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/botmarket/settlement"
)

// S3Config configures an S3-backed manifest store.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for MinIO or LocalStack.
	Endpoint string
	// Prefix is an optional key prefix, e.g. "manifests/".
	Prefix string
	// URLBase, when set, is used for returned URLs instead of the
	// standard S3 URL (e.g. a CDN domain).
	URLBase string
}

// S3BlobStore persists manifests in S3 keyed by manifest hash.
type S3BlobStore struct {
	client *s3.Client
	cfg    S3Config
}

var _ settlement.BlobStore = (*S3BlobStore)(nil)

// NewS3BlobStore creates a store from the ambient AWS credential chain.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Path style is required for MinIO and LocalStack.
			o.UsePathStyle = true
		}
	})

	return &S3BlobStore{client: client, cfg: cfg}, nil
}

func (s *S3BlobStore) Store(ctx context.Context, hash string, data []byte) (string, error) {
	key := s.key(hash)

	// Content-addressed keys make re-uploads a no-op.
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return s.URLFor(hash), nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return s.URLFor(hash), nil
}

func (s *S3BlobStore) Retrieve(ctx context.Context, hash string) ([]byte, error) {
	key := s.key(hash)
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", settlement.ErrBlobNotFound, hash)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}

func (s *S3BlobStore) URLFor(hash string) string {
	if s.cfg.URLBase != "" {
		return strings.TrimSuffix(s.cfg.URLBase, "/") + "/" + s.key(hash)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, s.key(hash))
}

func (s *S3BlobStore) key(hash string) string {
	return s.cfg.Prefix + strings.TrimPrefix(hash, "0x") + ".json"
}
