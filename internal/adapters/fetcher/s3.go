package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Amund211/urlloader/internal/domain"
	"github.com/Amund211/urlloader/internal/logging"
	"github.com/Amund211/urlloader/internal/reporting"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// S3Client is the subset of *s3.Client used to fetch objects
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Fetcher struct {
	client      S3Client
	maxBodySize int64

	tracer trace.Tracer
}

// NewS3Fetcher fetches s3://bucket/key urls. Objects larger than maxBodySize
// are rejected.
func NewS3Fetcher(client S3Client, maxBodySize int64) (*s3Fetcher, error) {
	if maxBodySize <= 0 {
		return nil, fmt.Errorf("max body size must be positive, got %d", maxBodySize)
	}

	return &s3Fetcher{
		client:      client,
		maxBodySize: maxBodySize,
		tracer:      otel.Tracer("urlloader/fetcher/s3"),
	}, nil
}

// NewS3ClientFromRegion loads the default AWS credential chain for region
func NewS3ClientFromRegion(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

func parseS3Key(key string) (string, string, error) {
	u, err := parseKey(key)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	objectKey := strings.TrimPrefix(u.Path, "/")
	if objectKey == "" {
		return "", "", fmt.Errorf("%w: %q has no object key", ErrUnsupportedScheme, key)
	}
	return u.Host, objectKey, nil
}

func (f *s3Fetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	ctx, span := f.tracer.Start(ctx, "S3Fetcher.Fetch")
	defer span.End()

	bucket, objectKey, err := parseS3Key(key)
	if err != nil {
		return nil, err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var noSuchBucket *types.NoSuchBucket
		if errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) {
			return nil, fmt.Errorf("%w: %w", domain.ErrResourceNotFound, err)
		}

		err := fmt.Errorf("failed to get object: %w", err)
		if ctx.Err() == nil {
			reporting.Report(ctx, err, map[string]string{"bucket": bucket})
		}
		return nil, err
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > f.maxBodySize {
		return nil, fmt.Errorf("%w: object size %d exceeds %d bytes", ErrResponseTooLarge, *out.ContentLength, f.maxBodySize)
	}

	data, err := io.ReadAll(io.LimitReader(out.Body, f.maxBodySize+1))
	if err != nil {
		err := fmt.Errorf("failed to read object body: %w", err)
		if ctx.Err() == nil {
			reporting.Report(ctx, err, map[string]string{"bucket": bucket})
		}
		return nil, err
	}
	if int64(len(data)) > f.maxBodySize {
		return nil, fmt.Errorf("%w: object exceeds %d bytes", ErrResponseTooLarge, f.maxBodySize)
	}

	logging.FromContext(ctx).InfoContext(ctx, "s3 request completed",
		slog.String("bucket", bucket),
		slog.Int("bytes", len(data)),
	)

	return data, nil
}
