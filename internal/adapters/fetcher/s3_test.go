package fetcher_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/Amund211/urlloader/internal/adapters/fetcher"
	"github.com/Amund211/urlloader/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockedS3Client struct {
	t              *testing.T
	expectedBucket string
	expectedKey    string
	body           string
	contentLength  *int64
	err            error
}

func (m *mockedS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	require.Equal(m.t, m.expectedBucket, aws.ToString(params.Bucket))
	require.Equal(m.t, m.expectedKey, aws.ToString(params.Key))

	if m.err != nil {
		return nil, m.err
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewBufferString(m.body)),
		ContentLength: m.contentLength,
	}, nil
}

func newS3Fetcher(t *testing.T, client fetcher.S3Client, maxBodySize int64) fetcher.Fetcher {
	t.Helper()

	f, err := fetcher.NewS3Fetcher(client, maxBodySize)
	require.NoError(t, err)
	return f
}

func TestNewS3Fetcher(t *testing.T) {
	t.Parallel()

	for _, maxBodySize := range []int64{0, -1} {
		t.Run(fmt.Sprintf("max body size %d", maxBodySize), func(t *testing.T) {
			t.Parallel()

			_, err := fetcher.NewS3Fetcher(&mockedS3Client{t: t}, maxBodySize)
			require.Error(t, err)
		})
	}
}

func TestS3Fetcher(t *testing.T) {
	t.Parallel()

	t.Run("returns the object", func(t *testing.T) {
		t.Parallel()

		client := &mockedS3Client{
			t:              t,
			expectedBucket: "my-bucket",
			expectedKey:    "path/to/object.json",
			body:           `{"hello":"world"}`,
			contentLength:  aws.Int64(17),
		}
		f := newS3Fetcher(t, client, 1024)

		data, err := f.Fetch(context.Background(), "s3://my-bucket/path/to/object.json")
		require.NoError(t, err)
		require.Equal(t, `{"hello":"world"}`, string(data))
	})

	t.Run("missing object", func(t *testing.T) {
		t.Parallel()

		cases := map[string]error{
			"no such key":    &types.NoSuchKey{},
			"no such bucket": &types.NoSuchBucket{},
			"wrapped":        fmt.Errorf("operation error S3: GetObject: %w", &types.NoSuchKey{}),
		}
		for name, clientErr := range cases {
			t.Run(name, func(t *testing.T) {
				t.Parallel()

				client := &mockedS3Client{
					t:              t,
					expectedBucket: "my-bucket",
					expectedKey:    "missing",
					err:            clientErr,
				}
				f := newS3Fetcher(t, client, 1024)

				_, err := f.Fetch(context.Background(), "s3://my-bucket/missing")
				require.ErrorIs(t, err, domain.ErrResourceNotFound)
			})
		}
	})

	t.Run("other client errors", func(t *testing.T) {
		t.Parallel()

		client := &mockedS3Client{
			t:              t,
			expectedBucket: "my-bucket",
			expectedKey:    "object",
			err:            assert.AnError,
		}
		f := newS3Fetcher(t, client, 1024)

		_, err := f.Fetch(context.Background(), "s3://my-bucket/object")
		require.ErrorIs(t, err, assert.AnError)
		require.NotErrorIs(t, err, domain.ErrResourceNotFound)
	})

	t.Run("object too large", func(t *testing.T) {
		t.Parallel()

		t.Run("by content length", func(t *testing.T) {
			t.Parallel()

			client := &mockedS3Client{
				t:              t,
				expectedBucket: "b",
				expectedKey:    "k",
				body:           strings.Repeat("x", 11),
				contentLength:  aws.Int64(11),
			}
			f := newS3Fetcher(t, client, 10)

			_, err := f.Fetch(context.Background(), "s3://b/k")
			require.ErrorIs(t, err, fetcher.ErrResponseTooLarge)
		})

		t.Run("by body", func(t *testing.T) {
			t.Parallel()

			client := &mockedS3Client{
				t:              t,
				expectedBucket: "b",
				expectedKey:    "k",
				body:           strings.Repeat("x", 11),
			}
			f := newS3Fetcher(t, client, 10)

			_, err := f.Fetch(context.Background(), "s3://b/k")
			require.ErrorIs(t, err, fetcher.ErrResponseTooLarge)
		})
	})

	t.Run("invalid keys", func(t *testing.T) {
		t.Parallel()

		f := newS3Fetcher(t, &mockedS3Client{t: t}, 1024)
		for _, key := range []string{"s3://bucket", "s3://bucket/", "https://bucket/key", "bucket/key"} {
			t.Run(key, func(t *testing.T) {
				t.Parallel()

				_, err := f.Fetch(context.Background(), key)
				require.ErrorIs(t, err, fetcher.ErrUnsupportedScheme)
			})
		}
	})
}
