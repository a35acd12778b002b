// Package storage fetches catalog-referenced images that live in S3
// (`s3://bucket/key` URLs).
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/letrecovery/recoverykit/pkg/errors"
)

// ObjectAPI is the subset of the S3 client used here.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	api ObjectAPI
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, region string) (*Client, error) {
	slog.Info("s3_client_init", "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{api: s3.NewFromConfig(cfg)}, nil
}

// NewClientWithAPI wraps an existing client; tests pass a fake.
func NewClientWithAPI(api ObjectAPI) *Client {
	return &Client{api: api}
}

// ParseURL splits s3://bucket/key.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Wrap(err, "invalid s3 url")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url has no object key: %s", raw)
	}
	return u.Host, key, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	SHA256 string
	Size   int64
}

// Download streams the object at rawURL into w, calling onSize once the
// object's length is known, and computes its SHA256.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer, onSize func(int64)) (*DownloadResult, error) {
	bucket, key, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	slog.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	if onSize != nil {
		onSize(aws.ToInt64(result.ContentLength))
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(w, hash), result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download object")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete",
		"s3_key", key,
		"size_mb", size/1024/1024,
		"sha256", checksum[:16]+"...",
	)
	return &DownloadResult{SHA256: checksum, Size: size}, nil
}

// Size returns the object's length without downloading it.
func (c *Client) Size(ctx context.Context, rawURL string) (int64, error) {
	bucket, key, err := ParseURL(rawURL)
	if err != nil {
		return 0, err
	}
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_head_object_failed", "s3_key", key, "error", err)
		return 0, errors.Wrap(err, "failed to stat object")
	}
	return aws.ToInt64(out.ContentLength), nil
}
