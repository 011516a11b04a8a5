// Package store wraps the S3 API for FastDL bucket operations. It
// targets any S3-compatible endpoint; a custom endpoint switches the
// client to path-style addressing.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// MultipartThreshold is the object size above which uploads switch to
// the multipart uploader.
const MultipartThreshold = 25 * 1024 * 1024

const multipartConcurrency = 5

// Config identifies the target bucket and credentials.
type Config struct {
	Bucket    string
	Endpoint  string // empty means AWS proper
	Region    string
	AccessKey string
	SecretKey string
}

// Client is a FastDL-bucket-scoped S3 client.
type Client struct {
	s3       *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	uploader := manager.NewUploader(s3Client, func(u *manager.Uploader) {
		u.PartSize = MultipartThreshold
		u.Concurrency = multipartConcurrency
	})

	return &Client{s3: s3Client, uploader: uploader, bucket: cfg.Bucket}, nil
}

// Put uploads body as key with a single PutObject call.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &c.bucket,
		Key:           &key,
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// UploadLarge uploads body as key through the multipart uploader. It
// also sidesteps endpoints that reject single-shot payload checksums.
func (c *Client) UploadLarge(ctx context.Context, key string, body io.Reader) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("multipart upload %s: %w", key, err)
	}
	return nil
}

// GetString fetches key and returns its body as a string.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	resp, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(data), nil
}

// List returns key→size for every object under prefix.
func (c *Client) List(ctx context.Context, prefix string) (map[string]int64, error) {
	objects := make(map[string]int64)

	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: &c.bucket,
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects[aws.ToString(obj.Key)] = aws.ToInt64(obj.Size)
		}
	}
	return objects, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Ping verifies the bucket is reachable with the given credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.bucket})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", c.bucket, err)
	}
	return nil
}

// IsNotFound reports whether err is a missing-object error.
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

// IsChecksumMismatch detects endpoints that reject single-shot uploads
// with a payload checksum complaint. Affected endpoints work fine
// through the multipart path.
func IsChecksumMismatch(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "XAmzContentSHA256Mismatch"
	}
	return err != nil && strings.Contains(err.Error(), "XAmzContentSHA256Mismatch")
}
