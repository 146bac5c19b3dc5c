// Package store adapts an S3-compatible object store (AWS S3, Cloudflare
// R2, MinIO, ...) to the OS contract of spec.md §2/§6.2: opaque blob store
// keyed by string key, supporting head/get/put/delete/batch-delete.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"imagevariant/internal/apierr"
)

// CacheControlImmutable is applied to every rendition upload per spec.md §6.2.
const CacheControlImmutable = "public, max-age=31536000, immutable"

// Client wraps an s3.Client configured against a bucket and, optionally, a
// non-AWS endpoint (R2, MinIO) and public base URL for redirects.
type Client struct {
	s3         *s3.Client
	bucketName string
	publicURL  string
}

// Config carries the object-store connection parameters from
// internal/config.Config.
type Config struct {
	Region          string
	BucketName      string
	PublicURL       string
	EndpointURL     string // non-empty for R2/MinIO; empty uses AWS's default resolver
	AccessKeyID     string
	SecretAccessKey string
}

// New creates an object-store client from explicit configuration — no
// package-level env reads, per spec.md §9's dependency-injection guidance.
func New(cfg Config) (*Client, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("%w: bucket name is required", apierr.ErrFatalConfig)
	}

	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	if cfg.EndpointURL != "" {
		opts.BaseEndpoint = aws.String(cfg.EndpointURL)
		opts.UsePathStyle = true
	}

	return &Client{
		s3:         s3.New(opts),
		bucketName: cfg.BucketName,
		publicURL:  cfg.PublicURL,
	}, nil
}

// Head reports whether an object exists at key. It returns apierr.ErrNotFound
// for a 404 response and wraps any other failure in apierr.ErrTransientStore.
func (c *Client) Head(ctx context.Context, key string) error {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", apierr.ErrNotFound, key)
	}
	return fmt.Errorf("%w: head %s: %w", apierr.ErrTransientStore, key, err)
}

// Get fetches the full object body at key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", apierr.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: get %s: %w", apierr.ErrTransientStore, key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body %s: %w", apierr.ErrTransientStore, key, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body at %s", apierr.ErrTransientStore, key)
	}
	return data, nil
}

// Put uploads data to key with the given content type and the service's
// standard immutable cache-control header.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucketName),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(CacheControlImmutable),
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", apierr.ErrTransientStore, key, err)
	}
	return nil
}

// Delete removes a single object. Missing objects are not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", apierr.ErrTransientStore, key, err)
	}
	return nil
}

// BatchDelete removes up to 1000 objects in a single request, per S3's
// DeleteObjects limit. Callers with more keys must chunk.
func (c *Client) BatchDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}

	out, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(c.bucketName),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("%w: batch delete: %w", apierr.ErrTransientStore, err)
	}
	if len(out.Errors) > 0 {
		var msgs []string
		for _, e := range out.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
		return fmt.Errorf("%w: batch delete partial failure: %s", apierr.ErrTransientStore, strings.Join(msgs, "; "))
	}
	return nil
}

// PublicURL forms the public URL for key by path-encoding each path segment
// and joining it to the configured public base URL.
func (c *Client) PublicURL(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	encoded := strings.Join(segments, "/")

	base := strings.TrimRight(c.publicURL, "/")
	return base + "/" + encoded
}

// isNotFound reports whether err represents an S3 404 (NoSuchKey or a bare
// HTTP 404 response, which HeadObject returns since it has no body to carry
// an error code).
func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
