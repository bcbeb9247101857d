// Package minio implements storage.ObjectStore over any S3-compatible
// endpoint using the MinIO client.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/sentinelauth/sentinel/storage"
)

// Objects is a bucket-scoped storage.ObjectStore.
type Objects struct {
	client *minio.Client
	bucket string
}

// NewObjects wraps an already-configured client. The bucket must exist.
func NewObjects(client *minio.Client, bucket string) *Objects {
	return &Objects{client: client, bucket: bucket}
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

func (o *Objects) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return wrap(err)
	}
	return nil
}

func (o *Objects) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := o.client.PresignedGetObject(ctx, o.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", wrap(err)
	}
	return u.String(), nil
}

func (o *Objects) Ping(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return wrap(err)
	}
	if !exists {
		return fmt.Errorf("%w: bucket %q does not exist", storage.ErrUnavailable, o.bucket)
	}
	return nil
}
