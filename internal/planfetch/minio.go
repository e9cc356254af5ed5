package planfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
)

// ObjectSource reads plan documents from MinIO/S3. URIs take the form
// s3://bucket/key or minio://bucket/key; a bare key resolves against the
// default bucket.
type ObjectSource struct {
	client        *minio.Client
	defaultBucket string
}

func NewObjectSource(client *minio.Client, defaultBucket string) (*ObjectSource, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if strings.TrimSpace(defaultBucket) == "" {
		return nil, errors.New("default bucket is required")
	}
	return &ObjectSource{client: client, defaultBucket: defaultBucket}, nil
}

func (s *ObjectSource) Get(ctx context.Context, uri string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("object source not initialized")
	}
	bucket, key, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return raw, nil
}

func (s *ObjectSource) resolve(uri string) (bucket, key string, err error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", "", errors.New("empty plan uri")
	}
	if !strings.Contains(uri, "://") {
		return s.defaultBucket, uri, nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse plan uri: %w", err)
	}
	switch parsed.Scheme {
	case "s3", "minio":
	default:
		return "", "", fmt.Errorf("unsupported plan uri scheme: %q", parsed.Scheme)
	}
	bucket = parsed.Host
	key = strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("plan uri missing bucket or key: %q", uri)
	}
	return bucket, key, nil
}
