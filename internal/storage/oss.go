package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss"
	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss/credentials"
)

const metaSHA256 = "sha256"

// OSSConfig holds the connection settings for an Alibaba Cloud OSS bucket.
type OSSConfig struct {
	Region          string
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string
	Prefix          string
}

// OSS stores objects in an Alibaba Cloud OSS bucket. A single object PUT is
// atomic on OSS, which the document store relies on.
type OSS struct {
	client *oss.Client
	bucket string
	prefix string
}

// NewOSS builds an OSS-backed store from static credentials.
func NewOSS(cfg OSSConfig) (*OSS, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, fmt.Errorf("oss store: bucket and credentials are required")
	}
	provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, "")
	clientCfg := oss.LoadDefaultConfig().
		WithCredentialsProvider(provider).
		WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		clientCfg = clientCfg.WithEndpoint(cfg.Endpoint)
	}
	return &OSS{
		client: oss.NewClient(clientCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *OSS) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *OSS) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	request := &oss.PutObjectRequest{
		Bucket: oss.Ptr(s.bucket),
		Key:    oss.Ptr(s.key(key)),
		Body:   body,
	}
	if opts.ContentType != "" {
		request.ContentType = oss.Ptr(opts.ContentType)
	}
	if opts.CacheControl != "" {
		request.CacheControl = oss.Ptr(opts.CacheControl)
	}
	if opts.SHA256 != "" {
		request.Metadata = map[string]string{metaSHA256: opts.SHA256}
	}
	if _, err := s.client.PutObject(ctx, request); err != nil {
		return classifyOSSError("put", key, err)
	}
	return nil
}

func (s *OSS) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	result, err := s.client.HeadObject(ctx, &oss.HeadObjectRequest{
		Bucket: oss.Ptr(s.bucket),
		Key:    oss.Ptr(s.key(key)),
	})
	if err != nil {
		return ObjectInfo{}, classifyOSSError("stat", key, err)
	}
	info := ObjectInfo{
		Key:         key,
		Size:        result.ContentLength,
		ContentType: oss.ToString(result.ContentType),
	}
	if result.LastModified != nil {
		info.ModTime = *result.LastModified
	}
	if result.Metadata != nil {
		info.SHA256 = result.Metadata[metaSHA256]
	}
	return info, nil
}

func (s *OSS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &oss.GetObjectRequest{
		Bucket: oss.Ptr(s.bucket),
		Key:    oss.Ptr(s.key(key)),
	})
	if err != nil {
		return nil, classifyOSSError("open", key, err)
	}
	return result.Body, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *OSS) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &oss.DeleteObjectRequest{
		Bucket: oss.Ptr(s.bucket),
		Key:    oss.Ptr(s.key(key)),
	})
	if err != nil {
		classified := classifyOSSError("delete", key, err)
		if errors.Is(classified, ErrNotExist) {
			return nil
		}
		return classified
	}
	return nil
}

func classifyOSSError(op, key string, err error) error {
	var serr *oss.ServiceError
	if errors.As(err, &serr) {
		switch {
		case serr.StatusCode == 404 || serr.Code == "NoSuchKey":
			return ErrNotExist
		case serr.StatusCode >= 500 || serr.Code == "RequestTimeout":
			return fmt.Errorf("%s object %s: %v: %w", op, key, err, ErrUnavailable)
		}
		return fmt.Errorf("%s object %s: %w", op, key, err)
	}
	// Connection level failures arrive as plain errors.
	return fmt.Errorf("%s object %s: %v: %w", op, key, err, ErrUnavailable)
}
