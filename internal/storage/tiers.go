package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/internal/request"
)

const cdnTimeout = 60 * time.Second

// CDNTier hands the artifact to the CDN upload handler.
type CDNTier struct {
	url    string
	client *request.Client
}

type cdnUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

type cdnUploadResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Error   string `json:"error"`
}

func NewCDNTier(cfg config.CDNConfig) *CDNTier {
	return &CDNTier{url: cfg.Url, client: request.New(cdnTimeout, cfg.Headers)}
}

func (c *CDNTier) Name() string { return "cdn" }

func (c *CDNTier) Put(ctx context.Context, obj Object) (string, error) {
	var resp cdnUploadResponse
	_, err := c.client.PostJSON(ctx, c.url, cdnUploadRequest{
		Filename:    obj.Name,
		ContentType: obj.ContentType,
		Data:        base64.StdEncoding.EncodeToString(obj.Data),
	}, &resp)
	if err != nil {
		return "", errors.Wrap(err, "cdn upload")
	}
	if resp.URL == "" {
		return "", errors.Errorf("cdn upload rejected: %s", resp.Error)
	}
	return resp.URL, nil
}

// S3Tier writes to an S3 compatible bucket.
type S3Tier struct {
	client     *s3.S3
	bucket     string
	publicBase string
	now        func() time.Time
}

func NewS3Tier(cfg config.S3Config) (*S3Tier, error) {
	awsCfg := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKeyId, cfg.SecretAccessKey, ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create s3 session")
	}

	publicBase := cfg.PublicBaseURL
	if publicBase == "" {
		if cfg.Endpoint != "" {
			publicBase = joinURL(cfg.Endpoint, cfg.Bucket)
		} else {
			publicBase = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	return &S3Tier{client: s3.New(sess), bucket: cfg.Bucket, publicBase: publicBase, now: time.Now}, nil
}

func (s *S3Tier) Name() string { return "s3" }

func (s *S3Tier) Put(ctx context.Context, obj Object) (string, error) {
	key := datedKey(obj.Name, s.now())
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(obj.Data),
		ContentType: aws.String(obj.ContentType),
	})
	if err != nil {
		return "", errors.Wrap(err, "s3 upload")
	}
	return joinURL(s.publicBase, key), nil
}

// MinIOTier writes to a MinIO bucket.
type MinIOTier struct {
	client     *minio.Client
	bucket     string
	publicBase string
	now        func() time.Time
}

// NewMinIOTier connects to MinIO. A nil transport uses the client default.
func NewMinIOTier(cfg config.MinIOConfig, transport http.RoundTripper) (*MinIOTier, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    "us-east-1",
		Transport: transport,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "nodeflow-artifacts"
	}
	publicBase := cfg.PublicBaseURL
	if publicBase == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicBase = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, bucket)
	}
	return &MinIOTier{client: client, bucket: bucket, publicBase: publicBase, now: time.Now}, nil
}

func (m *MinIOTier) Name() string { return "minio" }

func (m *MinIOTier) Put(ctx context.Context, obj Object) (string, error) {
	key := datedKey(obj.Name, m.now())
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(obj.Data), int64(len(obj.Data)),
		minio.PutObjectOptions{ContentType: obj.ContentType})
	if err != nil {
		return "", errors.Wrap(err, "minio upload")
	}
	return joinURL(m.publicBase, key), nil
}

// LocalTier writes under a directory served at publicBase.
type LocalTier struct {
	dir        string
	publicBase string
	now        func() time.Time
}

func NewLocalTier(cfg config.LocalStorageConfig) *LocalTier {
	dir := cfg.Dir
	if dir == "" {
		dir = "uploads"
	}
	publicBase := cfg.PublicBaseURL
	if publicBase == "" {
		publicBase = "/" + filepath.ToSlash(filepath.Clean(dir))
	}
	return &LocalTier{dir: dir, publicBase: publicBase, now: time.Now}
}

func (l *LocalTier) Name() string { return "local" }

func (l *LocalTier) Put(_ context.Context, obj Object) (string, error) {
	key := datedKey(filepath.Base(obj.Name), l.now())
	target := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", errors.Wrap(err, "create upload directory")
	}
	if err := os.WriteFile(target, obj.Data, 0o644); err != nil {
		return "", errors.Wrap(err, "write artifact")
	}
	return joinURL(l.publicBase, key), nil
}
