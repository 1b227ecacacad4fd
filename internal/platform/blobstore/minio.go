package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const hashMetaKey = "Sha256"

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioBlobStore keeps blobs in an S3-compatible bucket.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
}

func NewMinioBlobStore(cfg MinioConfig) (*MinioBlobStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("blobstore: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioBlobStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioBlobStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := readContent(&meta, content)
	if err != nil {
		return nil, err
	}
	userMeta := copyTags(meta.Tags)
	userMeta[hashMetaKey] = meta.Hash

	info, err := s.client.PutObject(ctx, s.bucket, meta.Key, bytes.NewReader(data), meta.Size, minio.PutObjectOptions{
		ContentType:  meta.ContentType,
		UserMetadata: userMeta,
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.Key, err)
	}
	meta.CreatedAt = info.LastModified
	if meta.CreatedAt.IsZero() {
		stat, err := s.GetMetadata(ctx, meta.Key)
		if err == nil {
			meta.CreatedAt = stat.CreatedAt
		}
	}
	return &meta, nil
}

func (s *MinioBlobStore) Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, translateErr(key, err)
	}
	return obj, meta, nil
}

func (s *MinioBlobStore) GetMetadata(ctx context.Context, key string) (*BlobMetadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translateErr(key, err)
	}
	return toMetadata(info), nil
}

func (s *MinioBlobStore) List(ctx context.Context, prefix string) ([]*BlobMetadata, error) {
	out := []*BlobMetadata{}
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true, WithMetadata: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, info.Err)
		}
		out = append(out, toMetadata(info))
	}
	return out, nil
}

func toMetadata(info minio.ObjectInfo) *BlobMetadata {
	meta := &BlobMetadata{
		Key:         info.Key,
		ContentType: info.ContentType,
		Size:        info.Size,
		CreatedAt:   info.LastModified.UTC(),
		Tags:        make(map[string]string, len(info.UserMetadata)),
	}
	for k, v := range info.UserMetadata {
		k = strings.TrimPrefix(strings.TrimPrefix(k, "X-Amz-Meta-"), "x-amz-meta-")
		if strings.EqualFold(k, hashMetaKey) {
			meta.Hash = v
			continue
		}
		meta.Tags[k] = v
	}
	return meta
}

func translateErr(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrBlobNotFound)
	}
	return fmt.Errorf("get object %s: %w", key, err)
}
