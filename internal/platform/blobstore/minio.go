package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig locates the bucket holding archived payloads.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore archives payloads in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects and creates the bucket when it does not exist.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blobstore: bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blobstore: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (s *MinioStore) Put(ctx context.Context, hash string, payload []byte, contentType string) error {
	if err := verify(hash, payload); err != nil {
		return err
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	key := objectKey(hash)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return nil
	} else if !isNoSuchKey(err) {
		return fmt.Errorf("blobstore: stat %s: %w", hash, err)
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", hash, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, hash string) (*Object, error) {
	if !hashPattern.MatchString(hash) {
		return nil, ErrInvalidHash
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(hash), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", hash, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: stat %s: %w", hash, err)
	}
	data, err := io.ReadAll(io.LimitReader(obj, MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", hash, err)
	}
	if Sum(data) != hash {
		return nil, ErrHashMismatch
	}
	return &Object{
		Hash:        hash,
		ContentType: info.ContentType,
		Size:        info.Size,
		StoredAt:    info.LastModified.UTC(),
		Data:        data,
	}, nil
}
