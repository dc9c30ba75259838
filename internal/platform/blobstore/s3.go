package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of *s3.Client used by S3BlobStore.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

const hashMetadataKey = "sha256"

// S3BlobStore keeps blobs in one bucket under an optional key prefix.
type S3BlobStore struct {
	client s3API
	bucket string
	prefix string
}

// NewS3BlobStore loads the default AWS configuration (environment, shared
// config, instance role) and returns a store for bucket. AWS_ENDPOINT_URL
// points it at an S3-compatible server; path-style addressing is used.
func NewS3BlobStore(ctx context.Context, bucket, prefix string) (*S3BlobStore, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return newS3BlobStore(client, bucket, prefix), nil
}

func newS3BlobStore(client s3API, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3BlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3BlobStore) blobKey(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, s.prefix+"/")
}

func (s *S3BlobStore) Put(ctx context.Context, key, contentType string, content io.Reader) (*Object, error) {
	if key == "" {
		return nil, ErrMissingBlobKey
	}
	data, hash, err := readBlob(content)
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{hashMetadataKey: hash},
	})
	if err != nil {
		return nil, fmt.Errorf("put s3 object %s: %w", key, err)
	}
	return &Object{Key: key, ContentType: contentType, Size: int64(len(data)), Hash: hash}, nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, *Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("get s3 object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxBlobSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read s3 object %s: %w", key, err)
	}
	if int64(len(data)) > MaxBlobSize {
		return nil, nil, ErrBlobTooLarge
	}
	return data, &Object{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        int64(len(data)),
		Hash:        out.Metadata[hashMetadataKey],
		CreatedAt:   aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]*Object, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	var out []*Object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3 objects %s: %w", prefix, err)
		}
		for _, o := range page.Contents {
			out = append(out, &Object{
				Key:       s.blobKey(aws.ToString(o.Key)),
				Size:      aws.ToInt64(o.Size),
				CreatedAt: aws.ToTime(o.LastModified),
			})
		}
	}
	return out, nil
}

// Delete removes key. S3 does not report missing keys, so neither does
// Delete.
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete s3 object %s: %w", key, err)
	}
	return nil
}
