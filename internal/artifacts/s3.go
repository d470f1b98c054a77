package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"meshqueue/internal/services"
)

// S3Options configures the S3/MinIO backend.
type S3Options struct {
	Endpoint  string
	Bucket    string
	Region    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3 stores artifacts as objects; a single PutObject is atomic to readers.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 connects to the endpoint and creates the bucket when missing.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", opts.Bucket, err)
		}
	}
	return &S3{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// Put uploads r under a new version key, so earlier refs keep their bytes.
func (s *S3) Put(ctx context.Context, jobID, stage, name string, r io.Reader) (Ref, error) {
	ref, err := NewRef(jobID, stage, NewVersion(), name)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key(ref), r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", services.Wrap(services.ErrStorage, stage, "put artifact", string(ref), err)
	}
	return ref, nil
}

func (s *S3) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	// GetObject is lazy; stat first so a missing key surfaces here.
	if _, err := s.Stat(ctx, ref); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify("get artifact", ref, err)
	}
	return obj, nil
}

func (s *S3) Stat(ctx context.Context, ref Ref) (int64, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, s.key(ref), minio.StatObjectOptions{})
	if err != nil {
		return 0, s.classify("stat artifact", ref, err)
	}
	return info.Size, nil
}

func (s *S3) key(ref Ref) string {
	if s.prefix == "" {
		return string(ref)
	}
	return path.Join(s.prefix, string(ref))
}

func (s *S3) classify(operation string, ref Ref, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.StatusCode == 404) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return services.Wrap(services.ErrStorage, "", operation, string(ref), err)
}
