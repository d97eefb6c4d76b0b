package blob

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// Store holds the encrypted bytes of file drops. Objects are opaque
// ciphertext; the key is derived from the drop id so a purged record
// always knows which object to remove.
type Store struct {
	cl     *minio.Client
	bucket string
}

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio client")
	}
	s := &Store{cl: cl, bucket: cfg.Bucket}
	exists, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "bucket check")
	}
	if !exists {
		if err := cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, errors.Wrap(err, "make bucket")
		}
	}
	return s, nil
}

// KeyFor maps a drop id to its object key.
func KeyFor(dropID string) string {
	return "drops/" + dropID
}

func (s *Store) Put(ctx context.Context, key string, payload []byte) error {
	_, err := s.cl.PutObject(ctx, s.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return errors.Wrapf(err, "put %s", key)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	return payload, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.cl.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	return errors.Wrapf(err, "delete %s", key)
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.cl.BucketExists(ctx, s.bucket)
	return errors.Wrap(err, "blob ping")
}
