package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// FileStore keeps generated collection files. Save returns an opaque
// reference that Open and Delete accept. Deleting a missing file is not an
// error.
type FileStore interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
	Open(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

const xmlContentType = "application/xml"

// LocalFileStore writes files below a directory.
type LocalFileStore struct {
	dir string
}

func NewLocalFileStore(dir string) (*LocalFileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, ierr.WithError(err).
			WithMessagef("failed to create artifact dir %s", dir).
			Mark(ierr.ErrFatal)
	}
	return &LocalFileStore{dir: dir}, nil
}

func (s *LocalFileStore) Save(_ context.Context, name string, data []byte) (string, error) {
	name = filepath.Base(name)
	tmp := filepath.Join(s.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", ierr.WithError(err).WithMessage("failed to write artifact").Mark(ierr.ErrTransient)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return "", ierr.WithError(err).WithMessage("failed to store artifact").Mark(ierr.ErrTransient)
	}
	return "file://" + name, nil
}

func (s *LocalFileStore) Open(_ context.Context, ref string) ([]byte, error) {
	name, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return nil, ierr.NewErrorf("unsupported artifact reference %q", ref).Mark(ierr.ErrValidation)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(name)))
	if os.IsNotExist(err) {
		return nil, ierr.NewErrorf("artifact %s not found", name).Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, ierr.WithError(err).WithMessage("failed to read artifact").Mark(ierr.ErrTransient)
	}
	return data, nil
}

func (s *LocalFileStore) Delete(_ context.Context, ref string) error {
	name, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return ierr.NewErrorf("unsupported artifact reference %q", ref).Mark(ierr.ErrValidation)
	}
	if err := os.Remove(filepath.Join(s.dir, filepath.Base(name))); err != nil && !os.IsNotExist(err) {
		return ierr.WithError(err).WithMessage("failed to delete artifact").Mark(ierr.ErrTransient)
	}
	return nil
}

// S3FileStore keeps files in a bucket.
type S3FileStore struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3FileStore(ctx context.Context, region, bucket, prefix string) (*S3FileStore, error) {
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(region))
	if err != nil {
		return nil, ierr.WithError(err).WithHint("failed to load aws config").Mark(ierr.ErrFatal)
	}
	return &S3FileStore{client: s3.NewFromConfig(awsCfg), bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3FileStore) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *S3FileStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	key := s.key(filepath.Base(name))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(xmlContentType),
	})
	if err != nil {
		return "", ierr.WithError(err).WithHint("failed to upload collection file").
			WithMessagef("bucket:%s, key:%s", s.bucket, key).
			Mark(ierr.ErrTransient)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *S3FileStore) Open(ctx context.Context, ref string) ([]byte, error) {
	key, ok := strings.CutPrefix(ref, "s3://"+s.bucket+"/")
	if !ok {
		return nil, ierr.NewErrorf("unsupported artifact reference %q", ref).Mark(ierr.ErrValidation)
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if ierr.As(err, &nsk) {
			return nil, ierr.NewErrorf("artifact %s not found", key).Mark(ierr.ErrNotFound)
		}
		return nil, ierr.WithError(err).WithHint("failed to get collection file").
			WithMessagef("bucket:%s, key:%s", s.bucket, key).
			Mark(ierr.ErrTransient)
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

func (s *S3FileStore) Delete(ctx context.Context, ref string) error {
	key, ok := strings.CutPrefix(ref, "s3://"+s.bucket+"/")
	if !ok {
		return ierr.NewErrorf("unsupported artifact reference %q", ref).Mark(ierr.ErrValidation)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ierr.WithError(err).WithHint("failed to delete collection file").
			WithMessagef("bucket:%s, key:%s", s.bucket, key).
			Mark(ierr.ErrTransient)
	}
	return nil
}
