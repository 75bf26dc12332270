package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// multipartThreshold is the object size above which uploads go through s3manager
const multipartThreshold = 100 * 1024 * 1024

var ErrS3ClientNotInitialized = errors.New("S3 client not initialized")

// S3Config configures an S3-compatible target.
type S3Config struct {
	Endpoint   string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Region     string
	MaxRetries int
}

// S3Storage stores objects in a single S3 bucket.
type S3Storage struct {
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
	logger   *slog.Logger
}

// NewS3Storage creates a path-style S3 client. An empty endpoint uses AWS.
func NewS3Storage(cfg S3Config, logger *slog.Logger) (*S3Storage, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
		MaxRetries:       aws.Int(cfg.MaxRetries),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return NewS3StorageFromClient(cfg.Bucket, s3.New(sess), s3manager.NewUploader(sess), logger), nil
}

// NewS3StorageFromClient wraps existing AWS clients.
func NewS3StorageFromClient(bucket string, client *s3.S3, uploader *s3manager.Uploader, logger *slog.Logger) *S3Storage {
	return &S3Storage{
		bucket:   bucket,
		client:   client,
		uploader: uploader,
		logger:   logger,
	}
}

func (s *S3Storage) Location() string {
	return "s3://" + s.bucket
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if s.client == nil {
		return ErrS3ClientNotInitialized
	}
	s.logger.Debug(fmt.Sprintf("  ☁️  Uploading to s3://%s/%s (size: %d bytes)", s.bucket, key, len(data)))

	if len(data) > multipartThreshold && s.uploader != nil {
		_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
		}
		return nil
	}

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if s.client == nil {
		return nil, ErrS3ClientNotInitialized
	}

	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, key, err)
	}
	return data, nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	if s.client == nil {
		return false, ErrS3ClientNotInitialized
	}

	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if s.client == nil {
		return ErrS3ClientNotInitialized
	}

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, key, err)
	}
	return nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	if s.client == nil {
		return nil, ErrS3ClientNotInitialized
	}

	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrListFailed, prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// isNotFound reports whether err is an S3 missing-key error. HeadObject has no
// body, so it reports a bare NotFound code instead of NoSuchKey.
func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode() == 404
	}
	return false
}
