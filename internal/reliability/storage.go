// Package reliability ships run-ledger archives to remote object storage
// and enforces their retention. The remote side only needs three verbs,
// so any S3-compatible store works, R2-style custom endpoints included.
package reliability

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// StoredObject describes one remote object.
type StoredObject struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// ObjectClient is the storage surface the archiver depends on. The
// production implementation is ObjectStore; tests substitute a fake.
type ObjectClient interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	List(ctx context.Context, prefix string) ([]StoredObject, error)
	Delete(ctx context.Context, key string) error
}

// ObjectStoreOptions configures the remote bucket connection. Empty
// credentials fall back to the ambient AWS credential chain; a non-empty
// Endpoint switches to path-style addressing for R2-style stores.
type ObjectStoreOptions struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectStore talks to an S3-compatible bucket.
type ObjectStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewObjectStore creates a client for the configured bucket.
func NewObjectStore(ctx context.Context, opts ObjectStoreOptions, log zerolog.Logger) (*ObjectStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("object store bucket not configured")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &ObjectStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		log:      log.With().Str("client", "object_store").Logger(),
	}, nil
}

// Upload streams an object to the bucket.
func (s *ObjectStore) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.log.Info().
		Str("key", key).
		Int64("size_bytes", size).
		Dur("duration_ms", time.Since(start)).
		Msg("Object uploaded")

	return nil
}

// List returns the objects under the given key prefix.
func (s *ObjectStore) List(ctx context.Context, prefix string) ([]StoredObject, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []StoredObject
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s*: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			stored := StoredObject{Key: *obj.Key}
			if obj.Size != nil {
				stored.SizeBytes = *obj.Size
			}
			if obj.LastModified != nil {
				stored.LastModified = *obj.LastModified
			}
			objects = append(objects, stored)
		}
	}

	return objects, nil
}

// Delete removes an object from the bucket.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	s.log.Debug().Str("key", key).Msg("Object deleted")
	return nil
}
