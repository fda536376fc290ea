// Package s3 implements blobstore.Store on Amazon S3. Uploads go through
// the SDK's parallel multipart uploader; an optional semaphore bounds the
// number of artifacts uploading at once so a burst of export jobs cannot
// saturate the uplink.
package s3

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/docwire/blobstore"
)

// Client captures the S3 operations the store uses, so tests can supply an
// in-memory fake.
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Options configures the store.
type Options struct {
	// PartSize is the multipart upload part size in bytes.
	PartSize int64
	// Concurrency is the number of concurrent part uploads per artifact.
	Concurrency int
	// MaxInflightPuts bounds the number of artifacts uploading at once.
	// Zero means unbounded.
	MaxInflightPuts int64
}

// Store implements blobstore.Store for S3.
type Store struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	gate     *semaphore.Weighted
}

var _ blobstore.Store = (*Store)(nil)

// New creates an S3 artifact store. rootPrefix is prepended to all names
// (e.g. "exports/").
func New(client Client, bucket, rootPrefix string, optFns ...func(o *Options)) *Store {
	opts := Options{
		PartSize:    8 * 1024 * 1024,
		Concurrency: 5,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var gate *semaphore.Weighted
	if opts.MaxInflightPuts > 0 {
		gate = semaphore.NewWeighted(opts.MaxInflightPuts)
	}

	return &Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = opts.PartSize
			u.Concurrency = opts.Concurrency
		}),
		bucket: bucket,
		prefix: rootPrefix,
		gate:   gate,
	}
}

// NewDefault creates an S3 artifact store using the default AWS config
// resolution chain.
func NewDefault(ctx context.Context, bucket, rootPrefix string, optFns ...func(o *Options)) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return New(awss3.NewFromConfig(cfg), bucket, rootPrefix, optFns...), nil
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put uploads the artifact under name.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) error {
	if s.gate != nil {
		if err := s.gate.Acquire(ctx, 1); err != nil {
			return err
		}
		defer s.gate.Release(1)
	}

	_, err := s.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   r,
	})
	return err
}

// Get opens the artifact for reading.
func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

// Delete removes the artifact.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	return err
}

// List returns the names of all artifacts with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.key(prefix)
	var names []string

	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if s.prefix != "" {
				name = strings.TrimPrefix(strings.TrimPrefix(name, s.prefix), "/")
			}
			names = append(names, name)
		}
	}
	return names, nil
}
