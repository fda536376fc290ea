// Package minio implements blobstore.Store for MinIO and other
// S3-compatible object stores reachable through the MinIO client.
package minio

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/docwire/blobstore"
)

// Store implements blobstore.Store for MinIO.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ blobstore.Store = (*Store)(nil)

// New creates a MinIO artifact store. rootPrefix is prepended to all names
// (e.g. "exports/").
func New(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

// Put uploads the artifact under name. The size is unknown up front, so the
// client streams the body with multipart uploads as needed.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, -1, minio.PutObjectOptions{})
	return err
}

// Get opens the artifact for reading.
func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; surface missing artifacts here instead of on the
	// first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

// Delete removes the artifact.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// List returns the names of all artifacts with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	opts := minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := obj.Key
		if s.prefix != "" {
			name = strings.TrimPrefix(strings.TrimPrefix(name, s.prefix), "/")
		}
		names = append(names, name)
	}
	return names, nil
}
