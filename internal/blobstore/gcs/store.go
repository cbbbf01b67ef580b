// Package gcs implements an artifact store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Store uploads crawl artifacts to a GCS bucket and returns gs:// URIs.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed store.
func New(client *storage.Client, bucket, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// PutObject uploads the artifact and returns its gs:// URI.
func (s *Store) PutObject(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", fmt.Errorf("path is required")
	}
	key := objectPath
	if s.prefix != "" {
		key = path.Join(s.prefix, objectPath)
	}

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}
