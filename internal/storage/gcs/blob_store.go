// Package gcs mirrors site files into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Source opens site files by their path relative to the site root.
type Source interface {
	Open(path string) (io.ReadCloser, error)
}

// BlobStore writes site files to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName maps a site path to its object name under the prefix.
func (s *BlobStore) ObjectName(rel string) string {
	rel = strings.TrimLeft(path.Clean("/"+rel), "/")
	if s.prefix == "" {
		return rel
	}
	return s.prefix + "/" + rel
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Mirror uploads each site path from src. Every path is attempted; the URIs
// of the successful uploads are returned alongside the joined failures.
func (s *BlobStore) Mirror(ctx context.Context, src Source, paths []string) ([]string, error) {
	uris := make([]string, 0, len(paths))
	var errs []error
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		uri, err := s.upload(ctx, src, rel)
		if err != nil {
			errs = append(errs, fmt.Errorf("mirror %s: %w", rel, err))
			continue
		}
		uris = append(uris, uri)
	}
	return uris, errors.Join(errs...)
}

func (s *BlobStore) upload(ctx context.Context, src Source, rel string) (string, error) {
	rc, err := src.Open(rel)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	return s.PutObject(ctx, s.ObjectName(rel), ContentType(rel), rc)
}

// ContentType guesses the MIME type from the file extension.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".xml":
		return "application/xml; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
