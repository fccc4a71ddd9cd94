// Package blob defines object storage for intermediate and final task
// artifacts, and the key scheme shared by the stages.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// PresignTTL is the lifetime of download links handed to clients.
const PresignTTL = 600 * time.Second

var ErrNotFound = errors.New("blob not found")

// Store is an object store.
type Store interface {
	// Put stores r under key. r may be of unknown length.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	// Get opens the object. Missing keys return ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// Presign returns a time-limited public download URL.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	// ObjectURL is the address external services use to fetch the object.
	ObjectURL(key string) string
}

func VideoKey(id string) string { return "tmp/video/" + id }
func TextKey(id string) string  { return "tmp/raw_text/" + id }
func PDFKey(id string) string   { return id + ".pdf" }
