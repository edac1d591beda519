// Package bucket stores small public objects in Google Cloud Storage. The
// relay uses it to publish HTTP-01 challenge bodies behind the load balancer.
package bucket

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrNotExist is returned by Get and Delete when the object is absent.
var ErrNotExist = errors.New("bucket: object does not exist")

// Bucket wraps one GCS bucket.
type Bucket struct {
	client *storage.Client
	name   string
}

// New dials GCS and binds to the named bucket. credFile may be empty, in
// which case ambient credentials are used.
func New(ctx context.Context, name, credFile string) (*Bucket, error) {
	var opts []option.ClientOption
	if credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bucket: dial: %w", err)
	}
	return &Bucket{client: client, name: name}, nil
}

// Put writes an object with the given content type, replacing any previous
// version.
func (b *Bucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := b.client.Bucket(b.name).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("bucket: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("bucket: write %s: %w", key, err)
	}
	return nil
}

// Delete removes an object. Deleting an absent object returns ErrNotExist.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	err := b.client.Bucket(b.name).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotExist
	}
	if err != nil {
		return fmt.Errorf("bucket: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (b *Bucket) Close() error { return b.client.Close() }
