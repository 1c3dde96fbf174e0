package storage

import (
	"context"
	"errors"
	"fmt"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
)

const defaultCopyConcurrency = 4

// ObjectCopier copies one object to another location.
type ObjectCopier interface {
	Copy(ctx context.Context, src, dst ObjectRef) error
}

// GCSCopier performs server-side copies with the Cloud Storage client.
type GCSCopier struct {
	client *gcs.Client
}

// NewGCSCopier constructs a copier backed by the provided Cloud Storage client.
func NewGCSCopier(client *gcs.Client) (*GCSCopier, error) {
	if client == nil {
		return nil, errors.New("storage copier: client is required")
	}
	return &GCSCopier{client: client}, nil
}

// Copy implements ObjectCopier. Copying an object onto itself is a no-op.
func (c *GCSCopier) Copy(ctx context.Context, src, dst ObjectRef) error {
	if src == dst {
		return nil
	}
	source := c.client.Bucket(src.Bucket).Object(src.Name)
	target := c.client.Bucket(dst.Bucket).Object(dst.Name)
	if _, err := target.CopierFrom(source).Run(ctx); err != nil {
		return fmt.Errorf("storage: copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// ImageArchiver copies listing images into the archive bucket under an order-owned prefix
// so snapshots keep rendering after the provider edits or deletes the listing.
type ImageArchiver struct {
	copier        ObjectCopier
	listingBucket string
	archiveBucket string
	concurrency   int
}

// ArchiverOption customises an ImageArchiver.
type ArchiverOption func(*ImageArchiver)

// WithCopyConcurrency bounds parallel copies per order.
func WithCopyConcurrency(n int) ArchiverOption {
	return func(a *ImageArchiver) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// NewImageArchiver constructs an archiver. Bare image names resolve against listingBucket.
func NewImageArchiver(copier ObjectCopier, listingBucket, archiveBucket string, opts ...ArchiverOption) (*ImageArchiver, error) {
	if copier == nil {
		return nil, errors.New("storage archiver: copier is required")
	}
	if archiveBucket == "" {
		return nil, errors.New("storage archiver: archive bucket is required")
	}
	a := &ImageArchiver{
		copier:        copier,
		listingBucket: listingBucket,
		archiveBucket: archiveBucket,
		concurrency:   defaultCopyConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// ArchiveImages copies every image and returns the archived gs:// URIs in input order.
// Any failed copy fails the whole call so an order never records a partial archive.
func (a *ImageArchiver) ArchiveImages(ctx context.Context, orderID string, images []string) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	type job struct {
		src ObjectRef
		dst ObjectRef
	}
	jobs := make([]job, len(images))
	for i, raw := range images {
		src, err := ParseObjectRef(raw, a.listingBucket)
		if err != nil {
			return nil, err
		}
		name, err := SnapshotImagePath(orderID, i, src)
		if err != nil {
			return nil, err
		}
		jobs[i] = job{src: src, dst: ObjectRef{Bucket: a.archiveBucket, Name: name}}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(a.concurrency)
	for _, j := range jobs {
		group.Go(func() error {
			return a.copier.Copy(gctx, j.src, j.dst)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	archived := make([]string, len(jobs))
	for i, j := range jobs {
		archived[i] = j.dst.String()
	}
	return archived, nil
}
