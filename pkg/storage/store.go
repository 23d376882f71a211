// Package storage replicates object-storage buckets between environments.
package storage

import (
	"context"
	"errors"
)

// ErrBucketNotFound is returned by a Store when the addressed bucket does not exist
var ErrBucketNotFound = errors.New("bucket not found")

// Kind tells files and directories apart in a listing
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Entry is one element of a single-level listing. Name is relative to the listed prefix.
type Entry struct {
	Name        string
	Kind        Kind
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Object is a downloaded file
type Object struct {
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Store is an object storage of one environment
type Store interface {
	// List returns the direct children of prefix, which is empty or ends in "/"
	List(ctx context.Context, bucket, prefix string) ([]Entry, error)
	Download(ctx context.Context, bucket, path string) (*Object, error)
	// Upload writes obj at path, overwriting any existing object
	Upload(ctx context.Context, bucket, path string, obj *Object) error
	// CreateBucket creates the bucket; an already existing bucket is not an error
	CreateBucket(ctx context.Context, bucket string, public bool) error
}
