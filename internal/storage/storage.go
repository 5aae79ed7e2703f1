// Package storage abstracts the object stores that hold bundle assets and
// environment entry documents.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist indicates the object is not present in the store.
var ErrNotExist = errors.New("storage: object does not exist")

// ErrUnavailable indicates a transient backend failure worth retrying.
var ErrUnavailable = errors.New("storage: backend unavailable")

// PutOptions carries metadata recorded alongside an uploaded object.
type PutOptions struct {
	ContentType  string
	CacheControl string
	SHA256       string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	SHA256      string
	ModTime     time.Time
	ContentType string
}

// ObjectStore reads and writes opaque objects addressed by key. Put must
// replace the object atomically: readers observe either the previous object
// or the new one, never a partial write.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
