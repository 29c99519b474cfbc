package storage

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("object not found")

type Object struct {
	Name string
	Size int64
}

// ObjectStore holds transcript archives. Keys are slash separated paths.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data io.Reader) error

	GetObject(ctx context.Context, key string) ([]byte, error)

	ListObjects(ctx context.Context, prefix string) ([]Object, error)
}
