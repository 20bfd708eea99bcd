// Package objects holds the byte-blob storage used for result payloads. The
// lifecycle layer only consumes the contract; backends are MinIO for
// deployments and an in-process map for tests.
package objects

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("object not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys []string) error
	List(ctx context.Context) ([]string, error)
}
