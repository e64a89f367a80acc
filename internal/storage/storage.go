package storage

import (
	"context"
	"errors"
)

// ErrUnknownDriver is returned by Open for an unsupported storage.driver.
var ErrUnknownDriver = errors.New("unknown storage driver")

// KV is the durable key-value substrate behind the Store. Get returns
// (nil, nil) when the key is absent.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
