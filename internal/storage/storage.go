// Package storage provides the key-value surfaces the client persists its
// local state into. Values are opaque byte slices; callers own the encoding.
package storage

import (
	"context"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("storage: key not found")

// KV is a durable key-value store. Implementations must be safe for
// concurrent use.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
