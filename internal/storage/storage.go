package storage

import (
	"context"
	"io"
	"time"
)

type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
	ETag     string
	Metadata map[string]string
}

// Storage is the remote object store. Implementations must be safe for
// concurrent use by many transfer tasks.
type Storage interface {
	// Put stores the reader under key and returns the number of bytes written.
	Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// ThrottleCount is the number of throttling responses seen so far.
	ThrottleCount() int64
}
